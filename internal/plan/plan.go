// Package plan maintains the set of edges still to run and the subset
// currently ready to run. It owns no I/O: everything it decides is
// driven by the dirty flags the scanner already computed and the
// pool-admission state on graph.Pool.
//
// The ready queue is github.com/ahrtr/gocontainer's priority queue,
// ordered by critical-path weight so the edge most likely to gate the
// rest of the build starts first, with ties broken by first output path.
package plan

import (
	"fmt"
	"strings"

	"github.com/ahrtr/gocontainer/queue/priorityqueue"

	"forgebuild/internal/graph"
)

// Want is the per-edge desire state.
type Want int8

const (
	WantNothing Want = iota
	WantToStart
	WantToFinish
)

// Result is the outcome of running an edge's command.
type Result int8

const (
	EdgeSucceeded Result = iota
	EdgeFailed
	EdgeInterrupted
)

// edgeCmp orders the ready queue by descending critical-path weight so
// the edge most likely to gate the rest of the build starts first;
// edges of equal weight come out in ascending first-output-path order.
type edgeCmp struct{}

func (edgeCmp) Compare(a, b interface{}) (int, error) {
	ea, eb := a.(*graph.Edge), b.(*graph.Edge)
	if ea.CriticalPathWeight() == eb.CriticalPathWeight() {
		var pa, pb string
		if len(ea.Outputs) > 0 {
			pa = ea.Outputs[0].Path()
		}
		if len(eb.Outputs) > 0 {
			pb = eb.Outputs[0].Path()
		}
		return strings.Compare(pa, pb), nil
	}
	if ea.CriticalPathWeight() > eb.CriticalPathWeight() {
		return -1, nil
	}
	return 1, nil
}

// DyndepLoader is the narrow slice of dyndep-loading behavior Plan
// needs from its Builder — kept as an interface so plan doesn't import
// build (which itself imports plan).
type DyndepLoader interface {
	LoadDyndeps(node *graph.Node) error
}

// StatusObserver lets the Plan report edges entering/leaving the plan —
// the hook a status printer uses for its running counters.
type StatusObserver interface {
	EdgeAddedToPlan(e *graph.Edge)
	EdgeRemovedFromPlan(e *graph.Edge)
}

// readyQueue adapts ahrtr/gocontainer's interface{}-typed priority
// queue to graph.ReadyQueue's *Edge-typed Add, which is all Pool needs.
type readyQueue struct {
	pq priorityqueue.Interface
}

func (r readyQueue) Add(e *graph.Edge)  { r.pq.Add(e) }
func (r readyQueue) IsEmpty() bool      { return r.pq.IsEmpty() }
func (r readyQueue) Poll() *graph.Edge  { return r.pq.Poll().(*graph.Edge) }
func (r readyQueue) Clear()             { r.pq.Clear() }

// Plan is the ready-queue and want-state tracker.
type Plan struct {
	want  map[*graph.Edge]Want
	ready readyQueue

	dyndep DyndepLoader
	status StatusObserver

	targets []*graph.Node

	commandEdges int
	wantedEdges  int
}

func New(dyndep DyndepLoader, status StatusObserver) *Plan {
	return &Plan{
		want:   make(map[*graph.Edge]Want),
		ready:  readyQueue{pq: priorityqueue.New().WithComparator(edgeCmp{})},
		dyndep: dyndep,
		status: status,
	}
}

func (p *Plan) MoreToDo() bool { return p.wantedEdges > 0 && p.commandEdges > 0 }
func (p *Plan) CommandEdgeCount() int { return p.commandEdges }

// AddTarget adds target and its full dependency closure to the plan.
func (p *Plan) AddTarget(target *graph.Node) error {
	p.targets = append(p.targets, target)
	_, err := p.addSubTarget(target, nil, nil)
	return err
}

func (p *Plan) addSubTarget(node *graph.Node, dependent *graph.Node, dyndepWalk map[*graph.Edge]bool) (bool, error) {
	edge := node.InEdge()
	if edge == nil {
		if node.Dirty() && !node.GeneratedByDepLoader() {
			if dependent != nil {
				return false, fmt.Errorf("%q, needed by %q, missing and no known rule to make it", node.Path(), dependent.Path())
			}
			return false, fmt.Errorf("%q missing and no known rule to make it", node.Path())
		}
		return false, nil
	}

	if edge.OutputsReady() {
		return false, nil
	}

	if _, ok := p.want[edge]; !ok {
		p.want[edge] = WantNothing
	}
	want := p.want[edge]

	if dyndepWalk != nil && want == WantToFinish {
		return false, nil
	}

	if node.Dirty() && want == WantNothing {
		want = WantToStart
		p.want[edge] = want
		p.edgeWanted(edge)
	}

	if dyndepWalk != nil {
		dyndepWalk[edge] = true
	}

	for _, input := range edge.Inputs {
		if _, err := p.addSubTarget(input, node, dyndepWalk); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (p *Plan) edgeWanted(e *graph.Edge) {
	p.wantedEdges++
	if !e.IsPhony() {
		p.commandEdges++
		if p.status != nil {
			p.status.EdgeAddedToPlan(e)
		}
	}
}

// FindWork pops and returns the next ready edge, or nil.
func (p *Plan) FindWork() *graph.Edge {
	if p.ready.IsEmpty() {
		return nil
	}
	return p.ready.Poll()
}

func (p *Plan) Reset() {
	p.commandEdges = 0
	p.wantedEdges = 0
	p.ready.Clear()
	p.want = make(map[*graph.Edge]Want)
}

// PrepareQueue computes critical-path weights and schedules every
// initially-ready edge. Call once after every AddTarget.
func (p *Plan) PrepareQueue() {
	p.computeCriticalPath()
	p.scheduleInitialEdges()
}

func edgeWeightHeuristic(e *graph.Edge) int64 {
	if e.IsPhony() {
		return 0
	}
	return 1
}

// computeCriticalPath topologically sorts every edge reachable from the
// plan's targets, then propagates weight from children to parents so
// the edge gating the longest remaining chain sorts first.
func (p *Plan) computeCriticalPath() {
	visited := make(map[*graph.Edge]bool)
	var sorted []*graph.Edge
	var visit func(n *graph.Node)
	visit = func(n *graph.Node) {
		e := n.InEdge()
		if e == nil || visited[e] {
			return
		}
		visited[e] = true
		for _, in := range e.Inputs {
			visit(in)
		}
		sorted = append(sorted, e)
	}
	for _, t := range p.targets {
		visit(t)
	}

	for _, e := range sorted {
		e.SetCriticalPathWeight(edgeWeightHeuristic(e))
	}
	for i := len(sorted) - 1; i >= 0; i-- {
		e := sorted[i]
		weight := e.CriticalPathWeight()
		for _, in := range e.Inputs {
			producer := in.InEdge()
			if producer == nil {
				continue
			}
			candidate := weight + edgeWeightHeuristic(producer)
			if candidate > producer.CriticalPathWeight() {
				producer.SetCriticalPathWeight(candidate)
			}
		}
	}
}

func (p *Plan) scheduleInitialEdges() {
	pools := make(map[*graph.Pool]bool)
	for edge, want := range p.want {
		if want == WantToStart && edge.AllInputsReady() {
			pool := edge.Pool
			if pool.ShouldDelayEdge() {
				pool.DelayEdge(edge)
				pools[pool] = true
			} else {
				p.scheduleWork(edge)
			}
		}
	}
	for pool := range pools {
		pool.RetrieveReadyEdges(p.ready)
	}
}

// EdgeFinished marks edge done (success or failure) and propagates
// readiness to consumers on success.
func (p *Plan) EdgeFinished(edge *graph.Edge, result Result) error {
	want, ok := p.want[edge]
	if !ok {
		panic("plan: EdgeFinished on an edge not in the plan")
	}
	directlyWanted := want != WantNothing

	if directlyWanted {
		edge.Pool.EdgeFinished(edge)
	}
	edge.Pool.RetrieveReadyEdges(p.ready)

	if result != EdgeSucceeded {
		return nil
	}

	if directlyWanted {
		p.wantedEdges--
	}
	delete(p.want, edge)
	edge.SetOutputsReady(true)

	for _, o := range edge.Outputs {
		if err := p.nodeFinished(o); err != nil {
			return err
		}
	}
	return nil
}

// nodeFinished updates the plan once node is known up to date: loads a
// pending dyndep file if node is one, otherwise checks node's consumers
// for new readiness.
func (p *Plan) nodeFinished(node *graph.Node) error {
	if node.DyndepPending() {
		if p.dyndep == nil {
			panic("plan: dyndep-pending node finished but no DyndepLoader was configured")
		}
		if err := p.dyndep.LoadDyndeps(node); err != nil {
			return err
		}
		return nil
	}

	for _, oe := range node.OutEdges() {
		if _, ok := p.want[oe]; !ok {
			continue
		}
		if err := p.edgeMaybeReady(oe); err != nil {
			return err
		}
	}
	return nil
}

func (p *Plan) edgeMaybeReady(edge *graph.Edge) error {
	if !edge.AllInputsReady() {
		return nil
	}
	if p.want[edge] != WantNothing {
		p.scheduleWork(edge)
		return nil
	}
	return p.EdgeFinished(edge, EdgeSucceeded)
}

// scheduleWork moves edge from WantToStart into the ready/delayed set.
func (p *Plan) scheduleWork(edge *graph.Edge) {
	want := p.want[edge]
	if want == WantToFinish {
		return
	}
	if want != WantToStart {
		panic("plan: scheduleWork called on an edge that isn't WantToStart")
	}
	p.want[edge] = WantToFinish

	pool := edge.Pool
	if pool.ShouldDelayEdge() {
		pool.DelayEdge(edge)
		pool.RetrieveReadyEdges(p.ready)
	} else {
		pool.EdgeScheduled(edge)
		p.ready.Add(edge)
	}
}

// CleanNode is called during restat propagation: an output whose mtime
// didn't advance past its most-recent-input is considered unchanged, so
// every dependent edge whose remaining non-order-only inputs are all
// clean is dropped from the plan.
func (p *Plan) CleanNode(recomputeOutputsDirty func(edge *graph.Edge, mostRecentInput *graph.Node) (bool, error), node *graph.Node) error {
	node.SetDirty(false)

	for _, oe := range node.OutEdges() {
		want, ok := p.want[oe]
		if !ok || want == WantNothing {
			continue
		}
		if oe.DepsMissing() {
			continue
		}

		end := len(oe.Inputs) - oe.OrderOnlyDeps
		anyDirty := false
		for i := 0; i < end; i++ {
			if oe.Inputs[i].Dirty() {
				anyDirty = true
				break
			}
		}
		if anyDirty {
			continue
		}

		var mostRecentInput *graph.Node
		for i := 0; i < end; i++ {
			if mostRecentInput == nil || oe.Inputs[i].Mtime() > mostRecentInput.Mtime() {
				mostRecentInput = oe.Inputs[i]
			}
		}

		outputsDirty, err := recomputeOutputsDirty(oe, mostRecentInput)
		if err != nil {
			return err
		}
		if outputsDirty {
			continue
		}

		for _, o := range oe.Outputs {
			if err := p.CleanNode(recomputeOutputsDirty, o); err != nil {
				return err
			}
		}

		p.want[oe] = WantNothing
		p.wantedEdges--
		if !oe.IsPhony() {
			p.commandEdges--
			if p.status != nil {
				p.status.EdgeRemovedFromPlan(oe)
			}
		}
	}
	return nil
}

// DyndepRefresher is the narrow slice of scanner behavior
// refreshDyndepDependents needs — kept as an interface so plan doesn't
// import the scan package.
type DyndepRefresher interface {
	RecomputeDirty(root *graph.Node) ([]*graph.Node, error)
}

// DyndepsLoaded updates the plan after a dyndep file finishes loading:
// it refreshes dirtiness for every dependent of node, then walks the
// dyndep-discovered inputs of every edge the file patched, adding any
// newly-relevant edges to the plan and checking readiness.
func (p *Plan) DyndepsLoaded(scanner DyndepRefresher, node *graph.Node, patched map[*graph.Edge][]*graph.Node) error {
	if err := p.refreshDyndepDependents(scanner, node); err != nil {
		return err
	}

	dyndepWalk := make(map[*graph.Edge]bool)
	for oe, implicitInputs := range patched {
		if oe.OutputsReady() {
			continue
		}
		if _, ok := p.want[oe]; !ok {
			continue
		}
		for _, in := range implicitInputs {
			if _, err := p.addSubTarget(in, node, dyndepWalk); err != nil {
				return err
			}
		}
	}

	for _, oe := range node.OutEdges() {
		if _, ok := p.want[oe]; !ok {
			continue
		}
		dyndepWalk[oe] = true
	}

	for we := range dyndepWalk {
		if _, ok := p.want[we]; !ok {
			continue
		}
		if err := p.edgeMaybeReady(we); err != nil {
			return err
		}
	}
	return nil
}

func (p *Plan) refreshDyndepDependents(scanner DyndepRefresher, node *graph.Node) error {
	dependents := make(map[*graph.Node]bool)
	p.unmarkDependents(node, dependents)

	for n := range dependents {
		validations, err := scanner.RecomputeDirty(n)
		if err != nil {
			return err
		}
		for _, v := range validations {
			if inEdge := v.InEdge(); inEdge != nil && !inEdge.OutputsReady() {
				if err := p.AddTarget(v); err != nil {
					return err
				}
			}
		}
		if !n.Dirty() {
			continue
		}
		edge := n.InEdge()
		if edge == nil {
			panic("plan: dirty dyndep dependent has no producing edge")
		}
		if p.want[edge] == WantNothing {
			p.want[edge] = WantToStart
			p.edgeWanted(edge)
		}
	}
	return nil
}

func (p *Plan) unmarkDependents(node *graph.Node, dependents map[*graph.Node]bool) {
	for _, oe := range node.OutEdges() {
		if _, ok := p.want[oe]; !ok {
			continue
		}
		if oe.Mark() != graph.VisitNone {
			oe.SetMark(graph.VisitNone)
			for _, o := range oe.Outputs {
				if !dependents[o] {
					dependents[o] = true
					p.unmarkDependents(o, dependents)
				}
			}
		}
	}
}
