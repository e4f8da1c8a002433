// Package scan implements the dependency scanner: RecomputeDirty and
// its helpers. It decides, for every node reachable from a build
// target, whether the edge that produces it needs to run, walking the
// graph depth-first and comparing each output's mtime against its
// most-recent input via the build log lookup.
package scan

import (
	"fmt"

	"forgebuild/internal/buildlog"
	"forgebuild/internal/depfile"
	"forgebuild/internal/depslog"
	"forgebuild/internal/diskfs"
	"forgebuild/internal/dyndep"
	"forgebuild/internal/explanations"
	"forgebuild/internal/graph"
)

// Scanner walks the graph and marks nodes dirty. It owns no graph state
// itself; State, BuildLog and DepsLog are all shared with the Builder.
type Scanner struct {
	state    *graph.State
	disk     diskfs.Interface
	buildLog *buildlog.Log
	depsLog  *depslog.Log
	dyndep   *dyndep.Loader
	expl     *explanations.Log
}

func New(state *graph.State, disk diskfs.Interface, bl *buildlog.Log, dl *depslog.Log, expl *explanations.Log) *Scanner {
	return &Scanner{
		state:    state,
		disk:     disk,
		buildLog: bl,
		depsLog:  dl,
		dyndep:   dyndep.NewLoader(state, disk, expl),
		expl:     expl,
	}
}

// RecomputeDirty walks the transitive input closure of root once,
// appending any validation nodes discovered along the way so callers
// can recurse into them too.
func (s *Scanner) RecomputeDirty(root *graph.Node) ([]*graph.Node, error) {
	var allValidations []*graph.Node
	queue := []*graph.Node{root}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		var stack []*graph.Node
		var newValidations []*graph.Node
		if err := s.recomputeNodeDirty(node, &stack, &newValidations); err != nil {
			return nil, err
		}
		queue = append(queue, newValidations...)
		allValidations = append(allValidations, newValidations...)
	}
	return allValidations, nil
}

func (s *Scanner) recomputeNodeDirty(node *graph.Node, stack *[]*graph.Node, validations *[]*graph.Node) error {
	edge := node.InEdge()
	if edge == nil {
		if node.StatusKnown() {
			return nil
		}
		if err := node.StatIfNecessary(s.disk); err != nil {
			return err
		}
		if !node.Exists() {
			s.expl.Recordf(node, "%s has no in-edge and is missing", node.Path())
		}
		node.SetDirty(!node.Exists())
		return nil
	}

	if edge.Mark() == graph.VisitDone {
		return nil
	}

	if err := s.verifyDAG(node, edge, *stack); err != nil {
		return err
	}

	edge.SetMark(graph.VisitInStack)
	*stack = append(*stack, node)

	dirty := false
	edge.SetOutputsReady(true)
	edge.SetDepsMissing(false)

	if !edge.DepsLoaded() {
		if edge.Dyndep != nil && edge.Dyndep.DyndepPending() {
			if err := s.recomputeNodeDirty(edge.Dyndep, stack, validations); err != nil {
				return err
			}
			if edge.Dyndep.InEdge() == nil || edge.Dyndep.InEdge().OutputsReady() {
				if _, err := s.dyndep.LoadDyndeps(edge.Dyndep); err != nil {
					return err
				}
			}
		}
	}

	for _, o := range edge.Outputs {
		if err := o.StatIfNecessary(s.disk); err != nil {
			return err
		}
	}

	if !edge.DepsLoaded() {
		edge.SetDepsLoaded(true)
		if err := s.loadDeps(edge); err != nil {
			s.expl.Recordf(edge.Outputs[0], "failed to load deps: %v", err)
			edge.SetDepsMissing(true)
			dirty = true
		}
	}

	*validations = append(*validations, edge.ValidationOutputs...)

	var mostRecentInput *graph.Node
	for i, in := range edge.Inputs {
		if err := s.recomputeNodeDirty(in, stack, validations); err != nil {
			return err
		}
		if inEdge := in.InEdge(); inEdge != nil && !inEdge.OutputsReady() {
			edge.SetOutputsReady(false)
		}
		if edge.IsOrderOnly(i) {
			continue
		}
		if in.Dirty() {
			s.expl.Recordf(node, "%s is dirty", in.Path())
			dirty = true
		}
		if mostRecentInput == nil || in.Mtime() > mostRecentInput.Mtime() {
			mostRecentInput = in
		}
	}

	if !dirty {
		outDirty, err := s.RecomputeOutputsDirty(edge, mostRecentInput)
		if err != nil {
			return err
		}
		dirty = outDirty
	}

	for _, o := range edge.Outputs {
		if dirty {
			o.MarkDirty()
		}
	}

	if dirty && !(edge.IsPhony() && len(edge.Inputs) == 0) {
		edge.SetOutputsReady(false)
	}

	edge.SetMark(graph.VisitDone)
	if (*stack)[len(*stack)-1] != node {
		panic("scan: stack top mismatch")
	}
	*stack = (*stack)[:len(*stack)-1]
	return nil
}

func (s *Scanner) verifyDAG(node *graph.Node, edge *graph.Edge, stack []*graph.Node) error {
	if edge.Mark() != graph.VisitInStack {
		return nil
	}
	start := 0
	for i, n := range stack {
		if n.InEdge() == edge {
			start = i
			break
		}
	}
	msg := "dependency cycle: "
	for _, n := range stack[start:] {
		msg += n.Path() + " -> "
	}
	msg += node.Path()
	if len(stack) == 1 && edge.MaybePhonycycleDiagnostic() {
		msg += " [phonycycle]"
	}
	return fmt.Errorf("%s", msg)
}

// LoadDyndeps loads node as a dyndep file and applies its patches to
// every edge that binds it, returning which edges gained which
// implicit inputs so the Plan can walk them as new targets.
func (s *Scanner) LoadDyndeps(node *graph.Node) (map[*graph.Edge][]*graph.Node, error) {
	return s.dyndep.LoadDyndeps(node)
}

// RecomputeOutputsDirty reports whether any output of edge is dirty,
// checking every output and short-circuiting on the first dirty one.
// Exported so the Builder can pass it to Plan.CleanNode as the restat
// recompute callback, so plan needs no import of scan.
func (s *Scanner) RecomputeOutputsDirty(edge *graph.Edge, mostRecentInput *graph.Node) (bool, error) {
	command := edge.EvaluateCommand(true)
	for _, o := range edge.Outputs {
		dirty, err := s.recomputeOutputDirty(edge, mostRecentInput, command, o)
		if err != nil {
			return false, err
		}
		if dirty {
			return true, nil
		}
	}
	return false, nil
}

func (s *Scanner) recomputeOutputDirty(edge *graph.Edge, mostRecentInput *graph.Node, command string, output *graph.Node) (bool, error) {
	if edge.IsPhony() {
		if len(edge.Inputs) == 0 && !output.Exists() {
			s.expl.Recordf(output, "output %s of phony edge with no inputs doesn't exist", output.Path())
			return true, nil
		}
		return false, nil
	}

	if !output.Exists() {
		s.expl.Recordf(output, "output %s doesn't exist", output.Path())
		return true, nil
	}

	restat := edge.GetBindingBool("restat")
	var effectiveMtime graph.TimeStamp
	var entry buildlog.Entry
	haveEntry := false
	if s.buildLog != nil {
		entry, haveEntry = s.buildLog.LookupByOutput(output.Path())
	}

	if restat && haveEntry {
		effectiveMtime = entry.Mtime
	} else {
		effectiveMtime = output.Mtime()
	}

	if mostRecentInput != nil && effectiveMtime < mostRecentInput.Mtime() {
		s.expl.Recordf(output, "output %s older than most recent input (%d vs %d)",
			output.Path(), effectiveMtime, mostRecentInput.Mtime())
		return true, nil
	}

	if s.buildLog == nil {
		return false, nil
	}

	generator := edge.GetBindingBool("generator")
	currentHash := buildlog.HashCommand(command)

	if !haveEntry {
		if !generator {
			s.expl.Recordf(output, "command line not found in log for %s", output.Path())
			return true, nil
		}
		return false, nil
	}

	if !generator && currentHash != entry.CommandHash {
		s.expl.Recordf(output, "command line changed for %s", output.Path())
		return true, nil
	}

	return false, nil
}

// loadDeps splices discovered header dependencies into edge's inputs,
// preferring a prior deps-log record and falling back to re-parsing the
// depfile on disk.
func (s *Scanner) loadDeps(edge *graph.Edge) error {
	if edge.DepsType == graph.DepsNone && edge.GetUnescapedDepfile() == "" {
		return nil
	}

	output := edge.Outputs[0]
	if s.depsLog != nil {
		if recorded, ok := s.depsLog.GetDeps(output.Path()); ok && recorded.Mtime >= output.Mtime() {
			s.spliceDeps(edge, recorded.Paths)
			return nil
		}
	}

	depfilePath := edge.GetUnescapedDepfile()
	if depfilePath == "" {
		return fmt.Errorf("deps requested but no depfile binding and no deps-log record for %s", output.Path())
	}
	contents, status := s.disk.ReadFile(depfilePath)
	if status != diskfs.Okay {
		return fmt.Errorf("loading depfile %q: %v", depfilePath, status)
	}
	result, err := depfile.Parse(contents)
	if err != nil {
		return err
	}
	s.spliceDeps(edge, result.Inputs)
	if s.depsLog != nil {
		_ = s.depsLog.RecordDeps(output.Path(), output.Mtime(), result.Inputs)
	}
	return nil
}

// spliceDeps inserts discovered header dependencies into the implicit
// partition of edge.Inputs — immediately before the order-only block —
// so the explicit/implicit/order-only layout IsImplicit/IsOrderOnly
// rely on stays contiguous.
func (s *Scanner) spliceDeps(edge *graph.Edge, paths []string) {
	insertAt := len(edge.Inputs) - edge.OrderOnlyDeps
	nodes := make([]*graph.Node, len(paths))
	for i, p := range paths {
		n := s.state.GetNode(p, 0)
		nodes[i] = n
		n.AddOutEdge(edge)
	}
	edge.Inputs = append(edge.Inputs[:insertAt], append(nodes, edge.Inputs[insertAt:]...)...)
	edge.ImplicitDeps += len(paths)
}
