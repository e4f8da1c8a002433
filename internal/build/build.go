package build

import (
	"errors"
	"fmt"
	"time"

	"forgebuild/internal/buildlog"
	"forgebuild/internal/depfile"
	"forgebuild/internal/depslog"
	"forgebuild/internal/diskfs"
	"forgebuild/internal/explanations"
	"forgebuild/internal/graph"
	"forgebuild/internal/metrics"
	"forgebuild/internal/plan"
	"forgebuild/internal/scan"
)

// Verbosity controls how much the status observer prints. Status
// reporting itself lives outside the Builder, but the knob belongs
// here since the rest of the run configuration is core.
type Verbosity int8

const (
	Quiet Verbosity = iota
	NoStatusUpdate
	Normal
	Verbose
)

// Config holds the knobs the Builder's main loop consults every
// iteration.
type Config struct {
	Verbosity       Verbosity
	DryRun          bool
	Parallelism     int
	FailuresAllowed int
	MaxLoadAverage  float64
	KeepRspFiles    bool
}

func NewConfig() *Config {
	return &Config{
		Verbosity:       Normal,
		Parallelism:     1,
		FailuresAllowed: 1,
		MaxLoadAverage:  -1,
	}
}

// ErrInterrupted is returned by Build when the runner reports an
// interrupted command rather than a normal failure, so a caller can
// tell that apart from an ordinary subcommand failure (they exit with
// different status codes).
var ErrInterrupted = errors.New("build: interrupted by user")

// Observer receives build progress notifications; status printing and
// explanation dumping both live behind this narrow interface so Builder
// doesn't depend on any particular presentation.
type Observer interface {
	plan.StatusObserver
	BuildStarted()
	BuildFinished()
	EdgeStarted(edge *graph.Edge, startMs int64)
	EdgeFinished(edge *graph.Edge, startMs, endMs int64, success bool, output string)
}

// nullObserver discards every notification; used when the caller
// supplies none.
type nullObserver struct{}

func (nullObserver) EdgeAddedToPlan(*graph.Edge)   {}
func (nullObserver) EdgeRemovedFromPlan(*graph.Edge) {}
func (nullObserver) BuildStarted()                 {}
func (nullObserver) BuildFinished()                {}
func (nullObserver) EdgeStarted(*graph.Edge, int64) {}
func (nullObserver) EdgeFinished(*graph.Edge, int64, int64, bool, string) {}

// Builder orchestrates Plan, the Scanner, CommandRunner and the two
// logs into the main build loop.
type Builder struct {
	state  *graph.State
	config *Config
	plan   *plan.Plan
	runner CommandRunner
	obs    Observer

	scanner  *scan.Scanner
	buildLog *buildlog.Log
	depsLog  *depslog.Log
	disk     diskfs.Interface
	expl     *explanations.Log
	metrics  *metrics.Metrics

	runningEdges map[*graph.Edge]int64
	startTime    time.Time
}

// New wires a Builder against state. expl may be nil (no -d explain
// equivalent requested); when the caller wants to surface the
// scanner's dirty-reasons through its own Observer, it should create
// the Log itself and pass it in here so both sides share the same
// instance.
func New(state *graph.State, config *Config, disk diskfs.Interface, bl *buildlog.Log, dl *depslog.Log, obs Observer, expl *explanations.Log) *Builder {
	if obs == nil {
		obs = nullObserver{}
	}
	if expl == nil {
		expl = explanations.New()
	}
	b := &Builder{
		state:        state,
		config:       config,
		disk:         disk,
		buildLog:     bl,
		depsLog:      dl,
		expl:         expl,
		obs:          obs,
		metrics:      metrics.New(),
		runningEdges: make(map[*graph.Edge]int64),
		startTime:    time.Now(),
	}
	b.scanner = scan.New(state, disk, bl, dl, expl)
	b.plan = plan.New(dyndepGlue{b}, obs)
	return b
}

// dyndepGlue satisfies plan.DyndepLoader by delegating to the
// Scanner's loader and then feeding whatever it patches back into the
// Plan.
type dyndepGlue struct{ b *Builder }

func (g dyndepGlue) LoadDyndeps(node *graph.Node) error {
	patched, err := g.b.scanner.LoadDyndeps(node)
	if err != nil {
		return err
	}
	return g.b.plan.DyndepsLoaded(g.b.scanner, node, patched)
}

// AddTarget scans target's dependencies and, if it is out of date, adds
// it (and any validation nodes discovered along the way) to the plan.
func (b *Builder) AddTarget(target *graph.Node) error {
	validations, err := b.scanner.RecomputeDirty(target)
	if err != nil {
		return err
	}
	if in := target.InEdge(); in == nil || !in.OutputsReady() {
		if err := b.plan.AddTarget(target); err != nil {
			return err
		}
	}
	for _, n := range validations {
		if in := n.InEdge(); in != nil && !in.OutputsReady() {
			if err := b.plan.AddTarget(n); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Builder) AlreadyUpToDate() bool { return !b.plan.MoreToDo() }

// Build runs the main loop until the plan has nothing left to do, a
// fatal error occurs, or failuresAllowed is exhausted.
func (b *Builder) Build() error {
	if b.AlreadyUpToDate() {
		return fmt.Errorf("build: AlreadyUpToDate() is true, nothing to build")
	}
	b.plan.PrepareQueue()

	pendingCommands := 0
	failuresAllowed := b.config.FailuresAllowed

	if b.runner == nil {
		if b.config.DryRun {
			b.runner = NewDryRunCommandRunner()
		} else {
			b.runner = NewRealCommandRunner(b.config)
		}
	}

	b.obs.BuildStarted()

	for b.plan.MoreToDo() {
		if failuresAllowed != 0 {
			capacity := b.runner.CanRunMore()
			for capacity > 0 {
				edge := b.plan.FindWork()
				if edge == nil {
					break
				}

				if edge.GetBindingBool("generator") && b.buildLog != nil {
					b.buildLog.Close()
				}

				if err := b.startEdge(edge); err != nil {
					b.cleanup()
					b.obs.BuildFinished()
					return err
				}

				if edge.IsPhony() {
					if err := b.plan.EdgeFinished(edge, plan.EdgeSucceeded); err != nil {
						b.cleanup()
						b.obs.BuildFinished()
						return err
					}
				} else {
					pendingCommands++
					capacity--
					if c := b.runner.CanRunMore(); c < capacity {
						capacity = c
					}
				}
			}

			if pendingCommands == 0 && !b.plan.MoreToDo() {
				break
			}
		}

		if pendingCommands != 0 {
			result, ok := b.runner.WaitForCommand()
			if !ok || result.Status == ExitInterrupted {
				b.cleanup()
				b.obs.BuildFinished()
				return ErrInterrupted
			}
			pendingCommands--
			if err := b.finishCommand(&result); err != nil {
				b.cleanup()
				b.obs.BuildFinished()
				return err
			}
			if !result.Success() && failuresAllowed != 0 {
				failuresAllowed--
			}
			continue
		}

		b.obs.BuildFinished()
		switch {
		case failuresAllowed == 0 && b.config.FailuresAllowed > 1:
			return fmt.Errorf("build: subcommands failed")
		case failuresAllowed == 0:
			return fmt.Errorf("build: subcommand failed")
		case failuresAllowed < b.config.FailuresAllowed:
			return fmt.Errorf("build: cannot make progress due to previous errors")
		default:
			return fmt.Errorf("build: stuck, no command pending and no work ready")
		}
	}

	b.obs.BuildFinished()
	return nil
}

func (b *Builder) startEdge(edge *graph.Edge) error {
	defer b.metrics.Scope("StartEdge")()
	if edge.IsPhony() {
		return nil
	}

	b.runningEdges[edge] = time.Since(b.startTime).Milliseconds()
	b.obs.EdgeStarted(edge, b.runningEdges[edge])

	for _, o := range edge.Outputs {
		if !b.disk.MakeDirs(o.Path()) {
			return fmt.Errorf("build: could not create directory for %s", o.Path())
		}
	}

	if depfilePath := edge.GetUnescapedDepfile(); depfilePath != "" {
		if !b.disk.MakeDirs(depfilePath) {
			return fmt.Errorf("build: could not create directory for depfile %s", depfilePath)
		}
	}

	if rspfile := edge.GetUnescapedRspfile(); rspfile != "" {
		content := edge.GetBinding("rspfile_content")
		if !b.disk.WriteFile(rspfile, content) {
			return fmt.Errorf("build: could not write rspfile %s", rspfile)
		}
	}

	if !b.runner.StartCommand(edge) {
		return fmt.Errorf("build: command %q failed to start", edge.EvaluateCommand(false))
	}
	return nil
}

// mostRecentInputMtime returns the latest mtime among edge's
// non-order-only inputs, the same set scan.recomputeNodeDirty compares
// outputs against when deciding dirtiness.
func mostRecentInputMtime(edge *graph.Edge) graph.TimeStamp {
	var most graph.TimeStamp
	for i, in := range edge.Inputs {
		if edge.IsOrderOnly(i) {
			continue
		}
		if in.Mtime() > most {
			most = in.Mtime()
		}
	}
	return most
}

// finishCommand updates the logs and the plan after one command
// terminates, including restat propagation for commands bound to it.
func (b *Builder) finishCommand(result *Result) error {
	defer b.metrics.Scope("FinishCommand")()
	edge := result.Edge

	depsType := edge.GetBinding("deps")
	var depsNodes []*graph.Node
	if depsType == "gcc" && result.Success() {
		nodes, err := b.extractGCCDeps(edge)
		if err != nil {
			if result.Output != "" {
				result.Output += "\n"
			}
			result.Output += err.Error()
			result.Status = ExitFailure
		} else {
			depsNodes = nodes
		}
	}

	startMs := b.runningEdges[edge]
	endMs := time.Since(b.startTime).Milliseconds()
	delete(b.runningEdges, edge)

	b.obs.EdgeFinished(edge, startMs, endMs, result.Success(), result.Output)

	planResult := plan.EdgeSucceeded
	if !result.Success() {
		planResult = plan.EdgeFailed
	}
	if !result.Success() {
		return b.plan.EdgeFinished(edge, planResult)
	}

	// Every output is re-stat'd on every successful edge, not just
	// restat/generator ones, so the Build Log always records the
	// command's actual effect rather than a zero mtime.
	var recordMtime graph.TimeStamp
	if !b.config.DryRun {
		restat := edge.GetBindingBool("restat")
		for _, o := range edge.Outputs {
			newMtime, err := b.disk.Stat(o.Path())
			if err != nil {
				return err
			}
			oldMtime := o.Mtime()
			// Refresh the node's cached mtime now, not just the local
			// newMtime: a later edge in this same build (e.g. the next
			// link in a restat chain) computing mostRecentInputMtime
			// over this node must see what the command actually did,
			// not the pre-build snapshot taken when this was scanned.
			o.SetMtime(newMtime)
			if restat && oldMtime == newMtime {
				// The output didn't actually advance past its
				// pre-command snapshot: record the inputs' mtime
				// rather than the output's stale one, or the next
				// scan would see record_mtime < input mtime and
				// re-dirty this edge every run.
				recordMtime = mostRecentInputMtime(edge)
				if err := b.plan.CleanNode(b.scanner.RecomputeOutputsDirty, o); err != nil {
					return err
				}
			} else if newMtime > recordMtime {
				recordMtime = newMtime
			}
		}
	}

	if err := b.plan.EdgeFinished(edge, planResult); err != nil {
		return err
	}

	if rspfile := edge.GetUnescapedRspfile(); rspfile != "" && !b.config.KeepRspFiles {
		b.disk.RemoveFile(rspfile)
	}

	if b.buildLog != nil {
		cmd := edge.EvaluateCommand(true)
		if err := b.buildLog.RecordCommand(edge.Outputs[0].Path(), buildlog.HashCommand(cmd), recordMtime, startMs, endMs); err != nil {
			return fmt.Errorf("build: writing build log: %w", err)
		}
	}

	if depsType != "" && !b.config.DryRun && b.depsLog != nil {
		if len(edge.Outputs) == 0 {
			return fmt.Errorf("build: edge with deps binding but no outputs")
		}
		paths := make([]string, len(depsNodes))
		for i, n := range depsNodes {
			paths[i] = n.Path()
		}
		for _, o := range edge.Outputs {
			mtime, err := b.disk.Stat(o.Path())
			if err != nil {
				return err
			}
			if err := b.depsLog.RecordDeps(o.Path(), mtime, paths); err != nil {
				return fmt.Errorf("build: writing deps log: %w", err)
			}
		}
	}
	return nil
}

// RecompactLogs drops build-log and deps-log rows for outputs no
// longer reachable from the manifest currently loaded into state,
// treating every edge's declared outputs as live regardless of
// whether this run actually touched them. Safe to call after any
// successful Build, and the only thing the CLI's `-t recompact`
// equivalent needs to do.
func (b *Builder) RecompactLogs() error {
	live := make(map[string]bool)
	for _, e := range b.state.Edges() {
		for _, o := range e.Outputs {
			live[o.Path()] = true
		}
	}
	if b.buildLog != nil {
		if err := b.buildLog.Recompact(live); err != nil {
			return fmt.Errorf("build: recompacting build log: %w", err)
		}
	}
	if b.depsLog != nil {
		if err := b.depsLog.Recompact(live); err != nil {
			return fmt.Errorf("build: recompacting deps log: %w", err)
		}
	}
	return nil
}

// extractGCCDeps reads the edge's depfile (written by the just-run
// command) and resolves its paths into graph nodes. MSVC's
// /showIncludes variant isn't implemented.
func (b *Builder) extractGCCDeps(edge *graph.Edge) ([]*graph.Node, error) {
	depfilePath := edge.GetUnescapedDepfile()
	if depfilePath == "" {
		return nil, fmt.Errorf("deps=gcc but no depfile binding on edge for %s", edge.Outputs[0].Path())
	}
	contents, status := b.disk.ReadFile(depfilePath)
	if status != diskfs.Okay {
		return nil, fmt.Errorf("expected %s to be created by command", depfilePath)
	}
	result, err := depfile.Parse(contents)
	if err != nil {
		return nil, err
	}
	nodes := make([]*graph.Node, len(result.Inputs))
	for i, p := range result.Inputs {
		canon, slashBits := graph.CanonicalizePath(p)
		n := b.state.GetNode(canon, slashBits)
		nodes[i] = n
	}
	b.disk.RemoveFile(depfilePath)
	return nodes, nil
}

// cleanup aborts the runner and, for each still-running command,
// deletes every output whose mtime changed since it was scanned (every
// existing output, when the edge has a depfile) plus the depfile itself;
// outputs the command left untouched are kept.
func (b *Builder) cleanup() {
	if b.runner == nil {
		return
	}
	active := b.runner.GetActiveEdges()
	b.runner.Abort()
	for _, e := range active {
		depfilePath := e.GetUnescapedDepfile()
		for _, o := range e.Outputs {
			newMtime, err := b.disk.Stat(o.Path())
			if err == nil && (depfilePath != "" || o.Mtime() != newMtime) {
				b.disk.RemoveFile(o.Path())
			}
		}
		if depfilePath != "" {
			b.disk.RemoveFile(depfilePath)
		}
	}
}
