package build

import (
	"strings"
	"testing"

	"forgebuild/internal/buildlog"
	"forgebuild/internal/depslog"
	"forgebuild/internal/diskfs"
	"forgebuild/internal/graph"
)

// fakeRunner drives the Builder deterministically in tests, without
// spawning any real subprocess: every StartCommand succeeds or fails
// according to `fail`, and results drain in FIFO order.
type fakeRunner struct {
	fail    map[*graph.Edge]bool
	started []*graph.Edge
	pending []Result

	// sideEffect, if set for an edge, runs when that edge's command
	// starts — e.g. to have it write its output to the fake disk.
	// Edges with no entry behave like a command that touches nothing.
	sideEffect map[*graph.Edge]func()
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{fail: make(map[*graph.Edge]bool), sideEffect: make(map[*graph.Edge]func())}
}

func (f *fakeRunner) CanRunMore() int64 { return 1 }

func (f *fakeRunner) StartCommand(edge *graph.Edge) bool {
	f.started = append(f.started, edge)
	if effect := f.sideEffect[edge]; effect != nil {
		effect()
	}
	status := ExitSuccess
	if f.fail[edge] {
		status = ExitFailure
	}
	f.pending = append(f.pending, Result{Edge: edge, Status: status})
	return true
}

func (f *fakeRunner) WaitForCommand() (Result, bool) {
	if len(f.pending) == 0 {
		return Result{}, false
	}
	r := f.pending[0]
	f.pending = f.pending[1:]
	return r, true
}

func (f *fakeRunner) GetActiveEdges() []*graph.Edge { return nil }
func (f *fakeRunner) Abort()                        {}

func newTestBuilder(t *testing.T, disk diskfs.Interface, s *graph.State) (*Builder, *fakeRunner) {
	t.Helper()
	bl, err := buildlog.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	dl, err := depslog.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	cfg := NewConfig()
	cfg.FailuresAllowed = 3
	b := New(s, cfg, disk, bl, dl, nil, nil)
	runner := newFakeRunner()
	b.runner = runner
	return b, runner
}

func TestBuildRunsChainToCompletion(t *testing.T) {
	disk := diskfs.NewFake()
	disk.Create("a", "", 1)
	s := graph.NewState()
	rule := graph.NewRule("touch")
	e1 := s.AddEdge(rule)
	e2 := s.AddEdge(rule)
	a := s.GetNode("a", 0)
	b := s.GetNode("b", 0)
	c := s.GetNode("c", 0)
	s.AddIn(e1, a)
	s.AddOut(e1, b)
	s.AddIn(e2, b)
	s.AddOut(e2, c)

	builder, runner := newTestBuilder(t, disk, s)
	if err := builder.AddTarget(c); err != nil {
		t.Fatal(err)
	}
	if builder.AlreadyUpToDate() {
		t.Fatalf("expected work: b and c don't exist")
	}

	if err := builder.Build(); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(runner.started) != 2 {
		t.Fatalf("expected both edges to run, got %d", len(runner.started))
	}
	if !builder.AlreadyUpToDate() {
		t.Fatalf("expected plan drained after successful build")
	}
}

func TestBuildReportsNoProgressAfterFailure(t *testing.T) {
	disk := diskfs.NewFake()
	disk.Create("src1", "", 1)
	disk.Create("src2", "", 1)
	s := graph.NewState()
	rule := graph.NewRule("touch")
	eGood := s.AddEdge(rule)
	eBad := s.AddEdge(rule)
	src1 := s.GetNode("src1", 0)
	src2 := s.GetNode("src2", 0)
	out1 := s.GetNode("out1", 0)
	out2 := s.GetNode("out2", 0)
	s.AddIn(eGood, src1)
	s.AddOut(eGood, out1)
	s.AddIn(eBad, src2)
	s.AddOut(eBad, out2)

	builder, runner := newTestBuilder(t, disk, s)
	runner.fail[eBad] = true

	if err := builder.AddTarget(out1); err != nil {
		t.Fatal(err)
	}
	if err := builder.AddTarget(out2); err != nil {
		t.Fatal(err)
	}

	err := builder.Build()
	if err == nil {
		t.Fatalf("expected an error: one edge failed and nothing else is runnable")
	}
	if !strings.Contains(err.Error(), "cannot make progress") {
		t.Fatalf("expected a stuck-after-failure error, got: %v", err)
	}
	if _, ok := builder.buildLog.LookupByOutput("out1"); !ok {
		t.Fatalf("expected the successful edge's output to be recorded in the build log")
	}
	if _, ok := builder.buildLog.LookupByOutput("out2"); ok {
		t.Fatalf("did not expect the failed edge's output in the build log")
	}
}

func TestBuildDyndepDiscoveryAddsImplicitInput(t *testing.T) {
	disk := diskfs.NewFake()
	disk.Create("gen_src", "", 1)
	disk.Create("main.c", "", 1)
	disk.Create("extra.h", "", 1)

	s := graph.NewState()
	genRule := graph.NewRule("gendd")
	eDD := s.AddEdge(genRule)
	genSrc := s.GetNode("gen_src", 0)
	ddNode := s.GetNode("gen.dd", 0)
	s.AddIn(eDD, genSrc)
	s.AddOut(eDD, ddNode)

	ccRule := graph.NewRule("cc")
	eMain := s.AddEdge(ccRule)
	mainC := s.GetNode("main.c", 0)
	mainO := s.GetNode("main.o", 0)
	s.AddIn(eMain, mainC)
	s.AddIn(eMain, ddNode)
	eMain.OrderOnlyDeps = 1 // ddNode is itself an order-only input, as a dyndep binding always is
	s.AddOut(eMain, mainO)
	eMain.Dyndep = ddNode
	ddNode.SetDyndepPending(true)

	builder, runner := newTestBuilder(t, disk, s)
	if err := builder.AddTarget(mainO); err != nil {
		t.Fatal(err)
	}

	// The real compiler would write this file as a side effect of
	// running eDD; the fake runner doesn't touch disk, so seed it
	// directly at the path the dyndep binding names.
	disk.Create("gen.dd", "ninja_dyndep_version = 1\n"+
		"build main.o : dyndep | extra.h\n", 1)

	if err := builder.Build(); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if len(runner.started) != 2 {
		t.Fatalf("expected both the dyndep-generating edge and main to run, got %d", len(runner.started))
	}
	if runner.started[1] != eMain {
		t.Fatalf("expected main's edge to run only after the dyndep file was produced")
	}
	foundAt := -1
	for i, in := range eMain.Inputs {
		if in.Path() == "extra.h" {
			foundAt = i
		}
	}
	if foundAt == -1 {
		t.Fatalf("expected extra.h spliced into main's inputs via the dyndep file, got %v", eMain.Inputs)
	}
	// extra.h must land in the implicit partition, strictly before
	// ddNode's order-only slot — splicing it past the order-only tail
	// would make IsOrderOnly misclassify it and exempt it from
	// dirtiness checks, defeating the whole point of discovering it.
	if !eMain.IsImplicit(foundAt) {
		t.Fatalf("expected extra.h to be classified implicit, got input %d of %v (OrderOnlyDeps=%d)", foundAt, eMain.Inputs, eMain.OrderOnlyDeps)
	}
	if eMain.IsOrderOnly(foundAt) {
		t.Fatalf("extra.h must not be classified order-only, or a dirty extra.h would never trigger a rebuild")
	}
	ddAt := -1
	for i, in := range eMain.Inputs {
		if in == ddNode {
			ddAt = i
		}
	}
	if ddAt == -1 || !eMain.IsOrderOnly(ddAt) {
		t.Fatalf("expected the dyndep binding node to remain order-only after splicing, got input %d of %v", ddAt, eMain.Inputs)
	}
	if !builder.AlreadyUpToDate() {
		t.Fatalf("expected plan drained after dyndep-driven build")
	}
}

// restatChain wires `build out1: cc in1 ; build out2: true out1 (restat) ;
// build out3: cat out2`, the three-edge graph behind both restat tests
// below.
type restatChain struct {
	cc, trueEdge, cat     *graph.Edge
	in1, out1, out2, out3 *graph.Node
}

func newRestatChain(s *graph.State) restatChain {
	var c restatChain
	c.cc = s.AddEdge(graph.NewRule("cc"))
	c.trueEdge = s.AddEdge(graph.NewRule("true"))
	c.trueEdge.Env.AddBinding("restat", "1")
	c.cat = s.AddEdge(graph.NewRule("cat"))

	c.in1 = s.GetNode("in1", 0)
	c.out1 = s.GetNode("out1", 0)
	c.out2 = s.GetNode("out2", 0)
	c.out3 = s.GetNode("out3", 0)

	s.AddIn(c.cc, c.in1)
	s.AddOut(c.cc, c.out1)
	s.AddIn(c.trueEdge, c.out1)
	s.AddOut(c.trueEdge, c.out2)
	s.AddIn(c.cat, c.out2)
	s.AddOut(c.cat, c.out3)
	return c
}

// newSharedTestBuilder is like newTestBuilder but takes the Build Log
// and Deps Log as parameters instead of opening fresh ones, so a test
// can run several builds, against several States, that all observe
// the same persisted logs — simulating separate forgebuild invocations
// against the same build directory.
func newSharedTestBuilder(disk diskfs.Interface, s *graph.State, bl *buildlog.Log, dl *depslog.Log) (*Builder, *fakeRunner) {
	cfg := NewConfig()
	cfg.FailuresAllowed = 3
	b := New(s, cfg, disk, bl, dl, nil, nil)
	runner := newFakeRunner()
	b.runner = runner
	return b, runner
}

// TestBuildRestatCancelsDownstreamRebuild covers the restat scenario:
// touching the chain's source only advances out1; the restat edge's
// command runs but never advances out2 past its pre-command snapshot,
// so Plan prunes cat's now-unnecessary rebuild.
func TestBuildRestatCancelsDownstreamRebuild(t *testing.T) {
	disk := diskfs.NewFake()
	disk.Create("in1", "", 1)

	bl, err := buildlog.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer bl.Close()
	dl, err := depslog.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer dl.Close()

	s1 := graph.NewState()
	c1 := newRestatChain(s1)
	builder1, runner1 := newSharedTestBuilder(disk, s1, bl, dl)
	runner1.sideEffect[c1.cc] = func() { disk.WriteFile(c1.out1.Path(), "") }
	runner1.sideEffect[c1.trueEdge] = func() { disk.WriteFile(c1.out2.Path(), "") }
	runner1.sideEffect[c1.cat] = func() { disk.WriteFile(c1.out3.Path(), "") }

	if err := builder1.AddTarget(c1.out3); err != nil {
		t.Fatal(err)
	}
	if err := builder1.Build(); err != nil {
		t.Fatalf("initial build failed: %v", err)
	}
	if len(runner1.started) != 3 {
		t.Fatalf("expected cc, true and cat to all run on the initial build, got %d: %v", len(runner1.started), runner1.started)
	}

	disk.Create("in1", "", disk.Tick()) // touch the source between builds

	s2 := graph.NewState()
	c2 := newRestatChain(s2)
	builder2, runner2 := newSharedTestBuilder(disk, s2, bl, dl)
	runner2.sideEffect[c2.cc] = func() { disk.WriteFile(c2.out1.Path(), "") }
	// c2.trueEdge deliberately has no side effect: its command runs but
	// never advances out2's mtime, the case restat exists to detect.

	if err := builder2.AddTarget(c2.out3); err != nil {
		t.Fatal(err)
	}
	if builder2.AlreadyUpToDate() {
		t.Fatalf("expected touching in1 to dirty the chain")
	}
	if err := builder2.Build(); err != nil {
		t.Fatalf("second build failed: %v", err)
	}
	if len(runner2.started) != 2 {
		t.Fatalf("expected restat to cancel cat's rebuild, got %d commands: %v", len(runner2.started), runner2.started)
	}
	if runner2.started[0] != c2.cc || runner2.started[1] != c2.trueEdge {
		t.Fatalf("expected cc then true to run, not cat: %v", runner2.started)
	}
}

// TestBuildStaysCleanAfterRestatCancellation is the regression test for
// a restat edge's record_mtime: if FinishCommand ever recorded the
// output's stale mtime instead of the inputs' mtime on a restat-clean
// command, the next scan would see record_mtime < input mtime and
// re-dirty the edge on every subsequent run, even with nothing further
// on disk having changed. It drives the chain through the same
// restat-cancellation run as TestBuildRestatCancelsDownstreamRebuild,
// then checks that a third run with no further filesystem changes does
// no work at all.
func TestBuildStaysCleanAfterRestatCancellation(t *testing.T) {
	disk := diskfs.NewFake()
	disk.Create("in1", "", 1)

	bl, err := buildlog.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer bl.Close()
	dl, err := depslog.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer dl.Close()

	s1 := graph.NewState()
	c1 := newRestatChain(s1)
	builder1, runner1 := newSharedTestBuilder(disk, s1, bl, dl)
	runner1.sideEffect[c1.cc] = func() { disk.WriteFile(c1.out1.Path(), "") }
	runner1.sideEffect[c1.trueEdge] = func() { disk.WriteFile(c1.out2.Path(), "") }
	runner1.sideEffect[c1.cat] = func() { disk.WriteFile(c1.out3.Path(), "") }

	if err := builder1.AddTarget(c1.out3); err != nil {
		t.Fatal(err)
	}
	if err := builder1.Build(); err != nil {
		t.Fatalf("initial build failed: %v", err)
	}
	if len(runner1.started) != 3 {
		t.Fatalf("expected cc, true and cat to all run on the initial build, got %d: %v", len(runner1.started), runner1.started)
	}

	disk.Create("in1", "", disk.Tick()) // touch the source between builds

	s2 := graph.NewState()
	c2 := newRestatChain(s2)
	builder2, runner2 := newSharedTestBuilder(disk, s2, bl, dl)
	runner2.sideEffect[c2.cc] = func() { disk.WriteFile(c2.out1.Path(), "") }
	// c2.trueEdge deliberately has no side effect, exercising the
	// restat-unchanged branch of FinishCommand whose record_mtime this
	// test is really checking.

	if err := builder2.AddTarget(c2.out3); err != nil {
		t.Fatal(err)
	}
	if err := builder2.Build(); err != nil {
		t.Fatalf("second build failed: %v", err)
	}
	if len(runner2.started) != 2 {
		t.Fatalf("expected restat to cancel cat's rebuild, got %d commands: %v", len(runner2.started), runner2.started)
	}

	// No filesystem changes since the second build: a third run against
	// a fresh State (a new forgebuild invocation) must find everything
	// clean, including out2 whose build-log entry was just rewritten by
	// the restat-unchanged path above.
	s3 := graph.NewState()
	c3 := newRestatChain(s3)
	builder3, runner3 := newSharedTestBuilder(disk, s3, bl, dl)

	if err := builder3.AddTarget(c3.out3); err != nil {
		t.Fatal(err)
	}
	if !builder3.AlreadyUpToDate() {
		t.Fatalf("expected the third run to find nothing dirty with no further filesystem changes")
	}
	if len(runner3.started) != 0 {
		t.Fatalf("expected zero commands on the clean third run, got %d: %v", len(runner3.started), runner3.started)
	}
}
