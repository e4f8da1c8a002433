package scan

import (
	"testing"

	"forgebuild/internal/buildlog"
	"forgebuild/internal/depslog"
	"forgebuild/internal/diskfs"
	"forgebuild/internal/explanations"
	"forgebuild/internal/graph"
)

func newTestScanner(t *testing.T, disk *diskfs.Fake) (*Scanner, *graph.State, *buildlog.Log) {
	t.Helper()
	bl, err := buildlog.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	dl, err := depslog.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	s := graph.NewState()
	return New(s, disk, bl, dl, explanations.New()), s, bl
}

func chainGraph(s *graph.State) (a, b, c *graph.Node) {
	rule := graph.NewRule("touch")
	e1 := s.AddEdge(rule)
	e2 := s.AddEdge(rule)
	a = s.GetNode("a", 0)
	b = s.GetNode("b", 0)
	c = s.GetNode("c", 0)
	s.AddIn(e1, a)
	s.AddOut(e1, b)
	s.AddIn(e2, b)
	s.AddOut(e2, c)
	return
}

func TestChainAllDirtyWhenOutputsMissing(t *testing.T) {
	disk := diskfs.NewFake()
	disk.Create("a", "", 1)
	scanner, s, _ := newTestScanner(t, disk)
	_, _, c := chainGraph(s)

	if _, err := scanner.RecomputeDirty(c); err != nil {
		t.Fatal(err)
	}
	if !c.Dirty() {
		t.Fatalf("expected c dirty: outputs b and c don't exist")
	}
}

func TestChainCleanWhenEverythingUpToDateInLog(t *testing.T) {
	disk := diskfs.NewFake()
	disk.Create("a", "", 1)
	scanner, s, bl := newTestScanner(t, disk)
	_, b, c := chainGraph(s)

	disk.Create("b", "", 2)
	disk.Create("c", "", 3)

	cmd := c.InEdge().EvaluateCommand(true)
	bl.RecordCommand("c", buildlog.HashCommand(cmd), 3, 100, 200)
	cmd2 := b.InEdge().EvaluateCommand(true)
	bl.RecordCommand("b", buildlog.HashCommand(cmd2), 2, 50, 90)

	if _, err := scanner.RecomputeDirty(c); err != nil {
		t.Fatal(err)
	}
	if c.Dirty() {
		t.Fatalf("expected c clean: up to date per mtimes and log")
	}
}

func TestCycleDetection(t *testing.T) {
	disk := diskfs.NewFake()
	scanner, s, _ := newTestScanner(t, disk)
	rule := graph.NewRule("touch")
	e1 := s.AddEdge(rule)
	e2 := s.AddEdge(rule)
	a := s.GetNode("a", 0)
	b := s.GetNode("b", 0)
	s.AddOut(e1, a)
	s.AddIn(e1, b)
	s.AddOut(e2, b)
	s.AddIn(e2, a)

	if _, err := scanner.RecomputeDirty(a); err == nil {
		t.Fatalf("expected dependency cycle error")
	}
}
