package plan

import (
	"testing"

	"forgebuild/internal/graph"
)

type noopDyndep struct{}

func (noopDyndep) LoadDyndeps(node *graph.Node) error { return nil }

func TestChainScheduling(t *testing.T) {
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
	b.SetDirty(true)
	c.SetDirty(true)

	p := New(noopDyndep{}, nil)
	if err := p.AddTarget(c); err != nil {
		t.Fatal(err)
	}
	p.PrepareQueue()

	if !p.MoreToDo() {
		t.Fatalf("expected work remaining")
	}
	work := p.FindWork()
	if work != e1 {
		t.Fatalf("expected e1 (producer of b) ready first, got %v", work)
	}
	if p.FindWork() != nil {
		t.Fatalf("e2 should not be ready until e1 finishes")
	}

	if err := p.EdgeFinished(e1, EdgeSucceeded); err != nil {
		t.Fatal(err)
	}
	work = p.FindWork()
	if work != e2 {
		t.Fatalf("expected e2 ready after e1 finished, got %v", work)
	}
	if err := p.EdgeFinished(e2, EdgeSucceeded); err != nil {
		t.Fatal(err)
	}
	if p.MoreToDo() {
		t.Fatalf("expected no more work after both edges finished")
	}
}

func TestPoolDepthOneSerializesEdges(t *testing.T) {
	s := graph.NewState()
	pool := graph.NewPool("serial", 1)
	rule := graph.NewRule("link")
	e1 := s.AddEdge(rule)
	e1.Pool = pool
	e2 := s.AddEdge(rule)
	e2.Pool = pool

	out1 := s.GetNode("out1", 0)
	out2 := s.GetNode("out2", 0)
	s.AddOut(e1, out1)
	s.AddOut(e2, out2)
	out1.SetDirty(true)
	out2.SetDirty(true)

	p := New(noopDyndep{}, nil)
	if err := p.AddTarget(out1); err != nil {
		t.Fatal(err)
	}
	if err := p.AddTarget(out2); err != nil {
		t.Fatal(err)
	}
	p.PrepareQueue()

	first := p.FindWork()
	if first == nil {
		t.Fatalf("expected one edge admitted under depth-1 pool")
	}
	if second := p.FindWork(); second != nil {
		t.Fatalf("expected the second edge to stay delayed while the pool is full, got %v", second)
	}

	if err := p.EdgeFinished(first, EdgeSucceeded); err != nil {
		t.Fatal(err)
	}
	if p.FindWork() == nil {
		t.Fatalf("expected the delayed edge to be admitted once the pool freed up")
	}
}

func TestMissingSourceWithNoRuleIsError(t *testing.T) {
	s := graph.NewState()
	missing := s.GetNode("missing.c", 0)
	missing.SetDirty(true)

	p := New(noopDyndep{}, nil)
	if err := p.AddTarget(missing); err == nil {
		t.Fatalf("expected error: dirty source node with no producing edge")
	}
}
