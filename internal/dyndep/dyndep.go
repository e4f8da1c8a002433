// Package dyndep loads dyndep files: small manifest-grammar documents
// that an earlier build step generates to tell the graph about inputs
// and outputs it could not have known about when the manifest was
// parsed. The Loader/File/Dyndeps/UpdateEdge shape stays close to the
// graph package's own node/edge types so a loaded patch is just more
// Inputs/Outputs splicing, not a parallel data model.
package dyndep

import (
	"fmt"

	"forgebuild/internal/diskfs"
	"forgebuild/internal/explanations"
	"forgebuild/internal/graph"
)

// Dyndeps is the per-edge patch discovered in a dyndep file: whether
// restat should be set, and the implicit inputs/outputs to splice in.
type Dyndeps struct {
	used             bool
	Restat           bool
	ImplicitInputs   []*graph.Node
	ImplicitOutputs  []*graph.Node
}

// File maps each edge mentioned in a dyndep file to its patch.
type File map[*graph.Edge]*Dyndeps

// Loader applies dyndep files to the graph they were loaded against.
type Loader struct {
	state *graph.State
	disk  diskfs.Interface
	expl  *explanations.Log
}

func NewLoader(state *graph.State, disk diskfs.Interface, expl *explanations.Log) *Loader {
	return &Loader{state: state, disk: disk, expl: expl}
}

// LoadDyndeps reads node's path as a dyndep file and applies every
// patch it contains to the edges that declared node as their `dyndep`
// binding. It returns the set of edges it patched together with the
// implicit inputs each one gained, for the Plan to walk as new
// top-level targets.
func (l *Loader) LoadDyndeps(node *graph.Node) (map[*graph.Edge][]*graph.Node, error) {
	node.SetDyndepPending(false)
	l.expl.Recordf(node, "loading dyndep file %q", node.Path())

	ddf, err := l.loadFile(node)
	if err != nil {
		return nil, err
	}

	patched := make(map[*graph.Edge][]*graph.Node)
	for _, edge := range node.OutEdges() {
		if edge.Dyndep != node {
			continue
		}
		patch, ok := ddf[edge]
		if !ok {
			return nil, fmt.Errorf("%q not mentioned in its dyndep file %q", edge.Outputs[0].Path(), node.Path())
		}
		patch.used = true
		if err := l.updateEdge(edge, patch); err != nil {
			return nil, err
		}
		patched[edge] = patch.ImplicitInputs
	}

	for edge, patch := range ddf {
		if !patch.used {
			return nil, fmt.Errorf("dyndep file %q mentions output %q whose build statement has no dyndep binding", node.Path(), edge.Outputs[0].Path())
		}
	}
	return patched, nil
}

func (l *Loader) loadFile(file *graph.Node) (File, error) {
	contents, status := l.disk.ReadFile(file.Path())
	if status != diskfs.Okay {
		return nil, fmt.Errorf("loading dyndep file %q: %v", file.Path(), status)
	}
	return Parse(contents, l.state)
}

// updateEdge splices a dyndep patch's discovered inputs/outputs into
// edge: append outputs (the implicit-outputs partition is already the
// trailing one), but insert inputs just before the order-only
// partition — edge.Dyndep's own binding node lives in that order-only
// tail, so appending inputs past it would let IsOrderOnly misclassify
// a freshly-discovered implicit input as order-only and exempt it from
// dirtiness. Bump the partition counts and wire the reverse node links.
func (l *Loader) updateEdge(edge *graph.Edge, patch *Dyndeps) error {
	if patch.Restat {
		edge.Env.AddBinding("restat", "1")
	}

	edge.Outputs = append(edge.Outputs, patch.ImplicitOutputs...)
	edge.ImplicitOuts += len(patch.ImplicitOutputs)
	for _, n := range patch.ImplicitOutputs {
		if n.InEdge() != nil {
			return fmt.Errorf("multiple rules generate %q", n.Path())
		}
		n.SetInEdge(edge)
	}

	insertAt := len(edge.Inputs) - edge.OrderOnlyDeps
	edge.Inputs = append(edge.Inputs[:insertAt], append(append([]*graph.Node{}, patch.ImplicitInputs...), edge.Inputs[insertAt:]...)...)
	edge.ImplicitDeps += len(patch.ImplicitInputs)
	for _, n := range patch.ImplicitInputs {
		n.AddOutEdge(edge)
	}
	return nil
}
