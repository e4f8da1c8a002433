package graph

// State is the arena that owns every Node, Edge, Rule and Pool created
// while parsing a manifest and running a build. Paths are interned so
// two references to the same file, however spelled before
// canonicalization, resolve to the identical *Node.
type State struct {
	paths map[string]*Node
	nodes []*Node
	edges []*Edge

	bindings *BindingEnv
	pools    map[string]*Pool

	defaults []*Node
}

func NewState() *State {
	s := &State{
		paths:    make(map[string]*Node),
		bindings: NewBindingEnv(),
		pools:    make(map[string]*Pool),
	}
	s.pools[ConsolePoolName] = NewPool(ConsolePoolName, 1)
	return s
}

func (s *State) Bindings() *BindingEnv { return s.bindings }
func (s *State) Nodes() []*Node        { return s.nodes }
func (s *State) Edges() []*Edge        { return s.edges }

// LookupNode returns the interned node for an already-canonicalized
// path, or nil if it has never been referenced.
func (s *State) LookupNode(path string) *Node {
	return s.paths[path]
}

// GetNode returns the interned node for path, creating and assigning it
// a dense id on first appearance.
func (s *State) GetNode(path string, slashBits uint64) *Node {
	if n, ok := s.paths[path]; ok {
		return n
	}
	n := NewNode(path, slashBits)
	n.SetID(len(s.nodes))
	s.paths[path] = n
	s.nodes = append(s.nodes, n)
	return n
}

// AddEdge creates a new edge bound to the given rule, in its own scope
// chained to the root bindings.
func (s *State) AddEdge(rule *Rule) *Edge {
	e := NewEdge()
	e.Rule = rule
	e.Pool = s.pools[""]
	if e.Pool == nil {
		e.Pool = NewPool("", 0)
	}
	e.Env = NewBindingEnvWithParent(s.bindings)
	s.edges = append(s.edges, e)
	return e
}

// AddIn records node as the i-th input of e, wiring the reverse
// out-edge link.
func (s *State) AddIn(e *Edge, node *Node) {
	e.Inputs = append(e.Inputs, node)
	node.AddOutEdge(e)
}

// AddOut records node as an output of e, wiring the forward in-edge
// link. A node may have at most one producing edge; a second AddOut
// call for the same node returns false.
func (s *State) AddOut(e *Edge, node *Node) bool {
	if node.InEdge() != nil {
		return false
	}
	e.Outputs = append(e.Outputs, node)
	node.SetInEdge(e)
	return true
}

// AddValidation records node as a validation output of e: node must be
// built before e's own outputs are considered up to date, but node's
// own staleness never forces e to rebuild.
func (s *State) AddValidation(e *Edge, node *Node) {
	e.ValidationOutputs = append(e.ValidationOutputs, node)
	node.AddValidationOutEdge(e)
}

func (s *State) LookupPool(name string) *Pool {
	return s.pools[name]
}

func (s *State) AddPool(p *Pool) {
	s.pools[p.Name()] = p
}

func (s *State) Pools() map[string]*Pool { return s.pools }

func (s *State) AddDefault(n *Node) {
	s.defaults = append(s.defaults, n)
}

func (s *State) DefaultNodes() []*Node { return s.defaults }

// RootNodes returns the declared default targets when there are any,
// otherwise every node that no edge consumes as an input.
func (s *State) RootNodes() []*Node {
	if len(s.defaults) > 0 {
		return s.defaults
	}
	// No explicit defaults: every node that is nobody's input is a root.
	var roots []*Node
	for _, n := range s.nodes {
		if len(n.OutEdges()) == 0 {
			roots = append(roots, n)
		}
	}
	return roots
}
