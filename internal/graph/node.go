// Package graph holds the core dependency graph data model: Node, Edge,
// Rule, Pool, the per-edge variable environment, and the State arena that
// owns all of them. Nodes and edges are created once and never destroyed
// within a build; State outlives everything else.
package graph

import (
	"strings"

	"forgebuild/internal/diskfs"
)

// TimeStamp is an opaque, comparable modification time. Only ever
// compared to another TimeStamp, never to wall-clock "now".
type TimeStamp = diskfs.TimeStamp

const (
	MtimeMissing TimeStamp = 0
	MtimeError   TimeStamp = -1
)

// Node represents a single file path — the sole identity.
type Node struct {
	path      string
	slashBits uint64 // which of the folded '/' were originally '\' (two-separator platforms)

	mtime TimeStamp
	dirty bool

	inEdge    *Edge
	outEdges  []*Edge
	validationOutEdges []*Edge

	id int // dense, assigned on first appearance, stable within a process

	dyndepPending        bool
	generatedByDepLoader bool

	// statted remembers whether Stat has already been called this build,
	// so RecomputeDirty's single walk doesn't re-stat shared inputs.
	statted bool
}

func NewNode(path string, slashBits uint64) *Node {
	return &Node{path: path, slashBits: slashBits, id: -1}
}

func (n *Node) Path() string      { return n.path }
func (n *Node) SlashBits() uint64 { return n.slashBits }
func (n *Node) Mtime() TimeStamp  { return n.mtime }
func (n *Node) SetMtime(t TimeStamp) { n.mtime = t }
func (n *Node) Dirty() bool       { return n.dirty }
func (n *Node) SetDirty(v bool)   { n.dirty = v }
func (n *Node) MarkDirty()        { n.dirty = true }

func (n *Node) InEdge() *Edge        { return n.inEdge }
func (n *Node) SetInEdge(e *Edge)    { n.inEdge = e }
func (n *Node) OutEdges() []*Edge    { return n.outEdges }
func (n *Node) AddOutEdge(e *Edge)   { n.outEdges = append(n.outEdges, e) }
func (n *Node) ValidationOutEdges() []*Edge { return n.validationOutEdges }
func (n *Node) AddValidationOutEdge(e *Edge) {
	n.validationOutEdges = append(n.validationOutEdges, e)
}

func (n *Node) ID() int      { return n.id }
func (n *Node) SetID(id int) { n.id = id }

func (n *Node) DyndepPending() bool     { return n.dyndepPending }
func (n *Node) SetDyndepPending(v bool) { n.dyndepPending = v }

func (n *Node) GeneratedByDepLoader() bool     { return n.generatedByDepLoader }
func (n *Node) SetGeneratedByDepLoader(v bool) { n.generatedByDepLoader = v }

// Exists reports whether the node's last Stat found it on disk.
func (n *Node) Exists() bool { return n.mtime != MtimeMissing }

// StatusKnown reports whether Stat has been called yet this build.
func (n *Node) StatusKnown() bool { return n.statted }

// Stat updates the node's mtime from disk. Returns an error string via
// err on stat failure, a fatal condition for the enclosing target.
func (n *Node) Stat(disk diskfs.Interface) error {
	mtime, err := disk.Stat(n.path)
	n.mtime = mtime
	n.statted = true
	return err
}

// StatIfNecessary calls Stat only if this node hasn't been statted yet
// this build — the scanner shares nodes across many edges and must only
// stat each one once.
func (n *Node) StatIfNecessary(disk diskfs.Interface) error {
	if n.statted {
		return nil
	}
	return n.Stat(disk)
}

// ResetState clears all per-build scanning state so the node can be
// rescanned in a subsequent Builder invocation within the same process
// (used by tests that run several builds against the same State).
func (n *Node) ResetState() {
	n.dirty = false
	n.statted = false
	n.mtime = MtimeMissing
}

// MarkMissing forces the node to be treated as not found without
// touching the disk, used when a depfile or dyndep splice discovers an
// input that cannot possibly exist yet (output of a not-yet-run edge).
func (n *Node) MarkMissing() {
	if n.mtime != MtimeMissing {
		n.mtime = MtimeMissing
		n.statted = true
	}
}

// PathDecanonicalized reconstructs the path as the manifest originally
// wrote it, restoring backslashes on platforms where '/' and '\' are both
// valid separators, using the slash-bit mask recorded at canonicalization
// time.
func (n *Node) PathDecanonicalized() string {
	return PathDecanonicalized(n.path, n.slashBits)
}

func PathDecanonicalized(path string, slashBits uint64) string {
	if !twoSeparatorPlatform {
		return path
	}
	var b strings.Builder
	b.Grow(len(path))
	mask := uint64(1)
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c == '/' {
			if slashBits&mask != 0 {
				c = '\\'
			}
			mask <<= 1
		}
		b.WriteByte(c)
	}
	return b.String()
}

// twoSeparatorPlatform is false on every platform this build targets by
// default (only Windows has two valid separators); kept as a variable
// rather than a build-tag switch so tests can flip it.
var twoSeparatorPlatform = false

// CanonicalizePath collapses "//" and resolves "." and ".." components
// lexically, never touching the filesystem. On two-separator platforms
// it first folds '\\' to '/' and also returns a bitmask recording which
// separators were originally '\\'; elsewhere '\\' is left as is and the
// mask is 0.
func CanonicalizePath(path string) (string, uint64) {
	if path == "" {
		return path, 0
	}

	var slashBits uint64
	buf := []byte(path)
	if twoSeparatorPlatform {
		var mask uint64 = 1
		for i := range buf {
			if buf[i] == '\\' {
				buf[i] = '/'
				slashBits |= mask
			}
			if buf[i] == '/' {
				mask <<= 1
			}
		}
	}

	return lexicallyCollapse(string(buf)), slashBits
}

// lexicallyCollapse removes "." components and resolves ".." against a
// preceding real component, without consulting the filesystem — so it
// must not resolve symlinks. This is deliberately not filepath.Clean,
// though the two usually agree.
func lexicallyCollapse(path string) string {
	leadingSlash := strings.HasPrefix(path, "/")
	trailingSlash := strings.HasSuffix(path, "/") && path != "/"
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		switch p {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 && out[len(out)-1] != ".." {
				out = out[:len(out)-1]
			} else if !leadingSlash {
				out = append(out, p)
			}
		default:
			out = append(out, p)
		}
	}
	result := strings.Join(out, "/")
	if leadingSlash {
		result = "/" + result
	}
	if result == "" {
		result = "."
	}
	if trailingSlash && !strings.HasSuffix(result, "/") {
		result += "/"
	}
	return result
}
