// Package manifest turns a build-file's text into a populated
// graph.State: the variable, rule, pool, build and default statements
// the dependency graph would otherwise have to be constructed by hand
// through direct calls to the graph package. cmd/forgebuild needs a
// concrete producer of a graph.State to be a runnable binary, so this
// package implements the subset every manifest in practice actually
// needs and leaves subninja/include out.
//
// Built as a plain recursive-descent reader over joined logical lines:
// each line is classified by its statement keyword and indentation,
// with "|"/"||" tokens splitting explicit/implicit/order-only paths,
// rather than a hand-rolled character-class lexer feeding a generated
// chunk-level scanner.
package manifest

import (
	"fmt"
	"strconv"
	"strings"

	"forgebuild/internal/graph"
)

// Parser builds edges, rules, pools, bindings and defaults directly
// into a graph.State as it reads a manifest.
type Parser struct {
	state     *graph.State
	filename  string
	phonyRule *graph.Rule
}

func New(state *graph.State) *Parser {
	return &Parser{state: state}
}

// Parse reads contents (the manifest named filename, for error
// messages) and applies every statement it contains to the Parser's
// State.
func (p *Parser) Parse(filename string, contents []byte) error {
	p.filename = filename
	lines := joinLogicalLines(contents)

	i := 0
	for i < len(lines) {
		ln := lines[i]
		if ln.indent != 0 {
			return p.errorf(ln, "unexpected indent")
		}

		var err error
		switch {
		case ln.text == "build" || strings.HasPrefix(ln.text, "build "):
			i, err = p.parseBuild(lines, i)
		case ln.text == "rule" || strings.HasPrefix(ln.text, "rule "):
			i, err = p.parseRule(lines, i)
		case ln.text == "pool" || strings.HasPrefix(ln.text, "pool "):
			i, err = p.parsePool(lines, i)
		case ln.text == "default" || strings.HasPrefix(ln.text, "default "):
			i, err = p.parseDefault(lines, i)
		case strings.HasPrefix(ln.text, "include ") || strings.HasPrefix(ln.text, "subninja "):
			return p.errorf(ln, "include/subninja statements are not supported")
		default:
			i, err = p.parseTopLevelAssignment(lines, i)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Parser) errorf(ln logicalLine, format string, args ...any) error {
	return fmt.Errorf("%s:%d: %s", p.filename, ln.lineNo, fmt.Sprintf(format, args...))
}

func (p *Parser) parseTopLevelAssignment(lines []logicalLine, i int) (int, error) {
	ln := lines[i]
	key, rawVal, err := splitAssignment(ln.text)
	if err != nil {
		return i, p.errorf(ln, "%v", err)
	}
	eval, err := parseValue(rawVal)
	if err != nil {
		return i, p.errorf(ln, "%v", err)
	}
	p.state.Bindings().AddBinding(key, eval.Evaluate(p.state.Bindings()))
	return i + 1, nil
}

func (p *Parser) parseRule(lines []logicalLine, i int) (int, error) {
	header := lines[i]
	name := strings.TrimSpace(strings.TrimPrefix(header.text, "rule"))
	if name == "" {
		return i, p.errorf(header, "expected rule name")
	}
	if p.state.Bindings().LookupRuleCurrentScope(name) != nil {
		return i, p.errorf(header, "duplicate rule %q", name)
	}

	body, next := bodyLines(lines, i+1, header.indent)
	rule := graph.NewRule(name)
	for _, bl := range body {
		key, rawVal, err := splitAssignment(bl.text)
		if err != nil {
			return i, p.errorf(bl, "%v", err)
		}
		eval, err := parseValue(rawVal)
		if err != nil {
			return i, p.errorf(bl, "%v", err)
		}
		rule.AddBinding(key, eval)
	}
	p.state.Bindings().AddRule(rule)
	return next, nil
}

func (p *Parser) parsePool(lines []logicalLine, i int) (int, error) {
	header := lines[i]
	name := strings.TrimSpace(strings.TrimPrefix(header.text, "pool"))
	if name == "" {
		return i, p.errorf(header, "expected pool name")
	}
	if p.state.LookupPool(name) != nil {
		return i, p.errorf(header, "duplicate pool %q", name)
	}

	body, next := bodyLines(lines, i+1, header.indent)
	depth := -1
	for _, bl := range body {
		key, rawVal, err := splitAssignment(bl.text)
		if err != nil {
			return i, p.errorf(bl, "%v", err)
		}
		if key != "depth" {
			return i, p.errorf(bl, "unexpected pool binding %q, only 'depth' is supported", key)
		}
		eval, err := parseValue(rawVal)
		if err != nil {
			return i, p.errorf(bl, "%v", err)
		}
		d, err := strconv.Atoi(eval.Evaluate(p.state.Bindings()))
		if err != nil {
			return i, p.errorf(bl, "invalid pool depth: %v", err)
		}
		depth = d
	}
	if depth < 0 {
		return i, p.errorf(header, "pool %q is missing its 'depth' binding", name)
	}
	p.state.AddPool(graph.NewPool(name, depth))
	return next, nil
}

func (p *Parser) parseDefault(lines []logicalLine, i int) (int, error) {
	header := lines[i]
	rest := strings.TrimSpace(strings.TrimPrefix(header.text, "default"))
	tokens, err := tokenize(rest)
	if err != nil {
		return i, p.errorf(header, "%v", err)
	}
	if len(tokens) == 0 {
		return i, p.errorf(header, "expected at least one default target")
	}
	for _, t := range tokens {
		path := t.Evaluate(p.state.Bindings())
		canon, slashBits := graph.CanonicalizePath(path)
		p.state.AddDefault(p.state.GetNode(canon, slashBits))
	}
	return i + 1, nil
}

func (p *Parser) parseBuild(lines []logicalLine, i int) (int, error) {
	header := lines[i]
	rest := strings.TrimSpace(strings.TrimPrefix(header.text, "build"))

	colon := indexUnescapedColon(rest)
	if colon < 0 {
		return i, p.errorf(header, "expected ':' in build statement")
	}
	outPart := rest[:colon]
	afterColon := strings.TrimSpace(rest[colon+1:])

	outTokens, err := tokenize(outPart)
	if err != nil {
		return i, p.errorf(header, "%v", err)
	}
	explicitOutTokens, implicitOutTokens, err := splitOutputBar(outTokens)
	if err != nil {
		return i, p.errorf(header, "%v", err)
	}
	if len(explicitOutTokens) == 0 {
		return i, p.errorf(header, "expected at least one output")
	}

	ruleAndIns, err := tokenize(afterColon)
	if err != nil {
		return i, p.errorf(header, "%v", err)
	}
	if len(ruleAndIns) == 0 {
		return i, p.errorf(header, "expected a rule name after ':'")
	}
	ruleName := ruleAndIns[0].Evaluate(p.state.Bindings())
	explicitInTokens, implicitInTokens, orderOnlyTokens, err := splitInputBars(ruleAndIns[1:])
	if err != nil {
		return i, p.errorf(header, "%v", err)
	}

	rule, err := p.lookupRule(ruleName)
	if err != nil {
		return i, p.errorf(header, "%v", err)
	}

	edge := p.state.AddEdge(rule)
	for _, t := range explicitOutTokens {
		if !p.addOut(edge, t) {
			return i, p.errorf(header, "multiple rules generate %q", t.Evaluate(p.state.Bindings()))
		}
	}
	for _, t := range implicitOutTokens {
		if !p.addOut(edge, t) {
			return i, p.errorf(header, "multiple rules generate %q", t.Evaluate(p.state.Bindings()))
		}
	}
	edge.ImplicitOuts = len(implicitOutTokens)

	for _, t := range explicitInTokens {
		// `build a: phony a` is accepted: a phony edge's reference to its
		// own output is dropped here so it never forms a dependency cycle.
		if edge.MaybePhonycycleDiagnostic() {
			if canon, _ := graph.CanonicalizePath(t.Evaluate(p.state.Bindings())); canon == edge.Outputs[0].Path() {
				continue
			}
		}
		p.addIn(edge, t)
	}
	for _, t := range implicitInTokens {
		p.addIn(edge, t)
	}
	for _, t := range orderOnlyTokens {
		p.addIn(edge, t)
	}
	edge.ImplicitDeps = len(implicitInTokens)
	edge.OrderOnlyDeps = len(orderOnlyTokens)

	body, next := bodyLines(lines, i+1, header.indent)
	for _, bl := range body {
		key, rawVal, err := splitAssignment(bl.text)
		if err != nil {
			return i, p.errorf(bl, "%v", err)
		}
		eval, err := parseValue(rawVal)
		if err != nil {
			return i, p.errorf(bl, "%v", err)
		}
		value := eval.Evaluate(graph.NewEdgeEnv(edge, graph.NoEscape))
		if err := p.applyEdgeBinding(edge, key, value); err != nil {
			return i, p.errorf(bl, "%v", err)
		}
	}
	return next, nil
}

func (p *Parser) addOut(edge *graph.Edge, t *graph.EvalString) bool {
	path := t.Evaluate(p.state.Bindings())
	canon, slashBits := graph.CanonicalizePath(path)
	return p.state.AddOut(edge, p.state.GetNode(canon, slashBits))
}

func (p *Parser) addIn(edge *graph.Edge, t *graph.EvalString) {
	path := t.Evaluate(p.state.Bindings())
	canon, slashBits := graph.CanonicalizePath(path)
	p.state.AddIn(edge, p.state.GetNode(canon, slashBits))
}

// lookupRule resolves a build statement's rule name, synthesizing the
// built-in "phony" rule on demand since it never needs (and cannot be
// given) a command binding.
func (p *Parser) lookupRule(name string) (*graph.Rule, error) {
	if name == "phony" {
		if p.phonyRule == nil {
			p.phonyRule = graph.NewRule("phony")
		}
		return p.phonyRule, nil
	}
	rule := p.state.Bindings().LookupRule(name)
	if rule == nil {
		return nil, fmt.Errorf("unknown rule %q", name)
	}
	return rule, nil
}

// applyEdgeBinding stores key=value as an edge-local binding, plus
// whatever non-Env bookkeeping the three bindings that aren't purely
// string lookups require: pool, deps, dyndep.
func (p *Parser) applyEdgeBinding(edge *graph.Edge, key, value string) error {
	edge.Env.AddBinding(key, value)

	switch key {
	case "pool":
		pool := p.state.LookupPool(value)
		if pool == nil {
			return fmt.Errorf("unknown pool %q", value)
		}
		edge.Pool = pool
	case "deps":
		switch value {
		case "gcc":
			edge.DepsType = graph.DepsGCC
		case "msvc":
			edge.DepsType = graph.DepsMSVC
		default:
			return fmt.Errorf("unknown deps type %q", value)
		}
	case "dyndep":
		canon, slashBits := graph.CanonicalizePath(value)
		node := p.state.GetNode(canon, slashBits)
		edge.Dyndep = node
		// A build statement may already list the dyndep file as an
		// explicit order-only input (`|| dd`); only add it ourselves
		// when it isn't already one of edge's inputs, or it would be
		// spliced in twice.
		already := false
		for _, in := range edge.Inputs {
			if in == node {
				already = true
				break
			}
		}
		if !already {
			p.state.AddIn(edge, node)
			edge.OrderOnlyDeps++
		}
	}
	return nil
}
