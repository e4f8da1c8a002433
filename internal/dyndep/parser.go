package dyndep

import (
	"fmt"
	"strconv"
	"strings"

	"forgebuild/internal/graph"
)

// Parse parses the tiny dyndep grammar against state, which must
// already contain every OUTPUT node as the output of some edge —
// dyndep files never introduce new edges, only new inputs and outputs
// on edges that already exist.
func Parse(contents string, state *graph.State) (File, error) {
	lines := splitStatements(contents)
	if len(lines) == 0 {
		return nil, fmt.Errorf("dyndep: empty file")
	}

	version := strings.Fields(lines[0])
	if len(version) != 3 || version[0] != "ninja_dyndep_version" || version[1] != "=" {
		return nil, fmt.Errorf("dyndep: expected 'ninja_dyndep_version = <n>' as the first statement")
	}
	if v, err := strconv.Atoi(version[2]); err != nil || v != 1 {
		return nil, fmt.Errorf("dyndep: unsupported ninja_dyndep_version %q", version[2])
	}

	ddf := make(File)
	seenOutputs := make(map[*graph.Node]bool)

	for _, line := range lines[1:] {
		edge, patch, err := parseBuildStatement(line, state)
		if err != nil {
			return nil, err
		}
		out := edge.Outputs[0]
		if seenOutputs[out] {
			return nil, fmt.Errorf("dyndep: output %q patched more than once", out.Path())
		}
		seenOutputs[out] = true
		ddf[edge] = patch
	}
	return ddf, nil
}

// splitStatements breaks the file into one logical statement per
// element: the version line, then each "build ..." line with its
// optional indented "restat = 1" continuation folded in.
func splitStatements(contents string) []string {
	var stmts []string
	var cur strings.Builder
	for _, raw := range strings.Split(contents, "\n") {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		indented := len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
		if indented && cur.Len() > 0 {
			cur.WriteByte('\n')
			cur.WriteString(trimmed)
			continue
		}
		if cur.Len() > 0 {
			stmts = append(stmts, cur.String())
			cur.Reset()
		}
		cur.WriteString(trimmed)
	}
	if cur.Len() > 0 {
		stmts = append(stmts, cur.String())
	}
	return stmts
}

// parseBuildStatement parses one "build OUTPUT [| IMPLICIT_OUTPUTS...]
// : dyndep [| IMPLICIT_INPUTS...]" statement plus its optional
// "restat = 1" continuation.
func parseBuildStatement(stmt string, state *graph.State) (*graph.Edge, *Dyndeps, error) {
	bodyLines := strings.Split(stmt, "\n")
	head := bodyLines[0]

	patch := &Dyndeps{}
	for _, cont := range bodyLines[1:] {
		kv := strings.SplitN(cont, "=", 2)
		if len(kv) != 2 || strings.TrimSpace(kv[0]) != "restat" {
			return nil, nil, fmt.Errorf("dyndep: unsupported binding %q", cont)
		}
		if strings.TrimSpace(kv[1]) == "1" {
			patch.Restat = true
		}
	}

	if !strings.HasPrefix(head, "build ") {
		return nil, nil, fmt.Errorf("dyndep: expected 'build' statement, got %q", head)
	}
	head = strings.TrimPrefix(head, "build ")

	colon := strings.Index(head, ":")
	if colon < 0 {
		return nil, nil, fmt.Errorf("dyndep: expected ':' in build statement")
	}
	outPart := head[:colon]
	rest := strings.TrimSpace(head[colon+1:])

	outTokens := strings.Fields(outPart)
	outputs, implicitOutputs, err := splitBar(outTokens)
	if err != nil {
		return nil, nil, err
	}
	if len(outputs) != 1 {
		return nil, nil, fmt.Errorf("dyndep: exactly one explicit OUTPUT is required, got %v", outputs)
	}

	restTokens := strings.Fields(rest)
	if len(restTokens) == 0 || restTokens[0] != "dyndep" {
		return nil, nil, fmt.Errorf("dyndep: rule must be the literal 'dyndep'")
	}
	for _, t := range restTokens[1:] {
		if t == "||" {
			return nil, nil, fmt.Errorf("dyndep: order-only inputs are not permitted in a dyndep file")
		}
	}
	explicitInputs, implicitInputs, err := splitBar(restTokens[1:])
	if err != nil {
		return nil, nil, err
	}
	if len(explicitInputs) > 0 {
		return nil, nil, fmt.Errorf("dyndep: explicit inputs are not permitted in a dyndep file")
	}

	outNode := state.LookupNode(outputs[0])
	if outNode == nil || outNode.InEdge() == nil {
		return nil, nil, fmt.Errorf("dyndep: output %q is not already an output in the graph", outputs[0])
	}
	edge := outNode.InEdge()

	for _, p := range implicitOutputs {
		patch.ImplicitOutputs = append(patch.ImplicitOutputs, state.GetNode(p, 0))
	}
	for _, p := range implicitInputs {
		patch.ImplicitInputs = append(patch.ImplicitInputs, state.GetNode(p, 0))
	}
	return edge, patch, nil
}

// splitBar splits a token list on a single "|" separator, distinguishing
// the "main" group from the group that follows the bar. Only one "|" is
// permitted; a second one is reported as an error.
func splitBar(tokens []string) (before, after []string, err error) {
	barIdx := -1
	for i, t := range tokens {
		if t == "|" {
			if barIdx >= 0 {
				return nil, nil, fmt.Errorf("dyndep: multiple '|' separators not allowed")
			}
			barIdx = i
		}
	}
	if barIdx < 0 {
		return tokens, nil, nil
	}
	return tokens[:barIdx], tokens[barIdx+1:], nil
}
