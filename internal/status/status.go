// Package status renders build progress to the terminal: a single
// overwritten progress line while edges are running, plus failure
// output and a small Logf/Warnf/Errorf trio for diagnostics. Drops any
// ETA-prediction machinery: a build system this size doesn't have
// enough history to make a rate estimate worth showing.
package status

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"forgebuild/internal/build"
	"forgebuild/internal/explanations"
	"forgebuild/internal/graph"
)

var (
	failedLabel = color.New(color.FgRed, color.Bold)
	warnLabel   = color.New(color.FgYellow)
	errLabel    = color.New(color.FgRed)
)

// Printer implements build.Observer, printing one overwritten "[k/n]"
// line per edge on a smart terminal and a plain line per event
// otherwise.
type Printer struct {
	verbosity build.Verbosity
	expl      *explanations.Log

	mu            sync.Mutex
	smartTerminal bool
	consoleLocked bool
	haveBlankLine bool

	startedEdges  int
	finishedEdges int
	totalEdges    int
}

// New builds a Printer writing to os.Stdout, auto-detecting a smart
// terminal via isatty and a $TERM that isn't "dumb", except any
// verbosity other than Normal always forces plain output.
func New(verbosity build.Verbosity, expl *explanations.Log) *Printer {
	p := &Printer{verbosity: verbosity, expl: expl, haveBlankLine: true}
	term := os.Getenv("TERM")
	p.smartTerminal = verbosity == build.Normal &&
		isatty.IsTerminal(os.Stdout.Fd()) && term != "" && term != "dumb"
	return p
}

func (p *Printer) EdgeAddedToPlan(*graph.Edge) {
	p.mu.Lock()
	p.totalEdges++
	p.mu.Unlock()
}

func (p *Printer) EdgeRemovedFromPlan(*graph.Edge) {
	p.mu.Lock()
	p.totalEdges--
	p.mu.Unlock()
}

func (p *Printer) BuildStarted() {
	p.mu.Lock()
	p.startedEdges, p.finishedEdges = 0, 0
	p.mu.Unlock()
}

func (p *Printer) BuildFinished() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printOnNewLineLocked("")
}

func (p *Printer) EdgeStarted(edge *graph.Edge, startMs int64) {
	p.mu.Lock()
	p.startedEdges++
	p.mu.Unlock()
	if p.verbosity == build.Quiet || p.verbosity == build.NoStatusUpdate {
		return
	}
	p.printStatus(edge)
	if edge.UseConsole() {
		p.mu.Lock()
		p.consoleLocked = true
		p.mu.Unlock()
	}
}

func (p *Printer) EdgeFinished(edge *graph.Edge, startMs, endMs int64, success bool, output string) {
	p.mu.Lock()
	p.finishedEdges++
	if edge.UseConsole() {
		p.consoleLocked = false
	}
	p.mu.Unlock()

	if p.verbosity == build.Quiet {
		return
	}
	if !edge.UseConsole() {
		p.printStatus(edge)
	}

	if !success {
		var outputs []string
		for _, o := range edge.Outputs {
			outputs = append(outputs, o.Path())
		}
		p.mu.Lock()
		if p.smartTerminal {
			p.printOnNewLineLocked(failedLabel.Sprint("FAILED: ") + strings.Join(outputs, " ") + "\n")
		} else {
			p.printOnNewLineLocked("FAILED: " + strings.Join(outputs, " ") + "\n")
		}
		p.printOnNewLineLocked(edge.EvaluateCommand(false) + "\n")
		if p.expl != nil && len(edge.Outputs) > 0 {
			var reasons []string
			reasons = p.expl.LookupAndAppend(edge.Outputs[0], reasons)
			for _, r := range reasons {
				p.printOnNewLineLocked(warnLabel.Sprint("explain: ") + r + "\n")
			}
		}
		p.mu.Unlock()
	}

	if output != "" {
		p.mu.Lock()
		p.printOnNewLineLocked(output)
		p.mu.Unlock()
	}
}

// printStatus writes one overwritten "[finished/total] description"
// line on a smart terminal, or a plain "[finished/total] description"
// line per edge otherwise.
func (p *Printer) printStatus(edge *graph.Edge) {
	p.mu.Lock()
	defer p.mu.Unlock()
	desc := edge.GetBinding("description")
	if desc == "" {
		desc = edge.EvaluateCommand(false)
	}
	line := fmt.Sprintf("[%d/%d] %s", p.finishedEdges, p.totalEdges, desc)
	if p.smartTerminal && !p.consoleLocked {
		fmt.Fprint(os.Stdout, "\r"+line+"\033[K")
		p.haveBlankLine = false
	} else if !p.consoleLocked {
		fmt.Fprintln(os.Stdout, line)
	}
}

// printOnNewLineLocked must be called with p.mu held; it breaks out of
// the overwritten progress line before emitting normal output.
func (p *Printer) printOnNewLineLocked(s string) {
	if !p.haveBlankLine {
		fmt.Fprintln(os.Stdout)
		p.haveBlankLine = true
	}
	if s == "" {
		return
	}
	fmt.Fprint(os.Stdout, s)
	p.haveBlankLine = s[len(s)-1] == '\n'
}

// Logf, Warnf and Errorf print one-line diagnostics outside the edge
// lifecycle. Logf writes plain text to stdout; Warnf and Errorf write to
// stderr with a "warning: " / "error: " prefix, colorized.
func Logf(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

func Warnf(format string, args ...any) {
	warnLabel.Fprintf(os.Stderr, "warning: "+format+"\n", args...)
}

func Errorf(format string, args ...any) {
	errLabel.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}
