// Package build drives Plan + CommandRunner + the two logs to
// completion: the Builder main loop (StartEdge/FinishCommand) and the
// real runner's capacity/load-average gating. The real runner spawns
// with os/exec directly rather than a hand-rolled poll()-based process
// set, since Go's exec package already gives a portable equivalent of
// that state machine.
package build

import (
	"bytes"
	"context"
	"os/exec"
	"sync"

	"github.com/edwingeng/deque"
	loadavg "github.com/mikoim/go-loadavg"
	"github.com/tevino/abool/v2"

	"forgebuild/internal/graph"
)

// ExitStatus is the outcome of one command.
type ExitStatus int8

const (
	ExitSuccess ExitStatus = iota
	ExitFailure
	ExitInterrupted
)

// Result is what WaitForCommand reports for one finished edge.
type Result struct {
	Edge   *graph.Edge
	Status ExitStatus
	Output string
}

func (r *Result) Success() bool { return r.Status == ExitSuccess }

// CommandRunner is the narrow capability the Builder drives: it owns
// subprocess lifetime, the Builder owns graph updates.
type CommandRunner interface {
	CanRunMore() int64
	StartCommand(edge *graph.Edge) bool
	WaitForCommand() (Result, bool)
	GetActiveEdges() []*graph.Edge
	Abort()
}

// DryRunCommandRunner reports every command as having succeeded
// immediately, without spawning anything — used for `-n`.
type DryRunCommandRunner struct {
	finished deque.Deque
}

func NewDryRunCommandRunner() *DryRunCommandRunner {
	return &DryRunCommandRunner{finished: deque.NewDeque()}
}

func (d *DryRunCommandRunner) CanRunMore() int64 { return 1 }

func (d *DryRunCommandRunner) StartCommand(edge *graph.Edge) bool {
	d.finished.PushBack(edge)
	return true
}

func (d *DryRunCommandRunner) WaitForCommand() (Result, bool) {
	if d.finished.Empty() {
		return Result{}, false
	}
	edge := d.finished.Front().(*graph.Edge)
	d.finished.PopFront()
	return Result{Edge: edge, Status: ExitSuccess}, true
}

func (d *DryRunCommandRunner) GetActiveEdges() []*graph.Edge { return nil }
func (d *DryRunCommandRunner) Abort()                        {}

// RealCommandRunner spawns real subprocesses, bounded by
// config.Parallelism and, if set, by config.MaxLoadAverage.
type RealCommandRunner struct {
	config *Config

	mu      sync.Mutex
	running map[*exec.Cmd]*graph.Edge
	done    chan Result

	// outstanding counts commands that have been started but whose
	// Result hasn't been drained from done yet. It is incremented by
	// StartCommand and decremented by WaitForCommand, never by the
	// completion goroutine, so WaitForCommand can decide to block
	// without racing that goroutine's running-map delete against its
	// done send (the two happen in the other order: delete then send).
	outstanding int64

	aborted *abool.AtomicBool
}

func NewRealCommandRunner(config *Config) *RealCommandRunner {
	return &RealCommandRunner{
		config:  config,
		running: make(map[*exec.Cmd]*graph.Edge),
		done:    make(chan Result, 64),
		aborted: abool.New(),
	}
}

func (r *RealCommandRunner) CanRunMore() int64 {
	r.mu.Lock()
	active := len(r.running)
	r.mu.Unlock()

	capacity := float64(r.config.Parallelism - active)
	if r.config.MaxLoadAverage > 0 {
		if avg, err := loadavg.Parse(); err == nil {
			loadCapacity := r.config.MaxLoadAverage - avg.LoadAverage1
			if loadCapacity < capacity {
				capacity = loadCapacity
			}
		}
	}
	if capacity < 0 {
		capacity = 0
	}
	if capacity == 0 && active == 0 {
		capacity = 1 // always make progress
	}
	return int64(capacity)
}

func (r *RealCommandRunner) StartCommand(edge *graph.Edge) bool {
	if r.aborted.IsSet() {
		return false
	}
	command := edge.EvaluateCommand(false)
	cmd := exec.CommandContext(context.Background(), "/bin/sh", "-c", command)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Start(); err != nil {
		return false
	}

	r.mu.Lock()
	r.running[cmd] = edge
	r.outstanding++
	r.mu.Unlock()

	go func() {
		err := cmd.Wait()
		status := ExitSuccess
		if r.aborted.IsSet() {
			status = ExitInterrupted
		} else if err != nil {
			status = ExitFailure
		}
		r.mu.Lock()
		delete(r.running, cmd)
		r.mu.Unlock()
		r.done <- Result{Edge: edge, Status: status, Output: buf.String()}
	}()
	return true
}

func (r *RealCommandRunner) WaitForCommand() (Result, bool) {
	r.mu.Lock()
	outstanding := r.outstanding
	r.mu.Unlock()
	if outstanding == 0 {
		select {
		case res := <-r.done:
			r.mu.Lock()
			r.outstanding--
			r.mu.Unlock()
			return res, true
		default:
			return Result{}, false
		}
	}
	res := <-r.done
	r.mu.Lock()
	r.outstanding--
	r.mu.Unlock()
	return res, true
}

func (r *RealCommandRunner) GetActiveEdges() []*graph.Edge {
	r.mu.Lock()
	defer r.mu.Unlock()
	edges := make([]*graph.Edge, 0, len(r.running))
	for _, e := range r.running {
		edges = append(edges, e)
	}
	return edges
}

func (r *RealCommandRunner) Abort() {
	r.aborted.Set()
	r.mu.Lock()
	for cmd := range r.running {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
	}
	r.mu.Unlock()
}
