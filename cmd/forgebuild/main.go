// Command forgebuild is a minimal CLI around the core build engine:
// parse a manifest, scan the targets named on the command line (or the
// manifest's defaults), and run the build. Limited to the core options
// this repo actually exposes: no `-t` subtools, since those need an
// introspection surface this core doesn't build out.
package main

import (
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"time"

	"git.sr.ht/~sircmpwn/getopt"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"forgebuild/internal/build"
	"forgebuild/internal/buildlog"
	"forgebuild/internal/depslog"
	"forgebuild/internal/diskfs"
	"forgebuild/internal/explanations"
	"forgebuild/internal/graph"
	"forgebuild/internal/manifest"
	"forgebuild/internal/status"
)

const usage = `usage: forgebuild [options] [targets...]

if targets are unspecified, builds the manifest's default target(s).

options:
  -f FILE   input build file (default: build.ninja)
  -C DIR    change to DIR before doing anything else
  -j N      run N jobs in parallel (0 means infinity) [default=1]
  -k N      keep going until N jobs fail (0 means infinity) [default=1]
  -l N      do not start new jobs if the load average is greater than N
  -n        dry run: act like every command succeeded without running it
  -v        show all command lines and build-id while building
  -q        don't show progress status, just command output
  -d        record and print scanner explanations for dirty decisions
  -p SECS   re-run the build every SECS seconds instead of exiting (0=off)
  -h        show this message
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	buildID := uuid.New().String()

	var inputFile = "build.ninja"
	var workingDir string
	var explain bool
	var pollInterval time.Duration
	cfg := build.NewConfig()

	opts, optind, err := getopt.Getopts(args, "f:C:j:k:l:nvqdp:h")
	if err != nil {
		log.Println(err)
		return 1
	}
	targets := args[optind:]

	for _, o := range opts {
		switch o.Option {
		case 'f':
			inputFile = o.Value
		case 'C':
			workingDir = o.Value
		case 'j':
			v, err := strconv.Atoi(o.Value)
			if err != nil || v < 0 {
				log.Println("invalid -j parameter")
				return 1
			}
			if v == 0 {
				v = math.MaxInt32
			}
			cfg.Parallelism = v
		case 'k':
			v, err := strconv.Atoi(o.Value)
			if err != nil {
				log.Println("-k parameter not numeric; did you mean -k 0?")
				return 1
			}
			if v <= 0 {
				v = math.MaxInt32
			}
			cfg.FailuresAllowed = v
		case 'l':
			v, err := strconv.ParseFloat(o.Value, 64)
			if err != nil {
				log.Println("-l parameter not numeric: did you mean -l 0.0?")
				return 1
			}
			cfg.MaxLoadAverage = v
		case 'n':
			cfg.DryRun = true
		case 'v':
			cfg.Verbosity = build.Verbose
		case 'q':
			cfg.Verbosity = build.Quiet
		case 'd':
			explain = true
		case 'p':
			secs, err := strconv.Atoi(o.Value)
			if err != nil || secs < 0 {
				log.Println("-p parameter not a non-negative integer number of seconds")
				return 1
			}
			pollInterval = time.Duration(secs) * time.Second
		case 'h':
			fmt.Fprint(os.Stderr, usage)
			return 0
		}
	}

	if workingDir != "" {
		if err := os.Chdir(workingDir); err != nil {
			log.Printf("forgebuild: chdir %s: %v", workingDir, err)
			return 1
		}
	}

	if cfg.Verbosity == build.Verbose {
		log.Printf("forgebuild build-id %s", buildID)
	}

	if pollInterval <= 0 {
		return runOnce(inputFile, targets, cfg, explain)
	}
	return runPolling(inputFile, targets, cfg, explain, pollInterval)
}

func runOnce(inputFile string, targets []string, cfg *build.Config, explain bool) int {
	disk := diskfs.NewReal()

	contents, err := os.ReadFile(inputFile)
	if err != nil {
		log.Printf("forgebuild: reading %s: %v", inputFile, err)
		return 1
	}

	state := graph.NewState()
	if err := manifest.New(state).Parse(inputFile, contents); err != nil {
		log.Printf("forgebuild: %v", err)
		return 1
	}

	buildLog, err := buildlog.Open(".forgebuild.log")
	if err != nil {
		log.Printf("forgebuild: opening build log: %v", err)
		return 1
	}
	defer buildLog.Close()

	depsLog, err := depslog.Open(".forgebuild.deps")
	if err != nil {
		log.Printf("forgebuild: opening deps log: %v", err)
		return 1
	}
	defer depsLog.Close()

	var expl *explanations.Log
	if explain {
		expl = explanations.New()
	}

	printer := status.New(cfg.Verbosity, expl)
	builder := build.New(state, cfg, disk, buildLog, depsLog, printer, expl)

	nodes, err := resolveTargets(state, targets)
	if err != nil {
		log.Printf("forgebuild: %v", err)
		return 1
	}
	for _, n := range nodes {
		if err := builder.AddTarget(n); err != nil {
			log.Printf("forgebuild: %v", err)
			return 1
		}
	}

	if builder.AlreadyUpToDate() {
		fmt.Println("forgebuild: no work to do.")
		return 0
	}

	if err := builder.Build(); err != nil {
		log.Printf("forgebuild: %v", err)
		if errors.Is(err, build.ErrInterrupted) {
			return 2
		}
		return 1
	}
	if err := builder.RecompactLogs(); err != nil {
		log.Printf("forgebuild: %v", err)
		return 1
	}
	return 0
}

// runPolling re-parses the manifest and re-runs the build on a
// schedule instead of exiting after one pass. A CLI-only addition; it
// doesn't change anything about how the core decides what to build.
func runPolling(inputFile string, targets []string, cfg *build.Config, explain bool, interval time.Duration) int {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		log.Printf("forgebuild: starting scheduler: %v", err)
		return 1
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			runOnce(inputFile, targets, cfg, explain)
		}),
	)
	if err != nil {
		log.Printf("forgebuild: scheduling poll job: %v", err)
		return 1
	}

	runOnce(inputFile, targets, cfg, explain)
	scheduler.Start()

	// Block forever; a real deployment would wire this to a signal
	// channel, but forgebuild's poll mode is meant to run in the
	// foreground under a supervisor that kills the whole process.
	select {}
}

func resolveTargets(state *graph.State, names []string) ([]*graph.Node, error) {
	if len(names) == 0 {
		roots := state.RootNodes()
		if len(roots) == 0 {
			return nil, fmt.Errorf("manifest declares no targets")
		}
		return roots, nil
	}
	nodes := make([]*graph.Node, len(names))
	for i, name := range names {
		canon, _ := graph.CanonicalizePath(name)
		node := state.LookupNode(canon)
		if node == nil {
			return nil, fmt.Errorf("unknown target %q", name)
		}
		nodes[i] = node
	}
	return nodes, nil
}
