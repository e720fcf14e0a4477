// Command worker runs one rank of the job-tree scheduling fleet: it
// parses the flag surface of spec.md §6, wires the fabric transport,
// placement database, router, balancer, and metrics provider together,
// and drives the control loop until told to exit.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	goutilscfg "github.com/Scusemua/go-utils/config"
	"github.com/spf13/pflag"

	"github.com/wtmJepsen/mallob/internal/balancer"
	"github.com/wtmJepsen/mallob/internal/balancer/cutoff"
	"github.com/wtmJepsen/mallob/internal/balancer/eventdriven"
	"github.com/wtmJepsen/mallob/internal/clientapi"
	"github.com/wtmJepsen/mallob/internal/config"
	"github.com/wtmJepsen/mallob/internal/fabric"
	"github.com/wtmJepsen/mallob/internal/jobdb"
	"github.com/wtmJepsen/mallob/internal/metrics"
	"github.com/wtmJepsen/mallob/internal/router"
	"github.com/wtmJepsen/mallob/internal/satjob"
	"github.com/wtmJepsen/mallob/internal/worker"
)

var log = goutilscfg.GetLogger("")

// bootstrapOptions holds the rendezvous/infra flags spec.md §6 leaves as
// external collaborators (it names worker-behavior flags only; "CLI
// parsing... and shared-memory IPC plumbing between the worker and the
// forked solver process" is explicitly out of scope there).
type bootstrapOptions struct {
	rank        int
	endpoints   string // comma-separated rank=host:port pairs
	metricsPort int
	clientPort  int
}

func main() {
	opts := config.Default()
	boot := &bootstrapOptions{}

	fs := pflag.NewFlagSet("worker", pflag.ExitOnError)
	opts.BindFlags(fs)
	fs.IntVar(&boot.rank, "rank", 0, "this process's rank in the fixed worker set")
	fs.StringVar(&boot.endpoints, "endpoints", "", "comma-separated rank=host:port fabric endpoint map")
	fs.IntVar(&boot.metricsPort, "metrics-port", 0, "Prometheus /metrics port; 0 disables")
	fs.IntVar(&boot.clientPort, "client-port", 0, "ZMQ ROUTER port for the client submission service; 0 disables")
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Error("failed to parse flags: %v", err)
		os.Exit(1)
	}
	opts.ResolveIdleStrategy()

	endpointMap, err := parseEndpoints(boot.endpoints)
	if err != nil {
		log.Error("failed to parse -endpoints: %v", err)
		os.Exit(1)
	}
	opts.Rank = boot.rank
	opts.NumWorkers = len(endpointMap)
	if opts.NumWorkers == 0 {
		opts.NumWorkers = 1
	}

	if err := opts.Validate(); err != nil {
		log.Error("invalid options: %v", err)
		os.Exit(1)
	}

	metricsProvider := metrics.NewProvider(boot.rank, boot.metricsPort)
	if err := metricsProvider.Start(); err != nil {
		log.Error("failed to start metrics provider: %v", err)
	}

	db := jobdb.NewDatabase()

	var w *worker.Worker
	rtr := router.New(boot.rank, opts, db, func() (uint32, bool) {
		return w.LeastPriorityLeaf()
	})

	bal := newBalancer(opts)

	transport := fabric.NewTransport(boot.rank, func(rank int) string {
		return endpointMap[rank]
	})

	w = worker.New(boot.rank, opts, transport, db, rtr, bal, defaultSolverFactory).
		WithMetrics(metricsProvider)

	if err := transport.Start(); err != nil {
		log.Error("failed to start fabric transport: %v", err)
		os.Exit(1)
	}
	defer transport.Close()

	var submission *clientapi.Service
	if boot.clientPort > 0 {
		submission = clientapi.New(boot.rank, boot.clientPort, w)
		if err := submission.Start(); err != nil {
			log.Error("failed to start client submission service: %v", err)
		}
		defer submission.Stop()
	}

	runLoop(w, opts, metricsProvider)
}

// defaultSolverFactory is the out-of-the-box SolverFactory: spec.md's own
// scope note treats "the underlying SAT solvers themselves" as an
// external collaborator, so the worker ships wired to the deterministic
// in-tree satjob.MockSolver, the same Solver implementation component J's
// tests exercise, until a real solver binary is plugged in here.
func defaultSolverFactory(job *jobdb.Job, globalID int) satjob.Solver {
	return satjob.NewMockSolver()
}

func newBalancer(opts *config.WorkerOptions) balancer.Balancer {
	switch opts.Balancer {
	case config.BalancerEventDriven:
		return eventdriven.New(opts.Rank, opts.NumWorkers, opts.LoadFactor)
	default:
		return cutoff.New(opts.Rank, opts.NumWorkers, opts.LoadFactor, opts.Rounding)
	}
}

// parseEndpoints turns "0=tcp://host:5550,1=tcp://host:5551" into a
// rank->address map.
func parseEndpoints(raw string) (map[int]string, error) {
	out := make(map[int]string)
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed endpoint entry %q, want rank=address", pair)
		}
		rank, err := strconv.Atoi(strings.TrimSpace(kv[0]))
		if err != nil {
			return nil, fmt.Errorf("malformed rank in %q: %w", pair, err)
		}
		out[rank] = strings.TrimSpace(kv[1])
	}
	return out, nil
}

// runLoop drives Worker.Tick until SIGINT/SIGTERM, sleeping or yielding
// between idle ticks per opts.IdleStrategy (spec.md §4.K).
func runLoop(w *worker.Worker, opts *config.WorkerOptions, mp *metrics.Provider) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	log.Info("worker %d entering control loop", opts.Rank)
	for {
		select {
		case <-sig:
			log.Info("worker %d received shutdown signal", opts.Rank)
			_ = mp.Stop()
			return
		default:
		}

		didWork, err := w.Tick(time.Now())
		if err != nil {
			log.Warn("worker %d tick error: %v", opts.Rank, err)
		}
		if w.Exiting() {
			_ = mp.Stop()
			return
		}
		if !didWork {
			idle(opts)
		}
	}
}

func idle(opts *config.WorkerOptions) {
	switch opts.IdleStrategy {
	case config.IdleYield:
		runtime.Gosched()
	default:
		time.Sleep(opts.IdleSleep)
	}
}
