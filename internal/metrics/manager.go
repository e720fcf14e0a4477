// Package metrics wraps Prometheus instrumentation for a worker process.
//
// Every metric update a caller performs goes through a nil-safe Provider so
// that the rest of the tree (router, balancer, worker, clause overlay) can
// hold a *Provider unconditionally and never special-case "metrics are
// disabled" at the call site.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var ErrAlreadyRunning = errors.New("prometheus manager is already running")
var ErrNotRunning = errors.New("prometheus manager is not running")

// Provider owns the set of metrics a worker publishes and, optionally, the
// HTTP server that exposes them to a Prometheus scraper. A *Provider is safe
// to use with a zero-valued receiver check: every recording method is a
// no-op when the Provider itself is nil, so components can be handed a
// Provider unconditionally and never branch on whether metrics are enabled.
type Provider struct {
	log logger.Logger

	port   int
	rank   int
	engine *gin.Engine
	server *http.Server

	mu      sync.Mutex
	serving bool

	prometheusHandler http.Handler

	JobVolume           *prometheus.GaugeVec
	RouterHops          prometheus.Histogram
	ClauseRoundTotal    *prometheus.CounterVec
	BalancerUtilization prometheus.Gauge
	ActiveJobs          prometheus.Gauge
	ResultLatency       prometheus.Histogram
}

// NewProvider builds a Provider registered under its own Prometheus
// registry so that multiple workers in the same process (as in tests) don't
// collide on the global default registry. If port is <= 0, Start is a no-op
// forever and the Provider only ever accumulates in-process counters.
func NewProvider(rank int, port int) *Provider {
	p := &Provider{
		port:              port,
		rank:              rank,
		prometheusHandler: promhttp.Handler(),
	}
	config.InitLogger(&p.log, p)
	p.initMetrics()
	return p
}

func (p *Provider) initMetrics() {
	p.JobVolume = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mallob",
		Name:      "job_volume",
		Help:      "Current computed volume (target worker count) of a job, keyed by job id.",
	}, []string{"job_id"})

	p.RouterHops = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mallob",
		Name:      "router_hops",
		Help:      "Number of FindNode bounces before a worker adopted or discarded a growth request.",
		Buckets:   []float64{0, 1, 2, 3, 4, 5, 8, 13, 21},
	})

	p.ClauseRoundTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mallob",
		Name:      "clause_round_total",
		Help:      "Number of clause-sharing overlay rounds completed, keyed by job id.",
	}, []string{"job_id"})

	p.BalancerUtilization = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mallob",
		Name:      "balancer_utilization",
		Help:      "Fraction of this worker's NumWorkers slots committed to active jobs after the last balancing round.",
	})

	p.ActiveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mallob",
		Name:      "active_jobs",
		Help:      "Number of jobs this worker currently participates in.",
	})

	p.ResultLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mallob",
		Name:      "result_latency_seconds",
		Help:      "Wall-clock time from a job's root submission to its terminal result being available.",
		Buckets:   prometheus.DefBuckets,
	})
}

// register adds every metric to a dedicated registry for this Provider's
// HTTP handler, so two Providers in the same process never collide.
func (p *Provider) register(reg *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		p.JobVolume, p.RouterHops, p.ClauseRoundTotal, p.BalancerUtilization,
		p.ActiveJobs, p.ResultLatency,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Start registers this Provider's metrics against a private registry and
// begins serving them over HTTP. A Provider built with port <= 0 returns
// nil immediately and never listens.
func (p *Provider) Start() error {
	if p == nil || p.port <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.serving {
		return ErrAlreadyRunning
	}

	reg := prometheus.NewRegistry()
	if err := p.register(reg); err != nil {
		return err
	}
	p.prometheusHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	p.engine = gin.New()
	p.engine.Use(gin.Recovery())
	p.engine.Use(cors.Default())
	p.engine.GET("/metrics", func(c *gin.Context) {
		p.prometheusHandler.ServeHTTP(c.Writer, c.Request)
	})

	address := fmt.Sprintf("0.0.0.0:%d", p.port)
	p.server = &http.Server{Addr: address, Handler: p.engine}

	go func() {
		p.log.Debug("Worker %d serving Prometheus metrics at %s", p.rank, address)
		if err := p.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Error("Prometheus HTTP server for worker %d failed: %v", p.rank, err)
		}
	}()

	p.serving = true
	return nil
}

// Stop shuts down the HTTP server, if one was started.
func (p *Provider) Stop() error {
	if p == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.serving {
		return ErrNotRunning
	}

	p.serving = false
	return p.server.Shutdown(context.Background())
}

// SetJobVolume records a job's most recently computed volume.
func (p *Provider) SetJobVolume(jobID uint32, volume int) {
	if p == nil || p.JobVolume == nil {
		return
	}
	p.JobVolume.WithLabelValues(jobIDLabel(jobID)).Set(float64(volume))
}

// ObserveRouterHops records how many bounces a FindNode took before it was
// adopted or discarded.
func (p *Provider) ObserveRouterHops(hops int) {
	if p == nil || p.RouterHops == nil {
		return
	}
	p.RouterHops.Observe(float64(hops))
}

// IncClauseRound records one completed clause-sharing overlay round for a job.
func (p *Provider) IncClauseRound(jobID uint32) {
	if p == nil || p.ClauseRoundTotal == nil {
		return
	}
	p.ClauseRoundTotal.WithLabelValues(jobIDLabel(jobID)).Inc()
}

// SetBalancerUtilization records the fraction of this worker's capacity
// committed to active jobs after a balancing round completes.
func (p *Provider) SetBalancerUtilization(fraction float64) {
	if p == nil || p.BalancerUtilization == nil {
		return
	}
	p.BalancerUtilization.Set(fraction)
}

// SetActiveJobs records the number of jobs this worker currently participates in.
func (p *Provider) SetActiveJobs(n int) {
	if p == nil || p.ActiveJobs == nil {
		return
	}
	p.ActiveJobs.Set(float64(n))
}

// ObserveResultLatency records the time between a job's submission and its
// terminal result becoming available.
func (p *Provider) ObserveResultLatency(seconds float64) {
	if p == nil || p.ResultLatency == nil {
		return
	}
	p.ResultLatency.Observe(seconds)
}

func jobIDLabel(jobID uint32) string {
	return fmt.Sprintf("%d", jobID)
}
