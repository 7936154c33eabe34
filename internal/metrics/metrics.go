// Package metrics exposes Prometheus counters and gauges for the dispatch
// queue: enqueue/claim/completion rates plus the current queue shape.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns its own registry so repeated construction (tests, embedded
// use) never trips duplicate-registration panics.
type Collector struct {
	registry *prometheus.Registry

	jobsEnqueued   prometheus.Counter
	jobsClaimed    prometheus.Counter
	jobsCompleted  prometheus.Counter
	claimsRepeated prometheus.Counter
	archives       prometheus.Counter

	queueDepth prometheus.Gauge
	jobActive  prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		jobsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_jobs_enqueued_total",
			Help: "Total number of jobs accepted into the queue",
		}),
		jobsClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_jobs_claimed_total",
			Help: "Total number of jobs newly claimed by the robot",
		}),
		jobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_jobs_completed_total",
			Help: "Total number of completion events processed",
		}),
		claimsRepeated: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_claims_repeated_total",
			Help: "Total number of claim calls answered with the already-active job",
		}),
		archives: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_store_archives_total",
			Help: "Total number of successful store generation rotations",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_jobs_queued",
			Help: "Current number of queued jobs",
		}),
		jobActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_job_active",
			Help: "1 when a job is assigned to the robot, 0 otherwise",
		}),
	}
}

// Handler returns the /metrics HTTP handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordEnqueue() {
	c.jobsEnqueued.Inc()
}

func (c *Collector) RecordClaim() {
	c.jobsClaimed.Inc()
	c.jobActive.Set(1)
}

func (c *Collector) RecordRepeatedClaim() {
	c.claimsRepeated.Inc()
}

func (c *Collector) RecordCompletion() {
	c.jobsCompleted.Inc()
	c.jobActive.Set(0)
}

func (c *Collector) RecordArchive() {
	c.archives.Inc()
	c.queueDepth.Set(0)
	c.jobActive.Set(0)
}

// SetQueueDepth records the current number of queued jobs.
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}
