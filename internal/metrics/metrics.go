// Package metrics exposes scheduler activity as Prometheus metrics.
//
// Counters and histograms are fed from task.* bus events; gauges read the
// scheduler snapshot at scrape time.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"duesched/internal/eventbus"
	"duesched/internal/task/engine"
)

const namespace = "duesched"

// SnapshotFunc returns the current scheduler state.
type SnapshotFunc func() engine.Snapshot

type Collector struct {
	reg *prometheus.Registry

	submitted *prometheus.CounterVec
	runs      *prometheus.CounterVec
	requeued  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	lateness  *prometheus.HistogramVec

	events <-chan eventbus.Event
	unsub  func()
}

// New registers every collector on a private registry and subscribes to bus.
// snap may be nil, in which case no gauges are exported.
func New(bus eventbus.Bus, snap SnapshotFunc) *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_submitted_total",
			Help: "Tasks accepted by Submit.",
		}, []string{"task", "kind"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_runs_total",
			Help: "Finished executions by result (ok|failed).",
		}, []string{"task", "result"}),
		requeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_requeued_total",
			Help: "Tasks put back in the store because a stop interrupted the wait.",
		}, []string{"task"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_duration_seconds",
			Help:    "Execution time of one occurrence.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"task"}),
		lateness: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_lateness_seconds",
			Help:    "Delay between due time and execution start.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"task"}),
	}
	c.reg.MustRegister(c.submitted, c.runs, c.requeued, c.duration, c.lateness)
	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "eventbus_dropped_total",
			Help: "Bus deliveries skipped because a subscriber was full.",
		}, func() float64 { return float64(bus.Dropped()) }),
	)
	if snap != nil {
		c.registerGauges(snap)
	}

	c.events, c.unsub = bus.Subscribe(1024)
	return c
}

func (c *Collector) registerGauges(snap SnapshotFunc) {
	gauge := func(name, help string, fn func(engine.Snapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
			func() float64 { return fn(snap()) })
	}
	c.reg.MustRegister(
		gauge("tasks_pending", "Tasks waiting in the due-time store.",
			func(s engine.Snapshot) float64 { return float64(s.Pending) }),
		gauge("tasks_in_flight", "Executions currently running.",
			func(s engine.Snapshot) float64 { return float64(s.InFlight) }),
		gauge("workers", "Configured worker count.",
			func(s engine.Snapshot) float64 { return float64(s.Workers) }),
		gauge("running", "1 while the workers are started.",
			func(s engine.Snapshot) float64 {
				if s.Running {
					return 1
				}
				return 0
			}),
		gauge("next_due_timestamp_seconds", "Due time of the earliest pending task, 0 if none.",
			func(s engine.Snapshot) float64 {
				if s.NextDue.IsZero() {
					return 0
				}
				return float64(s.NextDue.UnixNano()) / 1e9
			}),
	)
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Run consumes bus events until ctx ends.
func (c *Collector) Run(ctx context.Context) error {
	defer c.unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-c.events:
			if !ok {
				return nil
			}
			c.Observe(e)
		}
	}
}

// Observe updates the event-fed metrics from one bus event.
func (c *Collector) Observe(e eventbus.Event) {
	ev, ok := e.Data.(engine.TaskEvent)
	if !ok {
		return
	}
	switch e.Type {
	case eventbus.TaskSubmitted:
		c.submitted.WithLabelValues(ev.Name, ev.Kind).Inc()
	case eventbus.TaskStarted:
		c.lateness.WithLabelValues(ev.Name).Observe(ev.Lateness.Seconds())
	case eventbus.TaskFinished:
		c.runs.WithLabelValues(ev.Name, "ok").Inc()
		c.duration.WithLabelValues(ev.Name).Observe(ev.Duration.Seconds())
	case eventbus.TaskFailed:
		c.runs.WithLabelValues(ev.Name, "failed").Inc()
		c.duration.WithLabelValues(ev.Name).Observe(ev.Duration.Seconds())
	case eventbus.TaskRequeued:
		c.requeued.WithLabelValues(ev.Name).Inc()
	}
}
