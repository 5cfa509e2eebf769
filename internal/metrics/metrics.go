// Package metrics collects and exposes Prometheus metrics for the lxproc
// kernel.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"

	"github.com/kahiteam/lxproc/internal/events"
	"github.com/kahiteam/lxproc/internal/registry"
)

// Collector holds all lxproc Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	// Lifecycle counters, fed from the event bus.
	ProcessCreatedTotal *prometheus.CounterVec
	ProcessExitTotal    *prometheus.CounterVec
	ProcessReapedTotal  prometheus.Counter
	GroupExitTotal      prometheus.Counter
	ThreadCreatedTotal  prometheus.Counter
	ThreadExitTotal     prometheus.Counter
	VforkReleasedTotal  prometheus.Counter
	ExecTotal           prometheus.Counter
	SignalTotal         *prometheus.CounterVec

	// Kernel-level gauges.
	KernelUptime prometheus.Gauge
	LiveObjects  *prometheus.GaugeVec
	BuildInfo    *prometheus.GaugeVec
}

// New creates and registers all lxproc metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	// Register default Go runtime metrics.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,

		ProcessCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lxproc_process_created_total",
				Help: "Processes created, by kind (init, fork, vfork).",
			},
			[]string{"kind"},
		),

		ProcessExitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lxproc_process_exit_total",
				Help: "Processes whose last thread exited, by how they ended.",
			},
			[]string{"how"},
		),

		ProcessReapedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lxproc_process_reaped_total",
				Help: "Zombie processes reaped by wait4.",
			},
		),

		GroupExitTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lxproc_process_group_exit_total",
				Help: "Group exits that terminated sibling threads.",
			},
		),

		ThreadCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lxproc_thread_created_total",
				Help: "Threads created by clone.",
			},
		),

		ThreadExitTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lxproc_thread_exit_total",
				Help: "Threads that ran the exit protocol.",
			},
		),

		VforkReleasedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lxproc_vfork_released_total",
				Help: "Vfork parents released by child exit or exec.",
			},
		),

		ExecTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lxproc_exec_total",
				Help: "Successful program replacements.",
			},
		),

		SignalTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lxproc_signal_total",
				Help: "Signals by name and stage (sent, delivered).",
			},
			[]string{"signal", "stage"},
		),

		KernelUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lxproc_kernel_uptime_seconds",
				Help: "Seconds since the collector was attached to a running kernel.",
			},
		),

		LiveObjects: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lxproc_registry_objects",
				Help: "Live entries in the identity registry, by table.",
			},
			[]string{"table"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lxproc_info",
				Help: "Build information about lxproc.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		c.ProcessCreatedTotal,
		c.ProcessExitTotal,
		c.ProcessReapedTotal,
		c.GroupExitTotal,
		c.ThreadCreatedTotal,
		c.ThreadExitTotal,
		c.VforkReleasedTotal,
		c.ExecTotal,
		c.SignalTotal,
		c.KernelUptime,
		c.LiveObjects,
		c.BuildInfo,
	)

	return c
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetBuildInfo sets the constant build info gauge.
func (c *Collector) SetBuildInfo(version, goVersion string) {
	c.BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// SetRegistryStats publishes the registry table sizes.
func (c *Collector) SetRegistryStats(s registry.Stats) {
	c.LiveObjects.WithLabelValues("threads").Set(float64(s.Threads))
	c.LiveObjects.WithLabelValues("processes").Set(float64(s.Processes))
	c.LiveObjects.WithLabelValues("groups").Set(float64(s.Groups))
	c.LiveObjects.WithLabelValues("sessions").Set(float64(s.Sessions))
}

// ObserveExit counts a process exit from its wait status.
func (c *Collector) ObserveExit(status unix.WaitStatus) {
	switch {
	case status.Signaled():
		c.ProcessExitTotal.WithLabelValues("signaled").Inc()
	case status.ExitStatus() == 0:
		c.ProcessExitTotal.WithLabelValues("success").Inc()
	default:
		c.ProcessExitTotal.WithLabelValues("failure").Inc()
	}
}

// Attach subscribes c to the lifecycle events on bus. On every TICK_5 the
// registry gauges are refreshed from stats, if non-nil. The returned
// function removes the subscriptions.
func (c *Collector) Attach(bus *events.Bus, stats func() registry.Stats) (detach func()) {
	start := time.Now()
	handlers := map[events.EventType]events.HandlerFunc{
		events.ProcessCreated: func(e events.Event) {
			kind := e.Data["kind"]
			if kind == "" {
				kind = "fork"
			}
			c.ProcessCreatedTotal.WithLabelValues(kind).Inc()
		},
		events.ProcessExited: func(e events.Event) {
			if n, err := strconv.Atoi(e.Data["status"]); err == nil {
				c.ObserveExit(unix.WaitStatus(n))
			}
		},
		events.ProcessReaped:    func(events.Event) { c.ProcessReapedTotal.Inc() },
		events.ProcessGroupExit: func(events.Event) { c.GroupExitTotal.Inc() },
		events.ThreadCreated:    func(events.Event) { c.ThreadCreatedTotal.Inc() },
		events.ThreadExited:     func(events.Event) { c.ThreadExitTotal.Inc() },
		events.VforkReleased:    func(events.Event) { c.VforkReleasedTotal.Inc() },
		events.ProcessExec:      func(events.Event) { c.ExecTotal.Inc() },
		events.SignalSent: func(e events.Event) {
			c.SignalTotal.WithLabelValues(e.Data["signal"], "sent").Inc()
		},
		events.SignalDelivered: func(e events.Event) {
			c.SignalTotal.WithLabelValues(e.Data["signal"], "delivered").Inc()
		},
		events.Tick5: func(events.Event) {
			c.KernelUptime.Set(time.Since(start).Seconds())
			if stats != nil {
				c.SetRegistryStats(stats())
			}
		},
	}

	ids := make([]uint64, 0, len(handlers))
	for typ, h := range handlers {
		ids = append(ids, bus.Subscribe(typ, h))
	}
	return func() {
		for _, id := range ids {
			bus.Unsubscribe(id)
		}
	}
}
