// Package metrics exposes the blockchain core's operational counters as
// Prometheus gauges and counters, in the same registry-per-component style
// the node uses elsewhere for health reporting.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Collector holds every metric the core reports. It deliberately takes
// plain values rather than core types, so this package never needs to
// import core and can be wired from the pipeline, the epoch clock, or the
// housekeeping loop with equally narrow calls.
type Collector struct {
	registry *prometheus.Registry
	log      *logrus.Logger

	tipChainLength     prometheus.Gauge
	tipEpoch           prometheus.Gauge
	admittedTotal      prometheus.Counter
	rejectedTotal      *prometheus.CounterVec
	missingBranchTotal prometheus.Counter
	orphansBuffered    prometheus.Gauge
	epochEventsDropped prometheus.Counter
	epochCrossings     prometheus.Counter
	multiverseStates   prometheus.Gauge
}

// New constructs a Collector with its own registry.
func New(logger *logrus.Logger) *Collector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	reg := prometheus.NewRegistry()
	c := &Collector{registry: reg, log: logger}

	c.tipChainLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chainkernel_tip_chain_length",
		Help: "Chain length of the current tip.",
	})
	c.tipEpoch = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chainkernel_tip_epoch",
		Help: "Epoch of the current tip.",
	})
	c.admittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chainkernel_blocks_admitted_total",
		Help: "Blocks successfully admitted, tip or non-tip.",
	})
	c.rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chainkernel_blocks_rejected_total",
		Help: "Blocks rejected by triage, labeled by reason.",
	}, []string{"reason"})
	c.missingBranchTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chainkernel_blocks_missing_branch_total",
		Help: "Blocks routed to the orphan buffer for a missing parent.",
	})
	c.orphansBuffered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chainkernel_orphans_buffered",
		Help: "Blocks currently buffered awaiting their parent.",
	})
	c.epochEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chainkernel_epoch_events_dropped_total",
		Help: "Epoch events dropped because the sink was full.",
	})
	c.epochCrossings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chainkernel_epoch_crossings_total",
		Help: "Epoch boundaries crossed by admitted blocks.",
	})
	c.multiverseStates = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chainkernel_multiverse_states",
		Help: "Ledger states currently retained in the multiverse.",
	})

	reg.MustRegister(
		c.tipChainLength,
		c.tipEpoch,
		c.admittedTotal,
		c.rejectedTotal,
		c.missingBranchTotal,
		c.orphansBuffered,
		c.epochEventsDropped,
		c.epochCrossings,
		c.multiverseStates,
	)
	return c
}

// RecordAdmitted marks a successful admission and, if it became the new
// tip, updates the tip gauges.
func (c *Collector) RecordAdmitted(becameTip bool, chainLength, epoch uint64) {
	c.admittedTotal.Inc()
	if becameTip {
		c.tipChainLength.Set(float64(chainLength))
		c.tipEpoch.Set(float64(epoch))
	}
}

// RecordRejected increments the rejection counter for the given triage
// reason string (e.g. "AlreadyPresent", "BeyondStabilityDepth", "Consensus").
func (c *Collector) RecordRejected(reason string) {
	c.rejectedTotal.WithLabelValues(reason).Inc()
}

// RecordMissingBranch marks a block routed to the orphan buffer.
func (c *Collector) RecordMissingBranch() {
	c.missingBranchTotal.Inc()
}

// SetOrphansBuffered reports the orphan buffer's current occupancy.
func (c *Collector) SetOrphansBuffered(n int) {
	c.orphansBuffered.Set(float64(n))
}

// RecordEpochEventDropped marks a lossy epoch-event send.
func (c *Collector) RecordEpochEventDropped() {
	c.epochEventsDropped.Inc()
}

// RecordEpochCrossing marks a block that advanced the epoch.
func (c *Collector) RecordEpochCrossing() {
	c.epochCrossings.Inc()
}

// SetMultiverseStates reports the multiverse's current retained-state count.
func (c *Collector) SetMultiverseStates(n int) {
	c.multiverseStates.Set(float64(n))
}

// StartServer exposes the registry on addr at /metrics, returning the
// underlying http.Server so the caller manages its shutdown.
func (c *Collector) StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.WithError(err).Error("metrics: server exited")
		}
	}()
	return srv
}

// ShutdownServer gracefully stops a server returned by StartServer.
func (c *Collector) ShutdownServer(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
