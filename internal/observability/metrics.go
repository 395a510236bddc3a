// Package observability exposes engine tick reports as Prometheus metrics.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DylanTweedy/Minecraft-chaos-sub002/internal/sim/network/engine"
)

// EngineCollector implements engine.MetricsRecorder.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	TickDuration   prometheus.Histogram
	Ticks          *prometheus.CounterVec
	Transfers      *prometheus.CounterVec
	Units          *prometheus.CounterVec
	BreakerTrips   prometheus.Counter
	Suspended      prometheus.Gauge
	JobsActive     prometheus.Gauge
	LeaksRepaired  prometheus.Counter
	PersistTrimmed prometheus.Counter
	PersistBytes   *prometheus.GaugeVec
	Edges          *prometheus.GaugeVec
	QueueDepth     prometheus.Gauge
	Reservations   prometheus.Gauge
}

// NewEngineCollector registers engine metrics against reg. A nil reg uses the
// default registerer.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &EngineCollector{gatherer: gatherer}

	var err error
	if c.TickDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "logistics_tick_duration_seconds",
		Help:    "Wall-clock time spent in one engine tick.",
		Buckets: []float64{0.0005, 0.001, 0.002, 0.004, 0.008, 0.016, 0.032, 0.064, 0.128},
	})); err != nil {
		return nil, err
	}
	if c.Ticks, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logistics_ticks_total",
		Help: "Engine ticks by outcome (ok, overrun, skipped).",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if c.Transfers, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logistics_transfer_attempts_total",
		Help: "Transfer attempts by result reason code.",
	}, []string{"reason"})); err != nil {
		return nil, err
	}
	if c.Units, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logistics_units_total",
		Help: "Item units by fate (delivered, dropped).",
	}, []string{"fate"})); err != nil {
		return nil, err
	}
	if c.BreakerTrips, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logistics_breaker_trips_total",
		Help: "Times the emergency breaker suspended transfers.",
	})); err != nil {
		return nil, err
	}
	if c.Suspended, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "logistics_transfers_suspended",
		Help: "1 while the breaker holds new transfers back.",
	})); err != nil {
		return nil, err
	}
	if c.JobsActive, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "logistics_jobs_active",
		Help: "In-flight jobs after the last tick.",
	})); err != nil {
		return nil, err
	}
	if c.LeaksRepaired, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logistics_reservation_leaks_total",
		Help: "Reservations released by reconcile because no job held them.",
	})); err != nil {
		return nil, err
	}
	if c.PersistTrimmed, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logistics_persist_trimmed_total",
		Help: "Entries dropped to fit the persisted value ceiling.",
	})); err != nil {
		return nil, err
	}
	if c.PersistBytes, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "logistics_persist_bytes",
		Help: "Size of the last persisted value by section.",
	}, []string{"section"})); err != nil {
		return nil, err
	}
	if c.Edges, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "logistics_edges",
		Help: "Link graph edges by state.",
	}, []string{"state"})); err != nil {
		return nil, err
	}
	if c.QueueDepth, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "logistics_queue_depth",
		Help: "Queued item types across all nodes.",
	})); err != nil {
		return nil, err
	}
	if c.Reservations, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "logistics_reservations",
		Help: "Outstanding capacity reservations.",
	})); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler serves the collector's gatherer in the Prometheus text format.
func (c *EngineCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *EngineCollector) ObserveTick(rep engine.TickReport) {
	if c == nil {
		return
	}
	switch {
	case rep.Skipped:
		c.Ticks.WithLabelValues("skipped").Inc()
		return
	case rep.Overrun:
		c.Ticks.WithLabelValues("overrun").Inc()
	default:
		c.Ticks.WithLabelValues("ok").Inc()
	}
	c.TickDuration.Observe(rep.Duration.Seconds())
	for reason, n := range rep.Transfers {
		c.Transfers.WithLabelValues(reason).Add(float64(n))
	}
	if n := rep.Advance.UnitsDelivered; n > 0 {
		c.Units.WithLabelValues("delivered").Add(float64(n))
	}
	if n := rep.Advance.UnitsDropped; n > 0 {
		c.Units.WithLabelValues("dropped").Add(float64(n))
	}
	if rep.Tripped {
		c.BreakerTrips.Inc()
	}
	if rep.Suspended {
		c.Suspended.Set(1)
	} else {
		c.Suspended.Set(0)
	}
	c.JobsActive.Set(float64(rep.Advance.Active))
	if rep.Leaks > 0 {
		c.LeaksRepaired.Add(float64(rep.Leaks))
	}
	if rep.Saved {
		for section, s := range map[string]int{"jobs": rep.Save.Jobs.Bytes, "counters": rep.Save.Counters.Bytes} {
			if s > 0 {
				c.PersistBytes.WithLabelValues(section).Set(float64(s))
			}
		}
		if n := rep.Save.Jobs.Trimmed + rep.Save.Counters.Trimmed; n > 0 {
			c.PersistTrimmed.Add(float64(n))
		}
	}
}

// ObserveDiagnostics copies the published snapshot's gauges.
func (c *EngineCollector) ObserveDiagnostics(d engine.Diagnostics) {
	if c == nil {
		return
	}
	c.Edges.WithLabelValues("active").Set(float64(d.Graph.Active))
	c.Edges.WithLabelValues("pending").Set(float64(d.Graph.Pending))
	c.QueueDepth.Set(float64(d.QueueDepth))
	c.Reservations.Set(float64(d.Reservations))
}

// register adds col to reg, reusing an identical collector that is already
// registered under the same descriptor.
func register[C prometheus.Collector](reg prometheus.Registerer, col C) (C, error) {
	if err := reg.Register(col); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
			var zero C
			return zero, fmt.Errorf("collector already registered with incompatible type: %v", err)
		}
		var zero C
		return zero, err
	}
	return col, nil
}
