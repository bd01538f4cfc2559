// Package metrics turns event bus traffic into Prometheus series and serves
// them over HTTP.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"reportbot/internal/eventbus"
	"reportbot/internal/notifier"
)

// Collector owns the bot's series. It holds no references to the
// components it measures; everything arrives as bus events.
type Collector struct {
	firings    prometheus.Counter
	deliveries *prometheus.CounterVec
	generation prometheus.Histogram
	jobs       prometheus.Gauge
	sessions   prometheus.Gauge
	saved      *prometheus.CounterVec
	removed    prometheus.Counter
	notices    *prometheus.CounterVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		firings: f.NewCounter(prometheus.CounterOpts{
			Name: "reportbot_firings_total",
			Help: "Total number of subscription firings",
		}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reportbot_deliveries_total",
			Help: "Delivery attempts by outcome",
		}, []string{"outcome"}),
		generation: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "reportbot_report_generation_seconds",
			Help:    "Time spent generating a report, retries included",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		jobs: f.NewGauge(prometheus.GaugeOpts{
			Name: "reportbot_scheduled_jobs",
			Help: "Number of armed subscription jobs",
		}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "reportbot_wizard_sessions",
			Help: "Number of open configuration sessions",
		}),
		saved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reportbot_subscriptions_saved_total",
			Help: "Subscriptions saved, by whether the job was armed",
		}, []string{"scheduled"}),
		removed: f.NewCounter(prometheus.CounterOpts{
			Name: "reportbot_subscriptions_removed_total",
			Help: "Subscriptions deleted",
		}),
		notices: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reportbot_notices_total",
			Help: "Failure notices by notifier result",
		}, []string{"result"}),
	}
}

// Observe applies one event. Unknown types are ignored.
func (c *Collector) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeSubscriptionFired:
		c.firings.Inc()
	case eventbus.TypeDeliveryAttempt:
		a, ok := e.Data.(eventbus.DeliveryAttempt)
		if !ok {
			return
		}
		c.deliveries.WithLabelValues(a.Outcome).Inc()
		if a.GenerateTook > 0 {
			c.generation.Observe(a.GenerateTook.Seconds())
		}
	case eventbus.TypeJobsChanged:
		if g, ok := e.Data.(eventbus.Gauge); ok {
			c.jobs.Set(float64(g.Value))
		}
	case eventbus.TypeWizardSessions:
		if g, ok := e.Data.(eventbus.Gauge); ok {
			c.sessions.Set(float64(g.Value))
		}
	case eventbus.TypeSubscriptionSaved:
		if s, ok := e.Data.(eventbus.SubscriptionSaved); ok {
			label := "false"
			if s.Scheduled {
				label = "true"
			}
			c.saved.WithLabelValues(label).Inc()
		}
	case eventbus.TypeSubscriptionRemoved:
		c.removed.Inc()
	case notifier.TypeQueued:
		c.notices.WithLabelValues("queued").Inc()
	case notifier.TypeDeduped:
		c.notices.WithLabelValues("deduped").Inc()
	case notifier.TypeDropped:
		c.notices.WithLabelValues("dropped").Inc()
	case notifier.TypeSent:
		c.notices.WithLabelValues("sent").Inc()
	case notifier.TypeFailed:
		c.notices.WithLabelValues("failed").Inc()
	}
}

// Run consumes bus events until ctx ends.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(e)
		}
	}
}
