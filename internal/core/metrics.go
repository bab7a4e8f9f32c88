package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"haulnotify/internal/alert"
)

const namespace = "haulnotify"

type metrics struct {
	events   *prometheus.CounterVec
	duration prometheus.Histogram
}

// newMetrics registers the pipeline collectors on reg. A nil reg builds
// unregistered collectors.
func newMetrics(reg prometheus.Registerer, c *Core) *metrics {
	f := promauto.With(reg)
	m := &metrics{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Raw events by pipeline outcome and source.",
		}, []string{"outcome", "source"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Time spent in the pipeline per event, including the wait for the pipeline lock.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .3, .5, 1},
		}),
	}

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_length",
		Help:      "Notifications currently visible.",
	}, func() float64 {
		if s := c.current(); s != nil {
			return float64(s.queue.Len())
		}
		return 0
	})
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_unread",
		Help:      "Visible notifications not yet read.",
	}, func() float64 {
		if s := c.current(); s != nil {
			return float64(s.queue.Unread())
		}
		return 0
	})
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "seen_ids",
		Help:      "Ids held by the recency window.",
	}, func() float64 {
		if s := c.current(); s != nil {
			return float64(s.window.Len())
		}
		return 0
	})
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "transport_connected",
		Help:      "1 while the push channel is connected.",
	}, func() float64 {
		if c.Connected() {
			return 1
		}
		return 0
	})
	return m
}

func (m *metrics) observe(out Outcome, src alert.Source, took time.Duration) {
	if src == "" {
		src = alert.SourcePush
	}
	m.events.WithLabelValues(string(out), string(src)).Inc()
	m.duration.Observe(took.Seconds())
}
