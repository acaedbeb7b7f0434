package metrics

import (
	"net/http"
	"time"

	"github.com/apdwatch/apdwatch/internal/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// OutcomeSuccess labels successful polls and writes.
	OutcomeSuccess = "success"
	// OutcomeError labels failed polls and writes.
	OutcomeError = "error"
)

var (
	pollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apdwatch",
			Name:      "polls_total",
			Help:      "Query Service polls, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	pollDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "apdwatch",
			Name:      "poll_seconds",
			Help:      "Query Service poll latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	liveEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apdwatch",
			Name:      "live_events_total",
			Help:      "Decoded live feed events by type.",
		},
		[]string{"type"},
	)

	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apdwatch",
			Name:      "actions_total",
			Help:      "Timeline writes by action, origin and outcome.",
		},
		[]string{"action", "origin", "outcome"},
	)

	alertsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "apdwatch",
			Name:      "alerts",
			Help:      "Alerts in the merged view.",
		},
		[]string{"state"},
	)

	liveConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apdwatch",
			Name:      "live_feed_connected",
			Help:      "1 while the live feed is connected.",
		},
	)
)

// Register attaches apdwatch collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pollsTotal,
		pollDurationSeconds,
		liveEventsTotal,
		actionsTotal,
		alertsGauge,
		liveConnected,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Recorder feeds monitor measurements into the collectors.
type Recorder struct{}

var _ core.Recorder = Recorder{}

func (Recorder) PollCompleted(d time.Duration, err error) {
	pollsTotal.WithLabelValues(outcome(err)).Inc()
	if d < 0 {
		d = 0
	}
	pollDurationSeconds.Observe(d.Seconds())
}

func (Recorder) LiveEvent(kind string) {
	liveEventsTotal.WithLabelValues(kind).Inc()
}

func (Recorder) ActionStored(r core.ActionRecord, err error) {
	origin := "manual"
	if r.Auto {
		origin = "auto"
	}
	actionsTotal.WithLabelValues(string(r.Kind), origin, outcome(err)).Inc()
}

func (Recorder) AlertsChanged(total, unread, unresolved int) {
	alertsGauge.WithLabelValues("total").Set(float64(total))
	alertsGauge.WithLabelValues("unread").Set(float64(unread))
	alertsGauge.WithLabelValues("unresolved").Set(float64(unresolved))
}

// ObserveConnState tracks live feed connectivity. Pass it to
// LiveFeed.OnStateChange.
func ObserveConnState(s core.ConnState) {
	if s == core.StateConnected {
		liveConnected.Set(1)
		return
	}
	liveConnected.Set(0)
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}
