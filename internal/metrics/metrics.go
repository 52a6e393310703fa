package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level collectors, registered via Register. Helpers no-op until then.
var (
	regOK atomic.Bool

	polls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slotwatch",
			Subsystem: "poller",
			Name:      "polls_total",
			Help:      "Slot polls by result (ok, error, invalid, skipped).",
		}, []string{"result"},
	)
	pollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "slotwatch",
			Subsystem: "poller",
			Name:      "poll_duration_seconds",
			Help:      "Upstream slot request latency.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slotwatch",
			Subsystem: "coordinator",
			Name:      "notifications_total",
			Help:      "User notifications raised, by kind.",
		}, []string{"kind"},
	)
	monitorRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "slotwatch",
			Subsystem: "coordinator",
			Name:      "running",
			Help:      "1 while a monitoring session is active.",
		},
	)
	bridgeTabs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "slotwatch",
			Subsystem: "bridge",
			Name:      "tabs",
			Help:      "Currently attached page tabs.",
		},
	)
	deliveryFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "slotwatch",
			Subsystem: "bridge",
			Name:      "delivery_failures_total",
			Help:      "Messages that could not be delivered to a tab.",
		},
	)
	bookingRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slotwatch",
			Subsystem: "automator",
			Name:      "runs_total",
			Help:      "Booking automation runs by outcome (booked, exhausted, canceled).",
		}, []string{"outcome"},
	)
)

// Register registers all collectors. Safe to call more than once.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{polls, pollDuration, notifications, monitorRunning, bridgeTabs, deliveryFailures, bookingRuns}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

func Handler() http.Handler { return promhttp.Handler() }

func IncPoll(result string) {
	if regOK.Load() {
		polls.WithLabelValues(result).Inc()
	}
}

func ObservePollDuration(seconds float64) {
	if regOK.Load() {
		pollDuration.Observe(seconds)
	}
}

func IncNotification(kind string) {
	if regOK.Load() {
		notifications.WithLabelValues(kind).Inc()
	}
}

func SetRunning(running bool) {
	if !regOK.Load() {
		return
	}
	if running {
		monitorRunning.Set(1)
		return
	}
	monitorRunning.Set(0)
}

func SetTabs(n int) {
	if regOK.Load() {
		bridgeTabs.Set(float64(n))
	}
}

func IncDeliveryFailure() {
	if regOK.Load() {
		deliveryFailures.Inc()
	}
}

func IncBookingRun(outcome string) {
	if regOK.Load() {
		bookingRuns.WithLabelValues(outcome).Inc()
	}
}
