package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	reservationsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "village",
			Name:      "reservations_created_total",
			Help:      "Reservation attempts by result.",
		},
		[]string{"result"},
	)

	statusChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "village",
			Name:      "status_changes_total",
			Help:      "Committed reservation status changes by target status.",
		},
		[]string{"status"},
	)

	reservationsCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "village",
			Name:      "reservations_cancelled_total",
			Help:      "Waiting reservations withdrawn by renters.",
		},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "village",
			Name:      "notifications_total",
			Help:      "Status change notifications by result.",
		},
		[]string{"result"},
	)

	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "village",
			Name:      "events_dropped_total",
			Help:      "Events dropped because the outbound queue was full.",
		},
	)

	lockWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "village",
			Name:      "resource_lock_wait_seconds",
			Help:      "Time spent waiting for a per-resource lock.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(reservationsCreated, statusChanges, reservationsCancelled, notifications, eventsDropped, lockWait)
	})
}

func IncReservationCreated(result string) {
	reservationsCreated.WithLabelValues(result).Inc()
}

func IncStatusChange(status string) {
	statusChanges.WithLabelValues(status).Inc()
}

func IncReservationCancelled() {
	reservationsCancelled.Inc()
}

func IncNotification(result string) {
	notifications.WithLabelValues(result).Inc()
}

func IncEventDropped() {
	eventsDropped.Inc()
}

func ObserveLockWait(d time.Duration) {
	lockWait.Observe(d.Seconds())
}
