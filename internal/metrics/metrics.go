package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReservationsTotal counts reserve outcomes: reserved, insufficient_stock,
	// transient_failure, invalid.
	ReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stockreserve",
		Name:      "reservations_total",
		Help:      "Reservation attempts by final outcome.",
	}, []string{"outcome"})

	ReservationRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stockreserve",
		Name:      "reservation_retries_total",
		Help:      "Reserve attempts retried after a transient storage conflict.",
	})

	ReserveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "stockreserve",
		Name:      "reserve_duration_seconds",
		Help:      "Wall time of Reserve calls, retries included.",
		Buckets:   prometheus.DefBuckets,
	})

	OrdersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stockreserve",
		Name:      "orders_created_total",
		Help:      "Orders accepted by the HTTP API.",
	})

	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stockreserve",
		Name:      "orders_cancelled_total",
		Help:      "Orders cancelled with stock restored.",
	})
)
