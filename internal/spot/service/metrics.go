package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bookingAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_attempts_total",
		Help: "Total booking attempts grouped by outcome.",
	}, []string{"result"})

	searchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "search_duration_seconds",
		Help:    "Time spent answering nearby-spot searches.",
		Buckets: prometheus.DefBuckets,
	})
)
