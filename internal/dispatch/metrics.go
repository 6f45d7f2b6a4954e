package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ridesCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ride_requests_created_total",
		Help: "Ride requests accepted at intake, by region and tier.",
	}, []string{"region", "tier"})

	ridesCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ride_requests_cancelled_total",
		Help: "Ride requests cancelled by riders or operators.",
	})

	offersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driver_offers_created_total",
		Help: "Offers sent to drivers, by region.",
	}, []string{"region"})

	offerTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driver_offer_timeouts_total",
		Help: "Offers expired without a driver response.",
	})

	driverResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driver_responses_total",
		Help: "Driver answers to offers, by action.",
	}, []string{"action"})

	matchOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "match_outcomes_total",
		Help: "Terminal matching outcomes: accepted, reassigned, expired, no_drivers.",
	}, []string{"outcome"})

	matchAttemptsHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "match_attempts_per_offer",
		Help:    "Attempt number at which each offer was created.",
		Buckets: []float64{1, 2, 3, 4, 5},
	})
)
