package presence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	locationUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driver_location_updates_total",
		Help: "Total number of driver location updates accepted into the geo index",
	}, []string{"region"})

	statusChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driver_status_changes_total",
		Help: "Total number of driver availability transitions",
	}, []string{"status"})

	nearbyResultsHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nearby_search_results_count",
		Help:    "Number of eligible drivers returned per proximity search",
		Buckets: []float64{0, 1, 2, 3, 5, 10, 20, 50},
	})
)
