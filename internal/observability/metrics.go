package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersDispatched = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_dispatched_total", Help: "Ride offers sent to candidate drivers"})
	AcceptsWon       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accepts_won_total", Help: "Ride acceptances that won the conditional update"})
	AcceptConflicts  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accept_conflicts_total", Help: "Ride acceptances that lost the race"})
	RequestsExpired  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "requests_expired_total", Help: "Ride requests expired with no acceptance"})
	PositionUpserts  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "position_upserts_total", Help: "Position updates applied to the geo index"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
