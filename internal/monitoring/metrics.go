package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	digestsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "highlight_digests_opened_total",
		Help: "Total pending digests opened.",
	})
	digestsFlushedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "highlight_digests_flushed_total",
		Help: "Total digests flushed to the delivery dispatcher.",
	})
	digestEntries = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "highlight_digest_entries",
		Help:    "Entries per flushed digest.",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 50},
	})
	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "highlight_notifications_total",
			Help: "Total digest delivery outcomes by status.",
		},
		[]string{"status"},
	)
)
