package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type serverMetrics struct {
	received   *prometheus.CounterVec
	duplicates prometheus.Counter
	rejected   prometheus.Counter
	batchSize  prometheus.Histogram
	requests   *prometheus.CounterVec
}

func newServerMetrics(reg *prometheus.Registry, stored func() float64) *serverMetrics {
	m := &serverMetrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "airbag_collector_reports_received_total",
			Help: "Crash reports stored, by signal.",
		}, []string{"signal"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "airbag_collector_reports_duplicate_total",
			Help: "Uploaded reports that were already stored.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "airbag_collector_reports_rejected_total",
			Help: "Uploaded reports that failed validation.",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "airbag_collector_batch_size",
			Help:    "Reports per upload request.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "airbag_collector_http_requests_total",
			Help: "API requests by route and status code.",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(
		m.received, m.duplicates, m.rejected, m.batchSize, m.requests,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "airbag_collector_reports_stored",
			Help: "Crash reports currently in the store.",
		}, stored),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}
