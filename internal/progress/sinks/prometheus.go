package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/url-crawler/internal/progress"
)

// PrometheusSink turns progress events into batch and fetch collectors.
type PrometheusSink struct {
	batchesStarted   prometheus.Counter
	batchesCompleted *prometheus.CounterVec
	batchesRunning   prometheus.Gauge
	batchRuntime     *prometheus.HistogramVec
	batchPages       prometheus.Histogram

	fetches       *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the collectors against reg (the default
// registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		batchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_batches_started_total",
			Help: "Total batches that have started crawling.",
		}),
		batchesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_batches_total",
			Help: "Total settled batches partitioned by terminal status.",
		}, []string{"status"}),
		batchesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_batches_running",
			Help: "Batches between BATCH_START and a terminal event.",
		}),
		batchRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_batch_runtime_seconds",
			Help:    "Wall time per settled batch.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"status"}),
		batchPages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawler_batch_pages",
			Help:    "Pages recorded per completed batch.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 7),
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetch_requests_total",
			Help: "Fetch completions partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetch_bytes_total",
			Help: "HTML bytes downloaded per site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by site and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"site", "status_class"}),
		running: make(map[string]struct{}),
	}
	for _, collector := range []prometheus.Collector{
		s.batchesStarted, s.batchesCompleted, s.batchesRunning, s.batchRuntime, s.batchPages,
		s.fetches, s.fetchBytes, s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageBatchStart:
			s.batchesStarted.Inc()
			if s.track(evt.BatchID, true) {
				s.batchesRunning.Inc()
			}
		case progress.StageBatchDone, progress.StageBatchError:
			s.settle(evt)
		case progress.StageFetchDone:
			s.fetch(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) settle(evt progress.Event) {
	status := "completed"
	if evt.Stage == progress.StageBatchError {
		status = "failed"
	} else {
		s.batchPages.Observe(float64(evt.Pages))
	}
	s.batchesCompleted.WithLabelValues(status).Inc()
	if evt.Dur > 0 {
		s.batchRuntime.WithLabelValues(status).Observe(evt.Dur.Seconds())
	}
	if s.track(evt.BatchID, false) {
		s.batchesRunning.Dec()
	}
}

func (s *PrometheusSink) fetch(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	class := string(evt.StatusClass)
	s.fetches.WithLabelValues(site, class).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(site, class).Observe(evt.Dur.Seconds())
	}
}

// track adds or removes id from the running set and reports whether the set
// changed.
func (s *PrometheusSink) track(id string, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	switch {
	case start && !ok:
		s.running[id] = struct{}{}
		return true
	case !start && ok:
		delete(s.running, id)
		return true
	}
	return false
}

// Close implements progress.Sink; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
