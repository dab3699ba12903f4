package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/oddlid/rlunch/internal/progress"
)

// PrometheusSink turns pass events into counters, a running gauge and
// duration histograms.
type PrometheusSink struct {
	passesStarted   *prometheus.CounterVec
	passesCompleted *prometheus.CounterVec
	passesRunning   prometheus.Gauge
	passDuration    *prometheus.HistogramVec

	sites        *prometheus.CounterVec
	siteDuration *prometheus.HistogramVec
	writes       *prometheus.CounterVec

	tracker *passTracker
}

// NewPrometheusSink registers the collectors on reg, or on the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		passesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rlunch_passes_started_total",
			Help: "Scrape passes started, by trigger.",
		}, []string{"trigger"}),
		passesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rlunch_passes_completed_total",
			Help: "Scrape passes finished, by final state.",
		}, []string{"state"}),
		passesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rlunch_passes_running",
			Help: "Scrape passes currently running.",
		}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rlunch_pass_duration_seconds",
			Help:    "Wall time per finished pass.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"state"}),
		sites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rlunch_pass_sites_total",
			Help: "Scraper invocations, by site and outcome.",
		}, []string{"site", "outcome"}),
		siteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rlunch_scraper_duration_seconds",
			Help:    "Scraper wall time, by site.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"site"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rlunch_restaurant_writes_total",
			Help: "Restaurant transactions, by site and outcome.",
		}, []string{"site", "outcome"}),
		tracker: &passTracker{running: make(map[uuid.UUID]struct{})},
	}
	for _, c := range []prometheus.Collector{
		s.passesStarted, s.passesCompleted, s.passesRunning, s.passDuration,
		s.sites, s.siteDuration, s.writes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StagePassStart:
			s.passesStarted.WithLabelValues(evt.Trigger).Inc()
			if s.tracker.start(evt.PassID) {
				s.passesRunning.Inc()
			}
		case progress.StagePassDone:
			s.passesCompleted.WithLabelValues(evt.Outcome).Inc()
			if evt.Dur > 0 {
				s.passDuration.WithLabelValues(evt.Outcome).Observe(evt.Dur.Seconds())
			}
			if s.tracker.complete(evt.PassID) {
				s.passesRunning.Dec()
			}
		case progress.StageSiteDone, progress.StageSiteError:
			outcome := "ok"
			if evt.Stage == progress.StageSiteError {
				outcome = "error"
			}
			s.sites.WithLabelValues(evt.Site, outcome).Inc()
			if evt.Dur > 0 {
				s.siteDuration.WithLabelValues(evt.Site).Observe(evt.Dur.Seconds())
			}
		case progress.StageRestaurantWrite:
			s.writes.WithLabelValues(evt.Site, evt.Outcome).Inc()
		}
	}
	return nil
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// passTracker keeps the running gauge honest when PASS_START or PASS_DONE is
// dropped or delivered twice.
type passTracker struct {
	mu      sync.Mutex
	running map[uuid.UUID]struct{}
}

func (t *passTracker) start(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *passTracker) complete(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
