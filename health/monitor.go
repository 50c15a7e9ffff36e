// ABOUTME: Periodic destination health monitor: echoes every enabled destination on an interval.
// ABOUTME: The pipeline consults the cached availability instead of blocking on live probes.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openimaging/dicomgate/dest"
)

// DestinationHealth is the per-destination bookkeeping record.
type DestinationHealth struct {
	Name                string     `json:"name"`
	Available           bool       `json:"available"`
	TotalChecks         int64      `json:"total_checks"`
	SuccessfulChecks    int64      `json:"successful_checks"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastCheckedAt       time.Time  `json:"last_checked_at"`
	LastAvailable       *time.Time `json:"last_available,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	UnavailableSince    *time.Time `json:"unavailable_since,omitempty"`
}

// AvailabilityPercent is successful checks over all checks for the record's life.
func (h *DestinationHealth) AvailabilityPercent() float64 {
	if h.TotalChecks == 0 {
		return 0
	}
	return 100 * float64(h.SuccessfulChecks) / float64(h.TotalChecks)
}

// probeTarget pairs a destination name with its adapter.
type probeTarget struct {
	name    string
	adapter dest.Adapter
}

// Monitor runs the probe loop and serves cached availability.
type Monitor struct {
	interval time.Duration
	parallel int
	logger   *slog.Logger
	gauge    *prometheus.GaugeVec

	mu      sync.RWMutex
	targets []probeTarget
	records map[string]*DestinationHealth

	wake chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithGauge registers the availability gauge the monitor keeps current.
func WithGauge(g *prometheus.GaugeVec) Option {
	return func(m *Monitor) { m.gauge = g }
}

// New builds a monitor. Interval zero defaults to 30s; parallel bounds the
// number of simultaneous probes.
func New(interval time.Duration, logger *slog.Logger, opts ...Option) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m := &Monitor{
		interval: interval,
		parallel: 4,
		logger:   logger,
		records:  map[string]*DestinationHealth{},
		wake:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetTargets replaces the probed destination set. Existing records for
// surviving names are kept so availability history spans config reloads.
func (m *Monitor) SetTargets(adapters map[string]dest.Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = m.targets[:0]
	live := map[string]bool{}
	for name, a := range adapters {
		m.targets = append(m.targets, probeTarget{name: name, adapter: a})
		live[name] = true
		if m.records[name] == nil {
			m.records[name] = &DestinationHealth{Name: name}
		}
	}
	for name := range m.records {
		if !live[name] {
			delete(m.records, name)
			if m.gauge != nil {
				m.gauge.DeleteLabelValues(name)
			}
		}
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run probes on the interval until ctx ends. The first sweep happens
// immediately so startup does not wait a full interval for availability.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		case <-m.wake:
			m.sweep(ctx)
		}
	}
}

// sweep probes every target with bounded parallelism.
func (m *Monitor) sweep(ctx context.Context) {
	m.mu.RLock()
	targets := make([]probeTarget, len(m.targets))
	copy(targets, m.targets)
	m.mu.RUnlock()

	sem := make(chan struct{}, m.parallel)
	var wg sync.WaitGroup
	for _, t := range targets {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(t probeTarget) {
			defer wg.Done()
			defer func() { <-sem }()
			probeCtx, cancel := context.WithTimeout(ctx, m.interval)
			defer cancel()
			m.record(t.name, t.adapter.Echo(probeCtx))
		}(t)
	}
	wg.Wait()
}

// record applies one probe outcome to the destination's health record.
func (m *Monitor) record(name string, err error) {
	now := time.Now().UTC()

	m.mu.Lock()
	h := m.records[name]
	if h == nil {
		h = &DestinationHealth{Name: name}
		m.records[name] = h
	}
	h.TotalChecks++
	h.LastCheckedAt = now
	wasAvailable := h.Available
	if err == nil {
		h.SuccessfulChecks++
		h.ConsecutiveFailures = 0
		h.Available = true
		ok := now
		h.LastAvailable = &ok
		h.LastError = ""
		h.UnavailableSince = nil
	} else {
		h.ConsecutiveFailures++
		h.Available = false
		h.LastError = err.Error()
		if wasAvailable || h.UnavailableSince == nil {
			since := now
			h.UnavailableSince = &since
		}
	}
	available := h.Available
	firstCheck := h.TotalChecks == 1
	m.mu.Unlock()

	if m.gauge != nil {
		v := 0.0
		if available {
			v = 1.0
		}
		m.gauge.WithLabelValues(name).Set(v)
	}
	if m.logger != nil {
		switch {
		case !available && (wasAvailable || firstCheck):
			m.logger.Warn("destination unavailable", "destination", name, "error", err)
		case available && !wasAvailable && !firstCheck:
			m.logger.Info("destination recovered", "destination", name)
		}
	}
}

// Available reports the cached availability for a destination. Unknown
// destinations are treated as available so a fresh config entry is tried
// once before the first probe lands.
func (m *Monitor) Available(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.records[name]
	if !ok {
		return true
	}
	if h.TotalChecks == 0 {
		return true
	}
	return h.Available
}

// Snapshot returns a copy of every health record.
func (m *Monitor) Snapshot() []DestinationHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DestinationHealth, 0, len(m.records))
	for _, h := range m.records {
		c := *h
		if h.UnavailableSince != nil {
			s := *h.UnavailableSince
			c.UnavailableSince = &s
		}
		if h.LastAvailable != nil {
			s := *h.LastAvailable
			c.LastAvailable = &s
		}
		out = append(out, c)
	}
	return out
}
