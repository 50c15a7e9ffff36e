// ABOUTME: Pipeline scheduler: owns adapters, brokers, scripts, health, records, and one worker per route.
// ABOUTME: Drives studies from completed ingestion through anonymization, review, fan-out, and archive.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/openimaging/dicomgate/anon"
	"github.com/openimaging/dicomgate/broker"
	"github.com/openimaging/dicomgate/config"
	"github.com/openimaging/dicomgate/dest"
	"github.com/openimaging/dicomgate/health"
	"github.com/openimaging/dicomgate/layout"
	"github.com/openimaging/dicomgate/receive"
	"github.com/openimaging/dicomgate/review"
)

// Scheduler composes the gateway's moving parts. One instance serves all
// configured routes.
type Scheduler struct {
	cfgMu   sync.RWMutex
	cfg     *config.Config
	logger  *slog.Logger
	records *Store
	health  *health.Monitor
	retries *RetryManager
	metrics *Metrics
	scripts *anon.Store
	ocr     anon.OCRClient

	adapters map[string]dest.Adapter
	brokers  map[string]broker.Broker
	workers  map[string]*routeWorker
}

// Option adjusts scheduler construction.
type Option func(*Scheduler)

// WithOCRClient enables burned-in PHI detection for routes that request it.
func WithOCRClient(c anon.OCRClient) Option {
	return func(s *Scheduler) { s.ocr = c }
}

// NewScheduler wires adapters, brokers, scripts, health monitoring, and one
// worker per enabled route.
func NewScheduler(cfg *config.Config, metrics *Metrics, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		cfg:      cfg,
		logger:   logger,
		records:  NewStore(),
		metrics:  metrics,
		adapters: map[string]dest.Adapter{},
		brokers:  map[string]broker.Broker{},
		workers:  map[string]*routeWorker{},
	}
	for _, o := range opts {
		o(s)
	}

	scripts, err := anon.NewStore(cfg.ScriptsDir)
	if err != nil {
		return nil, fmt.Errorf("open scripts dir: %w", err)
	}
	s.scripts = scripts

	for _, d := range cfg.Destinations {
		a, err := dest.New(d)
		if err != nil {
			return nil, fmt.Errorf("destination %s: %w", d.Name, err)
		}
		s.adapters[d.Name] = a
	}

	for _, b := range cfg.Brokers {
		br, err := broker.New(b)
		if err != nil {
			return nil, fmt.Errorf("broker %s: %w", b.Name, err)
		}
		s.brokers[b.Name] = br
	}

	interval := time.Duration(cfg.Resilience.HealthCheckIntervalSeconds) * time.Second
	var hopts []health.Option
	if metrics != nil {
		hopts = append(hopts, health.WithGauge(metrics.Availability))
	}
	s.health = health.New(interval, logger, hopts...)
	s.health.SetTargets(s.enabledAdapters())

	cacheDir := cfg.Resilience.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(cfg.DataRoot, "cache")
	}
	backoff := Backoff{
		Base: time.Duration(cfg.Resilience.RetryDelaySeconds) * time.Second,
		Max:  time.Duration(cfg.Resilience.MaxRetryDelaySeconds) * time.Second,
	}
	s.retries, err = NewRetryManager(cacheDir, backoff, s.health.Available, logger)
	if err != nil {
		return nil, fmt.Errorf("open retry queue: %w", err)
	}
	if metrics != nil {
		s.retries.WithDepthGauge(metrics.RetryQueueDepth)
	}

	for _, r := range cfg.Routes {
		if !r.Enabled {
			continue
		}
		w, err := newRouteWorker(s, r)
		if err != nil {
			return nil, err
		}
		s.workers[r.AETitle] = w
	}
	return s, nil
}

// enabledAdapters returns the adapters the health monitor should probe.
func (s *Scheduler) enabledAdapters() map[string]dest.Adapter {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	out := map[string]dest.Adapter{}
	for _, d := range s.cfg.Destinations {
		if d.Enabled {
			out[d.Name] = s.adapters[d.Name]
		}
	}
	return out
}

// destination returns a copy of the named destination's config, or nil.
func (s *Scheduler) destination(name string) *config.Destination {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	d := s.cfg.DestinationByName(name)
	if d == nil {
		return nil
	}
	cp := *d
	return &cp
}

// brokerConfig returns a copy of the named broker's config, or nil.
func (s *Scheduler) brokerConfig(name string) *config.Broker {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	b := s.cfg.BrokerByName(name)
	if b == nil {
		return nil
	}
	cp := *b
	return &cp
}

// resilience returns the current resilience settings.
func (s *Scheduler) resilience() config.Resilience {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.Resilience
}

// Destinations returns a snapshot of the destination configs with current
// enable flags.
func (s *Scheduler) Destinations() []config.Destination {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	out := make([]config.Destination, len(s.cfg.Destinations))
	copy(out, s.cfg.Destinations)
	return out
}

// ApplySafeConfig folds the hot-reloadable parts of a freshly validated config
// into the running scheduler: destination enable flags and retention tuning.
// Structural changes (routes, new destinations, brokers, bind addresses) take
// effect on the next restart.
func (s *Scheduler) ApplySafeConfig(next *config.Config) {
	s.cfgMu.Lock()
	for i := range s.cfg.Destinations {
		d := &s.cfg.Destinations[i]
		nd := next.DestinationByName(d.Name)
		if nd != nil && nd.Enabled != d.Enabled {
			d.Enabled = nd.Enabled
			s.logger.Info("destination toggled", "destination", d.Name, "enabled", d.Enabled)
		}
	}
	s.cfg.Resilience.RetentionDays = next.Resilience.RetentionDays
	s.cfg.Resilience.ArchiveRetentionDays = next.Resilience.ArchiveRetentionDays
	s.cfg.Resilience.DeletedRetentionDays = next.Resilience.DeletedRetentionDays
	s.cfgMu.Unlock()

	s.health.SetTargets(s.enabledAdapters())
}

// Records exposes the transfer record store to the admin surface.
func (s *Scheduler) Records() *Store { return s.records }

// Health exposes the destination health monitor.
func (s *Scheduler) Health() *health.Monitor { return s.health }

// Retries exposes the retry manager.
func (s *Scheduler) Retries() *RetryManager { return s.retries }

// Scripts exposes the anonymization script store.
func (s *Scheduler) Scripts() *anon.Store { return s.scripts }

// Brokers returns the configured broker instances by name.
func (s *Scheduler) Brokers() map[string]broker.Broker { return s.brokers }

// Gate returns the review gate for a route, or nil for an unknown AE.
func (s *Scheduler) Gate(ae string) *review.Gate {
	if w, ok := s.workers[ae]; ok {
		return w.gate
	}
	return nil
}

// Dirs returns the layout for a route, or nil for an unknown AE.
func (s *Scheduler) Dirs(ae string) *layout.AEDir {
	if w, ok := s.workers[ae]; ok {
		return w.dirs
	}
	return nil
}

// Enqueue accepts a completed study from a receiver and queues it for
// processing. The queue bound is the route's max_concurrent_studies; the
// receiver blocks here when the pipeline is saturated, with the filesystem
// buffering whatever has already been written.
func (s *Scheduler) Enqueue(c receive.Completion) {
	w, ok := s.workers[c.AETitle]
	if !ok {
		s.logger.Error("completion for unknown route", "ae", c.AETitle, "study", c.StudyUID)
		return
	}
	if s.metrics != nil {
		s.metrics.StudiesReceived.WithLabelValues(c.AETitle).Inc()
	}
	w.accept(c)
}

// Run starts the health monitor, retry loops, route workers, and retention
// sweeper, then blocks until ctx is cancelled and the workers drain.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(2)
	go func() { defer wg.Done(); s.health.Run(ctx) }()
	go func() { defer wg.Done(); s.retries.Run(ctx) }()

	wg.Add(1)
	go func() { defer wg.Done(); s.dispatchRetries(ctx) }()

	wg.Add(1)
	go func() { defer wg.Done(); s.runRetention(ctx) }()

	for _, w := range s.workers {
		for i := 0; i < w.route.WorkerThreads; i++ {
			wg.Add(1)
			go func(w *routeWorker) { defer wg.Done(); w.run(ctx) }(w)
		}
	}

	wg.Wait()
	s.closeAll()
}

// Recover re-queues studies stranded by a previous shutdown: everything in
// processing/ resumes its plan from the status sidecar, and everything in
// incoming/ is treated as a freshly completed study.
func (s *Scheduler) Recover() {
	for _, w := range s.workers {
		w.recover()
	}
}

// dispatchRetries consumes due retry tasks and hands each to its route worker.
func (s *Scheduler) dispatchRetries(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.retries.Dispatch():
			w, ok := s.workers[t.AETitle]
			if !ok {
				s.logger.Warn("retry task for unknown route", "ae", t.AETitle, "study", t.StudyUID)
				continue
			}
			w.retrySend(ctx, t)
		}
	}
}

// runRetention purges archives, soft-deleted studies, and history files past
// their configured ages. A value of -1 disables the corresponding purge.
func (s *Scheduler) runRetention(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepRetention()
		}
	}
}

func (s *Scheduler) sweepRetention() {
	res := s.resilience()
	now := time.Now().UTC()
	for _, w := range s.workers {
		if res.ArchiveRetentionDays > 0 {
			cutoff := now.AddDate(0, 0, -res.ArchiveRetentionDays)
			if n, err := w.dirs.PurgeArchivesBefore(cutoff); err != nil {
				s.logger.Error("archive retention sweep", "ae", w.route.AETitle, "error", err)
			} else if n > 0 {
				s.logger.Info("archives purged", "ae", w.route.AETitle, "folders", n)
			}
		}
		if res.DeletedRetentionDays > 0 {
			cutoff := now.AddDate(0, 0, -res.DeletedRetentionDays)
			if n, err := w.dirs.PurgeDeletedBefore(cutoff); err != nil {
				s.logger.Error("deleted retention sweep", "ae", w.route.AETitle, "error", err)
			} else if n > 0 {
				s.logger.Info("deleted studies purged", "ae", w.route.AETitle, "studies", n)
			}
		}
		if res.RetentionDays > 0 {
			cutoff := now.AddDate(0, 0, -res.RetentionDays)
			if _, err := w.history.PurgeBefore(cutoff); err != nil {
				s.logger.Error("history retention sweep", "ae", w.route.AETitle, "error", err)
			}
		}
	}
}

// RetryStudy moves a failed study back to processing and re-queues it.
// Calls within one second of each other coalesce into a single re-run.
func (s *Scheduler) RetryStudy(ae, studyUID string) error {
	w, ok := s.workers[ae]
	if !ok {
		return fmt.Errorf("unknown route %s", ae)
	}
	return w.retryFailed(studyUID)
}

// RetryAllFailed re-queues every study in a route's failed state. Returns the
// number of studies queued.
func (s *Scheduler) RetryAllFailed(ae string) (int, error) {
	w, ok := s.workers[ae]
	if !ok {
		return 0, fmt.Errorf("unknown route %s", ae)
	}
	studies, err := w.dirs.ListStudies(layout.StateFailed)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, uid := range studies {
		if err := w.retryFailed(uid); err != nil {
			s.logger.Warn("retry failed study", "ae", ae, "study", uid, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// DeleteStudy soft-deletes a terminal study directory.
func (s *Scheduler) DeleteStudy(ae, studyUID string) error {
	w, ok := s.workers[ae]
	if !ok {
		return fmt.Errorf("unknown route %s", ae)
	}
	st, found := w.dirs.StateOf(studyUID)
	if !found {
		return fmt.Errorf("study %s not found", studyUID)
	}
	if st == layout.StateProcessing || st == layout.StateIncoming {
		return fmt.Errorf("study %s is still active", studyUID)
	}
	s.retries.Drop(ae, studyUID, "")
	_, err := w.dirs.MoveToDeleted(studyUID, st, "del")
	return err
}

// closeAll releases adapter and broker resources on shutdown.
func (s *Scheduler) closeAll() {
	for name, a := range s.adapters {
		if err := a.Close(); err != nil {
			s.logger.Debug("close adapter", "destination", name, "error", err)
		}
	}
	for name, b := range s.brokers {
		if err := b.Close(); err != nil {
			s.logger.Debug("close broker", "broker", name, "error", err)
		}
	}
}
