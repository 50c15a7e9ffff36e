// ABOUTME: Persistent per-destination retry queue: enqueue on transient failure or health deferral,
// ABOUTME: dequeue on schedule and hand due tasks to the scheduler's dispatch channel.
package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openimaging/dicomgate/layout"
)

// RetryTask is one scheduled re-send of one destination for one study.
type RetryTask struct {
	ID          string    `json:"id"`
	AETitle     string    `json:"ae_title"`
	StudyUID    string    `json:"study_uid"`
	Destination string    `json:"destination"`
	RecordID    string    `json:"record_id"`
	Attempt     int       `json:"attempt"`
	Deferrals   int       `json:"deferrals"`
	NextRetryAt time.Time `json:"next_retry_at"`
}

// RetryManager owns retry_queue.json and the dequeue loop. It never calls the
// scheduler directly: due tasks go out on the dispatch channel and the
// scheduler's retry loop performs the send.
type RetryManager struct {
	path      string
	backoff   Backoff
	available func(destination string) bool
	dispatch  chan RetryTask
	logger    *slog.Logger
	tick      time.Duration
	depth     prometheus.Gauge

	mu    sync.Mutex
	tasks []RetryTask
}

// NewRetryManager loads any persisted queue from dir/retry_queue.json.
func NewRetryManager(dir string, backoff Backoff, available func(string) bool, logger *slog.Logger) (*RetryManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	m := &RetryManager{
		path:      filepath.Join(dir, "retry_queue.json"),
		backoff:   backoff,
		available: available,
		dispatch:  make(chan RetryTask, 64),
		logger:    logger,
		tick:      time.Second,
	}
	err := layout.ReadJSON(m.path, &m.tasks)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return m, nil
}

// WithDepthGauge attaches a queue-depth gauge.
func (m *RetryManager) WithDepthGauge(g prometheus.Gauge) *RetryManager {
	m.depth = g
	m.setDepth(len(m.tasks))
	return m
}

// Dispatch is the channel the scheduler's retry loop consumes.
func (m *RetryManager) Dispatch() <-chan RetryTask {
	return m.dispatch
}

// Schedule enqueues a retry for the given attempt number and returns the time
// it will fire.
func (m *RetryManager) Schedule(aeTitle, studyUID, destination, recordID string, attempt int) time.Time {
	t := RetryTask{
		ID:          uuid.NewString(),
		AETitle:     aeTitle,
		StudyUID:    studyUID,
		Destination: destination,
		RecordID:    recordID,
		Attempt:     attempt,
		NextRetryAt: time.Now().Add(m.backoff.DelayForAttempt(attempt)),
	}
	m.mu.Lock()
	m.tasks = append(m.tasks, t)
	m.persistLocked()
	m.mu.Unlock()

	m.logger.Info("retry scheduled", "study", studyUID, "destination", destination,
		"attempt", attempt, "at", t.NextRetryAt.Format(time.RFC3339))
	return t.NextRetryAt
}

// Drop removes any queued tasks for a (study, destination) pair. Used when the
// study is retried manually or deleted.
func (m *RetryManager) Drop(aeTitle, studyUID, destination string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.tasks[:0]
	for _, t := range m.tasks {
		if t.AETitle == aeTitle && t.StudyUID == studyUID &&
			(destination == "" || t.Destination == destination) {
			continue
		}
		kept = append(kept, t)
	}
	m.tasks = kept
	m.persistLocked()
}

// Depth returns the queued task count.
func (m *RetryManager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Pending returns copies of the queued tasks.
func (m *RetryManager) Pending() []RetryTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RetryTask, len(m.tasks))
	copy(out, m.tasks)
	return out
}

// Run ticks the queue until ctx ends.
func (m *RetryManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pump(ctx)
		}
	}
}

// pump pops due tasks. Unavailable destinations are re-enqueued at the next
// backoff step without consuming an attempt; available ones go to dispatch.
func (m *RetryManager) pump(ctx context.Context) {
	now := time.Now()
	var due []RetryTask

	m.mu.Lock()
	kept := m.tasks[:0]
	for _, t := range m.tasks {
		if t.NextRetryAt.After(now) {
			kept = append(kept, t)
			continue
		}
		if m.available != nil && !m.available(t.Destination) {
			t.Deferrals++
			t.NextRetryAt = now.Add(m.backoff.DelayForAttempt(t.Attempt + t.Deferrals))
			m.logger.Debug("retry deferred, destination unavailable",
				"study", t.StudyUID, "destination", t.Destination)
			kept = append(kept, t)
			continue
		}
		due = append(due, t)
	}
	m.tasks = kept
	m.persistLocked()
	m.mu.Unlock()

	for _, t := range due {
		select {
		case m.dispatch <- t:
		case <-ctx.Done():
			// Re-enqueue undelivered tasks so shutdown loses nothing.
			m.mu.Lock()
			m.tasks = append(m.tasks, t)
			m.persistLocked()
			m.mu.Unlock()
			return
		}
	}
}

func (m *RetryManager) persistLocked() {
	if err := layout.WriteJSONAtomic(m.path, m.tasks); err != nil {
		m.logger.Error("persist retry queue", "error", err)
	}
	m.setDepth(len(m.tasks))
}

func (m *RetryManager) setDepth(n int) {
	if m.depth != nil {
		m.depth.Set(float64(n))
	}
}
