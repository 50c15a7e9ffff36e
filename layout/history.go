// ABOUTME: Per-day transfer history (history/<YYYY-MM-DD>.json) and per-route CSV log stream.
// ABOUTME: History files hold a JSON array of events; the CSV log is append-only.
package layout

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// HistoryEvent is one entry in a day's transfer history file.
type HistoryEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	StudyUID    string    `json:"study_uid"`
	Event       string    `json:"event"` // received, completed, failed, rejected, retried
	Destination string    `json:"destination,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// HistoryLog appends events to per-day JSON files under <ae>/history/.
type HistoryLog struct {
	dir string
	mu  sync.Mutex
}

// NewHistoryLog returns a history appender for an AE directory.
func NewHistoryLog(ae *AEDir) *HistoryLog {
	return &HistoryLog{dir: filepath.Join(ae.Root, "history")}
}

// Append adds an event to today's history file, read-modify-writing the array
// atomically. Day files stay small (one route-day of events) so the rewrite
// cost is negligible.
func (h *HistoryLog) Append(ev HistoryEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	path := filepath.Join(h.dir, ev.Timestamp.UTC().Format("2006-01-02")+".json")

	var events []HistoryEvent
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &events); err != nil {
			return fmt.Errorf("parse history %s: %w", path, err)
		}
	}
	events = append(events, ev)
	return WriteJSONAtomic(path, events)
}

// ReadDay returns all events recorded for one date (UTC).
func (h *HistoryLog) ReadDay(date time.Time) ([]HistoryEvent, error) {
	path := filepath.Join(h.dir, date.UTC().Format("2006-01-02")+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var events []HistoryEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// PurgeBefore removes day files older than the cutoff date.
func (h *HistoryLog) PurgeBefore(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		d, err := time.Parse("2006-01-02", name[:len(name)-len(".json")])
		if err != nil || !d.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(h.dir, name)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// RouteLog is the append-only CSV log stream under <ae>/logs/.
type RouteLog struct {
	path string
	mu   sync.Mutex
}

// NewRouteLog returns the CSV logger for an AE, one file per route.
func NewRouteLog(ae *AEDir) *RouteLog {
	return &RouteLog{path: filepath.Join(ae.Root, "logs", ae.AE+".csv")}
}

// Append writes one CSV row: timestamp, study UID, event, destination, files, detail.
func (l *RouteLog) Append(studyUID, event, destination string, files int, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{
		time.Now().UTC().Format(time.RFC3339),
		studyUID, event, destination, strconv.Itoa(files), detail,
	}); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
