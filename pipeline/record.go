// ABOUTME: TransferRecord store: one record per study traversal of a route, with per-destination results.
// ABOUTME: Concurrent map with a single writer per record; ULID ids sort by creation time.
package pipeline

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// TransferRecord statuses.
const (
	RecordPending        = "PENDING"
	RecordProcessing     = "PROCESSING"
	RecordAnonymizing    = "ANONYMIZING"
	RecordAwaitingReview = "AWAITING_REVIEW"
	RecordForwarding     = "FORWARDING"
	RecordSuccess        = "SUCCESS"
	RecordPartial        = "PARTIAL"
	RecordFailed         = "FAILED"
	RecordRejected       = "REJECTED"
)

// DestinationResult statuses.
const (
	DestPending    = "PENDING"
	DestInProgress = "IN_PROGRESS"
	DestSuccess    = "SUCCESS"
	DestFailed     = "FAILED"
	DestSkipped    = "SKIPPED"
)

// DestinationResult is one destination's outcome within a TransferRecord.
type DestinationResult struct {
	Destination      string     `json:"destination"`
	Status           string     `json:"status"`
	Message          string     `json:"message,omitempty"`
	FilesTransferred int        `json:"files_transferred"`
	DurationMS       int64      `json:"duration_ms"`
	Attempts         int        `json:"attempts"`
	RetryEligible    bool       `json:"retry_eligible"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	NextRetryAt      *time.Time `json:"next_retry_at,omitempty"`
}

// Terminal reports whether the result will not change again.
func (d *DestinationResult) Terminal() bool {
	switch d.Status {
	case DestSuccess, DestSkipped:
		return true
	case DestFailed:
		return !d.RetryEligible
	}
	return false
}

// TransferRecord is one study's traversal of a route. Identity is immutable;
// status and destination results mutate under the store's lock.
type TransferRecord struct {
	ID           string              `json:"id"`
	AETitle      string              `json:"ae_title"`
	StudyUID     string              `json:"study_uid"`
	CallingAE    string              `json:"calling_ae"`
	Status       string              `json:"status"`
	ErrorMessage string              `json:"error_message,omitempty"`
	Files        int                 `json:"files"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	Destinations []DestinationResult `json:"destinations"`
}

// Result returns the named destination's result, or nil.
func (r *TransferRecord) Result(destination string) *DestinationResult {
	for i := range r.Destinations {
		if r.Destinations[i].Destination == destination {
			return &r.Destinations[i]
		}
	}
	return nil
}

// Active reports whether the record is still in flight. PARTIAL counts as
// active while any destination still has retries outstanding; once every
// result is terminal a PARTIAL record is final.
func (r *TransferRecord) Active() bool {
	switch r.Status {
	case RecordSuccess, RecordFailed, RecordRejected:
		return false
	case RecordPartial:
		for i := range r.Destinations {
			if !r.Destinations[i].Terminal() {
				return true
			}
		}
		return false
	}
	return true
}

// Filter selects records for a query. Zero-valued fields match everything.
type Filter struct {
	AETitle  string
	StudyUID string
	Status   string
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}

// Store holds transfer records in memory. All mutation goes through Update so
// updates to one record are linearizable.
type Store struct {
	mu      sync.RWMutex
	records map[string]*TransferRecord
	entropy *rand.Rand
}

// NewStore returns an empty record store.
func NewStore() *Store {
	return &Store{
		records: map[string]*TransferRecord{},
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Create registers a new record and returns its id.
func (s *Store) Create(aeTitle, studyUID, callingAE string, files int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	id := ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
	s.records[id] = &TransferRecord{
		ID:        id,
		AETitle:   aeTitle,
		StudyUID:  studyUID,
		CallingAE: callingAE,
		Status:    RecordPending,
		Files:     files,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id
}

// Get returns a copy of the record, or an error if unknown.
func (s *Store) Get(id string) (*TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("transfer record %s not found", id)
	}
	cp := cloneRecord(r)
	return &cp, nil
}

// Update applies fn to the record under the store lock and stamps UpdatedAt.
func (s *Store) Update(id string, fn func(*TransferRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("transfer record %s not found", id)
	}
	fn(r)
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// Query returns copies of the records matching the filter, newest first.
func (s *Store) Query(f Filter) []TransferRecord {
	s.mu.RLock()
	matched := make([]TransferRecord, 0, len(s.records))
	for _, r := range s.records {
		if matchesRecord(r, f) {
			matched = append(matched, cloneRecord(r))
		}
	}
	s.mu.RUnlock()

	// ULIDs sort lexicographically by creation time.
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	return paginate(matched, f.Offset, f.Limit)
}

// Count returns how many records match the filter, ignoring pagination.
func (s *Store) Count(f Filter) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.records {
		if matchesRecord(r, f) {
			n++
		}
	}
	return n
}

// Active returns the in-flight records, newest first.
func (s *Store) Active() []TransferRecord {
	s.mu.RLock()
	var out []TransferRecord
	for _, r := range s.records {
		if r.Active() {
			out = append(out, cloneRecord(r))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// LatestForStudy returns the newest record for a study on a route, or nil.
func (s *Store) LatestForStudy(aeTitle, studyUID string) *TransferRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *TransferRecord
	for _, r := range s.records {
		if r.AETitle != aeTitle || r.StudyUID != studyUID {
			continue
		}
		if best == nil || r.ID > best.ID {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	cp := cloneRecord(best)
	return &cp
}

func matchesRecord(r *TransferRecord, f Filter) bool {
	if f.AETitle != "" && r.AETitle != f.AETitle {
		return false
	}
	if f.StudyUID != "" && r.StudyUID != f.StudyUID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Since != nil && r.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && r.CreatedAt.After(*f.Until) {
		return false
	}
	return true
}

func paginate(records []TransferRecord, offset, limit int) []TransferRecord {
	if offset > 0 {
		if offset >= len(records) {
			return []TransferRecord{}
		}
		records = records[offset:]
	}
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}

func cloneRecord(r *TransferRecord) TransferRecord {
	cp := *r
	cp.Destinations = make([]DestinationResult, len(r.Destinations))
	copy(cp.Destinations, r.Destinations)
	return cp
}
