// ABOUTME: JSON sidecar types and atomic read/write helpers for per-study metadata.
// ABOUTME: All sidecars are proper JSON documents; writes go through a temp file + rename.
package layout

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RetryMetadata is the retry_metadata.json sidecar: retry history for a study.
type RetryMetadata struct {
	RetryCount int         `json:"retry_count"`
	Attempts   []time.Time `json:"attempts"`
	LastError  string      `json:"last_error,omitempty"`
}

// ReviewMetadata is the review_metadata.json sidecar written when a study
// enters the review gate and updated when a decision is made.
type ReviewMetadata struct {
	ReviewID     string     `json:"review_id"`
	StudyUID     string     `json:"study_uid"`
	SourceAE     string     `json:"source_ae"`
	ScriptUsed   string     `json:"script_used,omitempty"`
	AuditSummary string     `json:"audit_summary,omitempty"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	Reviewer     string     `json:"reviewer,omitempty"`
	Decision     string     `json:"decision,omitempty"` // "approved" or "rejected"
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// DestinationStatus is one entry of the destination_status.json sidecar. It is
// the authoritative record the retry path reads, so recovery after a crash
// never re-sends a destination that already succeeded.
type DestinationStatus struct {
	Destination      string     `json:"destination"`
	Status           string     `json:"status"` // PENDING, IN_PROGRESS, SUCCESS, FAILED, SKIPPED
	Message          string     `json:"message,omitempty"`
	FilesTransferred int        `json:"files_transferred"`
	DurationMS       int64      `json:"duration_ms"`
	Attempts         int        `json:"attempts"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	NextRetryAt      *time.Time `json:"next_retry_at,omitempty"`
}

// ArchiveMetadata is the metadata.json sidecar written into the archive folder.
type ArchiveMetadata struct {
	StudyUID       string                       `json:"study_uid"`
	SourceAE       string                       `json:"source_ae"`
	ReceivedAt     time.Time                    `json:"received_at"`
	ArchivedAt     time.Time                    `json:"archived_at"`
	Destinations   map[string]DestinationStatus `json:"destinations"`
	ScriptsUsed    []string                     `json:"scripts_used,omitempty"`
	ReviewDecision string                       `json:"review_decision,omitempty"`
	BrokerMappings map[string]string            `json:"broker_mappings,omitempty"`
	AuditReport    string                       `json:"audit_report,omitempty"` // relative path to audit JSON
}

// WriteJSONAtomic writes a JSON-encoded value using a temp file + rename so a
// crash never leaves a partially written sidecar.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

// ReadJSON decodes a JSON sidecar into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// WriteRetryMetadata persists retry history next to the study files.
func WriteRetryMetadata(studyDir string, m *RetryMetadata) error {
	return WriteJSONAtomic(filepath.Join(studyDir, RetryMetadataFile), m)
}

// ReadRetryMetadata loads retry history; a missing file yields a zero value.
func ReadRetryMetadata(studyDir string) (*RetryMetadata, error) {
	var m RetryMetadata
	err := ReadJSON(filepath.Join(studyDir, RetryMetadataFile), &m)
	if os.IsNotExist(err) {
		return &RetryMetadata{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// WriteDestinationStatus persists the per-destination status map.
func WriteDestinationStatus(studyDir string, statuses map[string]DestinationStatus) error {
	return WriteJSONAtomic(filepath.Join(studyDir, DestinationStatusFile), statuses)
}

// ReadDestinationStatus loads the per-destination status map; missing file
// yields an empty map.
func ReadDestinationStatus(studyDir string) (map[string]DestinationStatus, error) {
	statuses := map[string]DestinationStatus{}
	err := ReadJSON(filepath.Join(studyDir, DestinationStatusFile), &statuses)
	if os.IsNotExist(err) {
		return statuses, nil
	}
	if err != nil {
		return nil, err
	}
	return statuses, nil
}

// WriteReviewMetadata persists the review sidecar.
func WriteReviewMetadata(dir string, m *ReviewMetadata) error {
	return WriteJSONAtomic(filepath.Join(dir, ReviewMetadataFile), m)
}

// ReadReviewMetadata loads the review sidecar from a review directory.
func ReadReviewMetadata(dir string) (*ReviewMetadata, error) {
	var m ReviewMetadata
	if err := ReadJSON(filepath.Join(dir, ReviewMetadataFile), &m); err != nil {
		return nil, err
	}
	return &m, nil
}
