// ABOUTME: Per-AE on-disk state machine: incoming, processing, completed, failed, deleted, review, archive.
// ABOUTME: State transitions are atomic directory renames so a crash leaves each study in exactly one state.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// State names the top-level subdirectory a study directory lives in.
type State string

const (
	StateIncoming       State = "incoming"
	StateProcessing     State = "processing"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
	StateDeleted        State = "deleted"
	StateReviewPending  State = "review/pending"
	StateReviewRejected State = "review/rejected"
)

// allStates is the fixed set of state subdirectories created per AE.
var allStates = []State{
	StateIncoming, StateProcessing, StateCompleted, StateFailed,
	StateDeleted, StateReviewPending, StateReviewRejected,
}

// Sidecar filenames written next to study files inside a state directory.
const (
	FailureReasonFile     = "failure_reason.txt"
	RetryMetadataFile     = "retry_metadata.json"
	ReviewMetadataFile    = "review_metadata.json"
	DestinationStatusFile = "destination_status.json"
)

// AEDir owns the directory tree for one listening AE under the data root.
type AEDir struct {
	Root string // <data_root>/<ae>
	AE   string
}

// NewAEDir creates (if needed) the full state tree for one AE.
func NewAEDir(dataRoot, ae string) (*AEDir, error) {
	if ae == "" {
		return nil, fmt.Errorf("ae must not be empty")
	}
	root := filepath.Join(dataRoot, ae)
	for _, st := range allStates {
		if err := os.MkdirAll(filepath.Join(root, string(st)), 0o755); err != nil {
			return nil, fmt.Errorf("create %s/%s: %w", ae, st, err)
		}
	}
	for _, extra := range []string{"archive", "history", "logs"} {
		if err := os.MkdirAll(filepath.Join(root, extra), 0o755); err != nil {
			return nil, fmt.Errorf("create %s/%s: %w", ae, extra, err)
		}
	}
	return &AEDir{Root: root, AE: ae}, nil
}

// StateDir returns the path of a state's top-level directory.
func (a *AEDir) StateDir(st State) string {
	return filepath.Join(a.Root, filepath.FromSlash(string(st)))
}

// StudyDir returns the path a study directory would have in the given state.
func (a *AEDir) StudyDir(st State, studyUID string) string {
	return filepath.Join(a.StateDir(st), studyUID)
}

// Move transitions a study directory between states with a single atomic rename.
func (a *AEDir) Move(studyUID string, from, to State) (string, error) {
	src := a.StudyDir(from, studyUID)
	dst := a.StudyDir(to, studyUID)
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("study %s not in %s: %w", studyUID, from, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("move %s %s -> %s: %w", studyUID, from, to, err)
	}
	return dst, nil
}

// MoveToDeleted soft-deletes a study directory, renaming it to
// deleted/<prefix>_<timestamp>_<study>. The timestamp makes repeated deletes
// of re-ingested studies collision-free.
func (a *AEDir) MoveToDeleted(studyUID string, from State, prefix string) (string, error) {
	src := a.StudyDir(from, studyUID)
	name := fmt.Sprintf("%s_%s_%s", prefix, time.Now().UTC().Format("20060102T150405"), studyUID)
	dst := filepath.Join(a.StateDir(StateDeleted), name)
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("soft-delete %s: %w", studyUID, err)
	}
	return dst, nil
}

// StateOf scans the state tree for a study UID and returns the state holding it.
// Returns false if the study is nowhere in the tree.
func (a *AEDir) StateOf(studyUID string) (State, bool) {
	for _, st := range allStates {
		if st == StateDeleted {
			continue // deleted entries carry prefixed names
		}
		if _, err := os.Stat(a.StudyDir(st, studyUID)); err == nil {
			return st, true
		}
	}
	return "", false
}

// ListStudies returns the study directory names currently in a state, sorted.
func (a *AEDir) ListStudies(st State) ([]string, error) {
	entries, err := os.ReadDir(a.StateDir(st))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// StudyFiles lists the DICOM object files of a study directory, skipping sidecars.
func StudyFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".txt") {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// WriteFailureReason records the last error text for a failed study.
func WriteFailureReason(studyDir, reason string) error {
	return os.WriteFile(filepath.Join(studyDir, FailureReasonFile), []byte(reason), 0o644)
}

// ReadFailureReason returns the stored failure text, or "" if none exists.
func ReadFailureReason(studyDir string) string {
	data, err := os.ReadFile(filepath.Join(studyDir, FailureReasonFile))
	if err != nil {
		return ""
	}
	return string(data)
}

// ArchiveDir returns archive/<YYYY-MM-DD>/study_<uid>/ under the AE root,
// creating original/ and anonymized/ subdirectories.
func (a *AEDir) ArchiveDir(studyUID string, date time.Time) (string, error) {
	dir := filepath.Join(a.Root, "archive", date.UTC().Format("2006-01-02"), "study_"+studyUID)
	for _, sub := range []string{"original", "anonymized"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create archive dir: %w", err)
		}
	}
	return dir, nil
}

// PurgeArchivesBefore removes whole archive date folders older than the cutoff.
// Folder names that don't parse as dates are left alone.
func (a *AEDir) PurgeArchivesBefore(cutoff time.Time) (int, error) {
	return purgeDatedDirs(filepath.Join(a.Root, "archive"), cutoff)
}

// PurgeDeletedBefore removes soft-deleted study directories whose embedded
// timestamp is older than the cutoff.
func (a *AEDir) PurgeDeletedBefore(cutoff time.Time) (int, error) {
	dir := a.StateDir(StateDeleted)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		parts := strings.SplitN(e.Name(), "_", 3)
		if len(parts) < 3 {
			continue
		}
		ts, err := time.Parse("20060102T150405", parts[1])
		if err != nil || !ts.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// purgeDatedDirs removes subdirectories named YYYY-MM-DD older than cutoff.
func purgeDatedDirs(dir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		d, err := time.Parse("2006-01-02", e.Name())
		if err != nil || !d.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
