// ABOUTME: Tests for the per-AE state directory machine, sidecar round-trips, and retention purges.
// ABOUTME: Verifies the single-state invariant across moves and the soft-delete naming scheme.
package layout

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestAE(t *testing.T) *AEDir {
	t.Helper()
	ae, err := NewAEDir(t.TempDir(), "INGEST")
	if err != nil {
		t.Fatalf("NewAEDir: %v", err)
	}
	return ae
}

func seedStudy(t *testing.T, ae *AEDir, st State, uid string) string {
	t.Helper()
	dir := ae.StudyDir(st, uid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "1.dcm"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return dir
}

func TestStateTreeCreated(t *testing.T) {
	ae := newTestAE(t)
	for _, st := range []State{StateIncoming, StateProcessing, StateCompleted, StateFailed, StateReviewPending, StateReviewRejected} {
		if _, err := os.Stat(ae.StateDir(st)); err != nil {
			t.Errorf("missing state dir %s: %v", st, err)
		}
	}
}

func TestMoveKeepsSingleState(t *testing.T) {
	ae := newTestAE(t)
	seedStudy(t, ae, StateIncoming, "1.2.3")

	if _, err := ae.Move("1.2.3", StateIncoming, StateProcessing); err != nil {
		t.Fatalf("move: %v", err)
	}
	st, ok := ae.StateOf("1.2.3")
	if !ok || st != StateProcessing {
		t.Fatalf("expected processing, got %v %v", st, ok)
	}
	if _, err := os.Stat(ae.StudyDir(StateIncoming, "1.2.3")); !os.IsNotExist(err) {
		t.Error("study still present in incoming after move")
	}
}

func TestMoveMissingStudyFails(t *testing.T) {
	ae := newTestAE(t)
	if _, err := ae.Move("nope", StateIncoming, StateProcessing); err == nil {
		t.Fatal("expected error moving missing study")
	}
}

func TestMoveToDeletedNaming(t *testing.T) {
	ae := newTestAE(t)
	seedStudy(t, ae, StateCompleted, "1.2.3")
	dst, err := ae.MoveToDeleted("1.2.3", StateCompleted, "manual")
	if err != nil {
		t.Fatalf("soft-delete: %v", err)
	}
	base := filepath.Base(dst)
	if !strings.HasPrefix(base, "manual_") || !strings.HasSuffix(base, "_1.2.3") {
		t.Errorf("unexpected deleted name %q", base)
	}
}

func TestStudyFilesSkipsSidecars(t *testing.T) {
	ae := newTestAE(t)
	dir := seedStudy(t, ae, StateIncoming, "1.2.3")
	if err := WriteFailureReason(dir, "boom"); err != nil {
		t.Fatalf("write reason: %v", err)
	}
	if err := WriteDestinationStatus(dir, map[string]DestinationStatus{"p": {Destination: "p", Status: "PENDING"}}); err != nil {
		t.Fatalf("write status: %v", err)
	}
	files, err := StudyFiles(dir)
	if err != nil {
		t.Fatalf("StudyFiles: %v", err)
	}
	if len(files) != 1 || filepath.Base(files[0]) != "1.dcm" {
		t.Errorf("expected only 1.dcm, got %v", files)
	}
}

func TestDestinationStatusRoundTrip(t *testing.T) {
	ae := newTestAE(t)
	dir := seedStudy(t, ae, StateProcessing, "1.2.3")
	now := time.Now().UTC().Truncate(time.Second)
	in := map[string]DestinationStatus{
		"peer1": {Destination: "peer1", Status: "SUCCESS", FilesTransferred: 5, Attempts: 1, CompletedAt: &now},
		"xnatA": {Destination: "xnatA", Status: "FAILED", Message: "connect reset", Attempts: 2},
	}
	if err := WriteDestinationStatus(dir, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := ReadDestinationStatus(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out["peer1"].FilesTransferred != 5 || out["xnatA"].Attempts != 2 {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestReadDestinationStatusMissingFile(t *testing.T) {
	ae := newTestAE(t)
	dir := seedStudy(t, ae, StateProcessing, "1.2.3")
	out, err := ReadDestinationStatus(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty map, got %v", out)
	}
}

func TestRetryMetadataRoundTrip(t *testing.T) {
	ae := newTestAE(t)
	dir := seedStudy(t, ae, StateFailed, "1.2.3")
	in := &RetryMetadata{RetryCount: 2, Attempts: []time.Time{time.Now().UTC()}, LastError: "timeout"}
	if err := WriteRetryMetadata(dir, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := ReadRetryMetadata(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.RetryCount != 2 || out.LastError != "timeout" {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestHistoryAppendAndReadDay(t *testing.T) {
	ae := newTestAE(t)
	h := NewHistoryLog(ae)
	now := time.Now().UTC()
	for _, ev := range []string{"received", "completed"} {
		if err := h.Append(HistoryEvent{Timestamp: now, StudyUID: "1.2.3", Event: ev}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	events, err := h.ReadDay(now)
	if err != nil {
		t.Fatalf("read day: %v", err)
	}
	if len(events) != 2 || events[1].Event != "completed" {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestPurgeArchivesBefore(t *testing.T) {
	ae := newTestAE(t)
	old := filepath.Join(ae.Root, "archive", "2020-01-01")
	recent := filepath.Join(ae.Root, "archive", time.Now().UTC().Format("2006-01-02"))
	for _, d := range []string{old, recent} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	n, err := ae.PurgeArchivesBefore(time.Now().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}
	if _, err := os.Stat(recent); err != nil {
		t.Error("recent archive folder should survive")
	}
}

func TestRouteLogAppend(t *testing.T) {
	ae := newTestAE(t)
	l := NewRouteLog(ae)
	if err := l.Append("1.2.3", "completed", "peer1", 5, ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(ae.Root, "logs", "INGEST.csv"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "1.2.3,completed,peer1,5") {
		t.Errorf("unexpected csv row: %q", string(data))
	}
}
