// ABOUTME: Tests for the review gate: submit, approve (idempotent), reject, and pending listing.
package review

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/openimaging/dicomgate/layout"
)

func testGate(t *testing.T, onDecide func(Decision)) (*Gate, *layout.AEDir) {
	t.Helper()
	dirs, err := layout.NewAEDir(t.TempDir(), "INGEST")
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewGate(dirs, logger, onDecide), dirs
}

func seedStudy(t *testing.T, dirs *layout.AEDir, studyUID string) {
	t.Helper()
	dir := dirs.StudyDir(layout.StateProcessing, studyUID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "1.2.3.4.5.dcm"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestSubmitAndListPending(t *testing.T) {
	g, dirs := testGate(t, nil)
	seedStudy(t, dirs, "1.2.3.4")

	id, err := g.Submit("1.2.3.4", "hipaa_standard", "2 files, 14 tags changed")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := os.Stat(dirs.StudyDir(layout.StateProcessing, "1.2.3.4")); !os.IsNotExist(err) {
		t.Error("study still in processing after submit")
	}
	if _, err := os.Stat(filepath.Join(dirs.StudyDir(layout.StateReviewPending, id), "1.2.3.4.5.dcm")); err != nil {
		t.Errorf("study files missing from pending: %v", err)
	}

	pending, err := g.ListPending()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ReviewID != id {
		t.Fatalf("pending: %+v", pending)
	}
	meta := pending[0].Meta
	if meta.StudyUID != "1.2.3.4" || meta.SourceAE != "INGEST" || meta.ScriptUsed != "hipaa_standard" {
		t.Errorf("sidecar: %+v", meta)
	}
	if meta.SubmittedAt.IsZero() {
		t.Error("submitted_at not set")
	}
}

func TestSubmitMissingStudy(t *testing.T) {
	g, _ := testGate(t, nil)
	if _, err := g.Submit("9.9.9", "basic", ""); err == nil {
		t.Fatal("expected error for study not in processing")
	}
}

func TestApproveMovesStudyBack(t *testing.T) {
	var got []Decision
	g, dirs := testGate(t, func(d Decision) { got = append(got, d) })
	seedStudy(t, dirs, "1.2.3.4")
	id, err := g.Submit("1.2.3.4", "basic", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := g.Approve(id, "dr.jones", "looks clean"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	dst := dirs.StudyDir(layout.StateProcessing, "1.2.3.4")
	if _, err := os.Stat(filepath.Join(dst, "1.2.3.4.5.dcm")); err != nil {
		t.Fatalf("study not back in processing: %v", err)
	}
	meta, err := layout.ReadReviewMetadata(dst)
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	if meta.Decision != "approved" || meta.Reviewer != "dr.jones" || meta.DecidedAt == nil {
		t.Errorf("decision sidecar: %+v", meta)
	}

	if len(got) != 1 {
		t.Fatalf("onDecide fired %d times", len(got))
	}
	if !got[0].Approved || got[0].StudyUID != "1.2.3.4" || got[0].ReviewID != id {
		t.Errorf("decision: %+v", got[0])
	}
}

func TestApproveIsIdempotent(t *testing.T) {
	calls := 0
	g, dirs := testGate(t, func(Decision) { calls++ })
	seedStudy(t, dirs, "1.2.3.4")
	id, _ := g.Submit("1.2.3.4", "basic", "")

	if err := g.Approve(id, "dr.jones", ""); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if err := g.Approve(id, "dr.jones", ""); err != nil {
		t.Fatalf("second approve should be a no-op, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("onDecide fired %d times, want 1", calls)
	}
}

func TestApproveUnknownReview(t *testing.T) {
	g, _ := testGate(t, nil)
	if err := g.Approve("no-such-id", "dr.jones", ""); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestRejectMovesStudyToRejected(t *testing.T) {
	var got []Decision
	g, dirs := testGate(t, func(d Decision) { got = append(got, d) })
	seedStudy(t, dirs, "1.2.3.4")
	id, _ := g.Submit("1.2.3.4", "basic", "")

	if err := g.Reject(id, "dr.smith", "burned-in PHI in frame 3"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	dst := dirs.StudyDir(layout.StateReviewRejected, id)
	if _, err := os.Stat(filepath.Join(dst, "1.2.3.4.5.dcm")); err != nil {
		t.Fatalf("study not in rejected: %v", err)
	}
	meta, err := layout.ReadReviewMetadata(dst)
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	if meta.Decision != "rejected" || meta.Reason != "burned-in PHI in frame 3" {
		t.Errorf("decision sidecar: %+v", meta)
	}

	if len(got) != 1 || got[0].Approved || got[0].Reason == "" {
		t.Errorf("decision callback: %+v", got)
	}

	// The study is decided; approving it now is an error, not a no-op.
	if err := g.Approve(id, "dr.jones", ""); err == nil {
		t.Error("approve after reject should fail")
	}
}
