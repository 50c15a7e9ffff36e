// ABOUTME: Review gate: holds studies in review/pending until a human approves or rejects them.
// ABOUTME: Approve is idempotent; a pending study is never forwarded and its destinations stay PENDING.
package review

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/openimaging/dicomgate/layout"
)

// Pending is one study awaiting a decision.
type Pending struct {
	ReviewID string
	Meta     layout.ReviewMetadata
}

// Decision is handed to the gate's callback when a reviewer acts.
type Decision struct {
	ReviewID string
	StudyUID string
	SourceAE string
	Approved bool
	Reviewer string
	Notes    string
	Reason   string
}

// Gate manages the review directories of one AE.
type Gate struct {
	dirs     *layout.AEDir
	logger   *slog.Logger
	onDecide func(Decision)
}

// NewGate builds a gate. onDecide fires after the study directory has moved,
// so the pipeline resumes (approve) or finalizes (reject) the transfer.
func NewGate(dirs *layout.AEDir, logger *slog.Logger, onDecide func(Decision)) *Gate {
	return &Gate{dirs: dirs, logger: logger, onDecide: onDecide}
}

// Submit moves a study from processing into review/pending under a fresh
// review id and writes the sidecar.
func (g *Gate) Submit(studyUID, scriptUsed, auditSummary string) (string, error) {
	reviewID := uuid.NewString()
	src := g.dirs.StudyDir(layout.StateProcessing, studyUID)
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("study %s not in processing: %w", studyUID, err)
	}
	dst := g.dirs.StudyDir(layout.StateReviewPending, reviewID)
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("submit %s for review: %w", studyUID, err)
	}

	meta := &layout.ReviewMetadata{
		ReviewID:     reviewID,
		StudyUID:     studyUID,
		SourceAE:     g.dirs.AE,
		ScriptUsed:   scriptUsed,
		AuditSummary: auditSummary,
		SubmittedAt:  time.Now().UTC(),
	}
	if err := layout.WriteReviewMetadata(dst, meta); err != nil {
		return "", fmt.Errorf("write review sidecar: %w", err)
	}
	g.logger.Info("study submitted for review", "ae", g.dirs.AE, "study", studyUID, "review", reviewID)
	return reviewID, nil
}

// Approve moves the study back to processing and records the decision.
// Approving an already-decided review is a no-op success.
func (g *Gate) Approve(reviewID, reviewer, notes string) error {
	pendingDir := g.dirs.StudyDir(layout.StateReviewPending, reviewID)
	meta, err := layout.ReadReviewMetadata(pendingDir)
	if os.IsNotExist(err) {
		if _, statErr := os.Stat(g.dirs.StudyDir(layout.StateReviewRejected, reviewID)); statErr == nil {
			return fmt.Errorf("review %s already rejected", reviewID)
		}
		// Already approved: approve is idempotent.
		if g.approved(reviewID) {
			return nil
		}
		return fmt.Errorf("review %s not found", reviewID)
	}
	if err != nil {
		return fmt.Errorf("read review %s: %w", reviewID, err)
	}

	dst := g.dirs.StudyDir(layout.StateProcessing, meta.StudyUID)
	if err := os.Rename(pendingDir, dst); err != nil {
		return fmt.Errorf("approve %s: %w", reviewID, err)
	}

	now := time.Now().UTC()
	meta.Decision = "approved"
	meta.Reviewer = reviewer
	meta.Notes = notes
	meta.DecidedAt = &now
	if err := layout.WriteReviewMetadata(dst, meta); err != nil {
		return fmt.Errorf("write decision: %w", err)
	}

	g.logger.Info("review approved", "ae", g.dirs.AE, "study", meta.StudyUID,
		"review", reviewID, "reviewer", reviewer)
	if g.onDecide != nil {
		g.onDecide(Decision{
			ReviewID: reviewID, StudyUID: meta.StudyUID, SourceAE: meta.SourceAE,
			Approved: true, Reviewer: reviewer, Notes: notes,
		})
	}
	return nil
}

// Reject moves the study into review/rejected with the reason recorded.
func (g *Gate) Reject(reviewID, reviewer, reason string) error {
	pendingDir := g.dirs.StudyDir(layout.StateReviewPending, reviewID)
	meta, err := layout.ReadReviewMetadata(pendingDir)
	if os.IsNotExist(err) {
		return fmt.Errorf("review %s not found", reviewID)
	}
	if err != nil {
		return fmt.Errorf("read review %s: %w", reviewID, err)
	}

	dst := g.dirs.StudyDir(layout.StateReviewRejected, reviewID)
	if err := os.Rename(pendingDir, dst); err != nil {
		return fmt.Errorf("reject %s: %w", reviewID, err)
	}

	now := time.Now().UTC()
	meta.Decision = "rejected"
	meta.Reviewer = reviewer
	meta.Reason = reason
	meta.DecidedAt = &now
	if err := layout.WriteReviewMetadata(dst, meta); err != nil {
		return fmt.Errorf("write decision: %w", err)
	}

	g.logger.Info("review rejected", "ae", g.dirs.AE, "study", meta.StudyUID,
		"review", reviewID, "reviewer", reviewer, "reason", reason)
	if g.onDecide != nil {
		g.onDecide(Decision{
			ReviewID: reviewID, StudyUID: meta.StudyUID, SourceAE: meta.SourceAE,
			Approved: false, Reviewer: reviewer, Reason: reason,
		})
	}
	return nil
}

// ListPending returns the studies awaiting review.
func (g *Gate) ListPending() ([]Pending, error) {
	ids, err := g.dirs.ListStudies(layout.StateReviewPending)
	if err != nil {
		return nil, err
	}
	var out []Pending
	for _, id := range ids {
		meta, err := layout.ReadReviewMetadata(g.dirs.StudyDir(layout.StateReviewPending, id))
		if err != nil {
			g.logger.Warn("unreadable review sidecar", "review", id, "error", err)
			continue
		}
		out = append(out, Pending{ReviewID: id, Meta: *meta})
	}
	return out, nil
}

// approved reports whether the review id was already approved. An approved
// review's study carries the sidecar onward, so scan the states a study
// passes through after approval.
func (g *Gate) approved(reviewID string) bool {
	for _, st := range []layout.State{layout.StateProcessing, layout.StateCompleted, layout.StateFailed} {
		studies, err := g.dirs.ListStudies(st)
		if err != nil {
			continue
		}
		for _, uid := range studies {
			meta, err := layout.ReadReviewMetadata(g.dirs.StudyDir(st, uid))
			if err == nil && meta.ReviewID == reviewID {
				return true
			}
		}
	}
	return false
}
