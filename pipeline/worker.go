// ABOUTME: Per-route worker: drains completed studies through the state machine — anonymize,
// ABOUTME: review gate, health-gated fan-out, incremental status sidecars, archive, and terminal moves.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openimaging/dicomgate/anon"
	"github.com/openimaging/dicomgate/config"
	"github.com/openimaging/dicomgate/dest"
	"github.com/openimaging/dicomgate/layout"
	"github.com/openimaging/dicomgate/receive"
	"github.com/openimaging/dicomgate/review"
)

// studyJob is one unit of work on a route's queue.
type studyJob struct {
	studyUID  string
	callingAE string
	files     int
	added     []string
	removed   []string
	recordID  string
	resumed   bool // post-approval resume: skip anonymize/review stages
}

// sendTask is one destination of a study's materialized plan.
type sendTask struct {
	rd   config.RouteDestination
	dcfg *config.Destination
}

// routeWorker drives one route's studies.
type routeWorker struct {
	s        *Scheduler
	route    config.Route
	dirs     *layout.AEDir
	gate     *review.Gate
	history  *layout.HistoryLog
	routeLog *layout.RouteLog
	notifier *Notifier

	queue       chan studyJob
	transferSem chan struct{}

	mu        sync.Mutex
	inflight  map[string]bool
	lastRetry map[string]time.Time
}

func newRouteWorker(s *Scheduler, route config.Route) (*routeWorker, error) {
	dirs, err := layout.NewAEDir(s.cfg.DataRoot, route.AETitle)
	if err != nil {
		return nil, err
	}
	w := &routeWorker{
		s:           s,
		route:       route,
		dirs:        dirs,
		history:     layout.NewHistoryLog(dirs),
		routeLog:    layout.NewRouteLog(dirs),
		notifier:    NewNotifier(route.WebhookURL, route.WebhookEvents, s.logger),
		queue:       make(chan studyJob, route.MaxConcurrentStudies),
		transferSem: make(chan struct{}, route.MaxConcurrentTransfers),
		inflight:    map[string]bool{},
		lastRetry:   map[string]time.Time{},
	}
	w.gate = review.NewGate(dirs, s.logger, w.onReviewDecision)
	return w, nil
}

// accept takes a completed study from the receiver: move it into processing,
// open a transfer record, and queue it. Blocks when the queue is full.
func (w *routeWorker) accept(c receive.Completion) {
	if _, err := w.dirs.Move(c.StudyUID, layout.StateIncoming, layout.StateProcessing); err != nil {
		w.s.logger.Error("promote study to processing", "ae", c.AETitle, "study", c.StudyUID, "error", err)
		return
	}
	recID := w.s.records.Create(c.AETitle, c.StudyUID, c.CallingAE, c.Files)
	w.logEvent(c.StudyUID, "received", "", c.Files, fmt.Sprintf("from %s", c.CallingAE))
	w.queue <- studyJob{
		studyUID:  c.StudyUID,
		callingAE: c.CallingAE,
		files:     c.Files,
		added:     c.AddedDestinations,
		removed:   c.RemovedDestinations,
		recordID:  recID,
	}
}

// run is one worker-pool goroutine.
func (w *routeWorker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.queue:
			w.process(ctx, job)
		}
	}
}

// process executes the study state machine for one job.
func (w *routeWorker) process(ctx context.Context, job studyJob) {
	studyDir := w.dirs.StudyDir(layout.StateProcessing, job.studyUID)
	if _, err := os.Stat(studyDir); err != nil {
		w.s.logger.Warn("queued study vanished from processing", "ae", w.route.AETitle, "study", job.studyUID)
		return
	}
	_ = w.s.records.Update(job.recordID, func(r *TransferRecord) { r.Status = RecordProcessing })

	plan, skipped := w.materializePlan(job, studyDir)
	w.seedResults(job.recordID, plan, skipped)
	w.writeStatusSidecar(job.recordID, studyDir)

	if len(plan) > 0 && !job.resumed {
		summary, err := w.anonymize(ctx, job, plan, studyDir)
		if err != nil {
			w.failStudy(job.recordID, job.studyUID, fmt.Sprintf("anonymization: %v", err))
			return
		}
		if w.route.ReviewRequired && !approvedAlready(studyDir) {
			if err := w.submitReview(job, plan, summary); err != nil {
				w.failStudy(job.recordID, job.studyUID, fmt.Sprintf("review submission: %v", err))
			}
			return
		}
	}

	_ = w.s.records.Update(job.recordID, func(r *TransferRecord) { r.Status = RecordForwarding })
	w.fanOut(ctx, job, plan, studyDir)
	w.finalize(job.recordID, job.studyUID)
}

// materializePlan emits one send task per effective RouteDestination in
// priority order. A recovery sidecar, when present, is authoritative for the
// destination set so routing-rule adjustments survive a restart.
func (w *routeWorker) materializePlan(job studyJob, studyDir string) (plan []sendTask, skipped []string) {
	removed := map[string]bool{}
	for _, name := range job.removed {
		removed[name] = true
	}
	seen := map[string]bool{}

	add := func(rd config.RouteDestination) {
		if seen[rd.Destination] || removed[rd.Destination] {
			return
		}
		seen[rd.Destination] = true
		dcfg := w.s.destination(rd.Destination)
		if dcfg == nil || !dcfg.Enabled {
			skipped = append(skipped, rd.Destination)
			return
		}
		plan = append(plan, sendTask{rd: rd, dcfg: dcfg})
	}

	for _, rd := range w.route.Destinations {
		add(rd)
	}
	for _, name := range job.added {
		add(w.defaultRouteDest(name))
	}

	if statuses, err := layout.ReadDestinationStatus(studyDir); err == nil && len(statuses) > 0 {
		kept := plan[:0]
		for _, t := range plan {
			if _, ok := statuses[t.rd.Destination]; ok {
				kept = append(kept, t)
			}
		}
		plan = kept
		var extras []string
		for name := range statuses {
			if !seen[name] {
				extras = append(extras, name)
			}
		}
		sort.Strings(extras)
		for _, name := range extras {
			add(w.defaultRouteDest(name))
		}
	}

	sort.SliceStable(plan, func(i, j int) bool { return plan[i].rd.Priority < plan[j].rd.Priority })
	return plan, skipped
}

// defaultRouteDest builds options for a destination added by a routing rule,
// which has no RouteDestination block of its own.
func (w *routeWorker) defaultRouteDest(name string) config.RouteDestination {
	res := w.s.resilience()
	return config.RouteDestination{
		Destination:    name,
		MaxRetries:     res.MaxRetries,
		RetryDelaySecs: res.RetryDelaySeconds,
	}
}

// seedResults ensures every planned destination has a result entry. Recovery
// resets stranded IN_PROGRESS entries to PENDING.
func (w *routeWorker) seedResults(recID string, plan []sendTask, skipped []string) {
	now := time.Now().UTC()
	_ = w.s.records.Update(recID, func(r *TransferRecord) {
		for _, t := range plan {
			if res := r.Result(t.rd.Destination); res != nil {
				if res.Status == DestInProgress {
					res.Status = DestPending
				}
				continue
			}
			r.Destinations = append(r.Destinations, DestinationResult{
				Destination: t.rd.Destination,
				Status:      DestPending,
			})
		}
		for _, name := range skipped {
			if r.Result(name) != nil {
				continue
			}
			t := now
			r.Destinations = append(r.Destinations, DestinationResult{
				Destination: name,
				Status:      DestSkipped,
				Message:     "destination disabled",
				CompletedAt: &t,
			})
		}
	})
}

// anonymize materializes one anonymized copy per distinct script, deduplicated
// by script name, and writes the audit report next to the study files.
// Returns a short summary for the review sidecar.
func (w *routeWorker) anonymize(ctx context.Context, job studyJob, plan []sendTask, studyDir string) (string, error) {
	byScript := map[string]sendTask{}
	for _, t := range plan {
		if !t.rd.Anonymize || t.rd.Script == "" {
			continue
		}
		if _, ok := byScript[t.rd.Script]; !ok {
			byScript[t.rd.Script] = t
		}
	}
	if len(byScript) == 0 {
		return "", nil
	}
	_ = w.s.records.Update(job.recordID, func(r *TransferRecord) { r.Status = RecordAnonymizing })

	names := make([]string, 0, len(byScript))
	for name := range byScript {
		names = append(names, name)
	}
	sort.Strings(names)

	var summary []string
	for _, name := range names {
		auditPath := filepath.Join(studyDir, "audit_"+name+".json")
		if _, err := os.Stat(auditPath); err == nil {
			continue // already materialized before a restart
		}
		script, err := w.s.scripts.Load(name)
		if err != nil {
			return "", err
		}
		opts, err := w.anonOptions(byScript[name].rd)
		if err != nil {
			return "", err
		}
		outDir := filepath.Join(studyDir, "anonymized_"+name)
		report, err := anon.Apply(ctx, script, studyDir, outDir, opts)
		if err != nil {
			return "", err
		}
		if err := layout.WriteJSONAtomic(auditPath, report); err != nil {
			return "", err
		}
		changes := 0
		for _, n := range report.TagSummary {
			changes += n
		}
		summary = append(summary, fmt.Sprintf("%s: %d files, %d tag changes", name, len(report.Files), changes))
		w.s.logger.Info("study anonymized", "ae", w.route.AETitle, "study", job.studyUID,
			"script", name, "files", len(report.Files), "changes", changes)
	}
	return strings.Join(summary, "; "), nil
}

// anonOptions assembles anonymizer options from one route destination's binding.
func (w *routeWorker) anonOptions(rd config.RouteDestination) (anon.Options, error) {
	opts := anon.Options{
		Project: rd.Project,
		Subject: rd.Subject,
		Session: rd.Session,
	}
	if rd.Broker != "" {
		bcfg := w.s.brokerConfig(rd.Broker)
		br, ok := w.s.brokers[rd.Broker]
		if bcfg == nil || !ok {
			return opts, fmt.Errorf("broker %s not configured", rd.Broker)
		}
		opts.Binding = &anon.BrokerBinding{
			Broker:       br,
			DateShift:    bcfg.DateShift,
			MinShiftDays: bcfg.MinShiftDays,
			MaxShiftDays: bcfg.MaxShiftDays,
			HashUIDs:     bcfg.HashUIDs,
			UIDRoot:      bcfg.UIDRoot,
		}
	}
	if rd.PixelPHIScan && w.s.ocr != nil {
		opts.OCR = w.s.ocr
		opts.PixelPHIScan = true
	}
	return opts, nil
}

// submitReview hands the study to the review gate and parks the record.
func (w *routeWorker) submitReview(job studyJob, plan []sendTask, summary string) error {
	var scripts []string
	seen := map[string]bool{}
	for _, t := range plan {
		if t.rd.Anonymize && t.rd.Script != "" && !seen[t.rd.Script] {
			seen[t.rd.Script] = true
			scripts = append(scripts, t.rd.Script)
		}
	}
	reviewID, err := w.gate.Submit(job.studyUID, strings.Join(scripts, ","), summary)
	if err != nil {
		return err
	}
	_ = w.s.records.Update(job.recordID, func(r *TransferRecord) { r.Status = RecordAwaitingReview })
	w.logEvent(job.studyUID, "review_submitted", "", job.files, reviewID)
	return nil
}

// onReviewDecision resumes or finalizes a study after a reviewer acts.
func (w *routeWorker) onReviewDecision(d review.Decision) {
	rec := w.s.records.LatestForStudy(w.route.AETitle, d.StudyUID)
	recID := ""
	callingAE := ""
	if rec != nil {
		recID = rec.ID
		callingAE = rec.CallingAE
	} else {
		// Records are in-memory; a decision after a restart opens a fresh one.
		recID = w.s.records.Create(w.route.AETitle, d.StudyUID, "", 0)
	}

	if d.Approved {
		w.logEvent(d.StudyUID, "approved", "", 0, d.Reviewer)
		job := studyJob{studyUID: d.StudyUID, callingAE: callingAE, recordID: recID, resumed: true}
		go func() { w.queue <- job }()
		return
	}

	msg := "rejected: " + d.Reason
	_ = w.s.records.Update(recID, func(r *TransferRecord) {
		r.Status = RecordRejected
		r.ErrorMessage = msg
	})
	if w.s.metrics != nil {
		w.s.metrics.StudiesFailed.WithLabelValues(w.route.AETitle).Inc()
	}
	w.logEvent(d.StudyUID, "rejected", "", 0, d.Reason)
	w.notifier.Notify(WebhookEvent{Event: "rejected", AETitle: w.route.AETitle,
		StudyUID: d.StudyUID, Status: RecordRejected, Detail: msg})
}

// fanOut sends to every planned destination, priority groups in order,
// destinations within a group concurrently under the transfer semaphore.
func (w *routeWorker) fanOut(ctx context.Context, job studyJob, plan []sendTask, studyDir string) {
	i := 0
	for i < len(plan) {
		j := i
		for j < len(plan) && plan[j].rd.Priority == plan[i].rd.Priority {
			j++
		}
		var wg sync.WaitGroup
		for _, t := range plan[i:j] {
			rec, err := w.s.records.Get(job.recordID)
			if err != nil {
				return
			}
			res := rec.Result(t.rd.Destination)
			if res == nil || res.Status != DestPending || res.NextRetryAt != nil {
				continue // terminal, deferred, or owned by the retry manager
			}
			wg.Add(1)
			go func(t sendTask) {
				defer wg.Done()
				w.sendOne(ctx, job.recordID, job.studyUID, job.callingAE, t)
			}(t)
		}
		wg.Wait()
		i = j
	}
}

// sendOne performs one adapter invocation for one destination, with health
// gating, the in-flight guard, and retry scheduling on transient failure.
func (w *routeWorker) sendOne(ctx context.Context, recID, studyUID, callingAE string, t sendTask) {
	name := t.rd.Destination
	key := studyUID + "\x00" + name

	w.mu.Lock()
	if w.inflight[key] {
		w.mu.Unlock()
		return
	}
	w.inflight[key] = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.inflight, key)
		w.mu.Unlock()
	}()

	studyDir := w.dirs.StudyDir(layout.StateProcessing, studyUID)

	if !w.s.health.Available(name) {
		var attempts int
		_ = w.s.records.Update(recID, func(r *TransferRecord) {
			if res := r.Result(name); res != nil {
				attempts = res.Attempts
			}
		})
		next := w.s.retries.Schedule(w.route.AETitle, studyUID, name, recID, attempts)
		_ = w.s.records.Update(recID, func(r *TransferRecord) {
			if res := r.Result(name); res != nil {
				res.Status = DestPending
				res.Message = "destination unavailable, deferred"
				res.NextRetryAt = &next
			}
		})
		w.writeStatusSidecar(recID, studyDir)
		return
	}

	select {
	case w.transferSem <- struct{}{}:
		defer func() { <-w.transferSem }()
	case <-ctx.Done():
		return
	}

	var attempts int
	_ = w.s.records.Update(recID, func(r *TransferRecord) {
		if res := r.Result(name); res != nil {
			res.Status = DestInProgress
			res.NextRetryAt = nil
			res.Attempts++
			attempts = res.Attempts
		}
	})
	w.writeStatusSidecar(recID, studyDir)

	files, err := w.sourceFiles(t, studyDir)
	if err != nil {
		w.recordSendFailure(recID, studyUID, t, attempts, fmt.Sprintf("collect files: %v", err), false)
		w.writeStatusSidecar(recID, studyDir)
		return
	}

	if w.s.metrics != nil {
		w.s.metrics.SendAttempts.WithLabelValues(name).Inc()
	}
	adapter := w.s.adapters[name]
	start := time.Now()
	res, sendErr := adapter.SendStudy(ctx, files, dest.SendContext{
		StudyUID:  studyUID,
		CallingAE: callingAE,
		Project:   t.rd.Project,
		Subject:   t.rd.Subject,
		Session:   t.rd.Session,
	})
	duration := time.Since(start)

	if sendErr == nil && res != nil && res.Success {
		now := time.Now().UTC()
		_ = w.s.records.Update(recID, func(r *TransferRecord) {
			if dr := r.Result(name); dr != nil {
				dr.Status = DestSuccess
				dr.Message = res.Message
				dr.FilesTransferred = res.FilesTransferred
				dr.DurationMS = duration.Milliseconds()
				dr.RetryEligible = false
				dr.CompletedAt = &now
			}
		})
		w.logEvent(studyUID, "sent", name, res.FilesTransferred, "")
		w.writeStatusSidecar(recID, studyDir)
		return
	}

	if w.s.metrics != nil {
		w.s.metrics.SendFailures.WithLabelValues(name).Inc()
	}
	msg := "partial transfer"
	transient := true
	if sendErr != nil {
		msg = sendErr.Error()
		transient = dest.IsTransient(sendErr)
	} else if res != nil && res.Message != "" {
		msg = res.Message
	}
	w.recordSendFailure(recID, studyUID, t, attempts, msg, transient)
	w.writeStatusSidecar(recID, studyDir)
	w.appendRetryMetadata(studyDir, msg)
}

// recordSendFailure marks the result FAILED and schedules a retry when the
// failure is transient and attempts remain.
func (w *routeWorker) recordSendFailure(recID, studyUID string, t sendTask, attempts int, msg string, transient bool) {
	name := t.rd.Destination
	eligible := transient && attempts <= t.rd.MaxRetries
	var next time.Time
	if eligible {
		next = w.s.retries.Schedule(w.route.AETitle, studyUID, name, recID, attempts)
	}
	now := time.Now().UTC()
	_ = w.s.records.Update(recID, func(r *TransferRecord) {
		dr := r.Result(name)
		if dr == nil {
			return
		}
		dr.Status = DestFailed
		dr.Message = msg
		dr.RetryEligible = eligible
		if eligible {
			dr.NextRetryAt = &next
			dr.CompletedAt = nil
		} else {
			dr.NextRetryAt = nil
			dr.CompletedAt = &now
		}
	})
	w.logEvent(studyUID, "send_failed", name, 0, msg)
}

// sourceFiles picks the anonymized copy when the destination anonymizes,
// otherwise the original study files.
func (w *routeWorker) sourceFiles(t sendTask, studyDir string) ([]string, error) {
	dir := studyDir
	if t.rd.Anonymize && t.rd.Script != "" {
		dir = filepath.Join(studyDir, "anonymized_"+t.rd.Script)
	}
	files, err := layout.StudyFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no instance files in %s", dir)
	}
	return files, nil
}

// retrySend handles one due retry task: re-send a single destination and
// re-finalize the study if that made it terminal.
func (w *routeWorker) retrySend(ctx context.Context, task RetryTask) {
	st, found := w.dirs.StateOf(task.StudyUID)
	if !found || st != layout.StateProcessing {
		// Completed, deleted, or parked in review; the retry is moot.
		w.s.logger.Debug("dropping retry for inactive study", "study", task.StudyUID, "state", string(st))
		return
	}
	t, ok := w.taskFor(task.Destination)
	if !ok {
		w.s.logger.Warn("retry for unconfigured destination", "study", task.StudyUID, "destination", task.Destination)
		return
	}
	recID := task.RecordID
	rec, err := w.s.records.Get(recID)
	if err != nil {
		// Records are in-memory; the persisted queue outlives them across a
		// restart. Fall back to the study's recovered record.
		rec = w.s.records.LatestForStudy(w.route.AETitle, task.StudyUID)
		if rec == nil {
			return
		}
		recID = rec.ID
	}
	go func() {
		w.logEvent(task.StudyUID, "retried", task.Destination, 0, fmt.Sprintf("attempt %d", task.Attempt+1))
		w.sendOne(ctx, recID, task.StudyUID, rec.CallingAE, t)
		w.finalize(recID, task.StudyUID)
	}()
}

// taskFor rebuilds the send task for a destination name.
func (w *routeWorker) taskFor(name string) (sendTask, bool) {
	dcfg := w.s.destination(name)
	if dcfg == nil || !dcfg.Enabled {
		return sendTask{}, false
	}
	for _, rd := range w.route.Destinations {
		if rd.Destination == name {
			return sendTask{rd: rd, dcfg: dcfg}, true
		}
	}
	return sendTask{rd: w.defaultRouteDest(name), dcfg: dcfg}, true
}

// finalize inspects the destination results and moves the study to its
// terminal directory once nothing is outstanding.
func (w *routeWorker) finalize(recID, studyUID string) {
	rec, err := w.s.records.Get(recID)
	if err != nil {
		return
	}

	outstanding := false
	success, failed := 0, 0
	var failures []string
	for i := range rec.Destinations {
		dr := &rec.Destinations[i]
		if !dr.Terminal() {
			outstanding = true
			continue
		}
		switch dr.Status {
		case DestSuccess:
			success++
		case DestFailed:
			failed++
			failures = append(failures, fmt.Sprintf("%s: %s", dr.Destination, dr.Message))
		}
	}

	if outstanding {
		status := RecordForwarding
		if success > 0 {
			status = RecordPartial
		}
		_ = w.s.records.Update(recID, func(r *TransferRecord) { r.Status = status })
		return
	}

	// All terminal. The study may already have been moved by a concurrent
	// finalize; only the caller that still sees it in processing/ moves it.
	studyDir := w.dirs.StudyDir(layout.StateProcessing, studyUID)
	if _, err := os.Stat(studyDir); err != nil {
		return
	}

	switch {
	case failed == 0:
		_ = w.s.records.Update(recID, func(r *TransferRecord) { r.Status = RecordSuccess })
		w.completeStudy(recID, studyUID, studyDir, "completed")
	case success > 0:
		msg := fmt.Sprintf("%d destination(s) failed: %s", failed, strings.Join(failures, "; "))
		_ = w.s.records.Update(recID, func(r *TransferRecord) {
			r.Status = RecordPartial
			r.ErrorMessage = msg
		})
		w.completeStudy(recID, studyUID, studyDir, "partial")
	default:
		w.failStudy(recID, studyUID, strings.Join(failures, "; "))
	}
}

// completeStudy archives and moves a study whose sends are done.
func (w *routeWorker) completeStudy(recID, studyUID, studyDir, event string) {
	if err := w.archiveStudy(recID, studyUID, studyDir); err != nil {
		w.s.logger.Error("archive study", "ae", w.route.AETitle, "study", studyUID, "error", err)
	}
	w.writeStatusSidecar(recID, studyDir)
	if _, err := w.dirs.Move(studyUID, layout.StateProcessing, layout.StateCompleted); err != nil {
		w.s.logger.Error("move study to completed", "study", studyUID, "error", err)
		return
	}
	if w.s.metrics != nil {
		w.s.metrics.StudiesCompleted.WithLabelValues(w.route.AETitle).Inc()
	}
	w.logEvent(studyUID, event, "", 0, "")
	rec, _ := w.s.records.Get(recID)
	status, detail := RecordSuccess, ""
	if rec != nil {
		status, detail = rec.Status, rec.ErrorMessage
	}
	w.notifier.Notify(WebhookEvent{Event: event, AETitle: w.route.AETitle,
		StudyUID: studyUID, Status: status, Detail: detail})
}

// failStudy writes the failure reason and moves the study to failed/.
func (w *routeWorker) failStudy(recID, studyUID, reason string) {
	_ = w.s.records.Update(recID, func(r *TransferRecord) {
		r.Status = RecordFailed
		r.ErrorMessage = reason
	})
	studyDir := w.dirs.StudyDir(layout.StateProcessing, studyUID)
	if _, err := os.Stat(studyDir); err == nil {
		if err := layout.WriteFailureReason(studyDir, reason); err != nil {
			w.s.logger.Error("write failure reason", "study", studyUID, "error", err)
		}
		w.writeStatusSidecar(recID, studyDir)
		if _, err := w.dirs.Move(studyUID, layout.StateProcessing, layout.StateFailed); err != nil {
			// The study stays in processing/; the startup scan re-attempts.
			w.s.logger.Error("move study to failed", "study", studyUID, "error", err)
		}
	}
	if w.s.metrics != nil {
		w.s.metrics.StudiesFailed.WithLabelValues(w.route.AETitle).Inc()
	}
	w.logEvent(studyUID, "failed", "", 0, reason)
	w.notifier.Notify(WebhookEvent{Event: "failed", AETitle: w.route.AETitle,
		StudyUID: studyUID, Status: RecordFailed, Detail: reason})
}

// retryFailed moves a failed study back to processing and queues a re-run.
// Triggers within one second coalesce.
func (w *routeWorker) retryFailed(studyUID string) error {
	w.mu.Lock()
	if last, ok := w.lastRetry[studyUID]; ok && time.Since(last) < time.Second {
		w.mu.Unlock()
		return nil
	}
	w.lastRetry[studyUID] = time.Now()
	w.mu.Unlock()

	if _, err := w.dirs.Move(studyUID, layout.StateFailed, layout.StateProcessing); err != nil {
		return err
	}
	w.s.retries.Drop(w.route.AETitle, studyUID, "")

	studyDir := w.dirs.StudyDir(layout.StateProcessing, studyUID)
	files, _ := layout.StudyFiles(studyDir)
	recID := w.s.records.Create(w.route.AETitle, studyUID, "", len(files))
	w.seedFromSidecar(recID, studyDir, true)
	w.logEvent(studyUID, "retried", "", len(files), "manual retry")
	go func() { w.queue <- studyJob{studyUID: studyUID, recordID: recID, files: len(files)} }()
	return nil
}

// recover re-queues studies stranded in processing/ and incoming/ by a
// previous shutdown.
func (w *routeWorker) recover() {
	processing, err := w.dirs.ListStudies(layout.StateProcessing)
	if err != nil {
		w.s.logger.Error("recovery scan of processing", "ae", w.route.AETitle, "error", err)
	}
	for _, uid := range processing {
		studyDir := w.dirs.StudyDir(layout.StateProcessing, uid)
		files, _ := layout.StudyFiles(studyDir)
		recID := w.s.records.Create(w.route.AETitle, uid, "", len(files))
		w.seedFromSidecar(recID, studyDir, false)
		w.s.logger.Info("recovering study from processing", "ae", w.route.AETitle, "study", uid)
		job := studyJob{studyUID: uid, recordID: recID, files: len(files)}
		go func(j studyJob) { w.queue <- j }(job)
	}

	incoming, err := w.dirs.ListStudies(layout.StateIncoming)
	if err != nil {
		w.s.logger.Error("recovery scan of incoming", "ae", w.route.AETitle, "error", err)
	}
	for _, uid := range incoming {
		files, _ := layout.StudyFiles(w.dirs.StudyDir(layout.StateIncoming, uid))
		w.s.logger.Info("recovering study from incoming", "ae", w.route.AETitle, "study", uid)
		go func(uid string, n int) {
			w.accept(receive.Completion{AETitle: w.route.AETitle, StudyUID: uid, Files: n})
		}(uid, len(files))
	}
}

// seedFromSidecar loads the destination-status sidecar into a fresh record so
// already-successful destinations are not re-sent. resetFailures clears
// terminal FAILED entries for a manual re-run.
func (w *routeWorker) seedFromSidecar(recID, studyDir string, resetFailures bool) {
	statuses, err := layout.ReadDestinationStatus(studyDir)
	if err != nil || len(statuses) == 0 {
		return
	}
	names := make([]string, 0, len(statuses))
	for name := range statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	_ = w.s.records.Update(recID, func(r *TransferRecord) {
		for _, name := range names {
			st := statuses[name]
			dr := DestinationResult{
				Destination:      name,
				Status:           st.Status,
				Message:          st.Message,
				FilesTransferred: st.FilesTransferred,
				DurationMS:       st.DurationMS,
				Attempts:         st.Attempts,
				CompletedAt:      st.CompletedAt,
			}
			if dr.Status == DestInProgress {
				dr.Status = DestPending
			}
			// A scheduled NextRetryAt marks the result as still owned by the
			// retry queue, not terminal.
			if st.NextRetryAt != nil && dr.Status != DestSuccess {
				dr.RetryEligible = true
				dr.NextRetryAt = st.NextRetryAt
				dr.CompletedAt = nil
			}
			if resetFailures && dr.Status == DestFailed {
				dr.Status = DestPending
				dr.Attempts = 0
				dr.CompletedAt = nil
				dr.Message = ""
				dr.RetryEligible = false
				dr.NextRetryAt = nil
			}
			r.Destinations = append(r.Destinations, dr)
		}
	})
}

// writeStatusSidecar projects the record's results into destination_status.json.
func (w *routeWorker) writeStatusSidecar(recID, studyDir string) {
	if _, err := os.Stat(studyDir); err != nil {
		return
	}
	rec, err := w.s.records.Get(recID)
	if err != nil {
		return
	}
	statuses := map[string]layout.DestinationStatus{}
	for _, dr := range rec.Destinations {
		statuses[dr.Destination] = layout.DestinationStatus{
			Destination:      dr.Destination,
			Status:           dr.Status,
			Message:          dr.Message,
			FilesTransferred: dr.FilesTransferred,
			DurationMS:       dr.DurationMS,
			Attempts:         dr.Attempts,
			CompletedAt:      dr.CompletedAt,
			NextRetryAt:      dr.NextRetryAt,
		}
	}
	if err := layout.WriteDestinationStatus(studyDir, statuses); err != nil {
		w.s.logger.Error("write status sidecar", "study", filepath.Base(studyDir), "error", err)
	}
}

// appendRetryMetadata updates the retry history sidecar after a failed send.
func (w *routeWorker) appendRetryMetadata(studyDir, lastError string) {
	if _, err := os.Stat(studyDir); err != nil {
		return
	}
	meta, err := layout.ReadRetryMetadata(studyDir)
	if err != nil {
		return
	}
	meta.RetryCount++
	meta.Attempts = append(meta.Attempts, time.Now().UTC())
	meta.LastError = lastError
	if err := layout.WriteRetryMetadata(studyDir, meta); err != nil {
		w.s.logger.Error("write retry metadata", "study", filepath.Base(studyDir), "error", err)
	}
}

// archiveStudy copies originals, anonymized copies, and audits into the
// dated archive folder and writes the metadata sidecar.
func (w *routeWorker) archiveStudy(recID, studyUID, studyDir string) error {
	rec, err := w.s.records.Get(recID)
	if err != nil {
		return err
	}
	dir, err := w.dirs.ArchiveDir(studyUID, time.Now())
	if err != nil {
		return err
	}

	files, err := layout.StudyFiles(studyDir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := copyFile(f, filepath.Join(dir, "original", filepath.Base(f))); err != nil {
			return err
		}
	}

	meta := &layout.ArchiveMetadata{
		StudyUID:     studyUID,
		SourceAE:     rec.CallingAE,
		ReceivedAt:   rec.CreatedAt,
		ArchivedAt:   time.Now().UTC(),
		Destinations: map[string]layout.DestinationStatus{},
	}
	for _, dr := range rec.Destinations {
		meta.Destinations[dr.Destination] = layout.DestinationStatus{
			Destination:      dr.Destination,
			Status:           dr.Status,
			Message:          dr.Message,
			FilesTransferred: dr.FilesTransferred,
			DurationMS:       dr.DurationMS,
			Attempts:         dr.Attempts,
			CompletedAt:      dr.CompletedAt,
		}
	}

	entries, err := os.ReadDir(studyDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		switch {
		case e.IsDir() && strings.HasPrefix(name, "anonymized_"):
			script := strings.TrimPrefix(name, "anonymized_")
			meta.ScriptsUsed = append(meta.ScriptsUsed, script)
			sub := filepath.Join(dir, "anonymized", script)
			if err := os.MkdirAll(sub, 0o755); err != nil {
				return err
			}
			anonFiles, err := layout.StudyFiles(filepath.Join(studyDir, name))
			if err != nil {
				return err
			}
			for _, f := range anonFiles {
				if err := copyFile(f, filepath.Join(sub, filepath.Base(f))); err != nil {
					return err
				}
			}
		case !e.IsDir() && strings.HasPrefix(name, "audit_") && strings.HasSuffix(name, ".json"):
			if err := copyFile(filepath.Join(studyDir, name), filepath.Join(dir, name)); err != nil {
				return err
			}
			if meta.AuditReport == "" {
				meta.AuditReport = name
			}
			var report anon.AuditReport
			if err := layout.ReadJSON(filepath.Join(studyDir, name), &report); err == nil && len(report.BrokerMappings) > 0 {
				if meta.BrokerMappings == nil {
					meta.BrokerMappings = map[string]string{}
				}
				for k, v := range report.BrokerMappings {
					meta.BrokerMappings[k] = v
				}
			}
		}
	}
	sort.Strings(meta.ScriptsUsed)

	if rm, err := layout.ReadReviewMetadata(studyDir); err == nil {
		meta.ReviewDecision = rm.Decision
	}

	return layout.WriteJSONAtomic(filepath.Join(dir, "metadata.json"), meta)
}

// logEvent appends to the day's history file and the route CSV log.
func (w *routeWorker) logEvent(studyUID, event, destination string, files int, detail string) {
	if err := w.history.Append(layout.HistoryEvent{
		StudyUID: studyUID, Event: event, Destination: destination, Detail: detail,
	}); err != nil {
		w.s.logger.Error("append history", "ae", w.route.AETitle, "error", err)
	}
	if err := w.routeLog.Append(studyUID, event, destination, files, detail); err != nil {
		w.s.logger.Error("append route log", "ae", w.route.AETitle, "error", err)
	}
}

// approvedAlready reports whether a travelling review sidecar shows a prior
// approval, so a recovered study is not re-submitted to the gate.
func approvedAlready(studyDir string) bool {
	meta, err := layout.ReadReviewMetadata(studyDir)
	return err == nil && meta.Decision == "approved"
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
