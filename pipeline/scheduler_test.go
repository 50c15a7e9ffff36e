// ABOUTME: End-to-end scheduler tests: fan-out to destinations, review gating, anonymization,
// ABOUTME: skip handling, and retry exhaustion driving the study state machine to its terminal dirs.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/openimaging/dicomgate/config"
	"github.com/openimaging/dicomgate/dcm"
	"github.com/openimaging/dicomgate/layout"
	"github.com/openimaging/dicomgate/receive"
)

func testConfig(t *testing.T, route config.Route, dests ...config.Destination) *config.Config {
	t.Helper()
	root := t.TempDir()
	route.Enabled = true
	if route.WorkerThreads == 0 {
		route.WorkerThreads = 2
	}
	if route.MaxConcurrentStudies == 0 {
		route.MaxConcurrentStudies = 4
	}
	if route.MaxConcurrentTransfers == 0 {
		route.MaxConcurrentTransfers = 2
	}
	return &config.Config{
		DataRoot:     root,
		ScriptsDir:   filepath.Join(root, "scripts"),
		Routes:       []config.Route{route},
		Destinations: dests,
		Resilience: config.Resilience{
			HealthCheckIntervalSeconds: 3600,
			MaxRetries:                 3,
			RetryDelaySeconds:          1,
			MaxRetryDelaySeconds:       5,
			ArchiveRetentionDays:       -1,
			DeletedRetentionDays:       -1,
		},
	}
}

func startScheduler(t *testing.T, cfg *config.Config) (*Scheduler, context.CancelFunc) {
	t.Helper()
	s, err := NewScheduler(cfg, NewMetrics(prometheus.NewRegistry()), testLogger())
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	return s, cancel
}

// seedStudy writes n instances into incoming/<uid>/ and returns the completion.
func seedStudy(t *testing.T, s *Scheduler, ae, uid string, n int) receive.Completion {
	t.Helper()
	dir := s.Dirs(ae).StudyDir(layout.StateIncoming, uid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for i := 0; i < n; i++ {
		obj, err := dcm.NewObject(map[string]string{
			"SOPInstanceUID":    fmt.Sprintf("%s.%d", uid, i+1),
			"StudyInstanceUID":  uid,
			"SeriesInstanceUID": uid + ".0",
			"PatientName":       "DOE^JANE",
			"PatientID":         "P12345",
			"StudyDate":         "20240115",
			"Modality":          "CT",
		})
		if err != nil {
			t.Fatalf("fixture: %v", err)
		}
		if err := obj.WriteFile(filepath.Join(dir, fmt.Sprintf("%03d.dcm", i+1))); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}
	return receive.Completion{AETitle: ae, StudyUID: uid, CallingAE: "MODALITY1", Files: n}
}

func waitStatus(t *testing.T, s *Scheduler, ae, uid, status string, timeout time.Duration) TransferRecord {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if rec := s.Records().LatestForStudy(ae, uid); rec != nil && rec.Status == status {
			return *rec
		}
		time.Sleep(20 * time.Millisecond)
	}
	rec := s.Records().LatestForStudy(ae, uid)
	t.Fatalf("study %s never reached %s; last record: %+v", uid, status, rec)
	return TransferRecord{}
}

func TestSchedulerHappyPathFS(t *testing.T) {
	sink := t.TempDir()
	cfg := testConfig(t,
		config.Route{AETitle: "INGEST", Port: 11112, Destinations: []config.RouteDestination{
			{Destination: "sink", MaxRetries: 2},
		}},
		config.Destination{Name: "sink", Kind: config.KindFS, Enabled: true, Path: sink, CreateSubdirs: true},
	)
	s, cancel := startScheduler(t, cfg)
	defer cancel()

	s.Enqueue(seedStudy(t, s, "INGEST", "1.2.3.100", 2))
	rec := waitStatus(t, s, "INGEST", "1.2.3.100", RecordSuccess, 5*time.Second)

	res := rec.Result("sink")
	if res == nil || res.Status != DestSuccess || res.FilesTransferred != 2 || res.Attempts != 1 {
		t.Fatalf("sink result: %+v", res)
	}

	dirs := s.Dirs("INGEST")
	if st, _ := dirs.StateOf("1.2.3.100"); st != layout.StateCompleted {
		t.Errorf("study state: %s", st)
	}
	if files, err := layout.StudyFiles(filepath.Join(sink, "1.2.3.100")); err != nil || len(files) != 2 {
		t.Errorf("sink files: %v, %v", files, err)
	}

	statuses, err := layout.ReadDestinationStatus(dirs.StudyDir(layout.StateCompleted, "1.2.3.100"))
	if err != nil || statuses["sink"].Status != DestSuccess {
		t.Errorf("status sidecar: %+v, %v", statuses, err)
	}

	// Archive carries the originals and the metadata sidecar.
	archRoot := filepath.Join(dirs.Root, "archive", time.Now().UTC().Format("2006-01-02"), "study_1.2.3.100")
	if files, err := layout.StudyFiles(filepath.Join(archRoot, "original")); err != nil || len(files) != 2 {
		t.Errorf("archive originals: %v, %v", files, err)
	}
	var meta layout.ArchiveMetadata
	if err := layout.ReadJSON(filepath.Join(archRoot, "metadata.json"), &meta); err != nil {
		t.Fatalf("archive metadata: %v", err)
	}
	if meta.StudyUID != "1.2.3.100" || meta.SourceAE != "MODALITY1" || meta.Destinations["sink"].Status != DestSuccess {
		t.Errorf("archive metadata: %+v", meta)
	}
}

func TestSchedulerEmptyPlanCompletes(t *testing.T) {
	cfg := testConfig(t, config.Route{AETitle: "INGEST", Port: 11112})
	s, cancel := startScheduler(t, cfg)
	defer cancel()

	s.Enqueue(seedStudy(t, s, "INGEST", "1.2.3.101", 1))
	rec := waitStatus(t, s, "INGEST", "1.2.3.101", RecordSuccess, 5*time.Second)
	if len(rec.Destinations) != 0 {
		t.Errorf("expected zero destination results, got %+v", rec.Destinations)
	}
	if st, _ := s.Dirs("INGEST").StateOf("1.2.3.101"); st != layout.StateCompleted {
		t.Errorf("study state: %s", st)
	}
}

func TestSchedulerSkipsDisabledDestination(t *testing.T) {
	cfg := testConfig(t,
		config.Route{AETitle: "INGEST", Port: 11112, Destinations: []config.RouteDestination{
			{Destination: "offline"},
		}},
		config.Destination{Name: "offline", Kind: config.KindFS, Enabled: false, Path: t.TempDir()},
	)
	s, cancel := startScheduler(t, cfg)
	defer cancel()

	s.Enqueue(seedStudy(t, s, "INGEST", "1.2.3.102", 1))
	rec := waitStatus(t, s, "INGEST", "1.2.3.102", RecordSuccess, 5*time.Second)
	res := rec.Result("offline")
	if res == nil || res.Status != DestSkipped {
		t.Fatalf("offline result: %+v", res)
	}
}

func TestSchedulerReviewGate(t *testing.T) {
	sink := t.TempDir()
	cfg := testConfig(t,
		config.Route{AETitle: "INGEST", Port: 11112, ReviewRequired: true,
			Destinations: []config.RouteDestination{{Destination: "sink"}}},
		config.Destination{Name: "sink", Kind: config.KindFS, Enabled: true, Path: sink, CreateSubdirs: true},
	)
	s, cancel := startScheduler(t, cfg)
	defer cancel()

	s.Enqueue(seedStudy(t, s, "INGEST", "1.2.3.103", 1))
	rec := waitStatus(t, s, "INGEST", "1.2.3.103", RecordAwaitingReview, 5*time.Second)
	if res := rec.Result("sink"); res == nil || res.Status != DestPending {
		t.Fatalf("destination must stay PENDING during review: %+v", res)
	}
	if files, _ := layout.StudyFiles(filepath.Join(sink, "1.2.3.103")); len(files) != 0 {
		t.Fatal("send occurred before approval")
	}

	gate := s.Gate("INGEST")
	pending, err := gate.ListPending()
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending reviews: %+v, %v", pending, err)
	}
	if err := gate.Approve(pending[0].ReviewID, "dr.jones", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	waitStatus(t, s, "INGEST", "1.2.3.103", RecordSuccess, 5*time.Second)
	if st, _ := s.Dirs("INGEST").StateOf("1.2.3.103"); st != layout.StateCompleted {
		t.Errorf("study state after approval: %s", st)
	}
}

func TestSchedulerReviewRejection(t *testing.T) {
	cfg := testConfig(t,
		config.Route{AETitle: "INGEST", Port: 11112, ReviewRequired: true,
			Destinations: []config.RouteDestination{{Destination: "sink"}}},
		config.Destination{Name: "sink", Kind: config.KindFS, Enabled: true, Path: t.TempDir(), CreateSubdirs: true},
	)
	s, cancel := startScheduler(t, cfg)
	defer cancel()

	s.Enqueue(seedStudy(t, s, "INGEST", "1.2.3.104", 1))
	waitStatus(t, s, "INGEST", "1.2.3.104", RecordAwaitingReview, 5*time.Second)

	gate := s.Gate("INGEST")
	pending, _ := gate.ListPending()
	if err := gate.Reject(pending[0].ReviewID, "dr.smith", "missing consent"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	rec := waitStatus(t, s, "INGEST", "1.2.3.104", RecordRejected, 5*time.Second)
	if rec.ErrorMessage != "rejected: missing consent" {
		t.Errorf("error message: %q", rec.ErrorMessage)
	}
	if _, err := os.Stat(s.Dirs("INGEST").StudyDir(layout.StateReviewRejected, pending[0].ReviewID)); err != nil {
		t.Errorf("study not in rejected: %v", err)
	}
}

func TestSchedulerAnonymizedSend(t *testing.T) {
	sink := t.TempDir()
	cfg := testConfig(t,
		config.Route{AETitle: "INGEST", Port: 11112, Destinations: []config.RouteDestination{
			{Destination: "sink", Anonymize: true, Script: "basic"},
		}},
		config.Destination{Name: "sink", Kind: config.KindFS, Enabled: true, Path: sink, CreateSubdirs: true},
	)
	s, cancel := startScheduler(t, cfg)
	defer cancel()

	s.Enqueue(seedStudy(t, s, "INGEST", "1.2.3.105", 1))
	waitStatus(t, s, "INGEST", "1.2.3.105", RecordSuccess, 5*time.Second)

	files, err := layout.StudyFiles(filepath.Join(sink, "1.2.3.105"))
	if err != nil || len(files) != 1 {
		t.Fatalf("sink files: %v, %v", files, err)
	}
	obj, err := dcm.ReadFile(files[0])
	if err != nil {
		t.Fatalf("read sent file: %v", err)
	}
	if name := obj.GetString(tag.PatientName); name != "" {
		t.Errorf("PatientName survived anonymization: %q", name)
	}

	archRoot := filepath.Join(s.Dirs("INGEST").Root, "archive", time.Now().UTC().Format("2006-01-02"), "study_1.2.3.105")
	var meta layout.ArchiveMetadata
	if err := layout.ReadJSON(filepath.Join(archRoot, "metadata.json"), &meta); err != nil {
		t.Fatalf("archive metadata: %v", err)
	}
	if len(meta.ScriptsUsed) != 1 || meta.ScriptsUsed[0] != "basic" || meta.AuditReport == "" {
		t.Errorf("archive metadata: %+v", meta)
	}
	if _, err := os.Stat(filepath.Join(archRoot, meta.AuditReport)); err != nil {
		t.Errorf("audit report missing from archive: %v", err)
	}
}

func TestSchedulerPartialWithRetryExhaustion(t *testing.T) {
	// The XNAT endpoint accepts health echoes but refuses every import.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/data/JSESSION" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sink := t.TempDir()
	cfg := testConfig(t,
		config.Route{AETitle: "INGEST", Port: 11112, Destinations: []config.RouteDestination{
			{Destination: "sink", Priority: 1, MaxRetries: 1},
			{Destination: "bad", Priority: 1, MaxRetries: 1},
		}},
		config.Destination{Name: "sink", Kind: config.KindFS, Enabled: true, Path: sink, CreateSubdirs: true},
		config.Destination{Name: "bad", Kind: config.KindXNAT, Enabled: true, URL: srv.URL, MaxRetries: 1, TimeoutSeconds: 5},
	)
	s, cancel := startScheduler(t, cfg)
	defer cancel()

	s.Enqueue(seedStudy(t, s, "INGEST", "1.2.3.106", 2))

	// PARTIAL is also the in-flight status while retries are outstanding;
	// wait for the terminal form.
	var rec TransferRecord
	deadline := time.Now().Add(20 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("study never reached terminal PARTIAL: %+v", s.Records().LatestForStudy("INGEST", "1.2.3.106"))
		}
		r := s.Records().LatestForStudy("INGEST", "1.2.3.106")
		if r != nil && r.Status == RecordPartial && !r.Active() {
			rec = *r
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	good := rec.Result("sink")
	if good == nil || good.Status != DestSuccess {
		t.Fatalf("sink result: %+v", good)
	}
	badRes := rec.Result("bad")
	if badRes == nil || badRes.Status != DestFailed || badRes.RetryEligible {
		t.Fatalf("bad result: %+v", badRes)
	}
	if badRes.Attempts != 2 {
		t.Errorf("attempts: %d, want max_retries+1 = 2", badRes.Attempts)
	}
	if rec.ErrorMessage == "" {
		t.Error("partial record should carry an error message")
	}
	if st, _ := s.Dirs("INGEST").StateOf("1.2.3.106"); st != layout.StateCompleted {
		t.Errorf("partial study should rest in completed/: %s", st)
	}
}

func TestSchedulerRecovery(t *testing.T) {
	sink := t.TempDir()
	cfg := testConfig(t,
		config.Route{AETitle: "INGEST", Port: 11112, Destinations: []config.RouteDestination{
			{Destination: "sink", MaxRetries: 1},
		}},
		config.Destination{Name: "sink", Kind: config.KindFS, Enabled: true, Path: sink, CreateSubdirs: true},
	)
	s, err := NewScheduler(cfg, NewMetrics(prometheus.NewRegistry()), testLogger())
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}

	// Strand one study in incoming/ and one in processing/, as a crash would.
	seedStudy(t, s, "INGEST", "1.2.3.107", 1)
	c := seedStudy(t, s, "INGEST", "1.2.3.108", 1)
	if _, err := s.Dirs("INGEST").Move(c.StudyUID, layout.StateIncoming, layout.StateProcessing); err != nil {
		t.Fatalf("stage processing study: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	s.Recover()

	for _, uid := range []string{"1.2.3.107", "1.2.3.108"} {
		waitStatus(t, s, "INGEST", uid, RecordSuccess, 5*time.Second)
		if st, _ := s.Dirs("INGEST").StateOf(uid); st != layout.StateCompleted {
			t.Errorf("recovered study %s state: %s", uid, st)
		}
	}
}

func TestSchedulerManualRetry(t *testing.T) {
	cfg := testConfig(t, config.Route{AETitle: "INGEST", Port: 11112})
	s, cancel := startScheduler(t, cfg)
	defer cancel()

	// Fabricate a failed study.
	seedStudy(t, s, "INGEST", "1.2.3.109", 1)
	dirs := s.Dirs("INGEST")
	if _, err := dirs.Move("1.2.3.109", layout.StateIncoming, layout.StateProcessing); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := dirs.Move("1.2.3.109", layout.StateProcessing, layout.StateFailed); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if err := s.RetryStudy("INGEST", "1.2.3.109"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	// A second trigger inside the coalescing window is a silent no-op.
	if err := s.RetryStudy("INGEST", "1.2.3.109"); err != nil {
		t.Fatalf("coalesced retry: %v", err)
	}

	waitStatus(t, s, "INGEST", "1.2.3.109", RecordSuccess, 5*time.Second)
	if n := s.Records().Count(Filter{StudyUID: "1.2.3.109"}); n != 1 {
		t.Errorf("coalescing failed: %d records", n)
	}
}
