// ABOUTME: Tests for the admin HTTP surface: bind policy, credential scrubbing, script CRUD,
// ABOUTME: transfer queries, per-study views, and storage browsing against a live scheduler.
package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openimaging/dicomgate/config"
	"github.com/openimaging/dicomgate/dcm"
	"github.com/openimaging/dicomgate/layout"
	"github.com/openimaging/dicomgate/pipeline"
	"github.com/openimaging/dicomgate/receive"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T, dests ...config.Destination) *config.Config {
	t.Helper()
	root := t.TempDir()
	return &config.Config{
		DataRoot:   root,
		ScriptsDir: filepath.Join(root, "scripts"),
		Routes: []config.Route{{
			AETitle:                "INGEST",
			Port:                   11112,
			Enabled:                true,
			WorkerThreads:          2,
			MaxConcurrentStudies:   4,
			MaxConcurrentTransfers: 2,
			Destinations: []config.RouteDestination{
				{Destination: "sink", MaxRetries: 2},
			},
		}},
		Destinations: dests,
		Resilience: config.Resilience{
			HealthCheckIntervalSeconds: 3600,
			MaxRetries:                 3,
			RetryDelaySeconds:          1,
			MaxRetryDelaySeconds:       5,
			ArchiveRetentionDays:       -1,
			DeletedRetentionDays:       -1,
		},
		Admin: config.Admin{Bind: "127.0.0.1:0"},
	}
}

// newTestServer wires a scheduler with one fs sink and the admin server on top.
func newTestServer(t *testing.T) (*httptest.Server, *pipeline.Scheduler, *config.Config) {
	t.Helper()
	sink := t.TempDir()
	cfg := testConfig(t, config.Destination{
		Name: "sink", Kind: config.KindFS, Enabled: true, Path: sink, CreateSubdirs: true,
		Username: "svc", Password: "hunter2",
	})
	reg := prometheus.NewRegistry()
	sched, err := pipeline.NewScheduler(cfg, pipeline.NewMetrics(reg), testLogger())
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sched.Run(ctx)

	srv, err := NewServer(cfg, sched, reg, nil, testLogger())
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, sched, cfg
}

func seedStudy(t *testing.T, sched *pipeline.Scheduler, ae, uid string, n int) receive.Completion {
	t.Helper()
	dir := sched.Dirs(ae).StudyDir(layout.StateIncoming, uid)
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

func getJSON(t *testing.T, ts *httptest.Server, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp
}

func TestBindPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admin.Bind = "0.0.0.0:8090"
	if _, err := NewServer(cfg, nil, nil, nil, testLogger()); !errors.Is(err, ErrNonLoopbackBind) {
		t.Fatalf("non-loopback bind accepted: %v", err)
	}
	cfg.Admin.AllowRemote = true
	if _, err := NewServer(cfg, nil, nil, nil, testLogger()); err != nil {
		t.Fatalf("allow_remote bind rejected: %v", err)
	}
	cfg.Admin.AllowRemote = false
	cfg.Admin.Bind = "localhost:8090"
	if _, err := NewServer(cfg, nil, nil, nil, testLogger()); err != nil {
		t.Fatalf("localhost bind rejected: %v", err)
	}
}

func TestRoutesEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)
	var routes []config.Route
	if resp := getJSON(t, ts, "/api/routes", &routes); resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if len(routes) != 1 || routes[0].AETitle != "INGEST" {
		t.Errorf("routes: %+v", routes)
	}
}

func TestDestinationsHideCredentials(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/destinations")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if strings.Contains(buf.String(), "hunter2") {
		t.Error("destination listing leaks passwords")
	}
	if !strings.Contains(buf.String(), "sink") {
		t.Errorf("destination missing: %s", buf.String())
	}
}

func TestScriptCRUD(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var names []string
	getJSON(t, ts, "/api/scripts", &names)
	found := false
	for _, n := range names {
		if n == "basic" {
			found = true
		}
	}
	if !found {
		t.Fatalf("built-in scripts missing: %v", names)
	}

	body := `{"description":"site policy","operations":[{"action":"empty","tag":"PatientName"}]}`
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/scripts/site", strings.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save script: %d", resp.StatusCode)
	}

	var script struct {
		Name       string `json:"name"`
		Operations []any  `json:"operations"`
	}
	getJSON(t, ts, "/api/scripts/site", &script)
	if script.Name != "site" || len(script.Operations) != 1 {
		t.Errorf("script round trip: %+v", script)
	}

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/scripts/site", nil)
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete custom script: %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/scripts/basic", nil)
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		t.Error("built-in script deletion must be refused")
	}
}

func TestTransfersAndStudyViews(t *testing.T) {
	ts, sched, _ := newTestServer(t)

	sched.Enqueue(seedStudy(t, sched, "INGEST", "1.2.3.700", 2))
	deadline := time.Now().Add(5 * time.Second)
	var recID string
	for time.Now().Before(deadline) {
		if rec := sched.Records().LatestForStudy("INGEST", "1.2.3.700"); rec != nil && rec.Status == pipeline.RecordSuccess {
			recID = rec.ID
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if recID == "" {
		t.Fatal("study never completed")
	}

	var page struct {
		Total     int                       `json:"total"`
		Transfers []pipeline.TransferRecord `json:"transfers"`
	}
	getJSON(t, ts, "/api/transfers?ae=INGEST&status="+pipeline.RecordSuccess, &page)
	if page.Total != 1 || len(page.Transfers) != 1 {
		t.Fatalf("transfer listing: %+v", page)
	}

	var rec pipeline.TransferRecord
	if resp := getJSON(t, ts, "/api/transfers/"+recID, &rec); resp.StatusCode != http.StatusOK {
		t.Fatalf("transfer get: %d", resp.StatusCode)
	}
	if rec.StudyUID != "1.2.3.700" {
		t.Errorf("record: %+v", rec)
	}
	if resp := getJSON(t, ts, "/api/transfers/nope", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown transfer: %d", resp.StatusCode)
	}

	var study struct {
		State        string                              `json:"state"`
		Destinations map[string]layout.DestinationStatus `json:"destinations"`
	}
	getJSON(t, ts, "/api/studies/INGEST/1.2.3.700/destinations", &study)
	if study.State != string(layout.StateCompleted) {
		t.Errorf("state: %s", study.State)
	}
	if study.Destinations["sink"].Status != pipeline.DestSuccess {
		t.Errorf("sink status: %+v", study.Destinations)
	}
	if resp := getJSON(t, ts, "/api/studies/INGEST/9.9.9/destinations", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown study: %d", resp.StatusCode)
	}
}

func TestStorageBrowse(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var listing struct {
		Entries []struct {
			Name string `json:"name"`
			Dir  bool   `json:"dir"`
		} `json:"entries"`
	}
	getJSON(t, ts, "/api/storage", &listing)
	found := false
	for _, e := range listing.Entries {
		if e.Name == "INGEST" && e.Dir {
			found = true
		}
	}
	if !found {
		t.Errorf("route dir missing from root listing: %+v", listing.Entries)
	}

	if resp := getJSON(t, ts, "/api/storage?path=..%2F..%2Fetc", nil); resp.StatusCode == http.StatusOK {
		t.Errorf("traversal accepted: %d", resp.StatusCode)
	}
}

func TestReviewListAndMetrics(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var queues map[string]json.RawMessage
	if resp := getJSON(t, ts, "/api/review", &queues); resp.StatusCode != http.StatusOK {
		t.Fatalf("review list: %d", resp.StatusCode)
	}
	if _, ok := queues["INGEST"]; !ok {
		t.Errorf("review queues: %v", queues)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status: %d", resp.StatusCode)
	}
}

func TestOCRScanUnconfigured(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/ocr/scan", "application/json",
		strings.NewReader(`{"ae_title":"INGEST","study_uid":"1.2.3"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("ocr without service: %d", resp.StatusCode)
	}
}
