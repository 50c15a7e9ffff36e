// ABOUTME: Admin HTTP surface: a chi router projecting the gateway's read model — routes,
// ABOUTME: destinations with health, scripts, brokers, transfers, review queue, storage browse, metrics.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openimaging/dicomgate/anon"
	"github.com/openimaging/dicomgate/broker"
	"github.com/openimaging/dicomgate/config"
	"github.com/openimaging/dicomgate/health"
	"github.com/openimaging/dicomgate/layout"
	"github.com/openimaging/dicomgate/pipeline"
)

// ErrNonLoopbackBind is returned when the admin bind address is not loopback
// and remote access has not been explicitly enabled.
var ErrNonLoopbackBind = errors.New(
	"admin bind is a non-loopback address but allow_remote is not set; set admin.allow_remote: true to allow remote access")

// Server serves the admin read model.
type Server struct {
	cfg      *config.Config
	sched    *pipeline.Scheduler
	registry *prometheus.Registry
	ocr      anon.OCRClient
	logger   *slog.Logger
	router   chi.Router
	httpSrv  *http.Server
}

// NewServer validates the bind policy and builds the router. registry may be
// nil when metrics are not exposed; ocr may be nil when no OCR service is
// configured.
func NewServer(cfg *config.Config, sched *pipeline.Scheduler, registry *prometheus.Registry, ocr anon.OCRClient, logger *slog.Logger) (*Server, error) {
	if err := checkBind(cfg.Admin.Bind, cfg.Admin.AllowRemote); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		sched:    sched,
		registry: registry,
		ocr:      ocr,
		logger:   logger,
	}
	s.router = s.buildRouter()
	return s, nil
}

// checkBind refuses non-loopback binds unless remote access is opted into.
// Only 127.0.0.0/8, ::1, and "localhost" are considered safe.
func checkBind(bind string, allowRemote bool) error {
	if allowRemote {
		return nil
	}
	host, _, err := net.SplitHostPort(bind)
	if err != nil || host == "" {
		return nil
	}
	ip := net.ParseIP(host)
	switch {
	case ip != nil && ip.IsLoopback():
	case host == "localhost":
	default:
		return fmt.Errorf("%w: %s", ErrNonLoopbackBind, bind)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{Addr: s.cfg.Admin.Bind, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.logger.Info("admin server listening", "bind", s.cfg.Admin.Bind)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutCtx)
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/routes", s.handleRoutes)
		r.Get("/destinations", s.handleDestinations)

		r.Get("/scripts", s.handleScriptList)
		r.Get("/scripts/{name}", s.handleScriptGet)
		r.Put("/scripts/{name}", s.handleScriptPut)
		r.Delete("/scripts/{name}", s.handleScriptDelete)

		r.Get("/brokers", s.handleBrokers)
		r.Post("/brokers/{name}/lookup", s.handleBrokerLookup)
		r.Post("/brokers/{name}/cache/clear", s.handleBrokerCacheClear)
		r.Get("/brokers/{name}/export", s.handleBrokerExport)

		r.Get("/transfers", s.handleTransfers)
		r.Get("/transfers/active", s.handleActiveTransfers)
		r.Get("/transfers/{id}", s.handleTransferGet)

		r.Get("/studies/{ae}/{uid}/destinations", s.handleStudyDestinations)
		r.Post("/studies/{ae}/{uid}/retry", s.handleStudyRetry)
		r.Delete("/studies/{ae}/{uid}", s.handleStudyDelete)

		r.Get("/failed", s.handleFailed)
		r.Post("/failed/{ae}/retry-all", s.handleRetryAll)

		r.Get("/review", s.handleReviewList)
		r.Post("/review/{ae}/{id}/approve", s.handleReviewApprove)
		r.Post("/review/{ae}/{id}/reject", s.handleReviewReject)

		r.Get("/health", s.handleHealth)
		r.Get("/storage", s.handleStorage)
		r.Post("/ocr/scan", s.handleOCRScan)
	})

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- routes & destinations ---

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Routes)
}

type destinationView struct {
	config.Destination
	Health *health.DestinationHealth `json:"health,omitempty"`
}

func (s *Server) handleDestinations(w http.ResponseWriter, r *http.Request) {
	snapshot := s.sched.Health().Snapshot()
	byName := map[string]*health.DestinationHealth{}
	for i := range snapshot {
		byName[snapshot[i].Name] = &snapshot[i]
	}
	dests := s.sched.Destinations()
	views := make([]destinationView, 0, len(dests))
	for _, d := range dests {
		d.Password = "" // never project credentials
		views = append(views, destinationView{Destination: d, Health: byName[d.Name]})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Health().Snapshot())
}

// --- scripts ---

func (s *Server) handleScriptList(w http.ResponseWriter, r *http.Request) {
	names, err := s.sched.Scripts().List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleScriptGet(w http.ResponseWriter, r *http.Request) {
	script, err := s.sched.Scripts().Load(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, script)
}

func (s *Server) handleScriptPut(w http.ResponseWriter, r *http.Request) {
	var script anon.Script
	if err := json.NewDecoder(r.Body).Decode(&script); err != nil {
		writeError(w, http.StatusBadRequest, "invalid script body")
		return
	}
	script.Name = chi.URLParam(r, "name")
	if err := s.sched.Scripts().Save(&script); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, script)
}

func (s *Server) handleScriptDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Scripts().Delete(chi.URLParam(r, "name")); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- brokers ---

func (s *Server) handleBrokers(w http.ResponseWriter, r *http.Request) {
	type brokerView struct {
		Name      string `json:"name"`
		Backend   string `json:"backend"`
		DateShift bool   `json:"date_shift"`
		HashUIDs  bool   `json:"hash_uids"`
		CacheSize int    `json:"cache_size,omitempty"`
		Mappings  int64  `json:"mappings,omitempty"`
	}
	var views []brokerView
	for _, b := range s.cfg.Brokers {
		v := brokerView{Name: b.Name, Backend: b.Backend, DateShift: b.DateShift, HashUIDs: b.HashUIDs}
		switch inst := s.sched.Brokers()[b.Name].(type) {
		case *broker.Remote:
			v.CacheSize = inst.CacheSize()
		case *broker.Local:
			if n, err := inst.MappingCount(); err == nil {
				v.Mappings = n
			}
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleBrokerLookup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	b, ok := s.sched.Brokers()[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown broker "+name)
		return
	}
	var req struct {
		InputID string `json:"input_id"`
		IDType  string `json:"id_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InputID == "" {
		writeError(w, http.StatusBadRequest, "input_id is required")
		return
	}
	if req.IDType == "" {
		req.IDType = "patient_id"
	}
	out, err := b.Lookup(r.Context(), req.InputID, req.IDType)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"input_id": req.InputID, "id_type": req.IDType, "output_id": out})
}

func (s *Server) handleBrokerCacheClear(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rem, ok := s.sched.Brokers()[name].(*broker.Remote)
	if !ok {
		writeError(w, http.StatusBadRequest, "broker has no cache")
		return
	}
	rem.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBrokerExport(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	local, ok := s.sched.Brokers()[name].(*broker.Local)
	if !ok {
		writeError(w, http.StatusBadRequest, "broker has no local mapping store")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`-mappings.csv"`)
	if err := local.ExportCSV(w); err != nil {
		s.logger.Error("broker csv export", "broker", name, "error", err)
	}
}

// --- transfers ---

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := pipeline.Filter{
		AETitle:  q.Get("ae"),
		StudyUID: q.Get("study"),
		Status:   q.Get("status"),
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = &t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Until = &t
		}
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	writeJSON(w, http.StatusOK, map[string]any{
		"total":     s.sched.Records().Count(f),
		"offset":    f.Offset,
		"limit":     f.Limit,
		"transfers": s.sched.Records().Query(f),
	})
}

func (s *Server) handleActiveTransfers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Records().Active())
}

func (s *Server) handleTransferGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.sched.Records().Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- per-study operations ---

func (s *Server) handleStudyDestinations(w http.ResponseWriter, r *http.Request) {
	ae, uid := chi.URLParam(r, "ae"), chi.URLParam(r, "uid")
	dirs := s.sched.Dirs(ae)
	if dirs == nil {
		writeError(w, http.StatusNotFound, "unknown route "+ae)
		return
	}
	st, found := dirs.StateOf(uid)
	if !found {
		writeError(w, http.StatusNotFound, "study not found")
		return
	}
	statuses, err := layout.ReadDestinationStatus(dirs.StudyDir(st, uid))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"study_uid": uid, "state": string(st), "destinations": statuses})
}

func (s *Server) handleStudyRetry(w http.ResponseWriter, r *http.Request) {
	ae, uid := chi.URLParam(r, "ae"), chi.URLParam(r, "uid")
	if err := s.sched.RetryStudy(ae, uid); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"study_uid": uid, "status": "queued"})
}

func (s *Server) handleStudyDelete(w http.ResponseWriter, r *http.Request) {
	ae, uid := chi.URLParam(r, "ae"), chi.URLParam(r, "uid")
	if err := s.sched.DeleteStudy(ae, uid); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- failed studies ---

type failedStudy struct {
	AETitle    string    `json:"ae_title"`
	StudyUID   string    `json:"study_uid"`
	Reason     string    `json:"reason,omitempty"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
	Files      int       `json:"files"`
	ModifiedAt time.Time `json:"modified_at"`
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	aeFilter := r.URL.Query().Get("ae")
	var out []failedStudy
	for _, route := range s.cfg.Routes {
		if !route.Enabled || (aeFilter != "" && route.AETitle != aeFilter) {
			continue
		}
		dirs := s.sched.Dirs(route.AETitle)
		if dirs == nil {
			continue
		}
		studies, err := dirs.ListStudies(layout.StateFailed)
		if err != nil {
			continue
		}
		for _, uid := range studies {
			dir := dirs.StudyDir(layout.StateFailed, uid)
			fs := failedStudy{AETitle: route.AETitle, StudyUID: uid, Reason: layout.ReadFailureReason(dir)}
			if meta, err := layout.ReadRetryMetadata(dir); err == nil {
				fs.RetryCount = meta.RetryCount
				fs.LastError = meta.LastError
			}
			if files, err := layout.StudyFiles(dir); err == nil {
				fs.Files = len(files)
			}
			if info, err := os.Stat(dir); err == nil {
				fs.ModifiedAt = info.ModTime().UTC()
			}
			out = append(out, fs)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	ae := chi.URLParam(r, "ae")
	n, err := s.sched.RetryAllFailed(ae)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ae_title": ae, "queued": n})
}

// --- review ---

func (s *Server) handleReviewList(w http.ResponseWriter, r *http.Request) {
	aeFilter := r.URL.Query().Get("ae")
	out := map[string]any{}
	for _, route := range s.cfg.Routes {
		if !route.Enabled || (aeFilter != "" && route.AETitle != aeFilter) {
			continue
		}
		gate := s.sched.Gate(route.AETitle)
		if gate == nil {
			continue
		}
		pending, err := gate.ListPending()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out[route.AETitle] = pending
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReviewApprove(w http.ResponseWriter, r *http.Request) {
	ae, id := chi.URLParam(r, "ae"), chi.URLParam(r, "id")
	gate := s.sched.Gate(ae)
	if gate == nil {
		writeError(w, http.StatusNotFound, "unknown route "+ae)
		return
	}
	var req struct {
		Reviewer string `json:"reviewer"`
		Notes    string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reviewer == "" {
		writeError(w, http.StatusBadRequest, "reviewer is required")
		return
	}
	if err := gate.Approve(id, req.Reviewer, req.Notes); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"review_id": id, "decision": "approved"})
}

func (s *Server) handleReviewReject(w http.ResponseWriter, r *http.Request) {
	ae, id := chi.URLParam(r, "ae"), chi.URLParam(r, "id")
	gate := s.sched.Gate(ae)
	if gate == nil {
		writeError(w, http.StatusNotFound, "unknown route "+ae)
		return
	}
	var req struct {
		Reviewer string `json:"reviewer"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reviewer == "" || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reviewer and reason are required")
		return
	}
	if err := gate.Reject(id, req.Reviewer, req.Reason); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"review_id": id, "decision": "rejected"})
}

// --- storage browse ---

type storageEntry struct {
	Name       string    `json:"name"`
	Dir        bool      `json:"dir"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// handleStorage lists a directory under the data root. Paths are cleaned and
// verified to stay inside the root; traversal attempts get 403.
func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	root, err := filepath.Abs(s.cfg.DataRoot)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rel := filepath.Clean(strings.TrimPrefix(r.URL.Query().Get("path"), "/"))
	if rel == "." {
		rel = ""
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		writeError(w, http.StatusForbidden, "path escapes data root")
		return
	}
	target := filepath.Join(root, rel)
	entries, err := os.ReadDir(target)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	out := make([]storageEntry, 0, len(entries))
	for _, e := range entries {
		se := storageEntry{Name: e.Name(), Dir: e.IsDir()}
		if info, err := e.Info(); err == nil {
			se.Size = info.Size()
			se.ModifiedAt = info.ModTime().UTC()
		}
		out = append(out, se)
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": rel, "entries": out})
}

// --- OCR ---

// handleOCRScan runs burned-in text detection over one study's instances.
func (s *Server) handleOCRScan(w http.ResponseWriter, r *http.Request) {
	if s.ocr == nil {
		writeError(w, http.StatusServiceUnavailable, "no OCR service configured")
		return
	}
	var req struct {
		AETitle  string `json:"ae_title"`
		StudyUID string `json:"study_uid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AETitle == "" || req.StudyUID == "" {
		writeError(w, http.StatusBadRequest, "ae_title and study_uid are required")
		return
	}
	dirs := s.sched.Dirs(req.AETitle)
	if dirs == nil {
		writeError(w, http.StatusNotFound, "unknown route "+req.AETitle)
		return
	}
	st, found := dirs.StateOf(req.StudyUID)
	if !found {
		writeError(w, http.StatusNotFound, "study not found")
		return
	}
	files, err := layout.StudyFiles(dirs.StudyDir(st, req.StudyUID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	results := map[string][]anon.Finding{}
	for _, f := range files {
		findings, err := s.ocr.DetectRegions(r.Context(), f)
		if err != nil {
			writeError(w, http.StatusBadGateway, fmt.Sprintf("%s: %v", filepath.Base(f), err))
			return
		}
		if len(findings) > 0 {
			results[filepath.Base(f)] = findings
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"study_uid": req.StudyUID, "findings": results})
}
