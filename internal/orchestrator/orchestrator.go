// Package orchestrator exposes the HTTP API for submitting range scans and
// following their progress.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/defectscan/internal/corpus"
	mpkg "github.com/local/defectscan/internal/metrics"
	"github.com/local/defectscan/internal/queue"
	"github.com/local/defectscan/internal/statuscheck"
	"github.com/local/defectscan/internal/store"
)

type Queue interface {
	EnqueueScan(ctx context.Context, job queue.ScanJob) error
	CancelJob(ctx context.Context, jobID string) error
}

type StatusStore interface {
	Set(ctx context.Context, jobID string, st store.Status) error
	Get(ctx context.Context, jobID string) (store.Status, bool, error)
}

type PageStore interface {
	SaveCorpus(ctx context.Context, jobID, source string, c *corpus.Corpus) error
}

type ResultStore interface {
	Get(ctx context.Context, jobID string) (json.RawMessage, bool, error)
}

type HealthChecker interface {
	Summary(ctx context.Context) statuscheck.Summary
}

type Dependencies struct {
	Queue   Queue
	Status  StatusStore
	Pages   PageStore
	Results ResultStore
	Health  HealthChecker
}

type Config struct {
	// UploadDir receives PDFs posted to the upload endpoint.
	UploadDir string
	// Bucket turns bare object keys into s3:// references.
	Bucket string
	// MaxUploadBytes bounds multipart uploads; 0 means 64 MiB.
	MaxUploadBytes int64
}

type Orchestrator struct {
	cfg  Config
	deps Dependencies
}

func New(cfg Config, deps Dependencies) *Orchestrator {
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 64 << 20
	}
	return &Orchestrator{cfg: cfg, deps: deps}
}

func (o *Orchestrator) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", mpkg.Handler())
	mux.HandleFunc("/status", o.handleStatus)
	mux.HandleFunc("/scan_ranges", o.handleScan)
	mux.HandleFunc("/scan_ranges_upload", o.handleScanUpload)
	mux.HandleFunc("/progress/", o.handleProgress)
	mux.HandleFunc("/result/", o.handleResult)
	mux.HandleFunc("/webhook/cancel_job", o.handleCancelJob)
}

type scanReq struct {
	Source    string `json:"source"`
	FilePath  string `json:"file_path"`
	PDF       string `json:"pdf,omitempty"`
	MaxPages  int    `json:"max_pages,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
}

type scanResp struct {
	Status   string         `json:"status"`
	JobID    string         `json:"job_id"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// normalizeRef turns a bare object key into s3://bucket/key when a bucket is configured.
func (o *Orchestrator) normalizeRef(ref string) string {
	if ref == "" || o.cfg.Bucket == "" {
		return ref
	}
	for _, p := range []string{"s3://", "http://", "https://", "file://", "/"} {
		if strings.HasPrefix(ref, p) {
			return ref
		}
	}
	return fmt.Sprintf("s3://%s/%s", o.cfg.Bucket, ref)
}

func validOverrides(maxPages, batchSize int) error {
	if maxPages < 0 {
		return fmt.Errorf("max_pages must be >= 0")
	}
	if batchSize < 0 {
		return fmt.Errorf("batch_size must be >= 0")
	}
	return nil
}

func (o *Orchestrator) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var req scanReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	source := req.Source
	if source == "" {
		source = req.FilePath
	}
	if source == "" {
		http.Error(w, "missing source/file_path", http.StatusBadRequest)
		return
	}
	if err := validOverrides(req.MaxPages, req.BatchSize); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job := queue.ScanJob{
		JobID:     uuid.NewString(),
		Source:    o.normalizeRef(source),
		PDF:       o.normalizeRef(req.PDF),
		MaxPages:  req.MaxPages,
		BatchSize: req.BatchSize,
	}
	if !o.submit(w, r, job, job.Source) {
		return
	}
	writeJSON(w, http.StatusCreated, scanResp{
		Status:   "ok",
		JobID:    job.JobID,
		Message:  "Range scan job created successfully",
		Metadata: map[string]any{"source": job.Source, "timestamp": time.Now().Format(time.RFC3339)},
	})
}

// submit records the queued status and enqueues job. It writes the error
// response itself and reports whether the caller may continue.
func (o *Orchestrator) submit(w http.ResponseWriter, r *http.Request, job queue.ScanJob, source string) bool {
	start := time.Now().UTC()
	meta := map[string]any{"source": source}
	if job.PDF != "" {
		meta["pdf"] = job.PDF
	}
	_ = o.deps.Status.Set(r.Context(), job.JobID, store.Status{
		Status: store.StatusQueued, Message: "queued", Start: &start, Metadata: meta,
	})
	if err := o.deps.Queue.EnqueueScan(r.Context(), job); err != nil {
		log.Error().Err(err).Str("job_id", job.JobID).Msg("enqueue failed")
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return false
	}
	log.Info().Str("job_id", job.JobID).Str("source", source).Int("max_pages", job.MaxPages).Msg("job created")
	return true
}

func (o *Orchestrator) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/progress/")
	if id == "" {
		http.Error(w, "missing job id", http.StatusBadRequest)
		return
	}
	st, ok, err := o.deps.Status.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       st.Status == "DONE" || st.Status == "EXHAUSTED",
		"job_id":        id,
		"status":        st.Status,
		"phase":         st.Phase,
		"pages_scanned": st.PagesScanned,
		"start_page":    st.StartPage,
		"end_page":      st.EndPage,
		"message":       st.Message,
		"start_time":    st.Start,
		"end_time":      st.End,
	})
}

func (o *Orchestrator) handleResult(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/result/")
	if id == "" {
		http.Error(w, "missing job id", http.StatusBadRequest)
		return
	}
	raw, ok, err := o.deps.Results.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "error", http.StatusInternalServerError)
		return
	}
	if !ok {
		if st, found, _ := o.deps.Status.Get(r.Context(), id); found {
			http.Error(w, "not ready: "+st.Status, http.StatusAccepted)
			return
		}
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

type cancelReq struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

func (o *Orchestrator) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req cancelReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.JobID == "" {
		http.Error(w, "missing job_id", http.StatusBadRequest)
		return
	}
	if err := o.deps.Queue.CancelJob(r.Context(), req.JobID); err != nil {
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	st, ok, _ := o.deps.Status.Get(r.Context(), req.JobID)
	if !ok {
		st = store.Status{}
	}
	st.Status = store.StatusCancelled
	if req.Reason != "" {
		st.Message = fmt.Sprintf("Cancelled: %s", req.Reason)
	} else {
		st.Message = "Cancelled"
	}
	now := time.Now().UTC()
	st.End = &now
	_ = o.deps.Status.Set(r.Context(), req.JobID, st)
	log.Info().Str("job_id", req.JobID).Str("reason", req.Reason).Msg("job cancelled")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job_id": req.JobID, "status": st.Status})
}

func (o *Orchestrator) handleStatus(w http.ResponseWriter, r *http.Request) {
	if o.deps.Health == nil {
		http.Error(w, "health checks not configured", http.StatusNotImplemented)
		return
	}
	writeJSON(w, http.StatusOK, o.deps.Health.Summary(r.Context()))
}
