package orchestrator

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/defectscan/internal/artifact"
	"github.com/local/defectscan/internal/corpus"
	"github.com/local/defectscan/internal/pdfdoc"
	"github.com/local/defectscan/internal/queue"
)

// handleScanUpload accepts an OCR text artifact or a PDF as multipart/form-data.
// Pages are parsed up front and kept in the page store so the worker never
// needs the upload itself; a PDF also stays on disk for page rendering.
func (o *Orchestrator) handleScanUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, o.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	maxPages, err1 := formInt(r, "max_pages")
	batchSize, err2 := formInt(r, "batch_size")
	if err1 != nil || err2 != nil {
		http.Error(w, "max_pages/batch_size must be integers", http.StatusBadRequest)
		return
	}
	if err := validOverrides(maxPages, batchSize); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	kind, err := artifact.Detect(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}

	name := filepath.Base(hdr.Filename)
	if name == "" || name == "." {
		name = "upload.txt"
	}
	job := queue.ScanJob{JobID: uuid.NewString(), MaxPages: maxPages, BatchSize: batchSize}
	source := "upload:" + name

	var c *corpus.Corpus
	switch kind {
	case artifact.KindPDF:
		localPath, err := o.saveUpload(job.JobID, name, data)
		if err != nil {
			log.Error().Err(err).Msg("cannot save upload")
			http.Error(w, "cannot save upload", http.StatusInternalServerError)
			return
		}
		job.PDF = localPath
		c, err = pdfdoc.Corpus(localPath)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
	default:
		c, err = corpus.Parse(string(data))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
	}

	if err := o.deps.Pages.SaveCorpus(r.Context(), job.JobID, source, c); err != nil {
		log.Error().Err(err).Str("job_id", job.JobID).Msg("page store unavailable")
		http.Error(w, "page store unavailable", http.StatusServiceUnavailable)
		return
	}
	if !o.submit(w, r, job, source) {
		return
	}
	writeJSON(w, http.StatusCreated, scanResp{
		Status:   "ok",
		JobID:    job.JobID,
		Message:  "Upload job created",
		Metadata: map[string]any{"source": source, "kind": string(kind), "total_pages": c.Len()},
	})
}

func (o *Orchestrator) saveUpload(jobID, name string, data []byte) (string, error) {
	if err := os.MkdirAll(o.cfg.UploadDir, 0o755); err != nil {
		return "", err
	}
	p := filepath.Join(o.cfg.UploadDir, fmt.Sprintf("%s_%s", jobID, name))
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", err
	}
	return p, nil
}

func formInt(r *http.Request, key string) (int, error) {
	v := strings.TrimSpace(r.FormValue(key))
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
