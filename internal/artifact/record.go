package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/defectscan/internal/scan"
	"github.com/local/defectscan/internal/storage"
)

// Final states written to the record.
const (
	StateFinished = "FINISHED"
	StateNoRange  = "NO_DEFECTS_FOUND"
	StateFailed   = "FAILED"
)

// DebugBatch is one classifier call as kept in the record.
type DebugBatch struct {
	BatchNum       int           `json:"batch_num"`
	Pages          []int         `json:"pages"`
	Attempts       int           `json:"attempts"`
	ElapsedSeconds float64       `json:"elapsed_seconds"`
	Verdict        *scan.Verdict `json:"verdict,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Record is the persisted FilterResult of one scan.
type Record struct {
	JobID            string       `json:"job_id,omitempty"`
	Source           string       `json:"source"`
	TotalPages       int          `json:"total_pages"`
	StartPage        *int         `json:"start_page"`
	EndPage          *int         `json:"end_page"`
	RelevantPages    []int        `json:"relevant_pages"`
	RelevantCount    int          `json:"relevant_count"`
	FSMFinalState    string       `json:"fsm_final_state"`
	Error            string       `json:"error,omitempty"`
	ElapsedSeconds   float64      `json:"elapsed_seconds"`
	CreatedAt        time.Time    `json:"created_at"`
	DebugSearchStart []DebugBatch `json:"debug_search_start"`
	DebugSearchEnd   []DebugBatch `json:"debug_search_end"`
	// Renders lists images of the relevant pages, when produced.
	Renders []string `json:"renders,omitempty"`
}

func round2(d time.Duration) float64 { return math.Round(d.Seconds()*100) / 100 }

func debugBatches(recs []scan.BatchRecord) []DebugBatch {
	out := make([]DebugBatch, 0, len(recs))
	for _, r := range recs {
		out = append(out, DebugBatch{
			BatchNum:       r.Seq,
			Pages:          r.Pages,
			Attempts:       r.Attempts,
			ElapsedSeconds: round2(r.Elapsed),
			Verdict:        r.Verdict,
			Error:          r.Error,
		})
	}
	return out
}

// NewRecord summarises an outcome. scanErr is the error Run returned, if any.
func NewRecord(jobID, source string, totalPages int, out *scan.Outcome, scanErr error, elapsed time.Duration) Record {
	rec := Record{
		JobID:            jobID,
		Source:           source,
		TotalPages:       totalPages,
		RelevantPages:    []int{},
		ElapsedSeconds:   round2(elapsed),
		CreatedAt:        time.Now().UTC(),
		DebugSearchStart: debugBatches(out.TraceFor(scan.PhaseSeekingStart)),
		DebugSearchEnd:   debugBatches(out.TraceFor(scan.PhaseSeekingEnd)),
	}
	switch out.Status {
	case scan.StatusDone:
		rec.FSMFinalState = StateFinished
		start, end := out.Result.StartPage, out.Result.EndPage
		rec.StartPage, rec.EndPage = &start, &end
		rec.RelevantPages = out.Result.RelevantPages
	case scan.StatusExhausted:
		rec.FSMFinalState = StateNoRange
	default:
		rec.FSMFinalState = StateFailed
		if scanErr != nil {
			rec.Error = scanErr.Error()
		}
	}
	rec.RelevantCount = len(rec.RelevantPages)
	return rec
}

// FileName is page_filter_<stem>_<timestamp>.json.
func (r Record) FileName() string {
	return fmt.Sprintf("page_filter_%s_%s.json", Stem(r.Source), r.CreatedAt.Format("20060102_150405"))
}

// SaveLocal writes the record as indented JSON into dir and returns its path.
func SaveLocal(dir string, r Record) (string, error) {
	if dir == "" {
		dir = filepath.Join("uploads", "results")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	p := filepath.Join(dir, r.FileName())
	if err := os.WriteFile(p, b, 0o644); err != nil {
		return "", err
	}
	log.Info().Str("path", p).Str("state", r.FSMFinalState).Msg("filter result saved")
	return p, nil
}

// Uploader is the subset of *storage.S3Client used for result upload.
type Uploader interface {
	ListNextVersion(ctx context.Context, baseKey string) (int, error)
	UploadFile(ctx context.Context, key string, data []byte, metadata *storage.FileMetadata) error
}

// Upload stores the record as <prefix>/page_filter_<stem>_v<N>.json and returns the key.
func Upload(ctx context.Context, up Uploader, prefix string, r Record) (string, error) {
	base := path.Join(prefix, "page_filter_"+Stem(r.Source))
	v, err := up.ListNextVersion(ctx, base)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("%s_v%d.json", base, v)
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	meta := &storage.FileMetadata{
		OriginalName: r.FileName(),
		ContentType:  "application/json",
		Metadata:     map[string]string{"job-id": r.JobID, "fsm-final-state": r.FSMFinalState},
	}
	if err := up.UploadFile(ctx, key, b, meta); err != nil {
		return "", err
	}
	return key, nil
}
