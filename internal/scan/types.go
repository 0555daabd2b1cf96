package scan

import (
	"context"
	"time"

	"github.com/local/defectscan/internal/corpus"
)

// Phase is the boundary currently being resolved.
type Phase string

const (
	PhaseInit         Phase = "INIT"
	PhaseSeekingStart Phase = "SEEKING_START"
	PhaseSeekingEnd   Phase = "SEEKING_END"
)

// Status is the lifecycle state of a scan. DONE, EXHAUSTED and FAILED are terminal.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusDone      Status = "DONE"
	StatusExhausted Status = "EXHAUSTED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusExhausted || s == StatusFailed
}

// State is owned by a single scan and mutated only by the scanner.
// StartPage and EndPage are 0 until resolved.
type State struct {
	Phase        Phase  `json:"phase"`
	Cursor       int    `json:"cursor"`
	StartPage    int    `json:"start_page,omitempty"`
	EndPage      int    `json:"end_page,omitempty"`
	PagesScanned int    `json:"pages_scanned"`
	LastScanned  int    `json:"last_scanned,omitempty"`
	Calls        int    `json:"calls"`
	Status       Status `json:"status"`
}

// Verdict is the classifier's answer for one batch. In SEEKING_START a found
// verdict names the first page of the defects table; in SEEKING_END it names
// the last one. Not found means "no start here" or "still continuing".
type Verdict struct {
	Found  bool   `json:"found"`
	Page   int    `json:"page,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Found builds a positive verdict.
func Found(page int) Verdict { return Verdict{Found: true, Page: page} }

// NotFound is the negative verdict.
var NotFound = Verdict{}

// Request is a single classification call.
type Request struct {
	JobID   string
	Seq     int // 1-based batch sequence within the phase
	Attempt int
	Phase   Phase
	Pages   []corpus.Page
	// Anchor is the resolved start page, set only in SEEKING_END.
	Anchor *corpus.Page
}

// Classifier answers whether a batch holds the boundary sought in a phase.
// Implementations may return a *TransientError (or context.DeadlineExceeded)
// for failures worth retrying; any other error is permanent.
type Classifier interface {
	Classify(ctx context.Context, req Request) (Verdict, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, req Request) (Verdict, error)

func (f ClassifierFunc) Classify(ctx context.Context, req Request) (Verdict, error) {
	return f(ctx, req)
}

// Result is the relevant page range. RelevantPages is ascending and bounded
// by [StartPage, EndPage].
type Result struct {
	StartPage     int   `json:"start_page"`
	EndPage       int   `json:"end_page"`
	RelevantPages []int `json:"relevant_pages"`
}

// BatchRecord is one line of the per-call debug trace.
type BatchRecord struct {
	Seq      int           `json:"batch_num"`
	Phase    Phase         `json:"phase"`
	Pages    []int         `json:"pages"`
	Attempts int           `json:"attempts"`
	Elapsed  time.Duration `json:"elapsed"`
	Verdict  *Verdict      `json:"verdict,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Outcome is everything a scan produced. Result is set only when Status is DONE.
type Outcome struct {
	Status Status        `json:"status"`
	Result *Result       `json:"result,omitempty"`
	State  State         `json:"state"`
	Trace  []BatchRecord `json:"trace"`
}

// Err maps non-DONE outcomes to an error value for callers that halt on them.
func (o *Outcome) Err() error {
	switch o.Status {
	case StatusDone:
		return nil
	case StatusExhausted:
		return ErrNoRelevantRange
	default:
		return ErrScanFailed
	}
}

// TraceFor filters the trace by phase.
func (o *Outcome) TraceFor(p Phase) []BatchRecord {
	var out []BatchRecord
	for _, r := range o.Trace {
		if r.Phase == p {
			out = append(out, r)
		}
	}
	return out
}
