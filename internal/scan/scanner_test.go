package scan

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/local/defectscan/internal/corpus"
)

// scripted is a deterministic Classifier driven by per-phase functions.
type scripted struct {
	mu    sync.Mutex
	start func(req Request) (Verdict, error)
	end   func(req Request) (Verdict, error)
	reqs  []Request
}

func (s *scripted) Classify(ctx context.Context, req Request) (Verdict, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	fn := s.start
	if req.Phase == PhaseSeekingEnd {
		fn = s.end
	}
	if fn == nil {
		return NotFound, nil
	}
	return fn(req)
}

func (s *scripted) calls(p Phase) []Request {
	var out []Request
	for _, r := range s.reqs {
		if r.Phase == p {
			out = append(out, r)
		}
	}
	return out
}

// foundAt answers Found(p) for the batch that contains p.
func foundAt(p int) func(Request) (Verdict, error) {
	return func(req Request) (Verdict, error) {
		for _, pg := range req.Pages {
			if pg.Number == p {
				return Found(p), nil
			}
		}
		return NotFound, nil
	}
}

// onCall answers v on the n-th call (1-based) of its phase, NotFound otherwise.
func onCall(n int, v Verdict) func(Request) (Verdict, error) {
	return func(req Request) (Verdict, error) {
		if req.Seq == n {
			return v, nil
		}
		return NotFound, nil
	}
}

func pages(n int) *corpus.Corpus {
	ps := make([]corpus.Page, n)
	for i := range ps {
		ps[i] = corpus.Page{Number: i + 1, Text: "text"}
	}
	c, err := corpus.New(ps)
	if err != nil {
		panic(err)
	}
	return c
}

func testConfig(batch int) Config {
	return Config{BatchSize: batch, MaxRetries: 2, RetryBaseDelay: time.Millisecond}
}

func mustScanner(t *testing.T, cfg Config, c Classifier, opts ...Option) *Scanner {
	t.Helper()
	s, err := New(cfg, c, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestScenarioStartAndEndInConsecutiveBatches(t *testing.T) {
	cls := &scripted{start: onCall(2, Found(7)), end: onCall(1, Found(11))}
	out, err := mustScanner(t, testConfig(5), cls).Run(context.Background(), pages(20))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := &Result{StartPage: 7, EndPage: 11, RelevantPages: []int{7, 8, 9, 10, 11}}
	if out.Status != StatusDone || !reflect.DeepEqual(out.Result, want) {
		t.Fatalf("got %s %+v, want %+v", out.Status, out.Result, want)
	}
	ends := cls.calls(PhaseSeekingEnd)
	if len(ends) != 1 {
		t.Fatalf("expected one end call, got %d", len(ends))
	}
	if got := corpus.Numbers(ends[0].Pages); !reflect.DeepEqual(got, []int{7, 8, 9, 10, 11}) {
		t.Errorf("end batch scanned from reset cursor = %v", got)
	}
	if ends[0].Anchor == nil || ends[0].Anchor.Number != 7 {
		t.Errorf("end request should carry start page as anchor, got %+v", ends[0].Anchor)
	}
}

func TestScenarioNoStartIsExhausted(t *testing.T) {
	cls := &scripted{}
	out, err := mustScanner(t, testConfig(5), cls).Run(context.Background(), pages(10))
	if err != nil {
		t.Fatalf("exhaustion is not an error, got %v", err)
	}
	if out.Status != StatusExhausted || out.Result != nil {
		t.Fatalf("got %s %+v", out.Status, out.Result)
	}
	if !errors.Is(out.Err(), ErrNoRelevantRange) {
		t.Errorf("Err() = %v", out.Err())
	}
	if len(cls.reqs) != 2 {
		t.Errorf("expected 2 calls, got %d", len(cls.reqs))
	}
}

func TestScenarioRetryBudgetExhausted(t *testing.T) {
	cls := &scripted{start: func(Request) (Verdict, error) {
		return Verdict{}, Transient("timeout", context.DeadlineExceeded)
	}}
	cfg := testConfig(5)
	cfg.MaxRetries = 2
	out, err := mustScanner(t, cfg, cls).Run(context.Background(), pages(20))

	var f *ScanFailure
	if !errors.As(err, &f) {
		t.Fatalf("expected ScanFailure, got %v", err)
	}
	if !errors.Is(err, ErrScanFailed) || !IsTransient(err) {
		t.Errorf("failure should match ErrScanFailed and keep the transient cause: %v", err)
	}
	if f.State.Phase != PhaseSeekingStart || f.State.Status != StatusFailed {
		t.Errorf("state = %+v", f.State)
	}
	if !reflect.DeepEqual(f.Pages, []int{1, 2, 3, 4, 5}) || f.Attempts != 3 {
		t.Errorf("pages=%v attempts=%d", f.Pages, f.Attempts)
	}
	if out == nil || out.Result != nil || out.Status != StatusFailed {
		t.Errorf("outcome = %+v", out)
	}
	if len(cls.reqs) != 3 {
		t.Errorf("expected 3 attempts, got %d", len(cls.reqs))
	}
	for _, r := range cls.reqs {
		if r.Seq != 1 || r.Pages[0].Number != 1 {
			t.Errorf("retry must reuse the same batch, got seq=%d first=%d", r.Seq, r.Pages[0].Number)
		}
	}
}

// Running out of pages without an explicit end is a success: the table is
// taken to continue to the last scanned page (recall over precision).
func TestScenarioEndRunsToLastScannedPage(t *testing.T) {
	cls := &scripted{start: foundAt(5)}
	out, err := mustScanner(t, testConfig(5), cls).Run(context.Background(), pages(20))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != StatusDone || out.Result.StartPage != 5 || out.Result.EndPage != 20 {
		t.Fatalf("got %s %+v", out.Status, out.Result)
	}
	if len(out.Result.RelevantPages) != 16 {
		t.Errorf("relevant pages = %v", out.Result.RelevantPages)
	}
}

func TestEndInSameBatchAsStart(t *testing.T) {
	cls := &scripted{start: foundAt(3), end: foundAt(4)}
	out, err := mustScanner(t, testConfig(5), cls).Run(context.Background(), pages(20))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []int{3, 4}
	if !reflect.DeepEqual(out.Result.RelevantPages, want) {
		t.Fatalf("relevant = %v, want %v", out.Result.RelevantPages, want)
	}
	if len(cls.calls(PhaseSeekingStart)) != 1 || len(cls.calls(PhaseSeekingEnd)) != 1 {
		t.Errorf("calls start=%d end=%d", len(cls.calls(PhaseSeekingStart)), len(cls.calls(PhaseSeekingEnd)))
	}
}

func TestStartCallCountIsCeil(t *testing.T) {
	for n := 1; n <= 23; n++ {
		for b := 1; b <= 7; b++ {
			cls := &scripted{}
			out, err := mustScanner(t, testConfig(b), cls).Run(context.Background(), pages(n))
			if err != nil {
				t.Fatalf("n=%d b=%d: %v", n, b, err)
			}
			want := (n + b - 1) / b
			if got := len(cls.calls(PhaseSeekingStart)); got != want {
				t.Errorf("n=%d b=%d: start calls = %d, want %d", n, b, got, want)
			}
			if out.State.PagesScanned != n {
				t.Errorf("n=%d b=%d: scanned %d pages", n, b, out.State.PagesScanned)
			}
		}
	}
}

func TestPageCeilingActsAsExhaustion(t *testing.T) {
	cfg := testConfig(4)
	cfg.MaxPages = 10
	cls := &scripted{}
	out, err := mustScanner(t, cfg, cls).Run(context.Background(), pages(50))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != StatusExhausted || out.State.PagesScanned != 10 || len(cls.reqs) != 3 {
		t.Fatalf("status=%s scanned=%d calls=%d", out.Status, out.State.PagesScanned, len(cls.reqs))
	}

	cls = &scripted{start: foundAt(6)}
	out, err = mustScanner(t, cfg, cls).Run(context.Background(), pages(50))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Result.EndPage != 10 {
		t.Errorf("end page at ceiling = %d, want 10", out.Result.EndPage)
	}
}

func TestCursorMonotonicWithSingleReset(t *testing.T) {
	cls := &scripted{start: foundAt(13)}
	if _, err := mustScanner(t, testConfig(4), cls).Run(context.Background(), pages(30)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	resets := 0
	prev := 0
	var prevPhase Phase
	for _, r := range cls.reqs {
		first := r.Pages[0].Number
		if r.Phase != prevPhase && prevPhase != "" {
			resets++
			if first != 13 {
				t.Errorf("phase 2 should start at the start page, got %d", first)
			}
		} else if first < prev {
			t.Errorf("cursor went back from %d to %d in %s", prev, first, r.Phase)
		}
		prev, prevPhase = first, r.Phase
	}
	if resets != 1 {
		t.Errorf("expected exactly one reset, got %d", resets)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	run := func() *Outcome {
		cls := &scripted{start: foundAt(8), end: onCall(4, Found(17))}
		out, err := mustScanner(t, testConfig(3), cls).Run(context.Background(), pages(25))
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return out
	}
	a, b := run(), run()
	if !reflect.DeepEqual(a.Result, b.Result) || !reflect.DeepEqual(a.State, b.State) {
		t.Fatalf("replay differs: %+v vs %+v", a.Result, b.Result)
	}
}

func TestRelevantPagesSkipGaps(t *testing.T) {
	c, _ := corpus.New([]corpus.Page{{Number: 1}, {Number: 2}, {Number: 3}, {Number: 6}, {Number: 7}, {Number: 8}})
	cls := &scripted{start: foundAt(2), end: foundAt(7)}
	out, err := mustScanner(t, testConfig(5), cls).Run(context.Background(), c)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := []int{2, 3, 6, 7}; !reflect.DeepEqual(out.Result.RelevantPages, want) {
		t.Errorf("relevant = %v, want %v", out.Result.RelevantPages, want)
	}
	for _, r := range cls.reqs {
		ns := corpus.Numbers(r.Pages)
		for i := 1; i < len(ns); i++ {
			if ns[i] != ns[i-1]+1 {
				t.Errorf("batch %v spans a gap", ns)
			}
		}
	}
}

func TestTransientFailureRecovers(t *testing.T) {
	n := 0
	cls := &scripted{start: func(req Request) (Verdict, error) {
		n++
		if n == 1 {
			return Verdict{}, Malformed("empty body")
		}
		return foundAt(2)(req)
	}, end: foundAt(3)}
	out, err := mustScanner(t, testConfig(5), cls).Run(context.Background(), pages(5))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Result.StartPage != 2 || out.Trace[0].Attempts != 2 {
		t.Errorf("result=%+v trace=%+v", out.Result, out.Trace[0])
	}
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	boom := errors.New("service unavailable")
	cls := &scripted{start: func(Request) (Verdict, error) { return Verdict{}, boom }}
	_, err := mustScanner(t, testConfig(5), cls).Run(context.Background(), pages(10))
	var f *ScanFailure
	if !errors.As(err, &f) || !errors.Is(err, boom) {
		t.Fatalf("expected ScanFailure wrapping boom, got %v", err)
	}
	if f.Attempts != 1 || len(cls.reqs) != 1 {
		t.Errorf("attempts=%d calls=%d", f.Attempts, len(cls.reqs))
	}
}

func TestVerdictOutsideRangeIsRetried(t *testing.T) {
	calls := 0
	cls := &scripted{start: func(req Request) (Verdict, error) {
		calls++
		if calls == 1 {
			return Found(99), nil
		}
		return Found(1), nil
	}, end: foundAt(1)}
	out, err := mustScanner(t, testConfig(5), cls).Run(context.Background(), pages(5))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Result.StartPage != 1 || calls != 2 {
		t.Errorf("start=%d calls=%d", out.Result.StartPage, calls)
	}
}

// A verdict naming a page the batch did not contain is malformed: the same
// batch is sent again and the scan never skips unclassified pages.
func TestVerdictOutsideBatchIsMalformed(t *testing.T) {
	cases := []struct {
		name  string
		cls   *scripted
		phase Phase
		batch []int
		want  Result
	}{
		{
			name: "start beyond batch",
			cls: &scripted{start: func(req Request) (Verdict, error) {
				if req.Seq == 1 && req.Attempt == 1 {
					return Found(9), nil
				}
				return foundAt(9)(req)
			}, end: foundAt(10)},
			phase: PhaseSeekingStart,
			batch: []int{1, 2, 3, 4, 5},
			want:  Result{StartPage: 9, EndPage: 10, RelevantPages: []int{9, 10}},
		},
		{
			name: "end beyond batch",
			cls: &scripted{start: foundAt(3), end: func(req Request) (Verdict, error) {
				if req.Seq == 1 && req.Attempt == 1 {
					return Found(18), nil
				}
				return foundAt(5)(req)
			}},
			phase: PhaseSeekingEnd,
			batch: []int{3, 4, 5, 6, 7},
			want:  Result{StartPage: 3, EndPage: 5, RelevantPages: []int{3, 4, 5}},
		},
		{
			name: "end below start",
			cls: &scripted{start: foundAt(8), end: func(req Request) (Verdict, error) {
				if req.Seq == 1 && req.Attempt == 1 {
					return Found(7), nil
				}
				return foundAt(9)(req)
			}},
			phase: PhaseSeekingEnd,
			batch: []int{8, 9, 10, 11, 12},
			want:  Result{StartPage: 8, EndPage: 9, RelevantPages: []int{8, 9}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := mustScanner(t, testConfig(5), tc.cls).Run(context.Background(), pages(20))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if out.Status != StatusDone || !reflect.DeepEqual(*out.Result, tc.want) {
				t.Fatalf("got %s %+v, want %+v", out.Status, out.Result, tc.want)
			}
			reqs := tc.cls.calls(tc.phase)
			if len(reqs) < 2 {
				t.Fatalf("expected a retry, got %d %s calls", len(reqs), tc.phase)
			}
			for _, r := range reqs[:2] {
				if got := corpus.Numbers(r.Pages); r.Seq != 1 || !reflect.DeepEqual(got, tc.batch) {
					t.Errorf("retry must resend batch %v, got seq=%d pages=%v", tc.batch, r.Seq, got)
				}
			}
		})
	}
}

func TestVerdictOutsideBatchExhaustsRetries(t *testing.T) {
	cls := &scripted{start: func(Request) (Verdict, error) { return Found(9), nil }}
	_, err := mustScanner(t, testConfig(5), cls).Run(context.Background(), pages(20))
	var f *ScanFailure
	if !errors.As(err, &f) {
		t.Fatalf("expected ScanFailure, got %v", err)
	}
	if !IsTransient(f.Err) || f.Attempts != 3 || !reflect.DeepEqual(f.Pages, []int{1, 2, 3, 4, 5}) {
		t.Errorf("attempts=%d pages=%v err=%v", f.Attempts, f.Pages, f.Err)
	}
	if f.State.StartPage != 0 {
		t.Errorf("start page must not be set, got %d", f.State.StartPage)
	}
}

func TestRequestTimeoutIsTransient(t *testing.T) {
	slow := ClassifierFunc(func(ctx context.Context, req Request) (Verdict, error) {
		<-ctx.Done()
		return Verdict{}, ctx.Err()
	})
	cfg := testConfig(5)
	cfg.RequestTimeout = 5 * time.Millisecond
	cfg.MaxRetries = 1
	_, err := mustScanner(t, cfg, slow).Run(context.Background(), pages(5))
	var f *ScanFailure
	if !errors.As(err, &f) {
		t.Fatalf("expected ScanFailure, got %v", err)
	}
	if f.Attempts != 2 || !IsTransient(f.Err) {
		t.Errorf("attempts=%d err=%v", f.Attempts, f.Err)
	}
}

func TestCancelCheckStopsBetweenBatches(t *testing.T) {
	cls := &scripted{}
	checks := 0
	cancel := func(context.Context) (bool, error) {
		checks++
		return checks > 2, nil
	}
	out, err := mustScanner(t, testConfig(5), cls, WithCancelCheck(cancel)).Run(context.Background(), pages(50))
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if len(cls.reqs) != 2 || out.State.Cursor != 11 {
		t.Errorf("calls=%d cursor=%d", len(cls.reqs), out.State.Cursor)
	}
}

func TestCancelledContextDiscardsLateVerdict(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cls := ClassifierFunc(func(context.Context, Request) (Verdict, error) {
		cancel()
		return Found(1), nil
	})
	out, err := mustScanner(t, testConfig(5), cls).Run(ctx, pages(5))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if out.State.StartPage != 0 {
		t.Errorf("late verdict must not change state, got start=%d", out.State.StartPage)
	}
}

func TestProgressReportsTransitions(t *testing.T) {
	var states []State
	cls := &scripted{start: foundAt(2), end: foundAt(4)}
	_, err := mustScanner(t, testConfig(5), cls, WithProgress(func(s State) { states = append(states, s) })).
		Run(context.Background(), pages(10))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("states = %+v", states)
	}
	if states[0].Phase != PhaseSeekingStart || states[0].Status != StatusRunning || states[0].Calls != 0 {
		t.Errorf("first report should announce the start search, got %+v", states[0])
	}
	if states[1].Phase != PhaseSeekingEnd || states[2].Status != StatusDone {
		t.Errorf("states = %+v", states)
	}
}

func TestEmptyCorpusFailsFast(t *testing.T) {
	cls := &scripted{}
	c, _ := corpus.New(nil)
	_, err := mustScanner(t, testConfig(5), cls).Run(context.Background(), c)
	var fe *corpus.InputFormatError
	if !errors.As(err, &fe) || len(cls.reqs) != 0 {
		t.Fatalf("expected InputFormatError without calls, got %v (%d calls)", err, len(cls.reqs))
	}
}

func TestConfigValidation(t *testing.T) {
	bad := []Config{
		{BatchSize: 0},
		{BatchSize: 5, MaxPages: -1},
		{BatchSize: 5, MaxRetries: -1},
		{BatchSize: 5, RequestTimeout: -time.Second},
	}
	for _, cfg := range bad {
		if _, err := New(cfg, &scripted{}); err == nil {
			t.Errorf("expected error for %+v", cfg)
		}
	}
	if _, err := New(DefaultConfig(), nil); err == nil {
		t.Error("expected error for nil classifier")
	}
}
