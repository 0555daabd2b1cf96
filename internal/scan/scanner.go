package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/local/defectscan/internal/corpus"
	mpkg "github.com/local/defectscan/internal/metrics"
)

// Config is the immutable scan policy. A Scanner copies it at construction.
type Config struct {
	BatchSize      int           // pages per classifier call
	MaxPages       int           // page ceiling; 0 = whole corpus
	RequestTimeout time.Duration // per attempt; 0 = bounded only by ctx
	MaxRetries     int           // extra attempts for transient failures
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryJitter    time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      5,
		RequestTimeout: 120 * time.Second,
		MaxRetries:     2,
		RetryBaseDelay: 2 * time.Second,
		RetryMaxDelay:  30 * time.Second,
		RetryJitter:    200 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	switch {
	case c.BatchSize < 1:
		return fmt.Errorf("batch size must be >= 1, got %d", c.BatchSize)
	case c.MaxPages < 0:
		return fmt.Errorf("max pages must be >= 0, got %d", c.MaxPages)
	case c.MaxRetries < 0:
		return fmt.Errorf("max retries must be >= 0, got %d", c.MaxRetries)
	case c.RequestTimeout < 0, c.RetryBaseDelay < 0, c.RetryMaxDelay < 0, c.RetryJitter < 0:
		return errors.New("durations must not be negative")
	}
	return nil
}

// CancelCheck is polled before every batch. Returning true stops the scan.
type CancelCheck func(ctx context.Context) (bool, error)

// Option customises a Scanner.
type Option func(*Scanner)

// WithJobID tags classifier requests and log lines.
func WithJobID(id string) Option { return func(s *Scanner) { s.jobID = id } }

// WithLogger replaces the global logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Scanner) { s.log = l } }

// WithCancelCheck installs an external cancellation hook.
func WithCancelCheck(f CancelCheck) Option { return func(s *Scanner) { s.cancelled = f } }

// WithProgress receives a copy of the state after every transition.
func WithProgress(f func(State)) Option { return func(s *Scanner) { s.progress = f } }

// Scanner drives a Classifier over a corpus to find the relevant page range.
// A Scanner keeps no per-run state; each Run owns its own State.
type Scanner struct {
	cfg       Config
	cls       Classifier
	jobID     string
	log       zerolog.Logger
	cancelled CancelCheck
	progress  func(State)
}

// New validates cfg and builds a Scanner.
func New(cfg Config, c Classifier, opts ...Option) (*Scanner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scan config: %w", err)
	}
	if c == nil {
		return nil, errors.New("scan: nil classifier")
	}
	s := &Scanner{cfg: cfg, cls: c, log: log.Logger}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("job_id", s.jobID).Logger()
	return s, nil
}

// run holds the state of one Run call.
type run struct {
	window  *corpus.Corpus
	state   State
	trace   []BatchRecord
	seq     map[Phase]int
	started time.Time
}

// Run scans c. DONE and EXHAUSTED return a nil error; FAILED returns a
// *ScanFailure alongside the outcome. Malformed input returns
// *corpus.InputFormatError before any classifier call.
func (s *Scanner) Run(ctx context.Context, c *corpus.Corpus) (*Outcome, error) {
	if c.Len() == 0 {
		return nil, &corpus.InputFormatError{Reason: "corpus has no pages"}
	}
	r := &run{
		window:  c.Head(s.cfg.MaxPages),
		state:   State{Phase: PhaseInit, Status: StatusRunning},
		seq:     map[Phase]int{},
		started: time.Now(),
	}
	r.state.Cursor = r.window.First()

	s.log.Info().
		Int("pages", c.Len()).
		Int("window", r.window.Len()).
		Int("batch_size", s.cfg.BatchSize).
		Msg("range scan started")

	for !r.state.Status.Terminal() {
		if err := s.checkpoint(ctx); err != nil {
			return s.fail(r, nil, 0, err)
		}
		if r.state.Phase == PhaseInit {
			r.state.Phase = PhaseSeekingStart
			s.report(r)
		}

		batch := r.window.Batch(r.state.Cursor, s.cfg.BatchSize)
		if len(batch) == 0 {
			s.exhaust(r)
			continue
		}

		v, attempts, err := s.classify(ctx, r, batch)
		if err != nil {
			return s.fail(r, batch, attempts, err)
		}
		s.apply(r, batch, v)
	}

	out := &Outcome{Status: r.state.Status, State: r.state, Trace: r.trace}
	if r.state.Status == StatusDone {
		out.Result = &Result{
			StartPage:     r.state.StartPage,
			EndPage:       r.state.EndPage,
			RelevantPages: r.window.Range(r.state.StartPage, r.state.EndPage),
		}
	}
	mpkg.ObserveScan(string(out.Status), time.Since(r.started))
	ev := s.log.Info().
		Str("status", string(out.Status)).
		Int("calls", r.state.Calls).
		Int("pages_scanned", r.state.PagesScanned).
		Dur("duration", time.Since(r.started))
	if out.Result != nil {
		ev = ev.Int("start_page", out.Result.StartPage).Int("end_page", out.Result.EndPage)
	}
	ev.Msg("range scan finished")
	return out, nil
}

// apply performs the transition for a successful verdict.
func (s *Scanner) apply(r *run, batch []corpus.Page, v Verdict) {
	last := batch[len(batch)-1].Number
	r.state.PagesScanned += len(batch)
	r.state.LastScanned = last
	mpkg.AddPagesScanned(string(r.state.Phase), len(batch))

	switch r.state.Phase {
	case PhaseSeekingStart:
		if v.Found {
			s.log.Info().Int("start_page", v.Page).Str("reason", v.Reason).Msg("start of defects table found")
			r.state.StartPage = v.Page
			r.state.Phase = PhaseSeekingEnd
			// the end may sit in this same batch, so phase 2 rescans from the start page
			r.state.Cursor = v.Page
		} else {
			r.state.Cursor = last + 1
		}
	case PhaseSeekingEnd:
		if v.Found {
			end, _ := r.window.Floor(v.Page)
			s.log.Info().Int("end_page", end).Str("reason", v.Reason).Msg("end of defects table found")
			r.state.EndPage = end
			r.state.Status = StatusDone
		} else {
			r.state.Cursor = last + 1
		}
	}
	s.report(r)
}

// exhaust handles running out of pages in the scanned region.
func (s *Scanner) exhaust(r *run) {
	switch r.state.Phase {
	case PhaseSeekingStart:
		s.log.Warn().Int("pages_scanned", r.state.PagesScanned).Msg("start of defects table not found")
		r.state.Status = StatusExhausted
	case PhaseSeekingEnd:
		// No explicit end: the table is taken to run to the last scanned page.
		s.log.Info().Int("end_page", r.state.LastScanned).Msg("region exhausted without explicit end")
		r.state.EndPage = r.state.LastScanned
		r.state.Status = StatusDone
	}
	s.report(r)
}

func (s *Scanner) fail(r *run, batch []corpus.Page, attempts int, err error) (*Outcome, error) {
	r.state.Status = StatusFailed
	s.report(r)
	f := &ScanFailure{State: r.state, Pages: corpus.Numbers(batch), Attempts: attempts, Err: err}
	mpkg.ObserveScan(string(StatusFailed), time.Since(r.started))
	s.log.Error().
		Err(err).
		Str("phase", string(r.state.Phase)).
		Int("cursor", r.state.Cursor).
		Ints("pages", f.Pages).
		Int("attempts", attempts).
		Msg("range scan failed")
	return &Outcome{Status: StatusFailed, State: r.state, Trace: r.trace}, f
}

func (s *Scanner) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.cancelled == nil {
		return nil
	}
	stop, err := s.cancelled(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("cancel check failed; continuing")
		return nil
	}
	if stop {
		return ErrCancelled
	}
	return nil
}

func (s *Scanner) report(r *run) {
	if s.progress != nil {
		s.progress(r.state)
	}
}

// classify sends one batch, retrying transient failures with the same batch
// and phase. It returns the validated verdict and the number of attempts.
func (s *Scanner) classify(ctx context.Context, r *run, batch []corpus.Page) (Verdict, int, error) {
	phase := r.state.Phase
	r.seq[phase]++
	req := Request{JobID: s.jobID, Seq: r.seq[phase], Phase: phase, Pages: batch}
	if phase == PhaseSeekingEnd {
		if p, ok := r.window.Page(r.state.StartPage); ok {
			req.Anchor = &p
		}
	}
	pages := corpus.Numbers(batch)
	started := time.Now()
	attempts := 0

	v, err := retry.DoWithData(
		func() (Verdict, error) {
			attempts++
			req.Attempt = attempts
			r.state.Calls++
			return s.attempt(ctx, r, req)
		},
		s.retryOptions(ctx, phase, pages)...,
	)
	// a verdict that lands after cancellation is discarded
	if cerr := ctx.Err(); cerr != nil {
		err = cerr
	}

	rec := BatchRecord{Seq: req.Seq, Phase: phase, Pages: pages, Attempts: attempts, Elapsed: time.Since(started)}
	if err != nil {
		rec.Error = err.Error()
	} else {
		vc := v
		rec.Verdict = &vc
	}
	r.trace = append(r.trace, rec)

	s.log.Debug().
		Str("phase", string(phase)).
		Int("batch", req.Seq).
		Ints("pages", pages).
		Int("attempts", attempts).
		Bool("found", v.Found).
		Int("page", v.Page).
		Msg("batch classified")
	return v, attempts, err
}

// attempt performs a single bounded classifier call and validates the verdict.
func (s *Scanner) attempt(ctx context.Context, r *run, req Request) (Verdict, error) {
	cctx := ctx
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	v, err := s.cls.Classify(cctx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return Verdict{}, Transient("timeout", err)
		}
		return Verdict{}, err
	}
	if err := validate(req, r.window, r.state.StartPage, v); err != nil {
		return Verdict{}, err
	}
	return v, nil
}

// validate rejects verdicts that point outside what the phase allows. A start
// page must lie inside the batch; an end page must lie between the start page
// and the last page of the batch.
func validate(req Request, window *corpus.Corpus, start int, v Verdict) error {
	if !v.Found {
		return nil
	}
	first, last := req.Pages[0].Number, req.Pages[len(req.Pages)-1].Number
	switch req.Phase {
	case PhaseSeekingStart:
		if v.Page < first || v.Page > last || !window.Has(v.Page) {
			return Malformed("start page %d outside batch %d-%d", v.Page, first, last)
		}
	case PhaseSeekingEnd:
		if v.Page < start || v.Page > last {
			return Malformed("end page %d outside %d-%d", v.Page, start, last)
		}
	}
	return nil
}

func (s *Scanner) retryOptions(ctx context.Context, phase Phase, pages []int) []retry.Option {
	delay := retry.DelayType(retry.BackOffDelay)
	if s.cfg.RetryJitter > 0 {
		delay = retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay))
	}
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(s.cfg.MaxRetries + 1)),
		retry.Delay(s.cfg.RetryBaseDelay),
		retry.MaxDelay(s.cfg.RetryMaxDelay),
		retry.MaxJitter(s.cfg.RetryJitter),
		delay,
		retry.LastErrorOnly(true),
		retry.RetryIf(IsTransient),
		retry.OnRetry(func(n uint, err error) {
			if int(n) >= s.cfg.MaxRetries || !IsTransient(err) {
				return
			}
			mpkg.IncRetry(string(phase))
			s.log.Warn().
				Err(err).
				Str("phase", string(phase)).
				Ints("pages", pages).
				Uint("attempt", n+1).
				Msg("transient classifier failure - retrying batch")
		}),
	}
}
