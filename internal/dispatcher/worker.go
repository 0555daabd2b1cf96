package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/defectscan/internal/artifact"
	"github.com/local/defectscan/internal/corpus"
	mpkg "github.com/local/defectscan/internal/metrics"
	"github.com/local/defectscan/internal/pdfdoc"
	"github.com/local/defectscan/internal/queue"
	"github.com/local/defectscan/internal/scan"
	"github.com/local/defectscan/internal/store"
)

// Queue is the job source. *queue.RedisQueue satisfies it.
type Queue interface {
	DequeueScan(ctx context.Context, consumer string, timeout time.Duration) (string, *queue.ScanJob, error)
	Ack(ctx context.Context, msgID string) error
	IsCancelled(ctx context.Context, jobID string) (bool, error)
	AddDLQ(ctx context.Context, job queue.ScanJob, reason string) error
	EnqueueDelayed(ctx context.Context, job queue.ScanJob, executeAt time.Time) error
	IsIdemDone(ctx context.Context, key string) (bool, error)
	MarkIdemDone(ctx context.Context, key string, ttl time.Duration) error
	Depths(ctx context.Context) (int64, int64, int64, error)
}

// PageStore keeps job corpora between submission and scan.
type PageStore interface {
	SaveCorpus(ctx context.Context, jobID, source string, c *corpus.Corpus) error
	LoadCorpus(ctx context.Context, jobID string) (*corpus.Corpus, string, bool, error)
}

type StatusStore interface {
	Set(ctx context.Context, jobID string, st store.Status) error
}

type ResultStore interface {
	Save(ctx context.Context, jobID string, v any) error
}

type Loader interface {
	LoadCorpus(ctx context.Context, ref string) (*corpus.Corpus, artifact.Kind, error)
}

// Deps wires the worker. Only Classifier and Loader are required; the
// Redis-backed parts are skipped when nil so the CLI can reuse Process.
type Deps struct {
	Queue      Queue
	Pages      PageStore
	Status     StatusStore
	Results    ResultStore
	Loader     Loader
	Classifier scan.Classifier
	Uploader   artifact.Uploader
}

type Config struct {
	Concurrency    int
	Consumer       string
	ScanTimeout    time.Duration
	JobMaxAttempts int
	RequeueDelay   time.Duration
	IdemTTL        time.Duration
	Scan           scan.Config
	ResultDir      string
	ResultPrefix   string
	RenderDir      string
	Render         pdfdoc.RenderOptions
}

// ErrJobCancelled is returned by Process for jobs cancelled before or during the scan.
var ErrJobCancelled = errors.New("job cancelled")

type Worker struct {
	cfg  Config
	deps Deps
	stop chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Worker, error) {
	if deps.Classifier == nil || deps.Loader == nil {
		return nil, errors.New("dispatcher: classifier and loader are required")
	}
	if err := cfg.Scan.Validate(); err != nil {
		return nil, err
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker"
	}
	if cfg.JobMaxAttempts <= 0 {
		cfg.JobMaxAttempts = 1
	}
	if cfg.IdemTTL <= 0 {
		cfg.IdemTTL = 7 * 24 * time.Hour
	}
	return &Worker{cfg: cfg, deps: deps, stop: make(chan struct{})}, nil
}

// Start launches the worker loops and the queue depth monitor.
func (w *Worker) Start() {
	if w.deps.Queue == nil {
		return
	}
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(i)
	}
	w.wg.Add(1)
	go w.monitorDepths(15 * time.Second)
}

// Stop signals the loops and waits for in-flight jobs or ctx.
func (w *Worker) Stop(ctx context.Context) error {
	close(w.stop)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop(id int) {
	defer w.wg.Done()
	consumer := fmt.Sprintf("%s-%d", w.cfg.Consumer, id)
	log.Info().Int("worker", id).Msg("dispatcher worker started")
	for {
		select {
		case <-w.stop:
			log.Info().Int("worker", id).Msg("dispatcher worker stopped")
			return
		default:
		}

		msgID, job, err := w.deps.Queue.DequeueScan(context.Background(), consumer, 2*time.Second)
		if err != nil {
			log.Error().Err(err).Msg("queue dequeue error")
			if msgID != "" {
				// undecodable payload, nothing to retry
				_ = w.deps.Queue.Ack(context.Background(), msgID)
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if job == nil {
			continue
		}
		w.handle(msgID, *job)
	}
}

func (w *Worker) monitorDepths(every time.Duration) {
	defer w.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			stream, delayed, dlq, err := w.deps.Queue.Depths(ctx)
			cancel()
			if err != nil {
				continue
			}
			mpkg.SetQueueDepth("stream", stream)
			mpkg.SetQueueDepth("delayed", delayed)
			mpkg.SetQueueDepth("dlq", dlq)
		}
	}
}

// handle runs one job and settles its message: ack, requeue or DLQ.
func (w *Worker) handle(msgID string, job queue.ScanJob) {
	ctx := context.Background()
	q := w.deps.Queue
	defer func() { _ = q.Ack(ctx, msgID) }()

	if done, _ := q.IsIdemDone(ctx, job.JobID); done {
		log.Info().Str("job_id", job.JobID).Msg("job already completed; skipping redelivery")
		return
	}

	rec, err := w.Process(ctx, job)
	switch {
	case err == nil:
		_ = q.MarkIdemDone(ctx, job.JobID, w.cfg.IdemTTL)
		mpkg.IncJob(strings.ToLower(rec.FSMFinalState))
	case errors.Is(err, ErrJobCancelled):
		mpkg.IncJob("cancelled")
	case !retryable(err) || job.Attempt+1 >= w.cfg.JobMaxAttempts:
		if derr := q.AddDLQ(ctx, job, err.Error()); derr != nil {
			log.Error().Err(derr).Str("job_id", job.JobID).Msg("failed to push job to DLQ")
		}
		mpkg.IncJob("failed")
	default:
		next := job
		next.Attempt++
		at := time.Now().Add(w.cfg.RequeueDelay)
		if rerr := q.EnqueueDelayed(ctx, next, at); rerr != nil {
			log.Error().Err(rerr).Str("job_id", job.JobID).Msg("failed to requeue job")
			_ = q.AddDLQ(ctx, job, err.Error())
			mpkg.IncJob("failed")
			return
		}
		log.Warn().Err(err).Str("job_id", job.JobID).Int("attempt", next.Attempt).Time("execute_at", at).Msg("job requeued")
		mpkg.IncJob("requeued")
	}
}

// retryable reports whether a whole-job retry may help: the classifier
// stayed unavailable past the batch retry budget, or the artifact could not
// be fetched. Bad input never is.
func retryable(err error) bool {
	var ife *corpus.InputFormatError
	if errors.As(err, &ife) {
		return false
	}
	var sf *scan.ScanFailure
	if errors.As(err, &sf) {
		return scan.IsTransient(sf.Err)
	}
	return true
}

// Process runs the scan for one job and persists its record. A nil error
// means the scan reached DONE or EXHAUSTED.
func (w *Worker) Process(ctx context.Context, job queue.ScanJob) (artifact.Record, error) {
	logger := log.With().Str("job_id", job.JobID).Logger()
	started := time.Now()

	if w.deps.Queue != nil {
		if cancelled, _ := w.deps.Queue.IsCancelled(ctx, job.JobID); cancelled {
			logger.Warn().Msg("job cancelled before processing; skipping")
			w.setStatus(job.JobID, store.Status{Status: store.StatusCancelled, Message: "cancelled before start"})
			return artifact.Record{}, ErrJobCancelled
		}
	}

	if w.cfg.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.ScanTimeout)
		defer cancel()
	}

	c, source, err := w.loadCorpus(ctx, job)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load corpus")
		now := time.Now()
		w.setStatus(job.JobID, store.Status{Status: string(scan.StatusFailed), Message: err.Error(), End: &now})
		return artifact.Record{}, err
	}

	startedAt := started.UTC()
	w.setStatus(job.JobID, store.Status{Status: string(scan.StatusRunning), Phase: string(scan.PhaseInit), Start: &startedAt})

	policy := w.cfg.Scan
	if job.MaxPages > 0 {
		policy.MaxPages = job.MaxPages
	}
	if job.BatchSize > 0 {
		policy.BatchSize = job.BatchSize
	}
	opts := []scan.Option{
		scan.WithJobID(job.JobID),
		scan.WithProgress(func(st scan.State) {
			w.setStatus(job.JobID, store.Status{
				Status: string(st.Status), Phase: string(st.Phase), PagesScanned: st.PagesScanned,
				StartPage: st.StartPage, EndPage: st.EndPage, Start: &startedAt,
			})
		}),
	}
	if w.deps.Queue != nil {
		opts = append(opts, scan.WithCancelCheck(func(ctx context.Context) (bool, error) {
			return w.deps.Queue.IsCancelled(ctx, job.JobID)
		}))
	}
	scanner, err := scan.New(policy, w.deps.Classifier, opts...)
	if err != nil {
		return artifact.Record{}, err
	}

	out, scanErr := scanner.Run(ctx, c)
	if out == nil {
		return artifact.Record{}, scanErr
	}
	rec := artifact.NewRecord(job.JobID, source, c.Len(), out, scanErr, time.Since(started))

	if out.Status == scan.StatusDone && job.PDF != "" && w.cfg.RenderDir != "" {
		pdfPath := strings.TrimPrefix(job.PDF, "file://")
		rendered, err := pdfdoc.RenderPages(pdfPath, rec.RelevantPages, filepath.Join(w.cfg.RenderDir, job.JobID), w.cfg.Render)
		if err != nil {
			logger.Warn().Err(err).Str("pdf", job.PDF).Msg("rendering relevant pages failed")
		}
		for _, r := range rendered {
			rec.Renders = append(rec.Renders, r.Path)
		}
	}

	w.persist(ctx, rec)

	final := store.Status{
		Status: string(out.Status), Phase: string(out.State.Phase), PagesScanned: out.State.PagesScanned,
		StartPage: out.State.StartPage, EndPage: out.State.EndPage, Start: &startedAt,
	}
	end := time.Now().UTC()
	final.End = &end
	if scanErr != nil {
		final.Message = scanErr.Error()
		if errors.Is(scanErr, scan.ErrCancelled) {
			final.Status = store.StatusCancelled
			w.setStatus(job.JobID, final)
			return rec, ErrJobCancelled
		}
	}
	w.setStatus(job.JobID, final)
	return rec, scanErr
}

func (w *Worker) loadCorpus(ctx context.Context, job queue.ScanJob) (*corpus.Corpus, string, error) {
	if job.Source != "" {
		c, _, err := w.deps.Loader.LoadCorpus(ctx, job.Source)
		if err != nil {
			return nil, "", err
		}
		if w.deps.Pages != nil {
			if err := w.deps.Pages.SaveCorpus(ctx, job.JobID, job.Source, c); err != nil {
				log.Warn().Err(err).Str("job_id", job.JobID).Msg("failed to cache pages")
			}
		}
		return c, job.Source, nil
	}
	if w.deps.Pages == nil {
		return nil, "", &corpus.InputFormatError{Reason: "job has no source"}
	}
	c, source, found, err := w.deps.Pages.LoadCorpus(ctx, job.JobID)
	if err != nil {
		return nil, "", err
	}
	if !found {
		return nil, "", &corpus.InputFormatError{Source: job.JobID, Reason: "no stored pages for job"}
	}
	if source == "" {
		source = job.JobID
	}
	return c, source, nil
}

func (w *Worker) persist(ctx context.Context, rec artifact.Record) {
	logger := log.With().Str("job_id", rec.JobID).Logger()
	if w.cfg.ResultDir != "" {
		if _, err := artifact.SaveLocal(w.cfg.ResultDir, rec); err != nil {
			logger.Error().Err(err).Msg("failed to save result locally")
		}
	}
	if w.deps.Results != nil {
		if err := w.deps.Results.Save(ctx, rec.JobID, rec); err != nil {
			logger.Error().Err(err).Msg("failed to store result")
		}
	}
	if w.deps.Uploader != nil {
		key, err := artifact.Upload(ctx, w.deps.Uploader, w.cfg.ResultPrefix, rec)
		if err != nil {
			logger.Error().Err(err).Msg("failed to upload result")
		} else {
			logger.Info().Str("key", key).Msg("result uploaded")
		}
	}
}

func (w *Worker) setStatus(jobID string, st store.Status) {
	if w.deps.Status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.deps.Status.Set(ctx, jobID, st); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("failed to update status")
	}
}
