package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"transcodeq/internal/models"
)

// Queue is the part of the job service a worker drives.
type Queue interface {
	Claim(ctx context.Context, workerID string) (*models.TranscodeJob, error)
	ReportAssetStatus(ctx context.Context, id string, kind models.AssetKind, status models.AssetStatus) (*models.TranscodeJob, error)
	ReportOutcomeForAttempt(ctx context.Context, id string, attempt int, status models.JobStatus, errMsg string) (*models.TranscodeJob, error)
	Heartbeat(ctx context.Context, id, workerID string) error
}

// Processor produces one asset of a job.
type Processor interface {
	Process(ctx context.Context, job *models.TranscodeJob, kind models.AssetKind) error
}

type Options struct {
	ID                string
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// StatusInterval is how often running jobs are logged; zero disables it.
	StatusInterval time.Duration
}

func OptionsFromConfig(cfg models.WorkerConfig) Options {
	return Options{
		ID:                cfg.ID,
		Concurrency:       cfg.Concurrency,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StatusInterval:    30 * time.Second,
	}
}

type Worker struct {
	queue     Queue
	processor Processor
	opts      Options
	logger    *log.Logger
	tracker   *Tracker
	wake      <-chan struct{}
}

// New builds a worker. wake may be nil; the poll ticker alone is enough to find work.
func New(queue Queue, processor Processor, opts Options, logger *log.Logger, wake <-chan struct{}) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	return &Worker{
		queue:     queue,
		processor: processor,
		opts:      opts,
		logger:    logger.With("worker", opts.ID),
		tracker:   NewTracker(),
		wake:      wake,
	}
}

func (w *Worker) Tracker() *Tracker { return w.tracker }

// Run claims and processes jobs until ctx is cancelled, then waits for the
// jobs already in flight. Those jobs are not cancelled by ctx.
func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.opts.Concurrency)
	var wg sync.WaitGroup
	jobCtx := context.WithoutCancel(ctx)

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	var status <-chan time.Time
	if w.opts.StatusInterval > 0 {
		statusTicker := time.NewTicker(w.opts.StatusInterval)
		defer statusTicker.Stop()
		status = statusTicker.C
	}

	w.logger.Info("queue worker started", "concurrency", w.opts.Concurrency, "poll_interval", w.opts.PollInterval)
	for {
		w.fill(ctx, jobCtx, sem, &wg)

		select {
		case <-ctx.Done():
			w.logger.Info("context cancelled, waiting for active jobs to complete", "active", w.tracker.Len())
			wg.Wait()
			w.logger.Info("all jobs completed, worker stopped")
			return nil
		case <-ticker.C:
		case <-w.wake:
		case <-status:
			w.tracker.LogStatus(w.logger)
		}
	}
}

// fill claims jobs while there is spare capacity. A slot is taken before
// claiming so a job only turns running when it can start right away.
func (w *Worker) fill(ctx, jobCtx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	for ctx.Err() == nil {
		select {
		case sem <- struct{}{}:
		default:
			return
		}

		job, err := w.queue.Claim(ctx, w.opts.ID)
		if err != nil || job == nil {
			<-sem
			if err != nil && ctx.Err() == nil {
				w.logger.Warn("claim next job", "error", err)
			}
			return
		}

		wg.Add(1)
		go func(job *models.TranscodeJob) {
			defer wg.Done()
			defer func() { <-sem }()
			w.runJob(jobCtx, job)
		}(job)
	}
}

func (w *Worker) runJob(ctx context.Context, job *models.TranscodeJob) {
	start := time.Now()
	logger := w.logger.With("job_id", job.ID, "video_id", job.VideoID)
	logger.Info("starting job", "input", job.InputKey, "attempt", job.Attempts)

	w.tracker.Add(job)
	defer w.tracker.Remove(job.ID)

	leaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost := make(chan struct{})
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		if w.heartbeat(leaseCtx, job, logger) {
			close(lost)
			cancel()
		}
	}()

	status, errMsg := w.process(leaseCtx, job, logger)
	cancel()
	<-hbDone

	select {
	case <-lost:
		logger.Warn("lease lost, dropping job outcome", "duration", time.Since(start).Truncate(time.Millisecond))
		return
	default:
	}

	if _, err := w.queue.ReportOutcomeForAttempt(ctx, job.ID, job.Attempts, status, errMsg); err != nil {
		logger.Error("report outcome", "status", status, "error", err)
		return
	}
	logger.Info("job finished", "status", status, "duration", time.Since(start).Truncate(time.Millisecond))
}

// heartbeat renews the lease until ctx ends. It reports true when the lease
// is gone: the job was requeued, finished elsewhere or deleted.
func (w *Worker) heartbeat(ctx context.Context, job *models.TranscodeJob, logger *log.Logger) bool {
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			err := w.queue.Heartbeat(ctx, job.ID, w.opts.ID)
			switch {
			case err == nil:
			case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrNotFound):
				logger.Warn("heartbeat rejected", "error", err)
				return true
			case ctx.Err() != nil:
				return false
			default:
				logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// process runs the mandatory asset first. The job outcome follows it alone;
// optional asset failures are logged only.
func (w *Worker) process(ctx context.Context, job *models.TranscodeJob, logger *log.Logger) (models.JobStatus, string) {
	if err := w.runAsset(ctx, job, models.MandatoryAsset, logger); err != nil {
		return models.JobFailed, fmt.Sprintf("%s: %v", models.MandatoryAsset, err)
	}

	for _, kind := range models.AssetKinds {
		if kind == models.MandatoryAsset {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if err := w.runAsset(ctx, job, kind, logger); err != nil {
			logger.Warn("optional asset failed", "asset", kind, "error", err)
		}
	}
	return models.JobDone, ""
}

func (w *Worker) runAsset(ctx context.Context, job *models.TranscodeJob, kind models.AssetKind, logger *log.Logger) error {
	if job.Asset(kind) == models.AssetDone {
		logger.Info("asset already done, skipping", "asset", kind)
		return nil
	}

	if err := w.report(ctx, job, kind, models.AssetProcessing); err != nil {
		return err
	}

	start := time.Now()
	err := w.processor.Process(ctx, job, kind)
	status := models.AssetDone
	if err != nil {
		status = models.AssetFailed
	}
	if repErr := w.report(ctx, job, kind, status); repErr != nil {
		logger.Error("report asset status", "asset", kind, "status", status, "error", repErr)
		if err == nil {
			err = repErr
		}
	}

	if err != nil {
		logger.Error("asset failed", "asset", kind, "error", err, "duration", time.Since(start).Truncate(time.Millisecond))
		return err
	}
	logger.Info("asset complete", "asset", kind, "duration", time.Since(start).Truncate(time.Millisecond))
	return nil
}

func (w *Worker) report(ctx context.Context, job *models.TranscodeJob, kind models.AssetKind, status models.AssetStatus) error {
	if _, err := w.queue.ReportAssetStatus(ctx, job.ID, kind, status); err != nil {
		return err
	}
	job.SetAsset(kind, status)
	w.tracker.Update(job.ID, kind, status)
	return nil
}
