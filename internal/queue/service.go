package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"transcodeq/internal/events"
	"transcodeq/internal/models"
	"transcodeq/internal/storage"
)

// AdminWorker owns jobs moved to running through the admin override.
const AdminWorker = "admin"

const publishTimeout = 5 * time.Second

// Service owns every job transition. Callers never patch job fields directly.
type Service struct {
	store     storage.Storage
	publisher events.Publisher
	logger    *log.Logger
	now       func() time.Time
}

func NewService(store storage.Storage, publisher events.Publisher, logger *log.Logger) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type CreateRequest struct {
	VideoID      string `json:"videoId"`
	InputKey     string `json:"inputKey"`
	OutputPrefix string `json:"outputPrefix"`
}

func (r CreateRequest) validate() error {
	var missing []string
	if strings.TrimSpace(r.VideoID) == "" {
		missing = append(missing, "videoId")
	}
	if strings.TrimSpace(r.InputKey) == "" {
		missing = append(missing, "inputKey")
	}
	if strings.TrimSpace(r.OutputPrefix) == "" {
		missing = append(missing, "outputPrefix")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", models.ErrBadRequest, strings.Join(missing, ", "))
	}
	return nil
}

// Create enqueues a new job. Several jobs may exist for one video.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.TranscodeJob, error) {
	const op = "queue.Create"
	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ts := s.now()
	job := &models.TranscodeJob{
		ID:                    uuid.NewString(),
		VideoID:               strings.TrimSpace(req.VideoID),
		InputKey:              strings.TrimSpace(req.InputKey),
		OutputPrefix:          strings.TrimSpace(req.OutputPrefix),
		Status:                models.JobQueued,
		CreatedAt:             ts,
		UpdatedAt:             ts,
		HLSStatus:             models.AssetPending,
		PosterStatus:          models.AssetPending,
		ScrubberPreviewStatus: models.AssetPending,
		HoverPreviewStatus:    models.AssetPending,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.logger.Info("job created", "job_id", job.ID, "video_id", job.VideoID, "input", job.InputKey)
	s.publish(ctx, events.ForJob(events.JobCreated, job))
	return job, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.TranscodeJob, error) {
	const op = "queue.Get"
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return job, nil
}

func (s *Service) List(ctx context.Context, filter models.ListFilter) ([]models.TranscodeJob, error) {
	const op = "queue.List"
	if filter.Limit < 0 || filter.Limit > models.MaxListLimit {
		return nil, fmt.Errorf("%s: %w: limit must be between 1 and %d", op, models.ErrBadRequest, models.MaxListLimit)
	}
	jobs, err := s.store.ListJobs(ctx, filter.Normalize())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return jobs, nil
}

// Delete removes a job. Deleting a missing job succeeds.
func (s *Service) Delete(ctx context.Context, id string) error {
	const op = "queue.Delete"
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.logger.Info("job deleted", "job_id", id)
	s.publish(ctx, events.Event{Type: events.JobDeleted, JobID: id, At: s.now()})
	return nil
}

// DeleteByVideo is the cascade hook for a deleted video.
func (s *Service) DeleteByVideo(ctx context.Context, videoID string) (int64, error) {
	const op = "queue.DeleteByVideo"
	if strings.TrimSpace(videoID) == "" {
		return 0, fmt.Errorf("%s: %w: missing videoId", op, models.ErrBadRequest)
	}
	n, err := s.store.DeleteJobsByVideo(ctx, videoID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if n > 0 {
		s.logger.Info("video jobs deleted", "video_id", videoID, "count", n)
		s.publish(ctx, events.Event{Type: events.JobDeleted, VideoID: videoID, At: s.now()})
	}
	return n, nil
}

// Claim hands the oldest queued job to workerID. A nil job means the queue is empty.
func (s *Service) Claim(ctx context.Context, workerID string) (*models.TranscodeJob, error) {
	const op = "queue.Claim"
	job, err := s.store.ClaimJob(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if job == nil {
		return nil, nil
	}
	s.logger.Info("job claimed", "job_id", job.ID, "video_id", job.VideoID, "worker", workerID, "attempt", job.Attempts)
	s.publish(ctx, events.ForJob(events.JobClaimed, job))
	return job, nil
}

func (s *Service) ReportAssetStatus(ctx context.Context, id string, kind models.AssetKind, status models.AssetStatus) (*models.TranscodeJob, error) {
	const op = "queue.ReportAssetStatus"
	if _, err := models.ParseAssetKind(string(kind)); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if _, err := models.ParseAssetStatus(string(status)); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	job, err := s.store.SetAssetStatus(ctx, id, kind, status)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	completed, total := job.Progress()
	s.logger.Debug("asset status", "job_id", id, "asset", kind, "status", status, "progress", fmt.Sprintf("%d/%d", completed, total))
	ev := events.ForJob(events.JobAsset, job)
	ev.Asset, ev.AssetStatus = kind, status
	s.publish(ctx, ev)
	return job, nil
}

// UpdateProcessingStatus is the admin form of ReportAssetStatus taking raw input.
func (s *Service) UpdateProcessingStatus(ctx context.Context, id, rawKind, rawStatus string) (*models.TranscodeJob, error) {
	const op = "queue.UpdateProcessingStatus"
	kind, err := models.ParseAssetKind(rawKind)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	status, err := models.ParseAssetStatus(rawStatus)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s.ReportAssetStatus(ctx, id, kind, status)
}

// ReportOutcome finalizes a running job. The error message is kept only for failed jobs.
func (s *Service) ReportOutcome(ctx context.Context, id string, status models.JobStatus, errMsg string) (*models.TranscodeJob, error) {
	return s.finish(ctx, "queue.ReportOutcome", id, storage.FinishParams{Status: status, Error: errMsg})
}

// ReportOutcomeForAttempt is ReportOutcome fenced to one claim: it fails when
// the job was requeued and claimed again since attempt.
func (s *Service) ReportOutcomeForAttempt(ctx context.Context, id string, attempt int, status models.JobStatus, errMsg string) (*models.TranscodeJob, error) {
	const op = "queue.ReportOutcomeForAttempt"
	if attempt <= 0 {
		return nil, fmt.Errorf("%s: %w: attempt must be positive", op, models.ErrBadRequest)
	}
	return s.finish(ctx, op, id, storage.FinishParams{Status: status, Error: errMsg, Attempt: attempt})
}

func (s *Service) finish(ctx context.Context, op, id string, p storage.FinishParams) (*models.TranscodeJob, error) {
	job, err := s.store.FinishJob(ctx, id, p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	completed, total := job.Progress()
	if job.Status == models.JobFailed {
		s.logger.Warn("job failed", "job_id", id, "attempt", job.Attempts, "progress", fmt.Sprintf("%d/%d", completed, total), "error", job.Error)
	} else {
		s.logger.Info("job done", "job_id", id, "attempt", job.Attempts, "progress", fmt.Sprintf("%d/%d", completed, total))
	}
	s.publish(ctx, events.ForJob(events.JobFinished, job))
	return job, nil
}

// Retry requeues a failed job. Attempts and asset statuses are kept.
func (s *Service) Retry(ctx context.Context, id string) (*models.TranscodeJob, error) {
	const op = "queue.Retry"
	job, err := s.store.RetryJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.logger.Info("job retried", "job_id", id, "attempts", job.Attempts)
	s.publish(ctx, events.ForJob(events.JobRetried, job))
	return job, nil
}

// UpdateStatus is the admin status override. It only follows the guarded
// transitions: queued->running, running->done|failed and failed->queued.
func (s *Service) UpdateStatus(ctx context.Context, id string, status models.JobStatus, errMsg string) (*models.TranscodeJob, error) {
	const op = "queue.UpdateStatus"

	switch status {
	case models.JobRunning:
		job, err := s.store.ClaimJobByID(ctx, id, AdminWorker)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		s.logger.Info("job claimed", "job_id", id, "worker", AdminWorker, "attempt", job.Attempts)
		s.publish(ctx, events.ForJob(events.JobClaimed, job))
		return job, nil
	case models.JobDone, models.JobFailed:
		return s.finish(ctx, op, id, storage.FinishParams{Status: status, Error: errMsg})
	case models.JobQueued:
		return s.Retry(ctx, id)
	}
	return nil, fmt.Errorf("%s: %w: unknown status %q", op, models.ErrBadRequest, status)
}

// Heartbeat extends workerID's lease on a running job.
func (s *Service) Heartbeat(ctx context.Context, id, workerID string) error {
	const op = "queue.Heartbeat"
	if err := s.store.Heartbeat(ctx, id, workerID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ReapStale requeues running jobs whose lease has not been renewed for olderThan.
func (s *Service) ReapStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	const op = "queue.ReapStale"
	if olderThan <= 0 {
		return nil, fmt.Errorf("%s: %w: stale threshold must be positive", op, models.ErrBadRequest)
	}
	ids, err := s.store.RequeueStale(ctx, s.now().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for _, id := range ids {
		s.logger.Warn("stale claim requeued", "job_id", id, "stale_after", olderThan)
		s.publish(ctx, events.Event{Type: events.JobRequeued, JobID: id, Status: models.JobQueued, At: s.now()})
	}
	return ids, nil
}

// RunReaper calls ReapStale every interval until ctx is cancelled.
func (s *Service) RunReaper(ctx context.Context, interval, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("stale claim reaper started", "interval", interval, "stale_after", staleAfter)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ReapStale(ctx, staleAfter); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("reap stale claims", "error", err)
			}
		}
	}
}

func (s *Service) Stats(ctx context.Context) (models.Stats, error) {
	const op = "queue.Stats"
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return models.Stats{}, fmt.Errorf("%s: %w", op, err)
	}
	return stats, nil
}

// publish is best-effort and outlives a cancelled request context.
func (s *Service) publish(ctx context.Context, ev events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish job event", "type", ev.Type, "job_id", ev.JobID, "error", err)
	}
}
