package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"transcodeq/internal/models"
)

// Storage is the durable job store. Every state transition is a single
// conditional statement so concurrent callers cannot both win it.
type Storage interface {
	CreateJob(ctx context.Context, job *models.TranscodeJob) error
	GetJob(ctx context.Context, id string) (*models.TranscodeJob, error)
	ListJobs(ctx context.Context, filter models.ListFilter) ([]models.TranscodeJob, error)
	DeleteJob(ctx context.Context, id string) error
	DeleteJobsByVideo(ctx context.Context, videoID string) (int64, error)

	// ClaimJob moves the oldest queued job to running for workerID.
	// It returns nil, nil when nothing is queued.
	ClaimJob(ctx context.Context, workerID string) (*models.TranscodeJob, error)
	// ClaimJobByID is ClaimJob restricted to one job.
	ClaimJobByID(ctx context.Context, id, workerID string) (*models.TranscodeJob, error)
	SetAssetStatus(ctx context.Context, id string, kind models.AssetKind, status models.AssetStatus) (*models.TranscodeJob, error)
	FinishJob(ctx context.Context, id string, p FinishParams) (*models.TranscodeJob, error)
	RetryJob(ctx context.Context, id string) (*models.TranscodeJob, error)
	Heartbeat(ctx context.Context, id, workerID string) error
	// RequeueStale rewinds running jobs whose heartbeat is older than before.
	RequeueStale(ctx context.Context, before time.Time) ([]string, error)

	Stats(ctx context.Context) (models.Stats, error)
	Close() error
}

type FinishParams struct {
	Status models.JobStatus
	Error  string
	// Attempt, when non-zero, fences the update to that claim attempt.
	Attempt int
}

func (p FinishParams) validate() error {
	if !p.Status.Terminal() {
		return fmt.Errorf("%w: cannot finish a job as %q", models.ErrInvalidTransition, p.Status)
	}
	return nil
}

// Open connects to the configured backend and applies pending migrations.
func Open(ctx context.Context, cfg models.DatabaseConfig) (Storage, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := NewPostgres(ctx, cfg.URL, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := NewSQLite(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("storage.Open: unsupported driver %q", cfg.Driver)
}

// validAsset keeps SetAssetStatus from building a column name out of
// arbitrary input.
func validAsset(kind models.AssetKind, status models.AssetStatus) error {
	if _, err := models.ParseAssetKind(string(kind)); err != nil {
		return err
	}
	_, err := models.ParseAssetStatus(string(status))
	return err
}

func now() time.Time {
	return time.Now().UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// wrap annotates err with op and tags transient infrastructure failures.
func wrap(op string, err error, unavailable func(error) bool) error {
	if err == nil {
		return nil
	}
	if isDomainErr(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if isTransient(err) || (unavailable != nil && unavailable(err)) {
		return fmt.Errorf("%s: %w: %w", op, models.ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isDomainErr(err error) bool {
	return errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrInvalidTransition) ||
		errors.Is(err, models.ErrBadRequest)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused")
}

// missingOrConflict decides why a conditional update touched no rows.
func missingOrConflict(status models.JobStatus, found bool, conflict error) error {
	if !found {
		return models.ErrNotFound
	}
	return fmt.Errorf("%w (current status %s)", conflict, status)
}
