package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"transcodeq/internal/models"
)

type Postgres struct {
	pool *pgxpool.Pool
	db   *sql.DB // For migrations
}

func NewPostgres(ctx context.Context, dsn string, maxConns int) (*Postgres, error) {
	const op = "storage.NewPostgres"

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, wrap(op, err, pgUnavailable)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, wrap(op, err, pgUnavailable)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := Migrate(db, DialectPostgres); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Postgres{pool: pool, db: db}, nil
}

func (s *Postgres) Close() error {
	err := s.db.Close()
	s.pool.Close()
	return err
}

var jobFields = []string{
	"id", "video_id", "input_key", "output_prefix", "status", "attempts", "error", "worker_id",
	"created_at", "updated_at", "started_at", "finished_at", "heartbeat_at",
	"hls_status", "poster_status", "scrubber_preview_status", "hover_preview_status",
}

func columns(prefix string) string {
	if prefix == "" {
		return strings.Join(jobFields, ", ")
	}
	out := make([]string, len(jobFields))
	for i, f := range jobFields {
		out[i] = prefix + f
	}
	return strings.Join(out, ", ")
}

func scanPgJob(row pgx.Row) (*models.TranscodeJob, error) {
	var (
		job                               models.TranscodeJob
		status, hls, poster, scrub, hover string
		errMsg, workerID                  *string
	)
	err := row.Scan(
		&job.ID, &job.VideoID, &job.InputKey, &job.OutputPrefix, &status, &job.Attempts, &errMsg, &workerID,
		&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.FinishedAt, &job.HeartbeatAt,
		&hls, &poster, &scrub, &hover,
	)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	job.HLSStatus = models.AssetStatus(hls)
	job.PosterStatus = models.AssetStatus(poster)
	job.ScrubberPreviewStatus = models.AssetStatus(scrub)
	job.HoverPreviewStatus = models.AssetStatus(hover)
	if errMsg != nil {
		job.Error = *errMsg
	}
	if workerID != nil {
		job.WorkerID = *workerID
	}
	return &job, nil
}

func (s *Postgres) CreateJob(ctx context.Context, job *models.TranscodeJob) error {
	const op = "storage.Postgres.CreateJob"

	_, err := s.pool.Exec(ctx,
		`INSERT INTO transcode_jobs (id, video_id, input_key, output_prefix, status, attempts,
		 created_at, updated_at, hls_status, poster_status, scrubber_preview_status, hover_preview_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.VideoID, job.InputKey, job.OutputPrefix, string(job.Status), job.Attempts,
		job.CreatedAt, job.UpdatedAt,
		string(job.HLSStatus), string(job.PosterStatus), string(job.ScrubberPreviewStatus), string(job.HoverPreviewStatus))
	return wrap(op, err, pgUnavailable)
}

func (s *Postgres) GetJob(ctx context.Context, id string) (*models.TranscodeJob, error) {
	const op = "storage.Postgres.GetJob"

	job, err := scanPgJob(s.pool.QueryRow(ctx,
		`SELECT `+columns("")+` FROM transcode_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if err != nil {
		return nil, wrap(op, err, pgUnavailable)
	}
	return job, nil
}

func (s *Postgres) ListJobs(ctx context.Context, filter models.ListFilter) ([]models.TranscodeJob, error) {
	const op = "storage.Postgres.ListJobs"
	filter = filter.Normalize()

	query := `SELECT ` + columns("") + ` FROM transcode_jobs`
	var (
		where []string
		args  []any
	)
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.VideoID != "" {
		args = append(args, filter.VideoID)
		where = append(where, fmt.Sprintf("video_id = $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, seq DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err, pgUnavailable)
	}
	defer rows.Close()

	jobs := make([]models.TranscodeJob, 0, filter.Limit)
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, wrap(op, err, pgUnavailable)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err, pgUnavailable)
	}
	return jobs, nil
}

func (s *Postgres) DeleteJob(ctx context.Context, id string) error {
	const op = "storage.Postgres.DeleteJob"
	_, err := s.pool.Exec(ctx, `DELETE FROM transcode_jobs WHERE id = $1`, id)
	return wrap(op, err, pgUnavailable)
}

func (s *Postgres) DeleteJobsByVideo(ctx context.Context, videoID string) (int64, error) {
	const op = "storage.Postgres.DeleteJobsByVideo"
	tag, err := s.pool.Exec(ctx, `DELETE FROM transcode_jobs WHERE video_id = $1`, videoID)
	if err != nil {
		return 0, wrap(op, err, pgUnavailable)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) ClaimJob(ctx context.Context, workerID string) (*models.TranscodeJob, error) {
	const op = "storage.Postgres.ClaimJob"

	// SKIP LOCKED lets concurrent claimers pass over a row another
	// transaction is already taking instead of queueing behind it.
	job, err := scanPgJob(s.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT id FROM transcode_jobs
			WHERE status = $1
			ORDER BY created_at ASC, seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE transcode_jobs j
		SET status = $2, attempts = j.attempts + 1, started_at = $3, updated_at = $3,
		    heartbeat_at = $3, worker_id = $4
		FROM next
		WHERE j.id = next.id AND j.status = $1
		RETURNING `+columns("j."),
		string(models.JobQueued), string(models.JobRunning), now(), workerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(op, err, pgUnavailable)
	}
	return job, nil
}

func (s *Postgres) ClaimJobByID(ctx context.Context, id, workerID string) (*models.TranscodeJob, error) {
	const op = "storage.Postgres.ClaimJobByID"

	job, err := scanPgJob(s.pool.QueryRow(ctx, `
		UPDATE transcode_jobs
		SET status = $3, attempts = attempts + 1, started_at = $4, updated_at = $4,
		    heartbeat_at = $4, worker_id = $5
		WHERE id = $1 AND status = $2
		RETURNING `+columns(""),
		id, string(models.JobQueued), string(models.JobRunning), now(), workerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, s.explain(ctx, id, models.ErrInvalidTransition))
	}
	if err != nil {
		return nil, wrap(op, err, pgUnavailable)
	}
	return job, nil
}

func (s *Postgres) SetAssetStatus(ctx context.Context, id string, kind models.AssetKind, status models.AssetStatus) (*models.TranscodeJob, error) {
	const op = "storage.Postgres.SetAssetStatus"

	if err := validAsset(kind, status); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	job, err := scanPgJob(s.pool.QueryRow(ctx,
		`UPDATE transcode_jobs SET `+kind.Column()+` = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+columns(""),
		id, string(status), now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if err != nil {
		return nil, wrap(op, err, pgUnavailable)
	}
	return job, nil
}

func (s *Postgres) FinishJob(ctx context.Context, id string, p FinishParams) (*models.TranscodeJob, error) {
	const op = "storage.Postgres.FinishJob"
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	errMsg := ""
	if p.Status == models.JobFailed {
		errMsg = models.TruncateError(p.Error)
	}
	job, err := scanPgJob(s.pool.QueryRow(ctx, `
		UPDATE transcode_jobs
		SET status = $3, error = $4, finished_at = $5, updated_at = $5, heartbeat_at = NULL
		WHERE id = $1 AND status = $2 AND ($6 = 0 OR attempts = $6)
		RETURNING `+columns(""),
		id, string(models.JobRunning), string(p.Status), nullString(errMsg), now(), p.Attempt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, s.explain(ctx, id, models.ErrInvalidTransition))
	}
	if err != nil {
		return nil, wrap(op, err, pgUnavailable)
	}
	return job, nil
}

func (s *Postgres) RetryJob(ctx context.Context, id string) (*models.TranscodeJob, error) {
	const op = "storage.Postgres.RetryJob"

	job, err := scanPgJob(s.pool.QueryRow(ctx, `
		UPDATE transcode_jobs
		SET status = $3, error = NULL, started_at = NULL, finished_at = NULL,
		    heartbeat_at = NULL, worker_id = NULL, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+columns(""),
		id, string(models.JobFailed), string(models.JobQueued), now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, s.explain(ctx, id, models.ErrInvalidState))
	}
	if err != nil {
		return nil, wrap(op, err, pgUnavailable)
	}
	return job, nil
}

func (s *Postgres) Heartbeat(ctx context.Context, id, workerID string) error {
	const op = "storage.Postgres.Heartbeat"

	tag, err := s.pool.Exec(ctx, `
		UPDATE transcode_jobs SET heartbeat_at = $4, updated_at = $4
		WHERE id = $1 AND status = $2 AND worker_id = $3`,
		id, string(models.JobRunning), workerID, now())
	if err != nil {
		return wrap(op, err, pgUnavailable)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, s.explain(ctx, id, models.ErrInvalidTransition))
	}
	return nil
}

func (s *Postgres) RequeueStale(ctx context.Context, before time.Time) ([]string, error) {
	const op = "storage.Postgres.RequeueStale"

	rows, err := s.pool.Query(ctx, `
		UPDATE transcode_jobs
		SET status = $2, heartbeat_at = NULL, worker_id = NULL, updated_at = $4
		WHERE status = $1 AND (heartbeat_at IS NULL OR heartbeat_at < $3)
		RETURNING id`,
		string(models.JobRunning), string(models.JobQueued), before.UTC(), now())
	if err != nil {
		return nil, wrap(op, err, pgUnavailable)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, wrap(op, err, pgUnavailable)
	}
	return ids, nil
}

func (s *Postgres) Stats(ctx context.Context) (models.Stats, error) {
	const op = "storage.Postgres.Stats"

	var stats models.Stats
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM transcode_jobs GROUP BY status`)
	if err != nil {
		return stats, wrap(op, err, pgUnavailable)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return models.Stats{}, wrap(op, err, pgUnavailable)
		}
		stats.Add(models.JobStatus(status), count)
	}
	if err := rows.Err(); err != nil {
		return models.Stats{}, wrap(op, err, pgUnavailable)
	}
	return stats, nil
}

// explain turns a conditional update that matched nothing into NotFound or conflict.
func (s *Postgres) explain(ctx context.Context, id string, conflict error) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM transcode_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return missingOrConflict("", false, conflict)
	}
	if err != nil {
		return wrap("storage.Postgres.explain", err, pgUnavailable)
	}
	return missingOrConflict(models.JobStatus(status), true, conflict)
}

func pgUnavailable(err error) bool {
	if pgconn.Timeout(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 connection exception, 53 insufficient resources, 57P0x operator intervention.
		return strings.HasPrefix(pgErr.Code, "08") ||
			strings.HasPrefix(pgErr.Code, "53") ||
			strings.HasPrefix(pgErr.Code, "57P0")
	}
	return false
}
