package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"transcodeq/internal/models"
)

// SQLite is the single-node backend. Times are stored as unix milliseconds
// and ties in created_at are broken by rowid.
type SQLite struct {
	db *sql.DB
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	const op = "storage.NewSQLite"

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	// One writer at a time; the pool queues callers instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, wrap(op, err, sqliteUnavailable)
	}
	if err := Migrate(db, DialectSQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*models.TranscodeJob, error) {
	var (
		job                                models.TranscodeJob
		status, hls, poster, scrub, hover  string
		errMsg, workerID                   sql.NullString
		createdMs, updatedMs               int64
		startedMs, finishedMs, heartbeatMs sql.NullInt64
	)
	err := row.Scan(
		&job.ID, &job.VideoID, &job.InputKey, &job.OutputPrefix, &status, &job.Attempts, &errMsg, &workerID,
		&createdMs, &updatedMs, &startedMs, &finishedMs, &heartbeatMs,
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
	job.Error = errMsg.String
	job.WorkerID = workerID.String
	job.CreatedAt = time.UnixMilli(createdMs).UTC()
	job.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	job.StartedAt = fromMillis(startedMs)
	job.FinishedAt = fromMillis(finishedMs)
	job.HeartbeatAt = fromMillis(heartbeatMs)
	return &job, nil
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func (s *SQLite) CreateJob(ctx context.Context, job *models.TranscodeJob) error {
	const op = "storage.SQLite.CreateJob"

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcode_jobs (id, video_id, input_key, output_prefix, status, attempts,
		 created_at, updated_at, hls_status, poster_status, scrubber_preview_status, hover_preview_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.VideoID, job.InputKey, job.OutputPrefix, string(job.Status), job.Attempts,
		job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli(),
		string(job.HLSStatus), string(job.PosterStatus), string(job.ScrubberPreviewStatus), string(job.HoverPreviewStatus))
	return wrap(op, err, sqliteUnavailable)
}

func (s *SQLite) GetJob(ctx context.Context, id string) (*models.TranscodeJob, error) {
	const op = "storage.SQLite.GetJob"

	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`SELECT `+columns("")+` FROM transcode_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if err != nil {
		return nil, wrap(op, err, sqliteUnavailable)
	}
	return job, nil
}

func (s *SQLite) ListJobs(ctx context.Context, filter models.ListFilter) ([]models.TranscodeJob, error) {
	const op = "storage.SQLite.ListJobs"
	filter = filter.Normalize()

	query := `SELECT ` + columns("") + ` FROM transcode_jobs`
	var (
		where []string
		args  []any
	)
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.VideoID != "" {
		where = append(where, "video_id = ?")
		args = append(args, filter.VideoID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err, sqliteUnavailable)
	}
	defer rows.Close()

	jobs := make([]models.TranscodeJob, 0, filter.Limit)
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, wrap(op, err, sqliteUnavailable)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err, sqliteUnavailable)
	}
	return jobs, nil
}

func (s *SQLite) DeleteJob(ctx context.Context, id string) error {
	const op = "storage.SQLite.DeleteJob"
	_, err := s.db.ExecContext(ctx, `DELETE FROM transcode_jobs WHERE id = ?`, id)
	return wrap(op, err, sqliteUnavailable)
}

func (s *SQLite) DeleteJobsByVideo(ctx context.Context, videoID string) (int64, error) {
	const op = "storage.SQLite.DeleteJobsByVideo"
	res, err := s.db.ExecContext(ctx, `DELETE FROM transcode_jobs WHERE video_id = ?`, videoID)
	if err != nil {
		return 0, wrap(op, err, sqliteUnavailable)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap(op, err, sqliteUnavailable)
	}
	return n, nil
}

func (s *SQLite) ClaimJob(ctx context.Context, workerID string) (*models.TranscodeJob, error) {
	const op = "storage.SQLite.ClaimJob"

	ts := now().UnixMilli()
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `
		UPDATE transcode_jobs
		SET status = ?, attempts = attempts + 1, started_at = ?, updated_at = ?, heartbeat_at = ?, worker_id = ?
		WHERE id = (
			SELECT id FROM transcode_jobs
			WHERE status = ?
			ORDER BY created_at ASC, rowid ASC
			LIMIT 1
		) AND status = ?
		RETURNING `+columns(""),
		string(models.JobRunning), ts, ts, ts, workerID,
		string(models.JobQueued), string(models.JobQueued)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(op, err, sqliteUnavailable)
	}
	return job, nil
}

func (s *SQLite) ClaimJobByID(ctx context.Context, id, workerID string) (*models.TranscodeJob, error) {
	const op = "storage.SQLite.ClaimJobByID"

	ts := now().UnixMilli()
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `
		UPDATE transcode_jobs
		SET status = ?, attempts = attempts + 1, started_at = ?, updated_at = ?, heartbeat_at = ?, worker_id = ?
		WHERE id = ? AND status = ?
		RETURNING `+columns(""),
		string(models.JobRunning), ts, ts, ts, workerID, id, string(models.JobQueued)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, s.explain(ctx, id, models.ErrInvalidTransition))
	}
	if err != nil {
		return nil, wrap(op, err, sqliteUnavailable)
	}
	return job, nil
}

func (s *SQLite) SetAssetStatus(ctx context.Context, id string, kind models.AssetKind, status models.AssetStatus) (*models.TranscodeJob, error) {
	const op = "storage.SQLite.SetAssetStatus"

	if err := validAsset(kind, status); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`UPDATE transcode_jobs SET `+kind.Column()+` = ?, updated_at = ?
		WHERE id = ?
		RETURNING `+columns(""),
		string(status), now().UnixMilli(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}
	if err != nil {
		return nil, wrap(op, err, sqliteUnavailable)
	}
	return job, nil
}

func (s *SQLite) FinishJob(ctx context.Context, id string, p FinishParams) (*models.TranscodeJob, error) {
	const op = "storage.SQLite.FinishJob"
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	errMsg := ""
	if p.Status == models.JobFailed {
		errMsg = models.TruncateError(p.Error)
	}
	ts := now().UnixMilli()
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `
		UPDATE transcode_jobs
		SET status = ?, error = ?, finished_at = ?, updated_at = ?, heartbeat_at = NULL
		WHERE id = ? AND status = ? AND (? = 0 OR attempts = ?)
		RETURNING `+columns(""),
		string(p.Status), nullString(errMsg), ts, ts,
		id, string(models.JobRunning), p.Attempt, p.Attempt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, s.explain(ctx, id, models.ErrInvalidTransition))
	}
	if err != nil {
		return nil, wrap(op, err, sqliteUnavailable)
	}
	return job, nil
}

func (s *SQLite) RetryJob(ctx context.Context, id string) (*models.TranscodeJob, error) {
	const op = "storage.SQLite.RetryJob"

	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `
		UPDATE transcode_jobs
		SET status = ?, error = NULL, started_at = NULL, finished_at = NULL,
		    heartbeat_at = NULL, worker_id = NULL, updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING `+columns(""),
		string(models.JobQueued), now().UnixMilli(), id, string(models.JobFailed)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, s.explain(ctx, id, models.ErrInvalidState))
	}
	if err != nil {
		return nil, wrap(op, err, sqliteUnavailable)
	}
	return job, nil
}

func (s *SQLite) Heartbeat(ctx context.Context, id, workerID string) error {
	const op = "storage.SQLite.Heartbeat"

	ts := now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE transcode_jobs SET heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND worker_id = ?`,
		ts, ts, id, string(models.JobRunning), workerID)
	if err != nil {
		return wrap(op, err, sqliteUnavailable)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(op, err, sqliteUnavailable)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, s.explain(ctx, id, models.ErrInvalidTransition))
	}
	return nil
}

func (s *SQLite) RequeueStale(ctx context.Context, before time.Time) ([]string, error) {
	const op = "storage.SQLite.RequeueStale"

	rows, err := s.db.QueryContext(ctx, `
		UPDATE transcode_jobs
		SET status = ?, heartbeat_at = NULL, worker_id = NULL, updated_at = ?
		WHERE status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)
		RETURNING id`,
		string(models.JobQueued), now().UnixMilli(), string(models.JobRunning), before.UnixMilli())
	if err != nil {
		return nil, wrap(op, err, sqliteUnavailable)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrap(op, err, sqliteUnavailable)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err, sqliteUnavailable)
	}
	return ids, nil
}

func (s *SQLite) Stats(ctx context.Context) (models.Stats, error) {
	const op = "storage.SQLite.Stats"

	var stats models.Stats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM transcode_jobs GROUP BY status`)
	if err != nil {
		return stats, wrap(op, err, sqliteUnavailable)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return models.Stats{}, wrap(op, err, sqliteUnavailable)
		}
		stats.Add(models.JobStatus(status), count)
	}
	if err := rows.Err(); err != nil {
		return models.Stats{}, wrap(op, err, sqliteUnavailable)
	}
	return stats, nil
}

func (s *SQLite) explain(ctx context.Context, id string, conflict error) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM transcode_jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return missingOrConflict("", false, conflict)
	}
	if err != nil {
		return wrap("storage.SQLite.explain", err, sqliteUnavailable)
	}
	return missingOrConflict(models.JobStatus(status), true, conflict)
}

func sqliteUnavailable(err error) bool {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	switch sqlErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN:
		return true
	}
	return false
}
