package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"
)

// JobStatus values stored in jobs.status.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	now := formatTime(time.Now())
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = formatTime(job.RunAfter)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	if job.PayloadJSON == "" {
		job.PayloadJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// ClaimNextJob atomically moves the oldest runnable job of one of types to
// running. It returns nil, nil when nothing is runnable.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := formatTime(time.Now())
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	var j Job
	var claimed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var runAfter, createdAt, updatedAt string
		var lastError sql.NullString
		err := tx.QueryRowContext(ctx, query, args...).Scan(
			&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
			&runAfter, &createdAt, &updatedAt, &lastError,
		)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("selecting next job: %w", err)
		}

		res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
		if err != nil {
			return fmt.Errorf("updating job status: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return err
		}

		j.Status = JobRunning
		j.LastError = lastError.String
		if j.RunAfter, err = parseTime(runAfter); err != nil {
			return err
		}
		if j.CreatedAt, err = parseTime(createdAt); err != nil {
			return err
		}
		if j.UpdatedAt, err = parseTime(now); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil || !claimed {
		return nil, err
	}
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job is rescheduled with exponential
// backoff until it has used up max_attempts, then marked failed.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var attempts, maxAttempts int
		err := tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		attempts++

		if attempts >= maxAttempts {
			_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
				attempts, errMsg, formatTime(now), id)
		} else {
			backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
			_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
				attempts, errMsg, formatTime(now.Add(backoff)), formatTime(now), id)
		}
		return err
	})
}

const jobColumns = `id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

func scanJob(sc interface{ Scan(...any) error }) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	if err := sc.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError); err != nil {
		return Job{}, err
	}
	var err error
	j.LastError = lastError.String
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return Job{}, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, err
	}
	return j, nil
}

// GetJob returns the job with id or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ListJobs returns jobs newest first, optionally restricted to one status.
func (s *Store) ListJobs(ctx context.Context, status string, limit int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
