package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const watermarkColumns = `property, source, last_date, rows_loaded, status, error_message, lock_token, locked_at, updated_at`

func scanWatermark(sc interface{ Scan(...any) error }) (Watermark, error) {
	var w Watermark
	var lastDate, status, lockedAt, updatedAt string
	if err := sc.Scan(&w.Property, &w.Source, &lastDate, &w.RowsLoaded, &status,
		&w.ErrorMessage, &w.LockToken, &lockedAt, &updatedAt); err != nil {
		return Watermark{}, err
	}
	w.Status = RunStatus(status)
	var err error
	if w.LastDate, err = parseDate(lastDate); err != nil {
		return Watermark{}, err
	}
	if w.LockedAt, err = parseTime(lockedAt); err != nil {
		return Watermark{}, err
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Watermark{}, err
	}
	return w, nil
}

// GetWatermark returns the watermark for (property, source) or ErrNotFound.
func (s *Store) GetWatermark(ctx context.Context, property, source string) (Watermark, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+watermarkColumns+` FROM watermarks WHERE property = ? AND source = ?`,
		property, source)
	w, err := scanWatermark(row)
	if err == sql.ErrNoRows {
		return Watermark{}, ErrNotFound
	}
	if err != nil {
		return Watermark{}, fmt.Errorf("reading watermark %s/%s: %w", property, source, err)
	}
	return w, nil
}

// ListWatermarks returns watermarks ordered by property and source. An empty
// property lists every watermark.
func (s *Store) ListWatermarks(ctx context.Context, property string) ([]Watermark, error) {
	query := `SELECT ` + watermarkColumns + ` FROM watermarks`
	var args []any
	if property != "" {
		query += ` WHERE property = ?`
		args = append(args, property)
	}
	query += ` ORDER BY property, source`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Watermark
	for rows.Next() {
		w, err := scanWatermark(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ClaimWatermark marks (property, source) as running under token. The claim
// succeeds only if no other run holds it, or the holder's claim is older
// than staleBefore. It returns the watermark as it was before the claim,
// with Status set to running. A held claim yields ErrConflict.
func (s *Store) ClaimWatermark(ctx context.Context, property, source, token string, staleBefore time.Time) (Watermark, error) {
	var prior Watermark
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(time.Now())
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO watermarks (property, source, status, updated_at) VALUES (?, ?, 'pending', ?)
			ON CONFLICT(property, source) DO NOTHING`, property, source, now); err != nil {
			return fmt.Errorf("ensuring watermark row: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE watermarks
			SET status = 'running', lock_token = ?, locked_at = ?, error_message = '', updated_at = ?
			WHERE property = ? AND source = ? AND (status <> 'running' OR locked_at < ?)`,
			token, now, now, property, source, formatTime(staleBefore))
		if err != nil {
			return fmt.Errorf("claiming watermark: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return ErrConflict
		}

		prior, err = scanWatermark(tx.QueryRowContext(ctx,
			`SELECT `+watermarkColumns+` FROM watermarks WHERE property = ? AND source = ?`, property, source))
		return err
	})
	if err != nil {
		return Watermark{}, err
	}
	return prior, nil
}

// CommitWatermark records a successful run held under token. rowsTotal is
// the number of distinct fact keys now stored for the pair. The boundary
// only moves forward and the row counter only grows; both are enforced in
// SQL so a late or reordered commit cannot move them backward.
func (s *Store) CommitWatermark(ctx context.Context, property, source, token string, lastDate time.Time, rowsTotal int64) error {
	if rowsTotal < 0 {
		return fmt.Errorf("negative row count %d for %s/%s", rowsTotal, property, source)
	}
	d := formatDate(lastDate)
	res, err := s.db.ExecContext(ctx, `
		UPDATE watermarks
		SET last_date = CASE WHEN last_date = '' OR ? > last_date THEN ? ELSE last_date END,
			rows_loaded = MAX(rows_loaded, ?),
			status = 'success', error_message = '', lock_token = '', locked_at = '', updated_at = ?
		WHERE property = ? AND source = ? AND lock_token = ? AND status = 'running'`,
		d, d, rowsTotal, formatTime(time.Now()), property, source, token)
	if err != nil {
		return fmt.Errorf("committing watermark %s/%s: %w", property, source, err)
	}
	return expectOne(res)
}

// FailWatermark records a failed run held under token, leaving the boundary
// and row counter untouched.
func (s *Store) FailWatermark(ctx context.Context, property, source, token, msg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE watermarks
		SET status = 'failed', error_message = ?, lock_token = '', locked_at = '', updated_at = ?
		WHERE property = ? AND source = ? AND lock_token = ? AND status = 'running'`,
		msg, formatTime(time.Now()), property, source, token)
	if err != nil {
		return fmt.Errorf("failing watermark %s/%s: %w", property, source, err)
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrConflict
	}
	return nil
}
