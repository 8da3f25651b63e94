package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const insightColumns = `id, property, page, category, source, title, description, confidence, evidence, status, window_end, created_at, updated_at`

func scanInsight(sc interface{ Scan(...any) error }) (Insight, error) {
	var in Insight
	var category, status, windowEnd, createdAt, updatedAt string
	if err := sc.Scan(&in.ID, &in.Property, &in.Page, &category, &in.Source, &in.Title, &in.Description,
		&in.Confidence, &in.Evidence, &status, &windowEnd, &createdAt, &updatedAt); err != nil {
		return Insight{}, err
	}
	in.Category = Category(category)
	in.Status = InsightStatus(status)
	var err error
	if in.WindowEnd, err = parseDate(windowEnd); err != nil {
		return Insight{}, err
	}
	if in.CreatedAt, err = parseTime(createdAt); err != nil {
		return Insight{}, err
	}
	if in.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Insight{}, err
	}
	return in, nil
}

// NextTimestamp returns a time strictly after prior at the precision the
// store persists, preferring now when it already is.
func NextTimestamp(prior, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	prior = prior.UTC().Truncate(time.Microsecond)
	if now.After(prior) {
		return now
	}
	return prior.Add(time.Microsecond)
}

// UpsertOpenInsight inserts in as a NEW insight, or, when a non-terminal
// insight already exists for (Property, Page, Category), merges the
// detection fields into it without touching its status. The returned bool
// reports whether a new row was created.
func (s *Store) UpsertOpenInsight(ctx context.Context, in Insight) (Insight, bool, error) {
	var out Insight
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanInsight(tx.QueryRowContext(ctx, `
			SELECT `+insightColumns+` FROM insights
			WHERE property = ? AND page = ? AND category = ? AND status IN ('NEW', 'DIAGNOSED')`,
			in.Property, in.Page, string(in.Category)))
		switch {
		case err == sql.ErrNoRows:
			now := NextTimestamp(time.Time{}, time.Now())
			in.Status = StatusNew
			in.CreatedAt = now
			in.UpdatedAt = now
			if in.Evidence == "" {
				in.Evidence = "{}"
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO insights (`+insightColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				in.ID, in.Property, in.Page, string(in.Category), in.Source, in.Title, in.Description,
				in.Confidence, in.Evidence, string(in.Status), formatDate(in.WindowEnd),
				formatTime(in.CreatedAt), formatTime(in.UpdatedAt)); err != nil {
				if isUniqueViolation(err) {
					return ErrConflict
				}
				return fmt.Errorf("inserting insight: %w", err)
			}
			out, created = in, true
			return nil
		case err != nil:
			return fmt.Errorf("loading open insight: %w", err)
		}

		merged := existing
		merged.Source = in.Source
		merged.Title = in.Title
		merged.Description = in.Description
		merged.Confidence = in.Confidence
		if in.Evidence != "" {
			merged.Evidence = in.Evidence
		}
		if in.WindowEnd.After(merged.WindowEnd) {
			merged.WindowEnd = in.WindowEnd
		}
		merged.UpdatedAt = NextTimestamp(existing.UpdatedAt, time.Now())

		res, err := tx.ExecContext(ctx, `
			UPDATE insights SET source = ?, title = ?, description = ?, confidence = ?, evidence = ?,
				window_end = ?, updated_at = ?
			WHERE id = ? AND updated_at = ?`,
			merged.Source, merged.Title, merged.Description, merged.Confidence, merged.Evidence,
			formatDate(merged.WindowEnd), formatTime(merged.UpdatedAt),
			existing.ID, formatTime(existing.UpdatedAt))
		if err != nil {
			return fmt.Errorf("merging insight %s: %w", existing.ID, err)
		}
		if err := expectOne(res); err != nil {
			return err
		}
		out = merged
		return nil
	})
	if err != nil {
		return Insight{}, false, err
	}
	return out, created, nil
}

// GetInsight returns the insight with id or ErrNotFound.
func (s *Store) GetInsight(ctx context.Context, id string) (Insight, error) {
	in, err := scanInsight(s.db.QueryRowContext(ctx, `SELECT `+insightColumns+` FROM insights WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Insight{}, ErrNotFound
	}
	if err != nil {
		return Insight{}, err
	}
	return in, nil
}

// ListInsights returns insights matching f, newest first.
func (s *Store) ListInsights(ctx context.Context, f InsightFilter) ([]Insight, error) {
	var where []string
	var args []any
	if f.Property != "" {
		where = append(where, "property = ?")
		args = append(args, f.Property)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.Page != "" {
		where = append(where, "page = ?")
		args = append(args, f.Page)
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(f.To))
	}

	query := `SELECT ` + insightColumns + ` FROM insights`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying insights: %w", err)
	}
	defer rows.Close()

	var out []Insight
	for rows.Next() {
		in, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// OpenInsightPages returns the pages of property holding a non-terminal
// insight of category.
func (s *Store) OpenInsightPages(ctx context.Context, property string, category Category) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT page FROM insights
		WHERE property = ? AND category = ? AND status IN ('NEW', 'DIAGNOSED')`,
		property, string(category))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out[p] = true
	}
	return out, rows.Err()
}

// TransitionInsight moves insight id from status from to status to at the
// given time, and appends an audit row, in one transaction. The update is
// conditional on the insight still being in from with the updated_at the
// caller observed; otherwise ErrConflict is returned and nothing changes.
func (s *Store) TransitionInsight(ctx context.Context, id string, from, to InsightStatus, observed, at time.Time, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE insights SET status = ?, updated_at = ?
			WHERE id = ? AND status = ? AND updated_at = ?`,
			string(to), formatTime(at), id, string(from), formatTime(observed))
		if err != nil {
			return fmt.Errorf("updating insight status: %w", err)
		}
		if err := expectOne(res); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO insight_transitions (insight_id, from_status, to_status, reason, at)
			VALUES (?, ?, ?, ?, ?)`,
			id, string(from), string(to), reason, formatTime(at)); err != nil {
			return fmt.Errorf("recording transition: %w", err)
		}
		return nil
	})
}

// Transitions returns the audit trail of insight id, oldest first.
func (s *Store) Transitions(ctx context.Context, id string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT insight_id, from_status, to_status, reason, at
		FROM insight_transitions WHERE insight_id = ? ORDER BY at, rowid`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var from, to, at string
		if err := rows.Scan(&t.InsightID, &from, &to, &t.Reason, &at); err != nil {
			return nil, err
		}
		t.From, t.To = InsightStatus(from), InsightStatus(to)
		if t.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
