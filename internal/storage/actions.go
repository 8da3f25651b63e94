package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const actionColumns = `a.id, a.insight_id, a.property, a.template, a.action_type, a.title, a.instructions,
	a.priority, a.effort, a.impact, a.score, a.status, a.outcome, a.created_at, a.updated_at, a.completed_at,
	i.confidence, i.created_at`

func scanAction(sc interface{ Scan(...any) error }) (Action, error) {
	var a Action
	var status, createdAt, updatedAt, completedAt, insightCreated string
	if err := sc.Scan(&a.ID, &a.InsightID, &a.Property, &a.Template, &a.ActionType, &a.Title, &a.Instructions,
		&a.Priority, &a.Effort, &a.Impact, &a.Score, &status, &a.Outcome, &createdAt, &updatedAt, &completedAt,
		&a.InsightConfidence, &insightCreated); err != nil {
		return Action{}, err
	}
	a.Status = ActionStatus(status)
	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return Action{}, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Action{}, err
	}
	if a.CompletedAt, err = parseTime(completedAt); err != nil {
		return Action{}, err
	}
	if a.InsightCreatedAt, err = parseTime(insightCreated); err != nil {
		return Action{}, err
	}
	return a, nil
}

// InsertAction stores a new action. A second open action for the same
// insight is rejected with ErrConflict.
func (s *Store) InsertAction(ctx context.Context, a Action) error {
	if a.Impact == "" {
		a.Impact = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actions (id, insight_id, property, template, action_type, title, instructions,
			priority, effort, impact, score, status, outcome, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.InsightID, a.Property, a.Template, a.ActionType, a.Title, a.Instructions,
		a.Priority, a.Effort, a.Impact, a.Score, string(a.Status), a.Outcome,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt), formatTime(a.CompletedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("inserting action: %w", err)
	}
	return nil
}

// GetAction returns the action with id or ErrNotFound.
func (s *Store) GetAction(ctx context.Context, id string) (Action, error) {
	a, err := scanAction(s.db.QueryRowContext(ctx, `
		SELECT `+actionColumns+` FROM actions a JOIN insights i ON i.id = a.insight_id
		WHERE a.id = ?`, id))
	if err == sql.ErrNoRows {
		return Action{}, ErrNotFound
	}
	return a, err
}

// OpenActionForInsight returns the pending or in-progress action generated
// for insightID, or ErrNotFound.
func (s *Store) OpenActionForInsight(ctx context.Context, insightID string) (Action, error) {
	a, err := scanAction(s.db.QueryRowContext(ctx, `
		SELECT `+actionColumns+` FROM actions a JOIN insights i ON i.id = a.insight_id
		WHERE a.insight_id = ? AND a.status IN ('pending', 'in_progress')`, insightID))
	if err == sql.ErrNoRows {
		return Action{}, ErrNotFound
	}
	return a, err
}

// ListActions returns actions ordered by score, then by the confidence of
// the source insight, then by the insight's age (oldest first).
func (s *Store) ListActions(ctx context.Context, f ActionFilter) ([]Action, error) {
	var where []string
	var args []any
	if f.Property != "" {
		where = append(where, "a.property = ?")
		args = append(args, f.Property)
	}
	if f.Status != "" {
		where = append(where, "a.status = ?")
		args = append(args, string(f.Status))
	}
	if !f.From.IsZero() {
		where = append(where, "a.created_at >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "a.created_at <= ?")
		args = append(args, formatTime(f.To))
	}
	query := `SELECT ` + actionColumns + ` FROM actions a JOIN insights i ON i.id = a.insight_id`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY a.score DESC, i.confidence DESC, i.created_at ASC, a.id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying actions: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateActionStatus moves action id from one status to another. Moving to
// completed also records outcome and the completion time. The update is
// conditional on the current status being from; otherwise ErrConflict.
func (s *Store) UpdateActionStatus(ctx context.Context, id string, from, to ActionStatus, outcome string, at time.Time) error {
	completedAt := ""
	if to == ActionCompleted {
		completedAt = formatTime(at)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE actions SET status = ?, outcome = CASE WHEN ? <> '' THEN ? ELSE outcome END,
			completed_at = CASE WHEN ? <> '' THEN ? ELSE completed_at END, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), outcome, outcome, completedAt, completedAt, formatTime(at), id, string(from))
	if err != nil {
		return fmt.Errorf("updating action %s: %w", id, err)
	}
	return expectOne(res)
}
