package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ReplaceMetrics atomically replaces the unified metrics view for property
// over [start, end] with rows and records the pass in aggregation_runs.
// Readers never observe a partially written window.
func (s *Store) ReplaceMetrics(ctx context.Context, property string, start, end time.Time, rows []MetricRow) error {
	now := formatTime(time.Now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM unified_metrics WHERE property = ? AND date >= ? AND date <= ?`,
			property, formatDate(start), formatDate(end)); err != nil {
			return fmt.Errorf("clearing metrics window: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO unified_metrics (
				date, property, page, clicks, impressions, ctr, position,
				clicks_7d, impressions_7d, position_7d, clicks_28d, impressions_28d, position_28d,
				clicks_wow, impressions_wow, position_wow,
				sessions, engaged_sessions, conversions, engagement_rate, computed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing metrics insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range rows {
			if r.Property != property {
				return fmt.Errorf("metric row for %q in %q window", r.Property, property)
			}
			if _, err := stmt.ExecContext(ctx,
				formatDate(r.Date), r.Property, r.Page, r.Clicks, r.Impressions, r.CTR, r.Position,
				r.Clicks7d, r.Impressions7d, r.Position7d, r.Clicks28d, r.Impressions28d, r.Position28d,
				r.ClicksWoW, r.ImpressionsWoW, r.PositionWoW,
				r.Sessions, r.EngagedSessions, r.Conversions, r.EngagementRate, now,
			); err != nil {
				return fmt.Errorf("inserting metric %s/%s: %w", formatDate(r.Date), r.Page, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO aggregation_runs (property, window_start, window_end, rows_written, completed_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(property) DO UPDATE SET
				window_start = excluded.window_start,
				window_end = excluded.window_end,
				rows_written = excluded.rows_written,
				completed_at = excluded.completed_at`,
			property, formatDate(start), formatDate(end), len(rows), now); err != nil {
			return fmt.Errorf("recording aggregation run: %w", err)
		}
		return nil
	})
}

// GetAggregationRun returns the last committed aggregation pass for property.
func (s *Store) GetAggregationRun(ctx context.Context, property string) (AggregationRun, error) {
	var r AggregationRun
	var start, end, completed string
	err := s.db.QueryRowContext(ctx, `
		SELECT property, window_start, window_end, rows_written, completed_at
		FROM aggregation_runs WHERE property = ?`, property,
	).Scan(&r.Property, &start, &end, &r.RowsWritten, &completed)
	if err == sql.ErrNoRows {
		return AggregationRun{}, ErrNotFound
	}
	if err != nil {
		return AggregationRun{}, err
	}
	if r.WindowStart, err = parseDate(start); err != nil {
		return AggregationRun{}, err
	}
	if r.WindowEnd, err = parseDate(end); err != nil {
		return AggregationRun{}, err
	}
	if r.CompletedAt, err = parseTime(completed); err != nil {
		return AggregationRun{}, err
	}
	return r, nil
}

// Metrics returns unified metric rows for property in [from, to], ordered by
// page then date.
func (s *Store) Metrics(ctx context.Context, property string, from, to time.Time) ([]MetricRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, property, page, clicks, impressions, ctr, position,
			clicks_7d, impressions_7d, position_7d, clicks_28d, impressions_28d, position_28d,
			clicks_wow, impressions_wow, position_wow,
			sessions, engaged_sessions, conversions, engagement_rate
		FROM unified_metrics
		WHERE property = ? AND date >= ? AND date <= ?
		ORDER BY page, date`,
		property, formatDate(from), formatDate(to))
	if err != nil {
		return nil, fmt.Errorf("querying metrics: %w", err)
	}
	defer rows.Close()

	var out []MetricRow
	for rows.Next() {
		var r MetricRow
		var date string
		var cWoW, iWoW, pWoW, engRate sql.NullFloat64
		var sessions, engaged, conversions sql.NullInt64
		if err := rows.Scan(&date, &r.Property, &r.Page, &r.Clicks, &r.Impressions, &r.CTR, &r.Position,
			&r.Clicks7d, &r.Impressions7d, &r.Position7d, &r.Clicks28d, &r.Impressions28d, &r.Position28d,
			&cWoW, &iWoW, &pWoW, &sessions, &engaged, &conversions, &engRate); err != nil {
			return nil, fmt.Errorf("scanning metric row: %w", err)
		}
		if r.Date, err = parseDate(date); err != nil {
			return nil, err
		}
		r.ClicksWoW = nullFloat(cWoW)
		r.ImpressionsWoW = nullFloat(iWoW)
		r.PositionWoW = nullFloat(pWoW)
		r.Sessions = nullInt(sessions)
		r.EngagedSessions = nullInt(engaged)
		r.Conversions = nullInt(conversions)
		r.EngagementRate = nullFloat(engRate)
		out = append(out, r)
	}
	return out, rows.Err()
}
