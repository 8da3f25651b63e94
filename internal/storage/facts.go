package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertResult counts how a batch landed: Inserted keys were new, Updated
// keys already existed and had their metric values overwritten.
type UpsertResult struct {
	Inserted int
	Updated  int
}

// Written is the total number of rows durably written.
func (r UpsertResult) Written() int { return r.Inserted + r.Updated }

// UpsertSearchFacts writes rows in a single transaction keyed on the natural
// key. Re-writing an existing key overwrites its metric values. Either every
// row is committed or none is.
func (s *Store) UpsertSearchFacts(ctx context.Context, rows []SearchFact) (UpsertResult, error) {
	var res UpsertResult
	if len(rows) == 0 {
		return res, nil
	}
	now := formatTime(time.Now())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ins, err := tx.PrepareContext(ctx, `
			INSERT INTO search_facts (date, property, page, query, country, device, clicks, impressions, ctr, position, loaded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(date, property, page, query, country, device) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("preparing search fact insert: %w", err)
		}
		defer ins.Close()
		upd, err := tx.PrepareContext(ctx, `
			UPDATE search_facts SET clicks = ?, impressions = ?, ctr = ?, position = ?, loaded_at = ?
			WHERE date = ? AND property = ? AND page = ? AND query = ? AND country = ? AND device = ?`)
		if err != nil {
			return fmt.Errorf("preparing search fact update: %w", err)
		}
		defer upd.Close()

		for _, r := range rows {
			date := formatDate(r.Date)
			result, err := ins.ExecContext(ctx,
				date, r.Property, r.Page, r.Query, r.Country, r.Device,
				r.Clicks, r.Impressions, r.CTR, r.Position, now,
			)
			if err != nil {
				return fmt.Errorf("inserting search fact %s/%s/%s: %w", date, r.Page, r.Query, err)
			}
			if n, _ := result.RowsAffected(); n == 1 {
				res.Inserted++
				continue
			}
			if _, err := upd.ExecContext(ctx,
				r.Clicks, r.Impressions, r.CTR, r.Position, now,
				date, r.Property, r.Page, r.Query, r.Country, r.Device,
			); err != nil {
				return fmt.Errorf("updating search fact %s/%s/%s: %w", date, r.Page, r.Query, err)
			}
			res.Updated++
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}

// UpsertBehaviorFacts is the behavior-source counterpart of UpsertSearchFacts.
func (s *Store) UpsertBehaviorFacts(ctx context.Context, rows []BehaviorFact) (UpsertResult, error) {
	var res UpsertResult
	if len(rows) == 0 {
		return res, nil
	}
	now := formatTime(time.Now())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ins, err := tx.PrepareContext(ctx, `
			INSERT INTO behavior_facts (date, property, page, sessions, engaged_sessions, conversions, loaded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(date, property, page) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("preparing behavior fact insert: %w", err)
		}
		defer ins.Close()
		upd, err := tx.PrepareContext(ctx, `
			UPDATE behavior_facts SET sessions = ?, engaged_sessions = ?, conversions = ?, loaded_at = ?
			WHERE date = ? AND property = ? AND page = ?`)
		if err != nil {
			return fmt.Errorf("preparing behavior fact update: %w", err)
		}
		defer upd.Close()

		for _, r := range rows {
			date := formatDate(r.Date)
			result, err := ins.ExecContext(ctx, date, r.Property, r.Page,
				r.Sessions, r.EngagedSessions, r.Conversions, now)
			if err != nil {
				return fmt.Errorf("inserting behavior fact %s/%s: %w", date, r.Page, err)
			}
			if n, _ := result.RowsAffected(); n == 1 {
				res.Inserted++
				continue
			}
			if _, err := upd.ExecContext(ctx, r.Sessions, r.EngagedSessions, r.Conversions, now,
				date, r.Property, r.Page); err != nil {
				return fmt.Errorf("updating behavior fact %s/%s: %w", date, r.Page, err)
			}
			res.Updated++
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}

// SearchFacts returns every stored search fact for property in key order.
func (s *Store) SearchFacts(ctx context.Context, property string) ([]SearchFact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, property, page, query, country, device, clicks, impressions, ctr, position
		FROM search_facts WHERE property = ?
		ORDER BY date, page, query, country, device`, property)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SearchFact
	for rows.Next() {
		var f SearchFact
		var date string
		if err := rows.Scan(&date, &f.Property, &f.Page, &f.Query, &f.Country, &f.Device,
			&f.Clicks, &f.Impressions, &f.CTR, &f.Position); err != nil {
			return nil, err
		}
		if f.Date, err = parseDate(date); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DailyPages rolls search facts up to one row per (date, page) for property,
// up to and including end, ordered by page then date. Clicks and impressions
// are summed; position is impression-weighted. Behavior facts dated up to
// behaviorEnd are left joined so pages without secondary data are kept with
// nil behavior fields; a zero behaviorEnd joins nothing.
func (s *Store) DailyPages(ctx context.Context, property string, end, behaviorEnd time.Time) ([]DailyPage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.date, f.page, f.clicks, f.impressions, f.position,
			b.sessions, b.engaged_sessions, b.conversions
		FROM (
			SELECT date, page,
				SUM(clicks) AS clicks,
				SUM(impressions) AS impressions,
				CASE WHEN SUM(impressions) > 0
					THEN SUM(position * impressions) / SUM(impressions)
					ELSE AVG(position) END AS position
			FROM search_facts
			WHERE property = ? AND date <= ?
			GROUP BY date, page
		) f
		LEFT JOIN behavior_facts b
			ON b.date = f.date AND b.property = ? AND b.page = f.page AND b.date <= ?
		ORDER BY f.page, f.date`,
		property, formatDate(end), property, formatDate(behaviorEnd),
	)
	if err != nil {
		return nil, fmt.Errorf("querying daily pages: %w", err)
	}
	defer rows.Close()

	var out []DailyPage
	for rows.Next() {
		var d DailyPage
		var date string
		var sessions, engaged, conversions sql.NullInt64
		if err := rows.Scan(&date, &d.Page, &d.Clicks, &d.Impressions, &d.Position,
			&sessions, &engaged, &conversions); err != nil {
			return nil, fmt.Errorf("scanning daily page: %w", err)
		}
		if d.Date, err = parseDate(date); err != nil {
			return nil, err
		}
		d.Property = property
		if d.Impressions > 0 {
			d.CTR = float64(d.Clicks) / float64(d.Impressions)
		}
		d.Sessions = nullInt(sessions)
		d.EngagedSessions = nullInt(engaged)
		d.Conversions = nullInt(conversions)
		out = append(out, d)
	}
	return out, rows.Err()
}

// TopQuery returns the query with the most clicks (then impressions) for a
// page within [from, to]. Returns ErrNotFound when the page has no facts.
func (s *Store) TopQuery(ctx context.Context, property, page string, from, to time.Time) (string, error) {
	var q string
	err := s.db.QueryRowContext(ctx, `
		SELECT query FROM search_facts
		WHERE property = ? AND page = ? AND date >= ? AND date <= ? AND query <> ''
		GROUP BY query
		ORDER BY SUM(clicks) DESC, SUM(impressions) DESC, query ASC
		LIMIT 1`,
		property, page, formatDate(from), formatDate(to),
	).Scan(&q)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return q, err
}

// Properties returns every property that has search facts.
func (s *Store) Properties(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT property FROM search_facts ORDER BY property`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// CountSearchFacts returns the number of stored search fact keys for property.
func (s *Store) CountSearchFacts(ctx context.Context, property string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM search_facts WHERE property = ?`, property).Scan(&n)
	return n, err
}

// CountBehaviorFacts returns the number of stored behavior fact keys for property.
func (s *Store) CountBehaviorFacts(ctx context.Context, property string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM behavior_facts WHERE property = ?`, property).Scan(&n)
	return n, err
}
