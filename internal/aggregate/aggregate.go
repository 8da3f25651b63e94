// Package aggregate derives the unified per-page daily metrics view with
// rolling averages and week-over-week deltas.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/searchpulse/internal/loader"
	"github.com/kalambet/searchpulse/internal/storage"
)

// Window lengths, in observations.
const (
	ShortWindow = 7
	LongWindow  = 28
	WoWLag      = 7
)

var (
	// ErrNoCommittedData is returned when a property has no committed search
	// watermark to aggregate up to.
	ErrNoCommittedData = errors.New("no committed search data")
	// ErrIngestInProgress is returned while an ingestion run for the property
	// holds one of its watermarks. It clears once the run commits or fails.
	ErrIngestInProgress = errors.New("ingestion in progress")
)

type Config struct {
	// StaleAfter matches the loader's: a running claim older than this is
	// treated as abandoned.
	StaleAfter time.Duration
}

type Request struct {
	Property string
	Start    time.Time // zero means from the first observation
	End      time.Time // zero means the committed watermark boundary
}

type Result struct {
	Property string    `json:"property"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Rows     int       `json:"rows"`
}

type Aggregator struct {
	store  *storage.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(store *storage.Store, cfg Config, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	return &Aggregator{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// boundaries is the pair of watermarks a run reads under.
type boundaries struct {
	search, behavior storage.Watermark
}

func (b boundaries) same(o boundaries) bool {
	eq := func(x, y storage.Watermark) bool {
		return x.Status == y.Status && x.LastDate.Equal(y.LastDate) && x.UpdatedAt.Equal(y.UpdatedAt)
	}
	return eq(b.search, o.search) && eq(b.behavior, o.behavior)
}

// readBoundaries loads both watermarks of property and refuses while either
// is held by a live ingestion run.
func (a *Aggregator) readBoundaries(ctx context.Context, property string) (boundaries, error) {
	var b boundaries
	staleBefore := a.now().Add(-a.cfg.StaleAfter)
	for _, src := range []struct {
		name string
		dst  *storage.Watermark
	}{{loader.SourceSearch, &b.search}, {loader.SourceBehavior, &b.behavior}} {
		wm, err := a.store.GetWatermark(ctx, property, src.name)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return b, err
		}
		if wm.Status == storage.RunRunning && wm.LockedAt.After(staleBefore) {
			return b, fmt.Errorf("%w: %s %s", ErrIngestInProgress, property, src.name)
		}
		*src.dst = wm
	}
	return b, nil
}

// Run recomputes the unified view for req. The window end is clamped to the
// last committed search watermark and behavior data to the last committed
// behavior watermark. Run refuses to start while either source is being
// ingested, and fails if an ingestion run started while it was reading.
func (a *Aggregator) Run(ctx context.Context, req Request) (Result, error) {
	res := Result{Property: req.Property}

	before, err := a.readBoundaries(ctx, req.Property)
	if err != nil {
		return res, err
	}
	if before.search.LastDate.IsZero() {
		return res, fmt.Errorf("%w for %s", ErrNoCommittedData, req.Property)
	}

	end := before.search.LastDate
	if !req.End.IsZero() && storage.Day(req.End).Before(end) {
		end = storage.Day(req.End)
	}

	points, err := a.store.DailyPages(ctx, req.Property, end, before.behavior.LastDate)
	if err != nil {
		return res, err
	}

	after, err := a.readBoundaries(ctx, req.Property)
	if err != nil {
		return res, err
	}
	if !before.same(after) {
		return res, fmt.Errorf("%w: %s watermarks moved during aggregation", ErrIngestInProgress, req.Property)
	}

	start := storage.Day(req.Start)
	if req.Start.IsZero() {
		start = end
		for _, p := range points {
			if p.Date.Before(start) {
				start = p.Date
			}
		}
	}
	if start.After(end) {
		return res, fmt.Errorf("window start %s after end %s", storage.FormatDay(start), storage.FormatDay(end))
	}

	var rows []storage.MetricRow
	for _, r := range Compute(points) {
		if !r.Date.Before(start) {
			rows = append(rows, r)
		}
	}

	if err := a.store.ReplaceMetrics(ctx, req.Property, start, end, rows); err != nil {
		return res, fmt.Errorf("writing unified metrics: %w", err)
	}

	res.Start, res.End, res.Rows = start, end, len(rows)
	a.logger.Info("aggregation complete",
		"property", req.Property,
		"start", storage.FormatDay(start),
		"end", storage.FormatDay(end),
		"rows", len(rows))
	return res, nil
}

// Compute turns daily page points into unified metric rows. Points must be
// ordered by page then date, as storage.DailyPages returns them. Rolling
// averages use however many observations are available at the start of a
// series; week-over-week deltas are nil until WoWLag prior observations
// exist or when the prior value is zero.
func Compute(points []storage.DailyPage) []storage.MetricRow {
	out := make([]storage.MetricRow, 0, len(points))
	for start := 0; start < len(points); {
		end := start + 1
		for end < len(points) && points[end].Page == points[start].Page {
			end++
		}
		out = append(out, computeSeries(points[start:end])...)
		start = end
	}
	return out
}

func computeSeries(series []storage.DailyPage) []storage.MetricRow {
	n := len(series)
	clicks := make([]float64, n)
	impressions := make([]float64, n)
	position := make([]float64, n)
	for i, p := range series {
		clicks[i] = float64(p.Clicks)
		impressions[i] = float64(p.Impressions)
		position[i] = p.Position
	}

	rows := make([]storage.MetricRow, n)
	for i, p := range series {
		r := storage.MetricRow{
			Date:        p.Date,
			Property:    p.Property,
			Page:        p.Page,
			Clicks:      p.Clicks,
			Impressions: p.Impressions,
			CTR:         p.CTR,
			Position:    p.Position,

			Clicks7d:       trailingMean(clicks, i, ShortWindow),
			Impressions7d:  trailingMean(impressions, i, ShortWindow),
			Position7d:     trailingMean(position, i, ShortWindow),
			Clicks28d:      trailingMean(clicks, i, LongWindow),
			Impressions28d: trailingMean(impressions, i, LongWindow),
			Position28d:    trailingMean(position, i, LongWindow),

			ClicksWoW:      pctChange(clicks, i, WoWLag),
			ImpressionsWoW: pctChange(impressions, i, WoWLag),
			PositionWoW:    pctChange(position, i, WoWLag),

			Sessions:        p.Sessions,
			EngagedSessions: p.EngagedSessions,
			Conversions:     p.Conversions,
		}
		if p.Sessions != nil && p.EngagedSessions != nil && *p.Sessions > 0 {
			rate := float64(*p.EngagedSessions) / float64(*p.Sessions)
			r.EngagementRate = &rate
		}
		rows[i] = r
	}
	return rows
}

// trailingMean averages values[i-window+1..i], clipped at the series start.
func trailingMean(values []float64, i, window int) float64 {
	from := max(0, i-window+1)
	var sum float64
	for _, v := range values[from : i+1] {
		sum += v
	}
	return sum / float64(i+1-from)
}

// pctChange returns the percentage change of values[i] against values[i-lag].
func pctChange(values []float64, i, lag int) *float64 {
	if i < lag {
		return nil
	}
	prev := values[i-lag]
	if prev == 0 {
		return nil
	}
	v := (values[i] - prev) / prev * 100
	return &v
}
