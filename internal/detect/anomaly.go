package detect

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/searchpulse/internal/storage"
)

// Anomaly flags a page whose clicks or impressions sit more than DropPct
// below the 28-observation baseline for at least Consecutive observations in
// a row, ending at the window end. The baseline is the long average as of the
// observation just before the first low value, so a drop that lasts longer
// than Consecutive does not pull its own baseline down.
type Anomaly struct {
	DropPct     float64
	Consecutive int
}

func (a Anomaly) Category() storage.Category { return storage.CategoryAnomaly }

type anomalyMetric struct {
	name     string
	value    func(storage.MetricRow) float64
	baseline func(storage.MetricRow) float64
}

var anomalyMetrics = []anomalyMetric{
	{"clicks", func(r storage.MetricRow) float64 { return float64(r.Clicks) }, func(r storage.MetricRow) float64 { return r.Clicks28d }},
	{"impressions", func(r storage.MetricRow) float64 { return float64(r.Impressions) }, func(r storage.MetricRow) float64 { return r.Impressions28d }},
}

// breaches compares without dividing so an exact threshold drop is not a breach.
func (a Anomaly) breaches(cur, baseline float64) bool {
	return (baseline-cur)*100 > a.DropPct*baseline
}

// lowRun returns the earliest index i such that rows[i:] holds at least k
// observations, each breaching the baseline of rows[i-1].
func (a Anomaly) lowRun(rows []storage.MetricRow, m anomalyMetric, k int) (int, bool) {
	n := len(rows)
	for i := 1; i <= n-k; i++ {
		baseline := m.baseline(rows[i-1])
		if baseline <= 0 {
			continue
		}
		all := true
		for _, r := range rows[i:] {
			if !a.breaches(m.value(r), baseline) {
				all = false
				break
			}
		}
		if all {
			return i, true
		}
	}
	return 0, false
}

func (a Anomaly) Scan(_ context.Context, w Window) ([]storage.Insight, error) {
	k := max(a.Consecutive, 1)
	if _, ok := w.Latest(); !ok || len(w.Rows) < k+1 {
		return nil, nil
	}

	var best *storage.Insight
	var bestDrop float64
	for _, m := range anomalyMetrics {
		i, ok := a.lowRun(w.Rows, m, k)
		if !ok {
			continue
		}
		base := w.Rows[i-1]
		baseline := m.baseline(base)
		recent := w.Rows[i:]

		minDrop := -1.0
		observed := make([]float64, 0, len(recent))
		for _, r := range recent {
			cur := m.value(r)
			observed = append(observed, cur)
			drop := (baseline - cur) / baseline * 100
			if minDrop < 0 || drop < minDrop {
				minDrop = drop
			}
		}
		if minDrop <= bestDrop {
			continue
		}
		bestDrop = minDrop
		best = &storage.Insight{
			Property:   w.Property,
			Page:       w.Page,
			Category:   storage.CategoryAnomaly,
			Source:     m.name,
			Title:      fmt.Sprintf("%s down %.0f%% on %s", capitalize(m.name), minDrop, w.Page),
			Confidence: clamp01(minDrop / 50),
			Description: fmt.Sprintf("%s fell %.1f%% below the 28-day baseline of %.1f for %d consecutive days ending %s.",
				capitalize(m.name), minDrop, baseline, len(recent), storage.FormatDay(w.End)),
			Evidence: evidence(map[string]any{
				"metric":        m.name,
				"baseline":      baseline,
				"baseline_date": storage.FormatDay(base.Date),
				"observed":      observed,
				"drop_pct":      minDrop,
				"threshold_pct": a.DropPct,
			}),
			WindowEnd: w.End,
		}
	}
	if best == nil {
		return nil, nil
	}
	return []storage.Insight{*best}, nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
