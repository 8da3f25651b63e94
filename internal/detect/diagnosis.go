package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/searchpulse/internal/serp"
	"github.com/kalambet/searchpulse/internal/storage"
)

// Lookup is the SERP collaborator the Diagnosis detector consults.
type Lookup interface {
	Available(ctx context.Context) bool
	Lookup(ctx context.Context, query, domain string) (serp.Result, error)
}

// QueryFinder resolves the query driving most traffic to a page.
type QueryFinder interface {
	TopQuery(ctx context.Context, property, page string, from, to time.Time) (string, error)
}

// maxCompetitors bounds how many competitors are kept as evidence.
const maxCompetitors = 5

// Diagnosis flags a sustained decline in average position: the
// 7-observation position average must be at least MinDecline worse than it
// was seven observations earlier, at each of the last Consecutive
// observations. Findings are enriched with competitive context when the
// lookup service is available and has quota; otherwise they are emitted
// with lower confidence and no competitive detail.
type Diagnosis struct {
	MinDecline  float64
	Consecutive int
	Queries     QueryFinder
	SERP        Lookup
	Logger      *slog.Logger
}

func (d Diagnosis) Category() storage.Category { return storage.CategoryDiagnosis }

const lag = 7

func (d Diagnosis) Scan(ctx context.Context, w Window) ([]storage.Insight, error) {
	k := max(d.Consecutive, 1)
	n := len(w.Rows)
	if _, ok := w.Latest(); !ok || n < lag+k {
		return nil, nil
	}

	decline := -1.0
	for i := n - k; i < n; i++ {
		delta := w.Rows[i].Position7d - w.Rows[i-lag].Position7d
		if delta < d.MinDecline {
			return nil, nil
		}
		if decline < 0 || delta < decline {
			decline = delta
		}
	}
	last := w.Rows[n-1]
	before := w.Rows[n-1-lag]

	base := clamp01(0.5 + decline/10)
	ev := map[string]any{
		"position_7d":       last.Position7d,
		"prior_position_7d": before.Position7d,
		"decline":           decline,
		"clicks_7d":         last.Clicks7d,
	}
	in := storage.Insight{
		Property:  w.Property,
		Page:      w.Page,
		Category:  storage.CategoryDiagnosis,
		Source:    "position_decline",
		Title:     fmt.Sprintf("Average position worsened by %.1f on %s", decline, w.Page),
		WindowEnd: w.End,
	}
	desc := fmt.Sprintf("The 7-day average position moved from %.1f to %.1f.", before.Position7d, last.Position7d)

	ctxInfo, reason := d.enrich(ctx, w)
	if ctxInfo != nil {
		in.Confidence = base
		ev["query"] = ctxInfo.query
		ev["target_position"] = ctxInfo.result.Position
		ev["competitors"] = ctxInfo.result.Competitors
		ev["features"] = ctxInfo.result.Features
		if len(ctxInfo.result.Features) > 0 {
			in.Source = "serp_features"
		}
		desc += fmt.Sprintf(" For %q the lookup returned %d competing results", ctxInfo.query, len(ctxInfo.result.Competitors))
		if len(ctxInfo.result.Features) > 0 {
			desc += fmt.Sprintf(" and the result page shows %v", ctxInfo.result.Features)
		}
		desc += "."
	} else {
		in.Confidence = clamp01(base * 0.6)
		ev["enrichment"] = reason
		desc += " Competitive context unavailable (" + reason + ")."
	}
	in.Description = desc
	in.Evidence = evidence(ev)
	return []storage.Insight{in}, nil
}

type serpContext struct {
	query  string
	result serp.Result
}

// enrich returns competitive context or, when none can be had, the reason.
func (d Diagnosis) enrich(ctx context.Context, w Window) (*serpContext, string) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.SERP == nil || d.Queries == nil {
		return nil, "lookup not configured"
	}

	query, err := d.Queries.TopQuery(ctx, w.Property, w.Page, w.End.AddDate(0, 0, -27), w.End)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "no query data"
	}
	if err != nil {
		logger.Warn("top query lookup failed", "property", w.Property, "page", w.Page, "error", err)
		return nil, "no query data"
	}

	if !d.SERP.Available(ctx) {
		return nil, "lookup unavailable or over quota"
	}

	res, err := d.SERP.Lookup(ctx, query, serp.TargetDomain(w.Property, w.Page))
	if err != nil {
		logger.Warn("serp lookup failed", "property", w.Property, "page", w.Page, "query", query, "error", err)
		return nil, "lookup failed"
	}
	if !res.Found() {
		return nil, "no match"
	}
	if len(res.Competitors) > maxCompetitors {
		res.Competitors = res.Competitors[:maxCompetitors]
	}
	return &serpContext{query: query, result: res}, ""
}
