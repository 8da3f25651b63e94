package detect

import (
	"context"
	"fmt"

	"github.com/kalambet/searchpulse/internal/storage"
)

// Opportunity flags week-over-week impression growth above GrowthPct that
// clicks did not keep up with. Pages with an open anomaly are skipped.
type Opportunity struct {
	GrowthPct         float64
	CommensurateRatio float64
	StrikingMin       float64
	StrikingMax       float64
}

func (o Opportunity) Category() storage.Category { return storage.CategoryOpportunity }

func (o Opportunity) Scan(_ context.Context, w Window) ([]storage.Insight, error) {
	if w.Open[storage.CategoryAnomaly] {
		return nil, nil
	}
	r, ok := w.Latest()
	if !ok || r.ImpressionsWoW == nil {
		return nil, nil
	}
	impGrowth := *r.ImpressionsWoW
	if impGrowth <= o.GrowthPct {
		return nil, nil
	}

	var clickGrowth float64
	switch {
	case r.ClicksWoW != nil:
		clickGrowth = *r.ClicksWoW
	case r.Clicks > 0:
		// Clicks grew from zero; treat as keeping pace.
		return nil, nil
	}
	if clickGrowth >= o.CommensurateRatio*impGrowth {
		return nil, nil
	}

	source := "impressions_growth"
	confidence := clamp01((impGrowth - clickGrowth) / 100)
	detail := ""
	striking := r.Position7d >= o.StrikingMin && r.Position7d <= o.StrikingMax
	if striking {
		source = "striking_distance"
		confidence = clamp01(confidence + 0.1)
		detail = fmt.Sprintf(" The page ranks at %.1f, within striking distance of the first page.", r.Position7d)
	}

	return []storage.Insight{{
		Property:   w.Property,
		Page:       w.Page,
		Category:   storage.CategoryOpportunity,
		Source:     source,
		Title:      fmt.Sprintf("Impressions up %.0f%% without matching clicks on %s", impGrowth, w.Page),
		Confidence: confidence,
		Description: fmt.Sprintf("Impressions grew %.1f%% week over week while clicks changed %.1f%%.%s",
			impGrowth, clickGrowth, detail),
		Evidence: evidence(map[string]any{
			"impressions_wow": impGrowth,
			"clicks_wow":      clickGrowth,
			"impressions":     r.Impressions,
			"clicks":          r.Clicks,
			"ctr":             r.CTR,
			"position_7d":     r.Position7d,
			"striking":        striking,
		}),
		WindowEnd: w.End,
	}}, nil
}
