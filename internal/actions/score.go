package actions

import (
	"encoding/json"
	"math"

	"github.com/kalambet/searchpulse/internal/storage"
)

var tierWeight = map[string]float64{
	"critical": 4,
	"high":     3,
	"medium":   2,
	"low":      1,
}

var tiers = []string{"low", "medium", "high", "critical"}

var effortWeight = map[string]float64{
	"low":    3,
	"medium": 2,
	"high":   1,
}

// escalateConfidence is the insight confidence at which a template's
// priority is raised one tier.
const escalateConfidence = 0.9

// Score is tier weight times inverse effort weight plus the impact
// contribution, which is estimatedClicks/100 capped at impactCap.
func Score(priority, effort string, estimatedClicks, impactCap float64) float64 {
	impact := math.Max(estimatedClicks, 0) / 100
	if impactCap > 0 {
		impact = math.Min(impact, impactCap)
	}
	return tierWeight[priority]*effortWeight[effort] + impact
}

func escalate(priority string, confidence float64) string {
	if confidence < escalateConfidence {
		return priority
	}
	for i, t := range tiers {
		if t == priority && i+1 < len(tiers) {
			return tiers[i+1]
		}
	}
	return priority
}

// Impact is the estimated-impact structure stored on an action.
type Impact struct {
	EstimatedWeeklyClicks float64 `json:"estimated_weekly_clicks"`
	Basis                 string  `json:"basis"`
	Confidence            float64 `json:"confidence"`
}

// estimateImpact derives weekly clicks at stake from the insight evidence.
func estimateImpact(in storage.Insight, t Template) Impact {
	var ev struct {
		Metric         string    `json:"metric"`
		Baseline       float64   `json:"baseline"`
		Observed       []float64 `json:"observed"`
		Clicks         float64   `json:"clicks"`
		ImpressionsWoW float64   `json:"impressions_wow"`
		ClicksWoW      float64   `json:"clicks_wow"`
		Clicks7d       float64   `json:"clicks_7d"`
		Decline        float64   `json:"decline"`
	}
	imp := Impact{Confidence: in.Confidence}
	if err := json.Unmarshal([]byte(in.Evidence), &ev); err != nil {
		imp.Basis = "no evidence"
		return imp
	}

	var clicks float64
	switch in.Category {
	case storage.CategoryAnomaly:
		if ev.Metric == "clicks" && len(ev.Observed) > 0 {
			var sum float64
			for _, v := range ev.Observed {
				sum += v
			}
			clicks = (ev.Baseline - sum/float64(len(ev.Observed))) * 7
			imp.Basis = "clicks below baseline"
		} else {
			imp.Basis = "impressions below baseline"
		}
	case storage.CategoryOpportunity:
		clicks = ev.Clicks * (ev.ImpressionsWoW - ev.ClicksWoW) / 100 * 7
		imp.Basis = "clicks lagging impression growth"
	case storage.CategoryDiagnosis:
		// One position is worth roughly a tenth of the page's clicks.
		clicks = ev.Clicks7d * 7 * math.Min(ev.Decline/10, 1)
		imp.Basis = "position decline"
	}
	imp.EstimatedWeeklyClicks = math.Round(math.Max(clicks, 0)*t.Impact.Multiplier*10) / 10
	return imp
}
