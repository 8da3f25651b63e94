// Package detect scans the unified metrics view and emits insights.
//
// Detectors are stateless and deterministic: given the same Window they
// return the same findings. The Engine owns loading windows, ordering the
// detectors and persisting what they find through the insight store.
package detect

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kalambet/searchpulse/internal/storage"
)

type Config struct {
	AnomalyDropPct     float64 // percent below baseline, e.g. 20
	AnomalyConsecutive int     // observations that must all breach

	OpportunityGrowthPct float64 // impression week-over-week growth, e.g. 50
	CommensurateRatio    float64 // clicks must grow at least this share of impression growth
	StrikingMin          float64
	StrikingMax          float64

	DiagnosisMinDecline  float64 // positions lost on the 7-observation average
	DiagnosisConsecutive int

	LookbackDays int // how much of the view to load per property
	Concurrency  int // properties scanned in parallel
}

func DefaultConfig() Config {
	return Config{
		AnomalyDropPct:       20,
		AnomalyConsecutive:   2,
		OpportunityGrowthPct: 50,
		CommensurateRatio:    0.5,
		StrikingMin:          11,
		StrikingMax:          20,
		DiagnosisMinDecline:  2,
		DiagnosisConsecutive: 2,
		LookbackDays:         90,
		Concurrency:          4,
	}
}

// Window is one page's date-ordered slice of the unified view, ending at
// the last committed aggregation boundary.
type Window struct {
	Property string
	Page     string
	End      time.Time
	Rows     []storage.MetricRow

	// Open lists categories that already have a non-terminal insight for
	// this page, including ones recorded earlier in the same sweep.
	Open map[storage.Category]bool
}

// Latest returns the last row if it falls on End.
func (w Window) Latest() (storage.MetricRow, bool) {
	if len(w.Rows) == 0 {
		return storage.MetricRow{}, false
	}
	last := w.Rows[len(w.Rows)-1]
	return last, last.Date.Equal(w.End)
}

// Detector is one rule-based scan over a Window.
type Detector interface {
	Category() storage.Category
	Scan(ctx context.Context, w Window) ([]storage.Insight, error)
}

func evidence(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
