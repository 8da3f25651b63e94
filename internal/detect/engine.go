package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/searchpulse/internal/insights"
	"github.com/kalambet/searchpulse/internal/storage"
)

// Report summarizes one property sweep.
type Report struct {
	Property string `json:"property"`
	Pages    int    `json:"pages"`
	Created  int    `json:"created"`
	Merged   int    `json:"merged"`
	Promoted int    `json:"promoted"`
	Failed   int    `json:"failed"`
	Skipped  string `json:"skipped,omitempty"`
}

// Engine runs detectors over committed aggregation windows and records what
// they find. Detectors run in the order given; an anomaly recorded earlier
// in a sweep is visible to later detectors through Window.Open.
type Engine struct {
	store     *storage.Store
	insights  *insights.Store
	detectors []Detector
	cfg       Config
	logger    *slog.Logger
}

// NewEngine wires the standard detectors: Anomaly, then Opportunity, then
// Diagnosis. lookup may be nil to disable competitive enrichment.
func NewEngine(store *storage.Store, ins *insights.Store, lookup Lookup, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	diag := Diagnosis{
		MinDecline:  cfg.DiagnosisMinDecline,
		Consecutive: cfg.DiagnosisConsecutive,
		Queries:     store,
		SERP:        lookup,
		Logger:      logger,
	}
	return &Engine{
		store:    store,
		insights: ins,
		detectors: []Detector{
			Anomaly{DropPct: cfg.AnomalyDropPct, Consecutive: cfg.AnomalyConsecutive},
			Opportunity{
				GrowthPct:         cfg.OpportunityGrowthPct,
				CommensurateRatio: cfg.CommensurateRatio,
				StrikingMin:       cfg.StrikingMin,
				StrikingMax:       cfg.StrikingMax,
			},
			diag,
		},
		cfg:    cfg,
		logger: logger,
	}
}

// Run sweeps every property (all known properties when none are given)
// with bounded concurrency. Per-property failures are reported but do not
// stop the other properties; the first such error is returned.
func (e *Engine) Run(ctx context.Context, properties []string, only ...storage.Category) ([]Report, error) {
	if len(properties) == 0 {
		var err error
		if properties, err = e.store.Properties(ctx); err != nil {
			return nil, fmt.Errorf("listing properties: %w", err)
		}
	}

	reports := make([]Report, len(properties))
	var (
		mu       sync.Mutex
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.cfg.Concurrency, 1))
	for i, p := range properties {
		g.Go(func() error {
			rep, err := e.RunProperty(gctx, p, only...)
			reports[i] = rep
			if err != nil {
				e.logger.Error("detection sweep failed", "property", p, "error", err)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return reports, firstErr
}

// RunProperty sweeps one property. Only categories in only are scanned when
// it is non-empty.
func (e *Engine) RunProperty(ctx context.Context, property string, only ...storage.Category) (Report, error) {
	rep := Report{Property: property}

	run, err := e.store.GetAggregationRun(ctx, property)
	if errors.Is(err, storage.ErrNotFound) {
		rep.Skipped = "no completed aggregation"
		return rep, nil
	}
	if err != nil {
		return rep, err
	}
	end := run.WindowEnd

	rows, err := e.store.Metrics(ctx, property, end.AddDate(0, 0, 1-max(e.cfg.LookbackDays, 1)), end)
	if err != nil {
		return rep, err
	}
	series := groupByPage(rows)
	pages := make([]string, 0, len(series))
	for p := range series {
		pages = append(pages, p)
	}
	sort.Strings(pages)
	rep.Pages = len(pages)

	open := make(map[string]map[storage.Category]bool, len(pages))
	for _, c := range []storage.Category{storage.CategoryAnomaly, storage.CategoryOpportunity, storage.CategoryDiagnosis} {
		set, err := e.insights.OpenPages(ctx, property, c)
		if err != nil {
			return rep, fmt.Errorf("loading open %s insights: %w", c, err)
		}
		for p := range set {
			if open[p] == nil {
				open[p] = make(map[storage.Category]bool)
			}
			open[p][c] = true
		}
	}

	for _, d := range e.detectors {
		if !selected(d.Category(), only) {
			continue
		}
		for _, page := range pages {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			w := Window{Property: property, Page: page, End: end, Rows: series[page], Open: open[page]}
			found, err := d.Scan(ctx, w)
			if err != nil {
				rep.Failed++
				e.logger.Warn("detector failed", "detector", d.Category(), "property", property, "page", page, "error", err)
				continue
			}
			for _, in := range found {
				if err := e.record(ctx, &rep, in, open); err != nil {
					rep.Failed++
					e.logger.Warn("recording insight failed", "detector", d.Category(), "property", property, "page", page, "error", err)
				}
			}
		}
	}

	e.logger.Info("detection sweep complete",
		"property", property, "end", storage.FormatDay(end), "pages", rep.Pages,
		"created", rep.Created, "merged", rep.Merged, "promoted", rep.Promoted, "failed", rep.Failed)
	return rep, nil
}

func (e *Engine) record(ctx context.Context, rep *Report, in storage.Insight, open map[string]map[storage.Category]bool) error {
	saved, created, err := e.insights.Record(ctx, in)
	if err != nil {
		return err
	}
	if created {
		rep.Created++
	} else {
		rep.Merged++
	}
	if open[saved.Page] == nil {
		open[saved.Page] = make(map[storage.Category]bool)
	}
	open[saved.Page][saved.Category] = true

	if saved.Category == storage.CategoryDiagnosis {
		n, err := e.promoteAnomalies(ctx, saved)
		rep.Promoted += n
		return err
	}
	return nil
}

// promoteAnomalies moves NEW anomaly insights on the diagnosed page to
// DIAGNOSED.
func (e *Engine) promoteAnomalies(ctx context.Context, diag storage.Insight) (int, error) {
	list, err := e.insights.List(ctx, storage.InsightFilter{
		Property: diag.Property,
		Page:     diag.Page,
		Category: storage.CategoryAnomaly,
		Status:   storage.StatusNew,
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range list {
		if _, err := e.insights.Transition(ctx, a.ID, storage.StatusDiagnosed, "diagnosis "+diag.ID); err != nil {
			if errors.Is(err, insights.ErrIllegalTransition) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func groupByPage(rows []storage.MetricRow) map[string][]storage.MetricRow {
	out := make(map[string][]storage.MetricRow)
	for _, r := range rows {
		out[r.Page] = append(out[r.Page], r)
	}
	return out
}

func selected(c storage.Category, only []storage.Category) bool {
	if len(only) == 0 {
		return true
	}
	for _, o := range only {
		if o == c {
			return true
		}
	}
	return false
}
