// Package actions turns insights into prioritized, templated work items and
// tracks them to completion.
package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/searchpulse/internal/locks"
	"github.com/kalambet/searchpulse/internal/storage"
)

var (
	// ErrOutcomeRequired is returned when completing without an outcome.
	ErrOutcomeRequired = errors.New("outcome required to complete an action")
	// ErrTerminal is returned when changing a completed or cancelled action.
	ErrTerminal = errors.New("action is already closed")
	// ErrInsightClosed is returned when generating for a resolved or
	// dismissed insight.
	ErrInsightClosed = errors.New("insight is closed")
)

// ParseStatus validates a user-supplied action status name.
func ParseStatus(s string) (storage.ActionStatus, error) {
	switch st := storage.ActionStatus(s); st {
	case storage.ActionPending, storage.ActionInProgress, storage.ActionCompleted, storage.ActionCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown action status %q", s)
}

// DefaultImpactCap bounds the impact contribution to a score.
const DefaultImpactCap = 3.0

type Config struct {
	ImpactCap float64
}

// Generator is the only writer of actions.
type Generator struct {
	store   *storage.Store
	catalog *Catalog
	cfg     Config
	locks   *locks.Keyed
	logger  *slog.Logger
	now     func() time.Time
}

func New(store *storage.Store, catalog *Catalog, cfg Config, logger *slog.Logger) *Generator {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if cfg.ImpactCap <= 0 {
		cfg.ImpactCap = DefaultImpactCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		store:   store,
		catalog: catalog,
		cfg:     cfg,
		locks:   locks.NewKeyed(),
		logger:  logger,
		now:     time.Now,
	}
}

// Generate returns the open action for insightID, creating it when none
// exists. The bool reports whether a new action was created.
func (g *Generator) Generate(ctx context.Context, insightID string) (storage.Action, bool, error) {
	unlock := g.locks.Lock(insightID)
	defer unlock()

	if a, err := g.store.OpenActionForInsight(ctx, insightID); err == nil {
		return a, false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.Action{}, false, err
	}

	in, err := g.store.GetInsight(ctx, insightID)
	if err != nil {
		return storage.Action{}, false, fmt.Errorf("loading insight %s: %w", insightID, err)
	}
	if in.Status.Terminal() {
		return storage.Action{}, false, fmt.Errorf("%w: %s is %s", ErrInsightClosed, in.ID, in.Status)
	}

	a := g.build(in)
	switch err := g.store.InsertAction(ctx, a); {
	case errors.Is(err, storage.ErrConflict):
		// Another process created it between our read and insert.
		existing, err := g.store.OpenActionForInsight(ctx, insightID)
		return existing, false, err
	case err != nil:
		return storage.Action{}, false, err
	}

	saved, err := g.store.GetAction(ctx, a.ID)
	if err != nil {
		return storage.Action{}, false, err
	}
	g.logger.Info("action created", "action", saved.ID, "insight", in.ID, "template", saved.Template,
		"priority", saved.Priority, "score", saved.Score)
	return saved, true, nil
}

func (g *Generator) build(in storage.Insight) storage.Action {
	t := g.catalog.Match(in)
	priority := escalate(t.Priority, in.Confidence)
	impact := estimateImpact(in, t)
	impactJSON, _ := json.Marshal(impact)
	now := g.now().UTC()
	return storage.Action{
		ID:           uuid.Must(uuid.NewV7()).String(),
		InsightID:    in.ID,
		Property:     in.Property,
		Template:     t.Name,
		ActionType:   t.ActionType,
		Title:        t.render(t.Title, in),
		Instructions: t.render(t.Instructions, in),
		Priority:     priority,
		Effort:       t.Effort,
		Impact:       string(impactJSON),
		Score:        Score(priority, t.Effort, impact.EstimatedWeeklyClicks, g.cfg.ImpactCap),
		Status:       storage.ActionPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Summary counts the outcome of GenerateForProperty.
type Summary struct {
	Property string `json:"property"`
	Created  int    `json:"created"`
	Existing int    `json:"existing"`
	Failed   int    `json:"failed"`
}

// GenerateForProperty generates actions for every open insight of property.
// Failures on single insights are logged and counted.
func (g *Generator) GenerateForProperty(ctx context.Context, property string) (Summary, error) {
	sum := Summary{Property: property}
	for _, st := range []storage.InsightStatus{storage.StatusNew, storage.StatusDiagnosed} {
		list, err := g.store.ListInsights(ctx, storage.InsightFilter{Property: property, Status: st})
		if err != nil {
			return sum, fmt.Errorf("listing %s insights: %w", st, err)
		}
		for _, in := range list {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			_, created, err := g.Generate(ctx, in.ID)
			switch {
			case err != nil:
				sum.Failed++
				g.logger.Warn("action generation failed", "insight", in.ID, "error", err)
			case created:
				sum.Created++
			default:
				sum.Existing++
			}
		}
	}
	return sum, nil
}

// Start moves a pending action to in_progress.
func (g *Generator) Start(ctx context.Context, id string) (storage.Action, error) {
	return g.move(ctx, id, storage.ActionInProgress, "")
}

// Cancel closes an open action without an outcome.
func (g *Generator) Cancel(ctx context.Context, id string) (storage.Action, error) {
	return g.move(ctx, id, storage.ActionCancelled, "")
}

// Complete closes an open action with outcome, which must be a non-empty
// JSON object. Completion is final.
func (g *Generator) Complete(ctx context.Context, id string, outcome json.RawMessage) (storage.Action, error) {
	trimmed := bytes.TrimSpace(outcome)
	var obj map[string]any
	if len(trimmed) == 0 || json.Unmarshal(trimmed, &obj) != nil || len(obj) == 0 {
		return storage.Action{}, ErrOutcomeRequired
	}
	return g.move(ctx, id, storage.ActionCompleted, string(trimmed))
}

func (g *Generator) move(ctx context.Context, id string, to storage.ActionStatus, outcome string) (storage.Action, error) {
	for attempt := 0; attempt < 3; attempt++ {
		a, err := g.store.GetAction(ctx, id)
		if err != nil {
			return storage.Action{}, err
		}
		if !a.Status.Open() {
			return a, fmt.Errorf("%w: %s is %s", ErrTerminal, id, a.Status)
		}
		if a.Status == to {
			return a, nil
		}
		err = g.store.UpdateActionStatus(ctx, id, a.Status, to, outcome, g.now().UTC())
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return storage.Action{}, err
		}
		g.logger.Info("action updated", "action", id, "from", a.Status, "to", to)
		return g.store.GetAction(ctx, id)
	}
	return storage.Action{}, fmt.Errorf("updating action %s: %w", id, storage.ErrConflict)
}

// List returns actions in priority order.
func (g *Generator) List(ctx context.Context, f storage.ActionFilter) ([]storage.Action, error) {
	return g.store.ListActions(ctx, f)
}

// Get returns one action.
func (g *Generator) Get(ctx context.Context, id string) (storage.Action, error) {
	return g.store.GetAction(ctx, id)
}
