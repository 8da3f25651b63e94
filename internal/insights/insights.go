// Package insights owns insight persistence and the status state machine.
package insights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/searchpulse/internal/locks"
	"github.com/kalambet/searchpulse/internal/storage"
)

// ErrIllegalTransition is returned for any status change outside the
// lifecycle graph.
var ErrIllegalTransition = errors.New("illegal insight transition")

// ErrInvalidInsight is returned by Record for malformed detections.
var ErrInvalidInsight = errors.New("invalid insight")

var legal = map[storage.InsightStatus][]storage.InsightStatus{
	storage.StatusNew:       {storage.StatusDiagnosed, storage.StatusResolved, storage.StatusDismissed},
	storage.StatusDiagnosed: {storage.StatusResolved, storage.StatusDismissed},
}

// Legal reports whether from -> to is an allowed transition.
func Legal(from, to storage.InsightStatus) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseStatus validates a user-supplied status name.
func ParseStatus(s string) (storage.InsightStatus, error) {
	switch st := storage.InsightStatus(s); st {
	case storage.StatusNew, storage.StatusDiagnosed, storage.StatusResolved, storage.StatusDismissed:
		return st, nil
	}
	return "", fmt.Errorf("unknown insight status %q", s)
}

// Store is the only writer of insights.
type Store struct {
	st     *storage.Store
	locks  *locks.Keyed
	logger *slog.Logger
	now    func() time.Time
}

func New(st *storage.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{st: st, locks: locks.NewKeyed(), logger: logger, now: time.Now}
}

// Record stores a detection as a NEW insight, or merges it into the open
// insight with the same (property, page, category). The bool reports
// whether a new insight was created. Calls for the same key are serialized.
func (s *Store) Record(ctx context.Context, in storage.Insight) (storage.Insight, bool, error) {
	if err := validate(in); err != nil {
		return storage.Insight{}, false, err
	}
	if in.ID == "" {
		in.ID = uuid.Must(uuid.NewV7()).String()
	}

	unlock := s.locks.Lock(in.Property + "|" + in.Page + "|" + string(in.Category))
	defer unlock()

	out, created, err := s.st.UpsertOpenInsight(ctx, in)
	if errors.Is(err, storage.ErrConflict) {
		// Lost an insert race with another process; the row now exists.
		out, created, err = s.st.UpsertOpenInsight(ctx, in)
	}
	if err != nil {
		return storage.Insight{}, false, fmt.Errorf("recording insight: %w", err)
	}
	if created {
		s.logger.Info("insight created", "id", out.ID, "property", out.Property, "page", out.Page,
			"category", out.Category, "confidence", out.Confidence)
	} else {
		s.logger.Debug("insight merged", "id", out.ID, "category", out.Category, "confidence", out.Confidence)
	}
	return out, created, nil
}

func validate(in storage.Insight) error {
	switch in.Category {
	case storage.CategoryAnomaly, storage.CategoryOpportunity, storage.CategoryDiagnosis:
	default:
		return fmt.Errorf("%w: unknown category %q", ErrInvalidInsight, in.Category)
	}
	if in.Property == "" || in.Page == "" {
		return fmt.Errorf("%w: property and page are required", ErrInvalidInsight)
	}
	if math.IsNaN(in.Confidence) || in.Confidence < 0 || in.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidInsight, in.Confidence)
	}
	return nil
}

// Transition moves insight id to status to. It returns the audit record with
// the prior and new state. Illegal moves fail with ErrIllegalTransition and
// change nothing.
func (s *Store) Transition(ctx context.Context, id string, to storage.InsightStatus, reason string) (storage.Transition, error) {
	for attempt := 0; attempt < 3; attempt++ {
		cur, err := s.st.GetInsight(ctx, id)
		if err != nil {
			return storage.Transition{}, err
		}
		if !Legal(cur.Status, to) {
			return storage.Transition{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur.Status, to)
		}

		at := storage.NextTimestamp(cur.UpdatedAt, s.now())
		err = s.st.TransitionInsight(ctx, id, cur.Status, to, cur.UpdatedAt, at, reason)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return storage.Transition{}, err
		}
		s.logger.Info("insight transition", "id", id, "from", cur.Status, "to", to, "reason", reason)
		return storage.Transition{InsightID: id, From: cur.Status, To: to, Reason: reason, At: at}, nil
	}
	return storage.Transition{}, fmt.Errorf("transitioning insight %s: %w", id, storage.ErrConflict)
}

func (s *Store) Get(ctx context.Context, id string) (storage.Insight, error) {
	return s.st.GetInsight(ctx, id)
}

func (s *Store) List(ctx context.Context, f storage.InsightFilter) ([]storage.Insight, error) {
	return s.st.ListInsights(ctx, f)
}

// History returns the transition audit trail of insight id.
func (s *Store) History(ctx context.Context, id string) ([]storage.Transition, error) {
	return s.st.Transitions(ctx, id)
}

// OpenPages returns pages of property with a non-terminal insight of category.
func (s *Store) OpenPages(ctx context.Context, property string, category storage.Category) (map[string]bool, error) {
	return s.st.OpenInsightPages(ctx, property, category)
}
