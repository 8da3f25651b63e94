package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/searchpulse/internal/loader"
	"github.com/kalambet/searchpulse/internal/storage"
)

type stage struct {
	jobType string
	source  string
}

func (s stage) key() string {
	if s.source != "" {
		return s.jobType + "-" + s.source
	}
	return s.jobType
}

// pipeline is the per-property order of a daily run.
var pipeline = []stage{
	{JobIngest, loader.SourceSearch},
	{JobIngest, loader.SourceBehavior},
	{JobAggregate, ""},
	{JobDetect, ""},
	{JobGenerateActions, ""},
}

func nextStage(jobType, source string) (stage, bool) {
	for i, s := range pipeline {
		if s.jobType == jobType && s.source == source && i+1 < len(pipeline) {
			return pipeline[i+1], true
		}
	}
	return stage{}, false
}

// Scheduler enqueues daily pipeline runs.
type Scheduler struct {
	store  JobStore
	logger *slog.Logger
	now    func() time.Time
}

func NewScheduler(store JobStore, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: store, logger: logger, now: time.Now}
}

// EnqueueDaily starts today's run for each property by enqueueing its first
// stage. Later stages are enqueued as earlier ones complete, so a property's
// stages never overlap while different properties run in parallel. Calling
// it twice on the same day is a no-op. It returns the number of runs started.
func (s *Scheduler) EnqueueDaily(ctx context.Context, properties []string) (int, error) {
	today := storage.FormatDay(s.now())
	first := pipeline[0]
	started := 0
	for _, prop := range properties {
		chain := fmt.Sprintf("daily:%s:%s", today, prop)
		err := enqueue(ctx, s.store, chain+":"+first.key(), first.jobType,
			Payload{Property: prop, Source: first.source, Chain: chain}, time.Time{})
		if errors.Is(err, storage.ErrConflict) {
			s.logger.Debug("daily run already scheduled", "property", prop, "day", today)
			continue
		}
		if err != nil {
			return started, fmt.Errorf("scheduling %s: %w", prop, err)
		}
		started++
	}
	s.logger.Info("daily runs scheduled", "day", today, "started", started, "properties", len(properties))
	return started, nil
}
