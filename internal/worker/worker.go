// Package worker executes pipeline jobs from the SQLite queue on a bounded
// pool of goroutines.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/searchpulse/internal/storage"
)

// Job types.
const (
	JobIngest          = "ingest"
	JobAggregate       = "aggregate"
	JobDetect          = "detect"
	JobGenerateActions = "generate_actions"
)

// Types lists every job type the pool claims.
var Types = []string{JobIngest, JobAggregate, JobDetect, JobGenerateActions}

// Payload is the JSON body of every pipeline job.
type Payload struct {
	Property string `json:"property"`
	Source   string `json:"source,omitempty"`
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
	// Chain, when set, is the key of a daily run. Completing the job
	// enqueues the next pipeline stage under the same key.
	Chain string `json:"chain,omitempty"`
}

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// Handler executes one job.
type Handler func(ctx context.Context, p Payload) error

// Pool processes jobs with at most Concurrency running at once.
type Pool struct {
	store       JobStore
	handlers    map[string]Handler
	concurrency int
	poll        time.Duration
	logger      *slog.Logger
}

// NewPool creates a Pool. concurrency defaults to 1 and pollInterval to 1s.
func NewPool(store JobStore, handlers map[string]Handler, concurrency int, pollInterval time.Duration, logger *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:       store,
		handlers:    handlers,
		concurrency: concurrency,
		poll:        pollInterval,
		logger:      logger,
	}
}

// Run polls for jobs until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		g.Go(func() error {
			p.loop(gctx)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := p.RunOnce(ctx)
		if err != nil {
			p.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.poll):
		}
	}
}

// Drain processes runnable jobs, including follow-ups they enqueue, until
// none are left. It returns the number of jobs processed.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.concurrency)
		claimed := 0
		for {
			job, err := p.store.ClaimNextJob(ctx, Types)
			if err != nil {
				g.Wait()
				return total, fmt.Errorf("claiming job: %w", err)
			}
			if job == nil {
				break
			}
			claimed++
			g.Go(func() error {
				if err := p.process(gctx, job); err != nil {
					p.logger.Error("job bookkeeping failed", "job_id", job.ID, "error", err)
				}
				return nil
			})
		}
		g.Wait()
		total += claimed
		if claimed == 0 || ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.store.ClaimNextJob(ctx, Types)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	return true, p.process(ctx, job)
}

func (p *Pool) process(ctx context.Context, job *storage.Job) error {
	payload, err := p.execute(ctx, job)
	if err != nil {
		p.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "attempt", job.Attempts+1, "error", err)
		// Record the failure even when ctx was cancelled mid-job.
		if failErr := p.store.FailJob(context.WithoutCancel(ctx), job.ID, err.Error()); failErr != nil {
			p.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return nil
	}

	if err := p.store.CompleteJob(ctx, job.ID); err != nil {
		return fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	p.logger.Info("job completed", "job_id", job.ID, "type", job.Type, "property", payload.Property)

	if payload.Chain != "" {
		if err := p.enqueueNext(ctx, job.Type, payload); err != nil {
			return fmt.Errorf("enqueueing follow-up of %s: %w", job.ID, err)
		}
	}
	return nil
}

func (p *Pool) execute(ctx context.Context, job *storage.Job) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return payload, fmt.Errorf("parsing payload: %w", err)
	}
	h, ok := p.handlers[job.Type]
	if !ok {
		return payload, fmt.Errorf("no handler for job type %q", job.Type)
	}
	return payload, h(ctx, payload)
}

func (p *Pool) enqueueNext(ctx context.Context, jobType string, done Payload) error {
	next, ok := nextStage(jobType, done.Source)
	if !ok {
		return nil
	}
	payload := Payload{Property: done.Property, Source: next.source, Chain: done.Chain}
	err := enqueue(ctx, p.store, done.Chain+":"+next.key(), next.jobType, payload, time.Time{})
	if errors.Is(err, storage.ErrConflict) {
		return nil
	}
	return err
}

func enqueue(ctx context.Context, store JobStore, id, jobType string, payload Payload, runAfter time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return store.EnqueueJob(ctx, storage.Job{
		ID:          id,
		Type:        jobType,
		PayloadJSON: string(body),
		RunAfter:    runAfter,
	})
}
