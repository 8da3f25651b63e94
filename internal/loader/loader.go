// Package loader moves fact rows from external sources into the store under
// a per-(property, source) watermark.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/searchpulse/internal/locks"
	"github.com/kalambet/searchpulse/internal/retry"
	"github.com/kalambet/searchpulse/internal/storage"
)

// Source names used as the watermark key.
const (
	SourceSearch   = "gsc"
	SourceBehavior = "ga4"
)

var (
	// ErrRunInProgress is returned when another run holds the watermark.
	ErrRunInProgress = errors.New("ingestion run already in progress")
	// ErrRejectRateExceeded fails a run whose share of invalid rows is above
	// the configured threshold.
	ErrRejectRateExceeded = errors.New("reject rate exceeded")
	// ErrGap rejects a run that would start after the day following the
	// watermark, leaving days between them unloaded.
	ErrGap = errors.New("window leaves a gap after the watermark")
)

// Source fetches fact rows for a property over an inclusive date window.
// A source that could not decode some raw records returns the rows it did
// decode together with a *MalformedRows error; the loader counts those
// records as rejected and carries on. Any other error fails the fetch.
type Source[R any] interface {
	Name() string
	Fetch(ctx context.Context, property string, start, end time.Time) ([]R, error)
}

// MalformedRows lists raw records a Source could not decode.
type MalformedRows struct {
	Errs []error
}

func (e *MalformedRows) Error() string {
	switch len(e.Errs) {
	case 0:
		return "malformed records"
	case 1:
		return e.Errs[0].Error()
	}
	return fmt.Sprintf("%d malformed records, first: %v", len(e.Errs), e.Errs[0])
}

func (e *MalformedRows) Unwrap() []error { return e.Errs }

type Config struct {
	BatchSize           int
	RejectThreshold     float64 // fraction of fetched rows, e.g. 0.05
	InitialLookbackDays int
	StaleAfter          time.Duration
	Retry               retry.Policy
}

// Request selects the window of one run. A zero Start resumes from the day
// after the watermark; a zero End means yesterday (UTC). Once a watermark
// exists, Start may reach back to reload earlier days but not past the day
// after it.
type Request struct {
	Property string
	Start    time.Time
	End      time.Time
}

// Result summarizes a run.
type Result struct {
	Property string            `json:"property"`
	Source   string            `json:"source"`
	Start    time.Time         `json:"start"`
	End      time.Time         `json:"end"`
	Fetched  int               `json:"fetched"`
	Rejected int               `json:"rejected"`
	Inserted int               `json:"inserted"`
	Updated  int               `json:"updated"`
	Status   storage.RunStatus `json:"status"`
	Skipped  bool              `json:"skipped,omitempty"`
}

type Loader struct {
	store  *storage.Store
	locks  *locks.Keyed
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(store *storage.Store, cfg Config, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.InitialLookbackDays <= 0 {
		cfg.InitialLookbackDays = 30
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	return &Loader{
		store:  store,
		locks:  locks.NewKeyed(),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// LoadSearch runs one search-performance ingestion for req.Property.
func (l *Loader) LoadSearch(ctx context.Context, src Source[storage.SearchFact], req Request) (Result, error) {
	return run(ctx, l, src, sink[storage.SearchFact]{
		validate: validateSearch,
		write:    l.store.UpsertSearchFacts,
		count:    l.store.CountSearchFacts,
	}, req)
}

// LoadBehavior runs one behavior-metrics ingestion for req.Property.
func (l *Loader) LoadBehavior(ctx context.Context, src Source[storage.BehaviorFact], req Request) (Result, error) {
	return run(ctx, l, src, sink[storage.BehaviorFact]{
		validate: validateBehavior,
		write:    l.store.UpsertBehaviorFacts,
		count:    l.store.CountBehaviorFacts,
	}, req)
}

type sink[R any] struct {
	validate func(property string, start, end time.Time, r R) error
	write    func(context.Context, []R) (storage.UpsertResult, error)
	count    func(context.Context, string) (int64, error)
}

func run[R any](ctx context.Context, l *Loader, src Source[R], sk sink[R], req Request) (Result, error) {
	source := src.Name()
	res := Result{Property: req.Property, Source: source, Status: storage.RunRunning}
	if req.Property == "" {
		return res, fmt.Errorf("property is required")
	}

	unlock, ok := l.locks.TryLock(req.Property + "/" + source)
	if !ok {
		return res, ErrRunInProgress
	}
	defer unlock()

	token := uuid.Must(uuid.NewV7()).String()
	prior, err := l.store.ClaimWatermark(ctx, req.Property, source, token, l.now().Add(-l.cfg.StaleAfter))
	if errors.Is(err, storage.ErrConflict) {
		return res, ErrRunInProgress
	}
	if err != nil {
		return res, fmt.Errorf("claiming watermark: %w", err)
	}

	log := l.logger.With("property", req.Property, "source", source, "run", token)

	fail := func(cause error) (Result, error) {
		res.Status = storage.RunFailed
		// The failure must be recorded even when ctx is what caused it.
		if err := l.store.FailWatermark(context.WithoutCancel(ctx), req.Property, source, token, cause.Error()); err != nil {
			log.Error("recording failed run", "error", err)
		}
		log.Warn("ingestion run failed",
			"start", storage.FormatDay(res.Start), "end", storage.FormatDay(res.End),
			"inserted", res.Inserted, "updated", res.Updated, "rejected", res.Rejected,
			"error", cause)
		return res, cause
	}

	res.Start, res.End = l.window(req, prior)
	if next := prior.LastDate.AddDate(0, 0, 1); !prior.LastDate.IsZero() && res.Start.After(next) {
		return fail(fmt.Errorf("%w: start %s, next unloaded day %s",
			ErrGap, storage.FormatDay(res.Start), storage.FormatDay(next)))
	}
	if res.Start.After(res.End) {
		res.Skipped = true
		count, err := sk.count(ctx, req.Property)
		if err != nil {
			return fail(fmt.Errorf("counting facts: %w", err))
		}
		if err := l.store.CommitWatermark(ctx, req.Property, source, token, prior.LastDate, count); err != nil {
			return fail(fmt.Errorf("committing watermark: %w", err))
		}
		res.Status = storage.RunSuccess
		log.Info("ingestion up to date", "last_date", storage.FormatDay(prior.LastDate))
		return res, nil
	}

	var rows []R
	var malformed []error
	err = retry.Do(ctx, l.retryPolicy(), "fetch "+source, func(ctx context.Context) error {
		var ferr error
		rows, ferr = src.Fetch(ctx, req.Property, res.Start, res.End)
		var mr *MalformedRows
		if errors.As(ferr, &mr) {
			malformed = mr.Errs
			return nil
		}
		malformed = nil
		return ferr
	})
	if err != nil {
		return fail(fmt.Errorf("fetching %s rows: %w", source, err))
	}
	res.Fetched = len(rows) + len(malformed)
	for _, merr := range malformed {
		res.Rejected++
		log.Warn("rejected fact row", "reason", merr)
	}

	valid := make([]R, 0, len(rows))
	for i, r := range rows {
		if err := sk.validate(req.Property, res.Start, res.End, r); err != nil {
			res.Rejected++
			log.Warn("rejected fact row", "index", i, "reason", err)
			continue
		}
		valid = append(valid, r)
	}
	if res.Fetched > 0 && float64(res.Rejected)/float64(res.Fetched) > l.cfg.RejectThreshold {
		return fail(fmt.Errorf("%w: %d of %d rows rejected", ErrRejectRateExceeded, res.Rejected, res.Fetched))
	}

	for start := 0; start < len(valid); start += l.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		end := min(start+l.cfg.BatchSize, len(valid))
		var ur storage.UpsertResult
		err := retry.Do(ctx, l.retryPolicy(), "write "+source, func(ctx context.Context) error {
			var werr error
			ur, werr = sk.write(ctx, valid[start:end])
			return werr
		})
		if err != nil {
			return fail(fmt.Errorf("writing rows %d-%d: %w", start, end-1, err))
		}
		res.Inserted += ur.Inserted
		res.Updated += ur.Updated
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	count, err := sk.count(ctx, req.Property)
	if err != nil {
		return fail(fmt.Errorf("counting facts: %w", err))
	}
	if err := l.store.CommitWatermark(ctx, req.Property, source, token, res.End, count); err != nil {
		return fail(fmt.Errorf("committing watermark: %w", err))
	}
	res.Status = storage.RunSuccess
	log.Info("ingestion run complete",
		"start", storage.FormatDay(res.Start), "end", storage.FormatDay(res.End),
		"inserted", res.Inserted, "updated", res.Updated, "rejected", res.Rejected)
	return res, nil
}

func (l *Loader) window(req Request, prior storage.Watermark) (time.Time, time.Time) {
	end := storage.Day(req.End)
	if req.End.IsZero() {
		end = storage.Day(l.now()).AddDate(0, 0, -1)
	}
	start := storage.Day(req.Start)
	if req.Start.IsZero() {
		if prior.LastDate.IsZero() {
			start = end.AddDate(0, 0, 1-l.cfg.InitialLookbackDays)
		} else {
			start = prior.LastDate.AddDate(0, 0, 1)
		}
	}
	return start, end
}

func (l *Loader) retryPolicy() retry.Policy {
	p := l.cfg.Retry
	if p.Logger == nil {
		p.Logger = l.logger
	}
	return p
}
