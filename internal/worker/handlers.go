package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/searchpulse/internal/actions"
	"github.com/kalambet/searchpulse/internal/aggregate"
	"github.com/kalambet/searchpulse/internal/detect"
	"github.com/kalambet/searchpulse/internal/loader"
	"github.com/kalambet/searchpulse/internal/storage"
)

// Deps are the pipeline components the standard handlers drive.
type Deps struct {
	Loader     *loader.Loader
	Search     loader.Source[storage.SearchFact]
	Behavior   loader.Source[storage.BehaviorFact]
	Aggregator *aggregate.Aggregator
	Engine     *detect.Engine
	Actions    *actions.Generator
}

// Handlers maps every job type to its pipeline step.
func Handlers(d Deps) map[string]Handler {
	return map[string]Handler{
		JobIngest: func(ctx context.Context, p Payload) error {
			req, err := loaderRequest(p)
			if err != nil {
				return err
			}
			switch p.Source {
			case loader.SourceSearch:
				_, err = d.Loader.LoadSearch(ctx, d.Search, req)
			case loader.SourceBehavior:
				_, err = d.Loader.LoadBehavior(ctx, d.Behavior, req)
			default:
				err = fmt.Errorf("unknown source %q", p.Source)
			}
			return err
		},
		JobAggregate: func(ctx context.Context, p Payload) error {
			start, end, err := window(p)
			if err != nil {
				return err
			}
			_, err = d.Aggregator.Run(ctx, aggregate.Request{Property: p.Property, Start: start, End: end})
			return err
		},
		JobDetect: func(ctx context.Context, p Payload) error {
			_, err := d.Engine.RunProperty(ctx, p.Property)
			return err
		},
		JobGenerateActions: func(ctx context.Context, p Payload) error {
			_, err := d.Actions.GenerateForProperty(ctx, p.Property)
			return err
		},
	}
}

func loaderRequest(p Payload) (loader.Request, error) {
	start, end, err := window(p)
	return loader.Request{Property: p.Property, Start: start, End: end}, err
}

func window(p Payload) (start, end time.Time, err error) {
	if p.Property == "" {
		return start, end, fmt.Errorf("payload has no property")
	}
	if start, err = storage.ParseDay(p.Start); err != nil {
		return start, end, fmt.Errorf("bad start: %w", err)
	}
	if end, err = storage.ParseDay(p.End); err != nil {
		return start, end, fmt.Errorf("bad end: %w", err)
	}
	return start, end, nil
}
