package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/kalambet/searchpulse/internal/actions"
	"github.com/kalambet/searchpulse/internal/aggregate"
	"github.com/kalambet/searchpulse/internal/config"
	"github.com/kalambet/searchpulse/internal/detect"
	"github.com/kalambet/searchpulse/internal/feed"
	"github.com/kalambet/searchpulse/internal/insights"
	"github.com/kalambet/searchpulse/internal/loader"
	"github.com/kalambet/searchpulse/internal/retry"
	"github.com/kalambet/searchpulse/internal/serp"
	"github.com/kalambet/searchpulse/internal/storage"
	"github.com/kalambet/searchpulse/internal/worker"
)

// app holds every pipeline component built from one Config.
type app struct {
	cfg        config.Config
	store      *storage.Store
	insights   *insights.Store
	loader     *loader.Loader
	aggregator *aggregate.Aggregator
	engine     *detect.Engine
	actions    *actions.Generator
	search     feed.Search
	behavior   feed.Behavior
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func openApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Log.Level)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	catalog, err := actions.LoadCatalog(cfg.Actions.TemplatesFile)
	if err != nil {
		store.Close()
		return nil, err
	}

	logger := slog.Default()
	ins := insights.New(store, logger)
	return &app{
		cfg:        cfg,
		store:      store,
		insights:   ins,
		loader:     loader.New(store, loaderConfig(cfg.Loader, logger), logger),
		aggregator: aggregate.New(store, aggregate.Config{StaleAfter: cfg.Loader.StaleAfter}, logger),
		engine:     detect.NewEngine(store, ins, lookup(cfg.SERP, cfg.Loader, logger), detectConfig(cfg.Detect), logger),
		actions:    actions.New(store, catalog, actions.Config{ImpactCap: cfg.Actions.ImpactCap}, logger),
		search:     feed.Search{Dir: cfg.Feed.Dir},
		behavior:   feed.Behavior{Dir: cfg.Feed.Dir},
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		printWarning("closing storage: %v", err)
	}
}

func (a *app) handlers() map[string]worker.Handler {
	return worker.Handlers(worker.Deps{
		Loader:     a.loader,
		Search:     a.search,
		Behavior:   a.behavior,
		Aggregator: a.aggregator,
		Engine:     a.engine,
		Actions:    a.actions,
	})
}

func (a *app) pool() *worker.Pool {
	return worker.NewPool(a.store, a.handlers(), a.cfg.Worker.Concurrency, a.cfg.Worker.PollInterval, slog.Default())
}

// properties resolves the properties a command should cover: the explicit
// flag, the configured list, then every property with a feed directory.
func (a *app) properties(flag string) ([]string, error) {
	if flag != "" {
		return []string{flag}, nil
	}
	if list := a.cfg.Worker.PropertyList(); len(list) > 0 {
		return list, nil
	}
	return feed.Properties(a.cfg.Feed.Dir)
}

func loaderConfig(c config.LoaderConfig, logger *slog.Logger) loader.Config {
	return loader.Config{
		BatchSize:           c.BatchSize,
		RejectThreshold:     c.RejectThreshold,
		InitialLookbackDays: c.InitialLookbackDays,
		StaleAfter:          c.StaleAfter,
		Retry:               retry.Policy{Attempts: c.RetryAttempts, BaseDelay: c.RetryDelay, Logger: logger},
	}
}

func detectConfig(c config.DetectConfig) detect.Config {
	return detect.Config{
		AnomalyDropPct:       c.AnomalyDropPct,
		AnomalyConsecutive:   c.AnomalyConsecutive,
		OpportunityGrowthPct: c.OpportunityGrowthPct,
		CommensurateRatio:    c.CommensurateRatio,
		StrikingMin:          c.StrikingMin,
		StrikingMax:          c.StrikingMax,
		DiagnosisMinDecline:  c.DiagnosisMinDecline,
		DiagnosisConsecutive: c.DiagnosisConsecutive,
		LookbackDays:         c.LookbackDays,
		Concurrency:          c.Concurrency,
	}
}

// lookup returns the SERP client, or a disabled collaborator when no
// service is configured so diagnoses degrade instead of failing.
func lookup(c config.SERPConfig, lc config.LoaderConfig, logger *slog.Logger) detect.Lookup {
	if c.BaseURL == "" {
		return serp.Disabled{}
	}
	return serp.New(serp.Config{
		BaseURL:           c.BaseURL,
		APIKey:            c.APIKey,
		Timeout:           c.Timeout,
		RequestsPerSecond: c.RequestsPerSecond,
		Retry:             retry.Policy{Attempts: lc.RetryAttempts, BaseDelay: lc.RetryDelay, Logger: logger},
	}, logger)
}
