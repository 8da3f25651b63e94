package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SEARCHPULSE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "SEARCHPULSE_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SEARCHPULSE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "feed.dir", typ: kString, env: "SEARCHPULSE_FEED_DIR",
		apply:   func(cfg *Config, v any) { cfg.Feed.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Feed.Dir },
	},
	{
		key: "log.level", typ: kString, env: "SEARCHPULSE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "loader.batch_size", typ: kInt, env: "SEARCHPULSE_LOADER_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Loader.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Loader.BatchSize },
	},
	{
		key: "loader.reject_threshold", typ: kFloat, env: "SEARCHPULSE_LOADER_REJECT_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Loader.RejectThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Loader.RejectThreshold },
	},
	{
		key: "loader.initial_lookback_days", typ: kInt, env: "SEARCHPULSE_LOADER_INITIAL_LOOKBACK_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Loader.InitialLookbackDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Loader.InitialLookbackDays },
	},
	{
		key: "loader.stale_after", typ: kDuration, env: "SEARCHPULSE_LOADER_STALE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Loader.StaleAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Loader.StaleAfter },
	},
	{
		key: "loader.retry_attempts", typ: kInt, env: "SEARCHPULSE_LOADER_RETRY_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Loader.RetryAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Loader.RetryAttempts },
	},
	{
		key: "loader.retry_delay", typ: kDuration, env: "SEARCHPULSE_LOADER_RETRY_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Loader.RetryDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Loader.RetryDelay },
	},
	{
		key: "detect.anomaly_drop_pct", typ: kFloat, env: "SEARCHPULSE_DETECT_ANOMALY_DROP_PCT",
		apply:   func(cfg *Config, v any) { cfg.Detect.AnomalyDropPct = v.(float64) },
		extract: func(cfg Config) any { return cfg.Detect.AnomalyDropPct },
	},
	{
		key: "detect.anomaly_consecutive", typ: kInt, env: "SEARCHPULSE_DETECT_ANOMALY_CONSECUTIVE",
		apply:   func(cfg *Config, v any) { cfg.Detect.AnomalyConsecutive = v.(int) },
		extract: func(cfg Config) any { return cfg.Detect.AnomalyConsecutive },
	},
	{
		key: "detect.opportunity_growth_pct", typ: kFloat, env: "SEARCHPULSE_DETECT_OPPORTUNITY_GROWTH_PCT",
		apply:   func(cfg *Config, v any) { cfg.Detect.OpportunityGrowthPct = v.(float64) },
		extract: func(cfg Config) any { return cfg.Detect.OpportunityGrowthPct },
	},
	{
		key: "detect.commensurate_ratio", typ: kFloat, env: "SEARCHPULSE_DETECT_COMMENSURATE_RATIO",
		apply:   func(cfg *Config, v any) { cfg.Detect.CommensurateRatio = v.(float64) },
		extract: func(cfg Config) any { return cfg.Detect.CommensurateRatio },
	},
	{
		key: "detect.striking_min", typ: kFloat, env: "SEARCHPULSE_DETECT_STRIKING_MIN",
		apply:   func(cfg *Config, v any) { cfg.Detect.StrikingMin = v.(float64) },
		extract: func(cfg Config) any { return cfg.Detect.StrikingMin },
	},
	{
		key: "detect.striking_max", typ: kFloat, env: "SEARCHPULSE_DETECT_STRIKING_MAX",
		apply:   func(cfg *Config, v any) { cfg.Detect.StrikingMax = v.(float64) },
		extract: func(cfg Config) any { return cfg.Detect.StrikingMax },
	},
	{
		key: "detect.diagnosis_min_decline", typ: kFloat, env: "SEARCHPULSE_DETECT_DIAGNOSIS_MIN_DECLINE",
		apply:   func(cfg *Config, v any) { cfg.Detect.DiagnosisMinDecline = v.(float64) },
		extract: func(cfg Config) any { return cfg.Detect.DiagnosisMinDecline },
	},
	{
		key: "detect.diagnosis_consecutive", typ: kInt, env: "SEARCHPULSE_DETECT_DIAGNOSIS_CONSECUTIVE",
		apply:   func(cfg *Config, v any) { cfg.Detect.DiagnosisConsecutive = v.(int) },
		extract: func(cfg Config) any { return cfg.Detect.DiagnosisConsecutive },
	},
	{
		key: "detect.lookback_days", typ: kInt, env: "SEARCHPULSE_DETECT_LOOKBACK_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Detect.LookbackDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Detect.LookbackDays },
	},
	{
		key: "detect.concurrency", typ: kInt, env: "SEARCHPULSE_DETECT_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Detect.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Detect.Concurrency },
	},
	{
		key: "actions.impact_cap", typ: kFloat, env: "SEARCHPULSE_ACTIONS_IMPACT_CAP",
		apply:   func(cfg *Config, v any) { cfg.Actions.ImpactCap = v.(float64) },
		extract: func(cfg Config) any { return cfg.Actions.ImpactCap },
	},
	{
		key: "actions.templates_file", typ: kString, env: "SEARCHPULSE_ACTIONS_TEMPLATES_FILE",
		apply:   func(cfg *Config, v any) { cfg.Actions.TemplatesFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Actions.TemplatesFile },
	},
	{
		key: "serp.base_url", typ: kString, env: "SEARCHPULSE_SERP_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.SERP.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.SERP.BaseURL },
	},
	{
		key: "serp.api_key", typ: kString, env: "SEARCHPULSE_SERP_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.SERP.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.SERP.APIKey },
	},
	{
		key: "serp.timeout", typ: kDuration, env: "SEARCHPULSE_SERP_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.SERP.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.SERP.Timeout },
	},
	{
		key: "serp.requests_per_second", typ: kFloat, env: "SEARCHPULSE_SERP_REQUESTS_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.SERP.RequestsPerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.SERP.RequestsPerSecond },
	},
	{
		key: "worker.concurrency", typ: kInt, env: "SEARCHPULSE_WORKER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Worker.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.Concurrency },
	},
	{
		key: "worker.poll_interval", typ: kDuration, env: "SEARCHPULSE_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "worker.properties", typ: kString, env: "SEARCHPULSE_WORKER_PROPERTIES",
		apply:   func(cfg *Config, v any) { cfg.Worker.Properties = v.(string) },
		extract: func(cfg Config) any { return cfg.Worker.Properties },
	},
}

// parse converts raw into the Go type of s.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
