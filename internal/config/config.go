// Package config resolves searchpulse settings from defaults, a JSON config
// file, a secrets file and SEARCHPULSE_* environment variables.
package config

import (
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Feed    FeedConfig
	Log     LogConfig
	Loader  LoaderConfig
	Detect  DetectConfig
	Actions ActionsConfig
	SERP    SERPConfig
	Worker  WorkerConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

type StorageConfig struct {
	DataDir string
}

// FeedConfig points at the directory holding per-property JSONL exports.
type FeedConfig struct {
	Dir string
}

type LogConfig struct {
	Level string
}

type LoaderConfig struct {
	BatchSize           int
	RejectThreshold     float64
	InitialLookbackDays int
	StaleAfter          time.Duration
	RetryAttempts       int
	RetryDelay          time.Duration
}

type DetectConfig struct {
	AnomalyDropPct       float64
	AnomalyConsecutive   int
	OpportunityGrowthPct float64
	CommensurateRatio    float64
	StrikingMin          float64
	StrikingMax          float64
	DiagnosisMinDecline  float64
	DiagnosisConsecutive int
	LookbackDays         int
	Concurrency          int
}

type ActionsConfig struct {
	ImpactCap     float64
	TemplatesFile string
}

type SERPConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
}

type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	Properties   string // comma-separated, scheduled daily
}

// PropertyList splits Worker.Properties into trimmed, non-empty names.
func (c WorkerConfig) PropertyList() []string {
	var out []string
	for _, p := range strings.Split(c.Properties, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Feed: FeedConfig{
			Dir: dataDir + "/feeds",
		},
		Log: LogConfig{
			Level: "info",
		},
		Loader: LoaderConfig{
			BatchSize:           500,
			RejectThreshold:     0.05,
			InitialLookbackDays: 90,
			StaleAfter:          30 * time.Minute,
			RetryAttempts:       3,
			RetryDelay:          500 * time.Millisecond,
		},
		Detect: DetectConfig{
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
		},
		Actions: ActionsConfig{
			ImpactCap: 3.0,
		},
		SERP: SERPConfig{
			Timeout:           10 * time.Second,
			RequestsPerSecond: 1,
		},
		Worker: WorkerConfig{
			Concurrency:  4,
			PollInterval: time.Second,
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/searchpulse/config.json, then applies SEARCHPULSE_*
// environment overrides. Secrets (the API token and the SERP key) are only
// read from the environment or from the secrets file at
// $XDG_DATA_HOME/searchpulse/secrets.json.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), fileSecrets{path: secretsFilePath()})
}

// secretStore abstracts secret lookup for testing.
type secretStore interface {
	Get(account string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	return cfg, nil
}
