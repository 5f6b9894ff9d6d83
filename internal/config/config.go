// Package config loads the §6 "Environment knobs" from a TOML file and
// watches it for changes so that non-identity-affecting knobs (lane
// concurrency, per-host delay, budgets, toggles) can be hot-reloaded
// without restarting a long-running run.
package config

import (
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// LaneConcurrency holds the bounded worker-pool size for each of the four
// named lanes from §5.
type LaneConcurrency struct {
	Search int `toml:"search"`
	Fetch  int `toml:"fetch"`
	Parse  int `toml:"parse"`
	LLM    int `toml:"llm"`
}

// RoleModel configures one LLM Router role (§4.8).
type RoleModel struct {
	Provider       string `toml:"provider"`
	Model          string `toml:"model"`
	FallbackModel  string `toml:"fallback_model"`
	TokenBudget    int    `toml:"token_budget"`
}

// Convergence holds the Run Orchestrator's stop-condition thresholds
// (§4.12).
type Convergence struct {
	MaxRounds             int           `toml:"max_rounds"`
	NoProgressLimit       int           `toml:"no_progress_limit"`
	MaxLowQualityRounds   int           `toml:"max_low_quality_rounds"`
	ConfidenceGate        float64       `toml:"confidence_gate"`
	WallClockBudget       time.Duration `toml:"wall_clock_budget"`
}

// Config is the full set of environment knobs.
type Config struct {
	Lanes             LaneConcurrency     `toml:"lanes"`
	PerHostMinDelayMS int                 `toml:"per_host_min_delay_ms"`
	FetchRetryBudget  int                 `toml:"fetch_retry_budget"`
	HeadlessEnabled   bool                `toml:"headless_enabled"`
	OCREnabled        bool                `toml:"ocr_enabled"`
	SearchProvider    string              `toml:"search_provider"`
	SearchEndpoint    string              `toml:"search_endpoint"`
	SearchAPIKey      string              `toml:"search_api_key"`
	Roles             map[string]RoleModel `toml:"roles"`
	Convergence       Convergence         `toml:"convergence"`
}

// Default returns conservative defaults matching spec.md's implied
// politeness posture.
func Default() Config {
	return Config{
		Lanes:             LaneConcurrency{Search: 4, Fetch: 8, Parse: 4, LLM: 4},
		PerHostMinDelayMS: 1500,
		FetchRetryBudget:  3,
		HeadlessEnabled:   true,
		OCREnabled:        true,
		SearchProvider:    "deterministic",
		Roles: map[string]RoleModel{
			"plan":      {Provider: "vertex", Model: "gemini-flash", TokenBudget: 4000},
			"fast":      {Provider: "vertex", Model: "gemini-flash", TokenBudget: 2000},
			"triage":    {Provider: "bedrock", Model: "anthropic.claude-haiku", TokenBudget: 2000},
			"reasoning": {Provider: "anthropic", Model: "claude-opus", FallbackModel: "anthropic.claude-sonnet", TokenBudget: 8000},
			"extract":   {Provider: "anthropic", Model: "claude-sonnet", FallbackModel: "anthropic.claude-haiku", TokenBudget: 6000},
			"validate":  {Provider: "anthropic", Model: "claude-sonnet", FallbackModel: "anthropic.claude-haiku", TokenBudget: 4000},
			"write":     {Provider: "vertex", Model: "gemini-flash", TokenBudget: 2000},
		},
		Convergence: Convergence{
			MaxRounds:           8,
			NoProgressLimit:     2,
			MaxLowQualityRounds: 3,
			ConfidenceGate:      0.75,
			WallClockBudget:     20 * time.Minute,
		},
	}
}

// Loader loads Config from a TOML file and watches it for changes.
type Loader struct {
	path string
	log  logr.Logger

	mu  sync.RWMutex
	cur Config
}

// NewLoader loads the file once and returns a Loader holding the parsed
// Config. An unreadable file is not an error — Default() is kept and the
// caller can still start a watch for when the file appears.
func NewLoader(path string, log logr.Logger) (*Loader, error) {
	l := &Loader{path: path, log: log, cur: Default()}
	if err := l.reload(); err != nil {
		log.Info("config: using defaults, failed to load file", "path", path, "error", err.Error())
	}
	return l, nil
}

func (l *Loader) reload() error {
	cfg := Default()
	if _, err := toml.DecodeFile(l.path, &cfg); err != nil {
		return err
	}
	l.mu.Lock()
	l.cur = cfg
	l.mu.Unlock()
	return nil
}

// Current returns the most recently loaded Config.
func (l *Loader) Current() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}

// Watch starts an fsnotify watch on the config file, reloading on every
// write or create event until the returned stop() is called. Errors reloading are logged, not fatal — the last
// good Config is kept.
func (l *Loader) Watch() (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(l.path); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := l.reload(); err != nil {
						l.log.Info("config: reload failed, keeping previous config", "error", err.Error())
					} else {
						l.log.Info("config: reloaded", "path", l.path)
					}
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.log.Info("config: watch error", "error", werr.Error())
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}
