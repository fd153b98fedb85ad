// Package config defines acf configuration. Values are resolved once at
// startup (file + environment overrides) and passed into components as plain
// values; no component reads configuration globally.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can say "800ms" or "2m".
type Duration time.Duration

// UnmarshalYAML parses Go duration syntax.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders Go duration syntax.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ExtendFailurePolicy governs what happens when a mid-turn lease renewal
// fails while genuine work is still in progress.
type ExtendFailurePolicy string

const (
	// ExtendFailFast fails the turn on the first renewal failure.
	ExtendFailFast ExtendFailurePolicy = "fail_fast"
	// ExtendRetryThenFail retries renewal a bounded number of times before
	// failing the turn.
	ExtendRetryThenFail ExtendFailurePolicy = "retry_then_fail"
)

// Config holds all acf configuration.
type Config struct {
	Mutex        MutexConfig        `yaml:"mutex"`
	Accumulation AccumulationConfig `yaml:"accumulation"`
	Idempotency  IdempotencyConfig  `yaml:"idempotency"`
	Store        StoreConfig        `yaml:"store"`
	Workflow     WorkflowConfig     `yaml:"workflow"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// MutexConfig configures the session mutex.
type MutexConfig struct {
	// LeaseDuration is the hard server-side expiry of a held lock.
	LeaseDuration Duration `yaml:"lease_duration"`
	// WaitTimeout bounds how long an acquire blocks behind a running turn.
	WaitTimeout Duration `yaml:"wait_timeout"`
	// ExtendFailurePolicy governs lease-renewal failures mid-turn.
	ExtendFailurePolicy ExtendFailurePolicy `yaml:"extend_failure_policy"`
	// ExtendRetries bounds renewal retries under retry_then_fail.
	ExtendRetries int `yaml:"extend_retries"`
}

// AccumulationConfig configures the turn accumulator.
type AccumulationConfig struct {
	// ChannelWindows maps a channel name to its base accumulation window.
	ChannelWindows map[string]Duration `yaml:"channel_windows"`
	// DefaultWindow applies to channels without an explicit entry.
	DefaultWindow Duration `yaml:"default_window"`
	// MinWindow and MaxWindow clamp the adaptive window.
	MinWindow Duration `yaml:"min_window"`
	MaxWindow Duration `yaml:"max_window"`
	// HintWeight is the blend weight of the previous turn's follow-up hint
	// against the channel base window.
	HintWeight float64 `yaml:"hint_weight"`
	// FragmentFactor shortens the window after a fragment-like message;
	// SentenceFactor lengthens it after a complete sentence.
	FragmentFactor float64 `yaml:"fragment_factor"`
	SentenceFactor float64 `yaml:"sentence_factor"`
}

// Window returns the base window for a channel.
func (a AccumulationConfig) Window(channel string) time.Duration {
	if w, ok := a.ChannelWindows[channel]; ok {
		return w.Std()
	}
	return a.DefaultWindow.Std()
}

// IdempotencyConfig sets per-layer TTLs.
type IdempotencyConfig struct {
	RequestTTL      Duration `yaml:"request_ttl"`
	TurnTTL         Duration `yaml:"turn_ttl"`
	ActionTTL       Duration `yaml:"action_ttl"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres
	DSN    string `yaml:"dsn"`
}

// WorkflowConfig configures the orchestrator.
type WorkflowConfig struct {
	// StepRetries is the retry budget per durable step.
	StepRetries int `yaml:"step_retries"`
	// RetryBackoff is the base delay between step retries.
	RetryBackoff Duration `yaml:"retry_backoff"`
	// TreatCompensatableAsCommit makes expensive-to-undo compensatable
	// effects set the commit point, not just irreversible ones.
	TreatCompensatableAsCommit bool `yaml:"treat_compensatable_as_commit"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSONFormat bool   `yaml:"json_format"`
}

// DefaultConfig returns production defaults. Channel windows follow the
// shipped channel set; unknown channels fall back to DefaultWindow.
func DefaultConfig() Config {
	return Config{
		Mutex: MutexConfig{
			LeaseDuration:       Duration(30 * time.Second),
			WaitTimeout:         Duration(5 * time.Second),
			ExtendFailurePolicy: ExtendRetryThenFail,
			ExtendRetries:       1,
		},
		Accumulation: AccumulationConfig{
			ChannelWindows: map[string]Duration{
				"web":   Duration(800 * time.Millisecond),
				"chat":  Duration(800 * time.Millisecond),
				"sms":   Duration(5 * time.Second),
				"email": Duration(2 * time.Minute),
			},
			DefaultWindow:  Duration(1 * time.Second),
			MinWindow:      Duration(200 * time.Millisecond),
			MaxWindow:      Duration(5 * time.Minute),
			HintWeight:     0.3,
			FragmentFactor: 0.5,
			SentenceFactor: 1.5,
		},
		Idempotency: IdempotencyConfig{
			RequestTTL:      Duration(5 * time.Minute),
			TurnTTL:         Duration(1 * time.Minute),
			ActionTTL:       Duration(6 * time.Hour),
			CleanupInterval: Duration(10 * time.Minute),
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "acf.db",
		},
		Workflow: WorkflowConfig{
			StepRetries:  2,
			RetryBackoff: Duration(250 * time.Millisecond),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// defaults unchanged; environment overrides apply last.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				applyEnvOverrides(&cfg)
				return cfg, nil
			}
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Mutex.LeaseDuration.Std() <= 0 {
		return fmt.Errorf("mutex.lease_duration must be positive")
	}
	if c.Mutex.WaitTimeout.Std() <= 0 {
		return fmt.Errorf("mutex.wait_timeout must be positive")
	}
	switch c.Mutex.ExtendFailurePolicy {
	case ExtendFailFast, ExtendRetryThenFail:
	default:
		return fmt.Errorf("mutex.extend_failure_policy: unknown policy %q", c.Mutex.ExtendFailurePolicy)
	}
	if c.Accumulation.MinWindow.Std() > c.Accumulation.MaxWindow.Std() {
		return fmt.Errorf("accumulation: min_window exceeds max_window")
	}
	if c.Accumulation.HintWeight < 0 || c.Accumulation.HintWeight > 1 {
		return fmt.Errorf("accumulation.hint_weight must be in [0,1]")
	}
	return nil
}
