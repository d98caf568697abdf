// Package config handles configuration loading and management for prdloop.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/prdloop/internal/orchestrator"
	"github.com/ShayCichocki/prdloop/internal/orchestrator/policy"
	"github.com/ShayCichocki/prdloop/internal/router"
	"github.com/ShayCichocki/prdloop/pkg/models"
)

// ProjectConfigName is the project-level override file.
const ProjectConfigName = ".prdloop.yaml"

// EnvPrefix prefixes environment overrides, e.g. PRDLOOP_RUN_MAX_ATTEMPTS.
const EnvPrefix = "PRDLOOP"

// Config holds all configuration for prdloop.
type Config struct {
	Anthropic   AnthropicConfig   `mapstructure:"anthropic"`
	Run         RunSection        `mapstructure:"run"`
	Models      ModelsConfig      `mapstructure:"models"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Retry       RetrySection      `mapstructure:"retry"`
	Circuit     CircuitSection    `mapstructure:"circuit"`
	Quality     QualitySection    `mapstructure:"quality"`
	Validation  ValidationSection `mapstructure:"validation"`
	RateLimit   RateLimitSection  `mapstructure:"rate_limit"`
	Checkpoints CheckpointSection `mapstructure:"checkpoints"`
	TUI         TUIConfig         `mapstructure:"tui"`
}

// AnthropicConfig holds Anthropic API and Bedrock settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
	MaxTokens  int64  `mapstructure:"max_tokens"`
}

// RunSection holds the defaults for every run.
type RunSection struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	MaxCostUSD        float64       `mapstructure:"max_cost_usd"`
	ContinueOnFailure bool          `mapstructure:"continue_on_failure"`
	Parallel          bool          `mapstructure:"parallel"`
	MaxParallelTasks  int           `mapstructure:"max_parallel_tasks"`
	Checkpoints       bool          `mapstructure:"checkpoints"`
	QualityGateMode   string        `mapstructure:"quality_gate_mode"`
	ValidationSteps   []string      `mapstructure:"validation_steps"`
	Backend           string        `mapstructure:"backend"`
	Model             string        `mapstructure:"model"`
	BaseTimeout       time.Duration `mapstructure:"base_timeout"`
}

// ModelsConfig overrides the primary model of each tier.
type ModelsConfig struct {
	Fast     string `mapstructure:"fast"`
	Standard string `mapstructure:"standard"`
	Premium  string `mapstructure:"premium"`
}

// WorkerConfig configures the CLI worker.
type WorkerConfig struct {
	Binary string   `mapstructure:"binary"`
	Args   []string `mapstructure:"args"`
}

// RetrySection holds backoff settings.
type RetrySection struct {
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
	Jitter    float64       `mapstructure:"jitter"`
}

// CircuitSection holds circuit breaker settings.
type CircuitSection struct {
	Threshold int           `mapstructure:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

// QualitySection holds quality gate settings.
type QualitySection struct {
	// Command prints an audit report as JSON. Empty disables the gate.
	Command  string        `mapstructure:"command"`
	Blocking bool          `mapstructure:"blocking"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// ValidationSection holds validation settings.
type ValidationSection struct {
	RunCriteria bool `mapstructure:"run_criteria"`
}

// RateLimitSection throttles attempts.
type RateLimitSection struct {
	Attempts int           `mapstructure:"attempts"`
	Window   time.Duration `mapstructure:"window"`
}

// CheckpointSection holds checkpoint retention.
type CheckpointSection struct {
	Retention time.Duration `mapstructure:"retention"`
}

// TUIConfig holds TUI display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (PRDLOOP_*, ANTHROPIC_API_KEY)
// 2. Project config (.prdloop.yaml in current directory or parent)
// 3. User config (~/.config/prdloop/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config: %w", err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	return SaveTo(cfg, GetUserConfigPath())
}

// SaveTo writes the configuration to path.
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("anthropic.aws_region", cfg.Anthropic.AWSRegion)
	v.Set("anthropic.aws_profile", cfg.Anthropic.AWSProfile)
	v.Set("anthropic.max_tokens", cfg.Anthropic.MaxTokens)
	v.Set("run.max_attempts", cfg.Run.MaxAttempts)
	v.Set("run.max_cost_usd", cfg.Run.MaxCostUSD)
	v.Set("run.continue_on_failure", cfg.Run.ContinueOnFailure)
	v.Set("run.parallel", cfg.Run.Parallel)
	v.Set("run.max_parallel_tasks", cfg.Run.MaxParallelTasks)
	v.Set("run.checkpoints", cfg.Run.Checkpoints)
	v.Set("run.quality_gate_mode", cfg.Run.QualityGateMode)
	v.Set("run.validation_steps", cfg.Run.ValidationSteps)
	v.Set("run.backend", cfg.Run.Backend)
	v.Set("run.model", cfg.Run.Model)
	v.Set("run.base_timeout", cfg.Run.BaseTimeout.String())
	v.Set("models.fast", cfg.Models.Fast)
	v.Set("models.standard", cfg.Models.Standard)
	v.Set("models.premium", cfg.Models.Premium)
	v.Set("worker.binary", cfg.Worker.Binary)
	v.Set("worker.args", cfg.Worker.Args)
	v.Set("retry.base_delay", cfg.Retry.BaseDelay.String())
	v.Set("retry.max_delay", cfg.Retry.MaxDelay.String())
	v.Set("retry.jitter", cfg.Retry.Jitter)
	v.Set("circuit.threshold", cfg.Circuit.Threshold)
	v.Set("circuit.cooldown", cfg.Circuit.Cooldown.String())
	v.Set("quality.command", cfg.Quality.Command)
	v.Set("quality.blocking", cfg.Quality.Blocking)
	v.Set("quality.debounce", cfg.Quality.Debounce.String())
	v.Set("validation.run_criteria", cfg.Validation.RunCriteria)
	v.Set("rate_limit.attempts", cfg.RateLimit.Attempts)
	v.Set("rate_limit.window", cfg.RateLimit.Window.String())
	v.Set("checkpoints.retention", cfg.Checkpoints.Retention.String())
	v.Set("tui.refresh_rate", cfg.TUI.RefreshRate.String())

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults mirrors Default so every key is known to AutomaticEnv.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")
	v.SetDefault("anthropic.max_tokens", d.Anthropic.MaxTokens)

	v.SetDefault("run.max_attempts", d.Run.MaxAttempts)
	v.SetDefault("run.max_cost_usd", d.Run.MaxCostUSD)
	v.SetDefault("run.continue_on_failure", d.Run.ContinueOnFailure)
	v.SetDefault("run.parallel", d.Run.Parallel)
	v.SetDefault("run.max_parallel_tasks", d.Run.MaxParallelTasks)
	v.SetDefault("run.checkpoints", d.Run.Checkpoints)
	v.SetDefault("run.quality_gate_mode", d.Run.QualityGateMode)
	v.SetDefault("run.validation_steps", []string{})
	v.SetDefault("run.backend", d.Run.Backend)
	v.SetDefault("run.model", "")
	v.SetDefault("run.base_timeout", d.Run.BaseTimeout.String())

	v.SetDefault("models.fast", "")
	v.SetDefault("models.standard", "")
	v.SetDefault("models.premium", "")

	v.SetDefault("worker.binary", d.Worker.Binary)
	v.SetDefault("worker.args", []string{})

	v.SetDefault("retry.base_delay", d.Retry.BaseDelay.String())
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay.String())
	v.SetDefault("retry.jitter", d.Retry.Jitter)

	v.SetDefault("circuit.threshold", d.Circuit.Threshold)
	v.SetDefault("circuit.cooldown", d.Circuit.Cooldown.String())

	v.SetDefault("quality.command", "")
	v.SetDefault("quality.blocking", d.Quality.Blocking)
	v.SetDefault("quality.debounce", d.Quality.Debounce.String())

	v.SetDefault("validation.run_criteria", d.Validation.RunCriteria)

	v.SetDefault("rate_limit.attempts", d.RateLimit.Attempts)
	v.SetDefault("rate_limit.window", d.RateLimit.Window.String())

	v.SetDefault("checkpoints.retention", d.Checkpoints.Retention.String())

	v.SetDefault("tui.refresh_rate", d.TUI.RefreshRate.String())
}

// getUserConfigDir returns the XDG config directory for prdloop.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "prdloop")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "prdloop")
	}
	return filepath.Join(home, ".config", "prdloop")
}

// findProjectConfig searches for .prdloop.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	p := policy.Default()
	return &Config{
		Anthropic: AnthropicConfig{
			MaxTokens: 8192,
		},
		Run: RunSection{
			MaxAttempts:      orchestrator.DefaultMaxAttempts,
			MaxParallelTasks: orchestrator.DefaultMaxParallelTasks,
			Checkpoints:      true,
			QualityGateMode:  string(policy.ModePreCommit),
			Backend:          orchestrator.DefaultBackend,
			BaseTimeout:      orchestrator.DefaultBaseTimeout,
		},
		Worker: WorkerConfig{
			Binary: "claude",
		},
		Retry: RetrySection{
			BaseDelay: p.Retry.BaseDelay,
			MaxDelay:  p.Retry.MaxDelay,
			Jitter:    p.Retry.Jitter,
		},
		Circuit: CircuitSection{
			Threshold: p.Circuit.Threshold,
			Cooldown:  p.Circuit.Cooldown,
		},
		Quality: QualitySection{
			Blocking: p.Quality.Blocking,
			Debounce: p.Quality.Debounce,
		},
		Validation: ValidationSection{
			RunCriteria: p.Validation.RunCriteria,
		},
		RateLimit: RateLimitSection{
			Attempts: p.RateLimit.Attempts,
			Window:   p.RateLimit.Window,
		},
		Checkpoints: CheckpointSection{
			Retention: 7 * 24 * time.Hour,
		},
		TUI: TUIConfig{
			RefreshRate: 100 * time.Millisecond,
		},
	}
}

// RunConfig converts the file configuration into run settings and the
// policy configuration. Per-run flags are applied by the caller afterwards.
func (c *Config) RunConfig() (orchestrator.RunConfig, *policy.Config) {
	rc := orchestrator.DefaultRunConfig()
	rc.MaxAttempts = c.Run.MaxAttempts
	rc.MaxCostUSD = c.Run.MaxCostUSD
	rc.ContinueOnFailure = c.Run.ContinueOnFailure
	rc.EnableParallelExecution = c.Run.Parallel
	rc.MaxParallelTasks = c.Run.MaxParallelTasks
	rc.EnableCheckpoints = c.Run.Checkpoints
	rc.QualityGateMode = c.Run.QualityGateMode
	rc.ValidationSteps = append([]string(nil), c.Run.ValidationSteps...)
	rc.Backend = c.Run.Backend
	rc.Model = c.Run.Model
	rc.BaseTimeout = c.Run.BaseTimeout

	p := policy.Default()
	p.Cost.MaxCostUSD = c.Run.MaxCostUSD
	p.Retry.MaxAttempts = c.Run.MaxAttempts
	p.Retry.BaseDelay = c.Retry.BaseDelay
	p.Retry.MaxDelay = c.Retry.MaxDelay
	p.Retry.Jitter = c.Retry.Jitter
	p.Circuit.Threshold = c.Circuit.Threshold
	p.Circuit.Cooldown = c.Circuit.Cooldown
	if mode, err := policy.ParseMode(c.Run.QualityGateMode); err == nil {
		p.Quality.Mode = mode
	}
	p.Quality.Blocking = c.Quality.Blocking
	p.Quality.Debounce = c.Quality.Debounce
	p.Validation.Steps = append([]string(nil), c.Run.ValidationSteps...)
	p.Validation.RunCriteria = c.Validation.RunCriteria
	p.RateLimit.Attempts = c.RateLimit.Attempts
	p.RateLimit.Window = c.RateLimit.Window
	p.Validate()

	return rc, p
}

// Registry builds the model catalog for backend with the configured
// per-tier model overrides applied.
func (c *Config) Registry(backend string) (*router.Registry, error) {
	reg := router.DefaultRegistry(backend)
	overrides := []struct {
		tier models.Tier
		id   string
	}{
		{models.TierFast, c.Models.Fast},
		{models.TierStandard, c.Models.Standard},
		{models.TierPremium, c.Models.Premium},
	}
	for _, o := range overrides {
		next, err := reg.WithTierModel(o.tier, o.id)
		if err != nil {
			return nil, fmt.Errorf("override %s model: %w", o.tier, err)
		}
		reg = next
	}
	return reg, nil
}
