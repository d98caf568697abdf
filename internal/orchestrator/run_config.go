package orchestrator

import (
	"fmt"
	"time"

	"github.com/ShayCichocki/prdloop/internal/checkpoint"
	"github.com/ShayCichocki/prdloop/internal/orchestrator/policy"
	"github.com/ShayCichocki/prdloop/pkg/models"
)

// Default run settings.
const (
	DefaultMaxAttempts      = 3
	DefaultMaxParallelTasks = 4
	DefaultBaseTimeout      = 10 * time.Minute
	DefaultBackend          = "cli"
)

// RunConfig contains the settings of one orchestration run.
// It is immutable once the orchestrator is constructed.
type RunConfig struct {
	// SessionID identifies the run. Generated when empty.
	SessionID string
	// SpecPath is the absolute path of the PRD file.
	SpecPath string
	// SpecHash is the PRD's content hash taken at load time.
	SpecHash string
	// WorkDir is where workers, validation steps and audits run.
	WorkDir string

	// MaxAttempts is the number of attempts per task per model.
	MaxAttempts int
	// MaxCostUSD is the hard budget for the run. Zero means unlimited.
	MaxCostUSD float64
	// ContinueOnFailure keeps running independent tasks after a failure.
	ContinueOnFailure bool
	// EnableParallelExecution runs each dependency level in parallel chunks.
	EnableParallelExecution bool
	// MaxParallelTasks bounds concurrency within a chunk.
	MaxParallelTasks int
	// EnableCheckpoints saves progress after every task.
	EnableCheckpoints bool
	// QualityGateMode is pre-commit, release, full or none.
	QualityGateMode string
	// ValidationSteps are shell commands run after every successful attempt.
	ValidationSteps []string
	// Backend forces every model onto one worker backend when set.
	Backend string
	// Model forces every task onto one model when set.
	Model string
	// DryRun routes and estimates without invoking any worker.
	DryRun bool
	// BaseTimeout is the worker timeout for a simple task; it scales with complexity.
	BaseTimeout time.Duration
	// RetryFailed re-runs tasks that failed in the checkpoint being resumed.
	RetryFailed bool
}

// DefaultRunConfig returns the default run settings.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxAttempts:       DefaultMaxAttempts,
		MaxParallelTasks:  DefaultMaxParallelTasks,
		EnableCheckpoints: true,
		QualityGateMode:   string(policy.ModePreCommit),
		BaseTimeout:       DefaultBaseTimeout,
	}
}

// Validate rejects invalid settings and fills zero values with defaults.
func (c *RunConfig) Validate() error {
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must not be negative, got %d", c.MaxAttempts)
	}
	if c.MaxCostUSD < 0 {
		return fmt.Errorf("max cost must not be negative, got %.2f", c.MaxCostUSD)
	}
	if c.MaxParallelTasks < 0 {
		return fmt.Errorf("max parallel tasks must not be negative, got %d", c.MaxParallelTasks)
	}
	if c.BaseTimeout < 0 {
		return fmt.Errorf("base timeout must not be negative, got %s", c.BaseTimeout)
	}
	if _, err := policy.ParseMode(c.QualityGateMode); err != nil {
		return err
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxParallelTasks == 0 {
		c.MaxParallelTasks = DefaultMaxParallelTasks
	}
	if c.BaseTimeout == 0 {
		c.BaseTimeout = DefaultBaseTimeout
	}
	return nil
}

// applySettings lets PRD-level settings override the run's.
func (c *RunConfig) applySettings(s models.RunSettings) {
	if s.MaxAttempts > 0 {
		c.MaxAttempts = s.MaxAttempts
	}
	if s.ContinueOnFailure != nil {
		c.ContinueOnFailure = *s.ContinueOnFailure
	}
}

// applyPolicy copies the run's limits into a policy configuration.
func (c RunConfig) applyPolicy(p *policy.Config) {
	p.Retry.MaxAttempts = c.MaxAttempts
	p.Cost.MaxCostUSD = c.MaxCostUSD
	mode, _ := policy.ParseMode(c.QualityGateMode)
	p.Quality.Mode = mode
	if len(c.ValidationSteps) > 0 {
		p.Validation.Steps = append([]string(nil), c.ValidationSteps...)
	}
}

// CheckpointConfig returns the serializable subset stored with checkpoints.
func (c RunConfig) CheckpointConfig() checkpoint.Config {
	return checkpoint.Config{
		MaxAttempts:             c.MaxAttempts,
		MaxCostUSD:              c.MaxCostUSD,
		ContinueOnFailure:       c.ContinueOnFailure,
		EnableParallelExecution: c.EnableParallelExecution,
		MaxParallelTasks:        c.MaxParallelTasks,
		QualityGateMode:         c.QualityGateMode,
		ValidationSteps:         append([]string(nil), c.ValidationSteps...),
		Backend:                 c.Backend,
		Model:                   c.Model,
		WorkDir:                 c.WorkDir,
	}
}

// RunConfigFromCheckpoint rebuilds a run configuration for resuming cp.
func RunConfigFromCheckpoint(cp *checkpoint.Checkpoint) RunConfig {
	c := DefaultRunConfig()
	c.SessionID = cp.SessionID
	c.SpecPath = cp.SpecPath
	c.SpecHash = cp.SpecHash
	c.WorkDir = cp.Config.WorkDir
	c.MaxAttempts = cp.Config.MaxAttempts
	c.MaxCostUSD = cp.Config.MaxCostUSD
	c.ContinueOnFailure = cp.Config.ContinueOnFailure
	c.EnableParallelExecution = cp.Config.EnableParallelExecution
	c.MaxParallelTasks = cp.Config.MaxParallelTasks
	c.QualityGateMode = cp.Config.QualityGateMode
	c.ValidationSteps = append([]string(nil), cp.Config.ValidationSteps...)
	c.Backend = cp.Config.Backend
	c.Model = cp.Config.Model
	return c
}
