package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/prdloop/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify prdloop configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/prdloop/config.yaml
Project-specific overrides can be placed in .prdloop.yaml`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		out := cmd.OutOrStdout()

		switch len(args) {
		case 0:
			displayAllConfig(out, cfg)
			return nil
		case 1:
			value, err := getConfigValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(out, value)
			return nil
		default:
			if err := setConfigValue(cfg, args[0], args[1]); err != nil {
				return err
			}
			if err := config.Save(cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(out, "Set %s = %s\n", args[0], args[1])
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

// configKeys lists the keys shown by 'prdloop config', in display order.
var configKeys = []string{
	"anthropic.api_key",
	"anthropic.use_bedrock",
	"anthropic.aws_region",
	"run.max_attempts",
	"run.max_cost_usd",
	"run.continue_on_failure",
	"run.parallel",
	"run.max_parallel_tasks",
	"run.quality_gate_mode",
	"run.backend",
	"run.model",
	"run.base_timeout",
	"models.fast",
	"models.standard",
	"models.premium",
	"worker.binary",
	"quality.command",
	"checkpoints.retention",
	"tui.refresh_rate",
}

// displayAllConfig prints all configuration values.
func displayAllConfig(w io.Writer, cfg *config.Config) {
	for _, key := range configKeys {
		value, _ := getConfigValue(cfg, key)
		fmt.Fprintf(w, "%s: %s\n", key, value)
	}
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		if cfg.Anthropic.APIKey == "" {
			return "(not set)", nil
		}
		return config.MaskAPIKey(cfg.Anthropic.APIKey), nil
	case "anthropic.use_bedrock":
		return strconv.FormatBool(cfg.Anthropic.UseBedrock), nil
	case "anthropic.aws_region":
		return cfg.Anthropic.AWSRegion, nil
	case "run.max_attempts":
		return strconv.Itoa(cfg.Run.MaxAttempts), nil
	case "run.max_cost_usd":
		return strconv.FormatFloat(cfg.Run.MaxCostUSD, 'f', -1, 64), nil
	case "run.continue_on_failure":
		return strconv.FormatBool(cfg.Run.ContinueOnFailure), nil
	case "run.parallel":
		return strconv.FormatBool(cfg.Run.Parallel), nil
	case "run.max_parallel_tasks":
		return strconv.Itoa(cfg.Run.MaxParallelTasks), nil
	case "run.quality_gate_mode":
		return cfg.Run.QualityGateMode, nil
	case "run.backend":
		return cfg.Run.Backend, nil
	case "run.model":
		return cfg.Run.Model, nil
	case "run.base_timeout":
		return cfg.Run.BaseTimeout.String(), nil
	case "models.fast":
		return cfg.Models.Fast, nil
	case "models.standard":
		return cfg.Models.Standard, nil
	case "models.premium":
		return cfg.Models.Premium, nil
	case "worker.binary":
		return cfg.Worker.Binary, nil
	case "quality.command":
		return cfg.Quality.Command, nil
	case "checkpoints.retention":
		return cfg.Checkpoints.Retention.String(), nil
	case "tui.refresh_rate":
		return cfg.TUI.RefreshRate.String(), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	k := strings.ToLower(key)
	switch k {
	case "anthropic.api_key":
		cfg.Anthropic.APIKey = value
	case "anthropic.use_bedrock", "run.continue_on_failure", "run.parallel":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for %s: %w", k, err)
		}
		switch k {
		case "anthropic.use_bedrock":
			cfg.Anthropic.UseBedrock = b
		case "run.continue_on_failure":
			cfg.Run.ContinueOnFailure = b
		default:
			cfg.Run.Parallel = b
		}
	case "anthropic.aws_region":
		cfg.Anthropic.AWSRegion = value
	case "run.max_attempts", "run.max_parallel_tasks":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid value for %s: want a positive integer", k)
		}
		if k == "run.max_attempts" {
			cfg.Run.MaxAttempts = n
		} else {
			cfg.Run.MaxParallelTasks = n
		}
	case "run.max_cost_usd":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 {
			return fmt.Errorf("invalid value for %s: want a non-negative number", k)
		}
		cfg.Run.MaxCostUSD = f
	case "run.quality_gate_mode":
		cfg.Run.QualityGateMode = value
	case "run.backend":
		cfg.Run.Backend = value
	case "run.model":
		cfg.Run.Model = value
	case "models.fast":
		cfg.Models.Fast = value
	case "models.standard":
		cfg.Models.Standard = value
	case "models.premium":
		cfg.Models.Premium = value
	case "worker.binary":
		cfg.Worker.Binary = value
	case "quality.command":
		cfg.Quality.Command = value
	case "run.base_timeout", "checkpoints.retention", "tui.refresh_rate":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", k, err)
		}
		switch k {
		case "run.base_timeout":
			cfg.Run.BaseTimeout = d
		case "checkpoints.retention":
			cfg.Checkpoints.Retention = d
		default:
			cfg.TUI.RefreshRate = d
		}
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}
