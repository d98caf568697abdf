package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when the api backend has no key to use.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv     KeySource = "environment"
	KeySourceConfig  KeySource = "config_file"
	KeySourceBedrock KeySource = "bedrock"
	KeySourceNone    KeySource = "none"
)

// ResolveAPIKey returns the Anthropic API key and where it came from.
// The environment wins over the config file. Unexpanded ${VAR} references
// count as unset.
func ResolveAPIKey(cfg *Config) (string, KeySource) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key, KeySourceEnv
	}
	if cfg != nil && cfg.Anthropic.APIKey != "" {
		key := os.ExpandEnv(cfg.Anthropic.APIKey)
		if key != "" && !strings.HasPrefix(key, "${") {
			return key, KeySourceConfig
		}
	}
	return "", KeySourceNone
}

// GetAPIKey returns the Anthropic API key or ErrNoAPIKey.
func GetAPIKey(cfg *Config) (string, error) {
	key, src := ResolveAPIKey(cfg)
	if src == KeySourceNone {
		return "", ErrNoAPIKey
	}
	return key, nil
}

// ValidateAPIKey checks the key's shape. It does not call the API.
func ValidateAPIKey(key string) error {
	if key == "" {
		return ErrNoAPIKey
	}
	if !strings.HasPrefix(key, "sk-ant-") {
		return errors.New("invalid API key format: expected 'sk-ant-' prefix")
	}
	if len(key) < 20 {
		return errors.New("invalid API key format: key too short")
	}
	return nil
}

// CheckCredentials verifies the chosen backend can authenticate.
// The cli backend authenticates itself; Bedrock uses the AWS credential chain.
func CheckCredentials(cfg *Config, backend string) (KeySource, error) {
	switch backend {
	case "", "cli":
		return KeySourceNone, nil
	case "api", "bedrock":
		if backend == "bedrock" || (cfg != nil && cfg.Anthropic.UseBedrock) {
			return KeySourceBedrock, nil
		}
		key, src := ResolveAPIKey(cfg)
		if err := ValidateAPIKey(key); err != nil {
			return src, err
		}
		return src, nil
	default:
		return KeySourceNone, fmt.Errorf("unknown backend %q", backend)
	}
}

// MaskAPIKey returns a masked version of the API key for display.
// Shows the first 7 characters (sk-ant-) and last 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}
