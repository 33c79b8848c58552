package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadAPIServer loads API server configuration from file
func LoadAPIServer(configPath string) (*APIServerConfig, error) {
	var cfg APIServerConfig
	if err := load(configPath, &cfg); err != nil {
		return nil, err
	}
	if err := validateChains(cfg.Chains); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadWorker loads worker configuration from file
func LoadWorker(configPath string) (*WorkerConfig, error) {
	var cfg WorkerConfig
	if err := load(configPath, &cfg); err != nil {
		return nil, err
	}
	if err := validateChains(cfg.Chains); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// load reads a .env file when present, expands ${VAR} references in the
// YAML document, applies struct defaults and validates the result.
func load(configPath string, out any) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := Parse([]byte(os.ExpandEnv(string(raw))), out); err != nil {
		return err
	}
	return nil
}

// Parse decodes a YAML document into out, then applies defaults and validation.
func Parse(raw []byte, out any) error {
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := defaults.Set(out); err != nil {
		return fmt.Errorf("failed to apply config defaults: %w", err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

func validateChains(chains []ChainConfig) error {
	seen := make(map[int64]struct{}, len(chains))
	for _, c := range chains {
		if _, dup := seen[c.ChainID]; dup {
			return fmt.Errorf("duplicate chain_id %d", c.ChainID)
		}
		seen[c.ChainID] = struct{}{}

		symbols := map[string]struct{}{strings.ToUpper(c.NativeSymbol): {}}
		for _, t := range c.Tokens {
			sym := strings.ToUpper(t.Symbol)
			if _, dup := symbols[sym]; dup {
				return fmt.Errorf("chain %d: duplicate token symbol %s", c.ChainID, t.Symbol)
			}
			symbols[sym] = struct{}{}
		}
	}
	return nil
}
