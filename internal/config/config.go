// Package config loads the engine configuration. Defaults come from types.DefaultConfig, are
// overlaid by an optional YAML file and then by FXENGINE_* environment variables. Secrets never live
// in the file; they are read from the environment separately.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// EnvPrefix prefixes every environment override, e.g. FXENGINE_VAR_DAILY_TARGET.
const EnvPrefix = "FXENGINE"

// Secrets are credentials for the external alert sinks.
type Secrets struct {
	TelegramToken  string   `envconfig:"TELEGRAM_TOKEN"`
	TelegramChatID int64    `envconfig:"TELEGRAM_CHAT_ID"`
	KafkaBrokers   []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
}

// LoadSecrets reads Secrets from FXENGINE_* variables.
func LoadSecrets() (*Secrets, error) {
	var s Secrets
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return nil, types.NewError(types.KindConfiguration, "config.LoadSecrets", "invalid secret environment", err)
	}
	return &s, nil
}

// Load builds and validates the configuration. An empty path loads defaults plus environment.
func Load(path string) (*types.Config, error) {
	const op = "config.Load"

	v := viper.New()
	defaults, err := yaml.Marshal(types.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("%s: encode defaults: %w", op, err)
	}
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("%s: read defaults: %w", op, err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, types.NewError(types.KindConfiguration, op, "cannot read "+path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &types.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, types.NewError(types.KindConfiguration, op, "cannot decode configuration", err)
	}
	normalize(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize restores instrument casing; viper lowercases every map key.
func normalize(cfg *types.Config) {
	for i, inst := range cfg.Instruments {
		cfg.Instruments[i] = strings.ToUpper(strings.TrimSpace(inst))
	}
	if m := cfg.Execution.Spread.Multipliers; len(m) > 0 {
		out := make(map[string]float64, len(m))
		for k, val := range m {
			out[strings.ToUpper(k)] = val
		}
		cfg.Execution.Spread.Multipliers = out
	}
	if r := cfg.Execution.Financing.Rates; len(r) > 0 {
		out := make(map[string]types.SwapRates, len(r))
		for k, val := range r {
			out[strings.ToUpper(k)] = val
		}
		cfg.Execution.Financing.Rates = out
	}
}

// Marshal renders cfg as YAML.
func Marshal(cfg *types.Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// Save writes cfg to path as YAML.
func Save(cfg *types.Config, path string) error {
	data, err := Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
