package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// KUBIT__CONTROLLER__ONLYPAUSED=true -> controller.onlypaused
const EnvPrefix = "KUBIT"

// Validator can be implemented by config structs to enable validation.
type Validator interface {
	Validate() error
}

// Loader merges configuration sources, lowest priority first:
// struct defaults, YAML file, environment, explicitly set flags.
type Loader struct {
	k         *koanf.Koanf
	envPrefix string
}

// NewLoader creates a loader reading environment variables with the given prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		k:         koanf.New("."),
		envPrefix: envPrefix + "__",
	}
}

// LoadWithDefaults loads defaults, the optional config file and the environment.
// A configPath that does not exist is an error; an empty one is skipped.
func (l *Loader) LoadWithDefaults(defaults any, configPath string) error {
	if defaults != nil {
		if err := l.k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
			return fmt.Errorf("failed to load defaults: %w", err)
		}
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return fmt.Errorf("config file not found: %s", configPath)
		}
		if err := l.k.Load(file.Provider(configPath), koanfyaml.Parser()); err != nil {
			return fmt.Errorf("failed to load config file: %w", err)
		}
	}

	envProvider := env.Provider(l.envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, l.envPrefix))
		return strings.ReplaceAll(key, "__", ".")
	})
	if err := l.k.Load(envProvider, nil); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}
	return nil
}

// LoadFlags applies the flags the user explicitly set, using mappings from
// flag name to config key.
func (l *Loader) LoadFlags(flags *pflag.FlagSet, mappings map[string]string) error {
	var errs []error
	flags.Visit(func(f *pflag.Flag) {
		if key, ok := mappings[f.Name]; ok {
			if err := l.k.Set(key, f.Value.String()); err != nil {
				errs = append(errs, fmt.Errorf("flag %s: %w", f.Name, err))
			}
		}
	})
	return errors.Join(errs...)
}

// UnmarshalAndValidate unmarshals the whole configuration into out and
// validates it when out implements Validator.
func (l *Loader) UnmarshalAndValidate(out any) error {
	if err := l.k.Unmarshal("", out); err != nil {
		return err
	}
	if v, ok := out.(Validator); ok {
		return v.Validate()
	}
	return nil
}

// Load is the one-call form used by the manager command.
func Load(configPath string, flags *pflag.FlagSet, mappings map[string]string) (Config, error) {
	l := NewLoader(EnvPrefix)
	if err := l.LoadWithDefaults(Defaults(), configPath); err != nil {
		return Config{}, err
	}
	if flags != nil {
		if err := l.LoadFlags(flags, mappings); err != nil {
			return Config{}, err
		}
	}
	var cfg Config
	if err := l.UnmarshalAndValidate(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
