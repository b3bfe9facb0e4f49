package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPathEnv names a config file that must exist.
const ConfigPathEnv = "CONFIG_PATH"

var durationType = reflect.TypeFor[time.Duration]()

// Load reads the first config file found, applies environment overrides and
// validates the result.
func Load() (*Config, error) {
	return NewLoader().Load("")
}

// LoadFromPath is Load with an explicit file, which must exist.
func LoadFromPath(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// Loader layers defaults, a YAML file and `env` tagged environment
// variables, in that order.
type Loader struct {
	searchPaths []string
}

func NewLoader() *Loader {
	return &Loader{searchPaths: []string{
		"configs/config.yaml",
		"config.yaml",
		"/etc/matreq/config.yaml",
	}}
}

// WithConfigPaths replaces the locations searched when no path is given.
func (l *Loader) WithConfigPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

func (l *Loader) Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	file, required := l.resolve(path)
	if file != "" {
		if err := readYAML(cfg, file); err != nil && required {
			return nil, fmt.Errorf("failed to load config from %s: %w", file, err)
		}
	}

	if err := applyEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve picks the config file. An explicit path or CONFIG_PATH is
// required to load; a searched one is best effort.
func (l *Loader) resolve(path string) (string, bool) {
	if path != "" {
		return path, true
	}
	if env := os.Getenv(ConfigPathEnv); env != "" {
		return env, true
	}
	for _, p := range l.searchPaths {
		if _, err := os.Stat(p); err == nil {
			return p, false
		}
	}
	return "", false
}

func readYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// applyEnv walks nested structs and sets every field whose env tag names a
// non-empty variable.
func applyEnv(v reflect.Value) error {
	for i := range v.NumField() {
		field, meta := v.Field(i), v.Type().Field(i)
		if field.Kind() == reflect.Struct {
			if err := applyEnv(field); err != nil {
				return err
			}
			continue
		}

		name := meta.Tag.Get("env")
		if name == "" {
			continue
		}
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			continue
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("%s from %s: %w", meta.Name, name, err)
		}
	}
	return nil
}

//nolint:exhaustive // config only uses these kinds
func setField(field reflect.Value, value string) error {
	switch {
	case field.Type() == durationType:
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidDuration, value)
		}
		field.SetInt(int64(d))
		return nil
	case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.String:
		var items []string
		for part := range strings.SplitSeq(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
		field.Set(reflect.ValueOf(items).Convert(field.Type()))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid integer value: %s", value)
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid unsigned integer value: %s", value)
		}
		field.SetUint(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value: %s", value)
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field type: %s", field.Type())
	}
	return nil
}
