// Package config loads the optional txloop.yaml project file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vvka-141/txloop/pkg/txloop"
	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned when the config file does not exist.
// Callers can check for this with errors.Is(err, config.ErrConfigNotFound).
var ErrConfigNotFound = errors.New("config file not found")

type ConnectionConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Database    string `yaml:"database"`
	SSLMode     string `yaml:"sslmode"`
	SSLCert     string `yaml:"sslcert,omitempty"`
	SSLKey      string `yaml:"sslkey,omitempty"`
	SSLRootCert string `yaml:"sslrootcert,omitempty"`
	AppName     string `yaml:"application_name,omitempty"`
}

// LoopConfig mirrors the loop options. Unset fields keep the defaults.
type LoopConfig struct {
	Retries            *int   `yaml:"retries,omitempty"`
	Sleep              string `yaml:"sleep,omitempty"`
	LongCommitDuration string `yaml:"long_commit_duration,omitempty"`
	SideEffectFree     bool   `yaml:"side_effect_free,omitempty"`
}

type ProjectConfig struct {
	Connection ConnectionConfig `yaml:"connection"`
	Loop       LoopConfig       `yaml:"loop"`
	Timeout    string           `yaml:"timeout"`
}

const ConfigFileName = "txloop.yaml"

func Load(sourcePath string) (*ProjectConfig, error) {
	configPath := filepath.Join(sourcePath, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}

	var cfg ProjectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", txloop.ErrInvalidConfig, ConfigFileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the durations and the retry count.
func (c *ProjectConfig) Validate() error {
	var errs []error
	if c.Loop.Retries != nil && *c.Loop.Retries < 0 {
		errs = append(errs, fmt.Errorf("loop.retries cannot be negative: %w", txloop.ErrInvalidConfig))
	}
	for name, value := range map[string]string{
		"loop.sleep":                c.Loop.Sleep,
		"loop.long_commit_duration": c.Loop.LongCommitDuration,
		"timeout":                   c.Timeout,
	} {
		if _, err := parseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w: %w", name, txloop.ErrInvalidConfig, err))
		}
	}
	return errors.Join(errs...)
}

// SleepDuration returns loop.sleep, or def when unset.
func (l LoopConfig) SleepDuration(def time.Duration) time.Duration {
	return durationOr(l.Sleep, def)
}

// LongCommit returns loop.long_commit_duration, or def when unset.
func (l LoopConfig) LongCommit(def time.Duration) time.Duration {
	return durationOr(l.LongCommitDuration, def)
}

// RetryCount returns loop.retries, or def when unset.
func (l LoopConfig) RetryCount(def int) int {
	if l.Retries == nil {
		return def
	}
	return *l.Retries
}

// TimeoutDuration returns timeout, or def when unset.
func (c *ProjectConfig) TimeoutDuration(def time.Duration) time.Duration {
	return durationOr(c.Timeout, def)
}

func parseDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q is negative", value)
	}
	return d, nil
}

func durationOr(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := parseDuration(value)
	if err != nil {
		return def
	}
	return d
}
