// Package config handles configuration loading for devswarm.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds all configuration for devswarm.
type Config struct {
	Workers  WorkersConfig  `mapstructure:"workers"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Plan     PlanConfig     `mapstructure:"plan"`
}

// WorkersConfig holds worker pool settings.
type WorkersConfig struct {
	// MaxParallel is the dispatch capacity: workers holding tasks at once.
	MaxParallel int `mapstructure:"max_parallel"`
	// MaxExecutions bounds simultaneous executions globally. Typically
	// at least MaxParallel so carried-over work can coexist with new
	// dispatches.
	MaxExecutions int `mapstructure:"max_executions"`
	// HandoffTokens is the context-size threshold that triggers a
	// handoff to a fresh worker instead of letting context grow
	// without bound.
	HandoffTokens int `mapstructure:"handoff_tokens"`
}

// DispatchConfig holds dispatch policy settings.
type DispatchConfig struct {
	// Batching merges trivial/simple same-role same-phase tasks into
	// one assignment.
	Batching bool `mapstructure:"batching"`
	// DeferLimit is how many file-conflict deferrals a task absorbs
	// before it jumps the queue.
	DeferLimit int `mapstructure:"defer_limit"`
}

// ExecutorConfig names the agent command that runs assignments.
type ExecutorConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// PlanConfig holds plan document settings.
type PlanConfig struct {
	// Path is the plan document, relative to the project root.
	Path string `mapstructure:"path"`
	// ViewPath is where the task-queue view is written.
	ViewPath string `mapstructure:"view_path"`
	// Watch re-parses the plan when it changes on disk.
	Watch bool `mapstructure:"watch"`
}

// Load loads configuration.
// Precedence (highest to lowest):
// 1. Environment variables (DEVSWARM_*)
// 2. Project config (.devswarm.yaml in current directory or parent)
// 3. User config (~/.config/devswarm/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("DEVSWARM")
	v.AutomaticEnv()
	v.BindEnv("executor.command", "DEVSWARM_EXECUTOR_COMMAND")
	v.BindEnv("workers.max_parallel", "DEVSWARM_MAX_PARALLEL")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("workers.max_parallel", 3)
	v.SetDefault("workers.max_executions", 3)
	v.SetDefault("workers.handoff_tokens", 80000)

	v.SetDefault("dispatch.batching", true)
	v.SetDefault("dispatch.defer_limit", 3)

	v.SetDefault("executor.command", "")
	v.SetDefault("executor.args", []string{})

	v.SetDefault("plan.path", "devplan.md")
	v.SetDefault("plan.view_path", "task_queue.md")
	v.SetDefault("plan.watch", true)
}

// getUserConfigDir returns the XDG config directory for devswarm.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "devswarm")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "devswarm")
	}
	return filepath.Join(home, ".config", "devswarm")
}

// findProjectConfig searches for .devswarm.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".devswarm.yaml")
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
