// Package config handles paths, defaults and the optional config.yaml file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime configuration.
type Config struct {
	DataDir   string `yaml:"data_dir"`
	ModelsDir string `yaml:"models_dir"`
	BinDir    string `yaml:"bin_dir"`

	// CtxSize is the fixed context window used for every load.
	CtxSize int `yaml:"ctx_size"`
	// UseGPU gates GPU offload; when false GPULayers is ignored and 0 is used.
	UseGPU    bool `yaml:"use_gpu"`
	GPULayers int  `yaml:"gpu_layers"`

	// AutoRelease releases the loaded context when the app goes to background.
	AutoRelease bool `yaml:"auto_release"`

	// FlushInterval is the token persistence period while streaming.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// ResponseBudget is the number of tokens reserved for the reply when
	// windowing history into the context.
	ResponseBudget int `yaml:"response_budget"`

	LogLevel string `yaml:"log_level"`
	HFToken  string `yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:        DataDir(),
		ModelsDir:      ModelsDir(),
		BinDir:         BinDir(),
		CtxSize:        4096,
		UseGPU:         true,
		GPULayers:      99,
		AutoRelease:    true,
		FlushInterval:  150 * time.Millisecond,
		ResponseBudget: 512,
		LogLevel:       "info",
	}
}

// Load returns the defaults overlaid with the YAML file at path (if it
// exists) and environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if dir := os.Getenv("POCKET_MODELS_DIR"); dir != "" {
		cfg.ModelsDir = dir
	}
	cfg.HFToken = os.Getenv("HF_TOKEN")

	if cfg.CtxSize <= 0 {
		cfg.CtxSize = 4096
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 150 * time.Millisecond
	}
	if cfg.ResponseBudget <= 0 {
		cfg.ResponseBudget = 512
	}
	return cfg, nil
}

// Save writes cfg as YAML to path, creating the parent directory.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// EffectiveGPULayers returns the GPU layer count to request from the engine.
func (c *Config) EffectiveGPULayers() int {
	if !c.UseGPU {
		return 0
	}
	return c.GPULayers
}
