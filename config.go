package lumen

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RenderConfig holds viewer and ray-tracing settings.
type RenderConfig struct {
	Window     WindowConfig     `yaml:"window"`
	RayTracing RayTracingConfig `yaml:"ray_tracing"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type WindowConfig struct {
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	Title  string `yaml:"title"`
	VSync  bool   `yaml:"vsync"`
}

type RayTracingConfig struct {
	Enabled bool `yaml:"enabled"`
	// SkinnedBlasRebuildInterval staggers full rebuilds of skinned BLAS
	// structures across frames. Zero keeps the built-in default.
	SkinnedBlasRebuildInterval uint32 `yaml:"skinned_blas_rebuild_interval"`
}

type LoggingConfig struct {
	Debug  bool   `yaml:"debug"`
	Prefix string `yaml:"prefix"`
}

// DefaultConfig returns the settings used when no config file is present.
func DefaultConfig() *RenderConfig {
	return &RenderConfig{
		Window: WindowConfig{
			Width:  1280,
			Height: 720,
			Title:  "Lumen",
			VSync:  true,
		},
		RayTracing: RayTracingConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Prefix: "lumen",
		},
	}
}

// LoadConfig reads path over the defaults. A missing file is not an error;
// the defaults are returned unchanged.
func LoadConfig(path string) (*RenderConfig, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes the config as YAML.
func SaveConfig(cfg *RenderConfig, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}
