// Package config loads server tuning parameters. The same JSON schema
// serves startup configuration and documentation of the defaults; all
// fields are pointers so an absent key keeps its default.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// TuningConfig holds the optional server tuning knobs.
type TuningConfig struct {
	// Dispatcher params
	Workers *int `json:"workers,omitempty"`

	// HTTP params
	Listen *string `json:"listen,omitempty"`

	// Storage params
	DatabasePath  *string `json:"database_path,omitempty"`
	MigrationsDir *string `json:"migrations_dir,omitempty"`

	// DataDir confines client-supplied paths when non-empty.
	DataDir *string `json:"data_dir,omitempty"`

	// Raster preview params
	PreviewMaxCells *int `json:"preview_max_cells,omitempty"`
}

// Defaults returns the tuning values used when no config file is
// given.
func Defaults() TuningConfig {
	workers := 4
	listen := ":8080"
	dbPath := "pointserve.db"
	migrations := "db/migrations"
	dataDir := ""
	previewCells := 1 << 20
	return TuningConfig{
		Workers:         &workers,
		Listen:          &listen,
		DatabasePath:    &dbPath,
		MigrationsDir:   &migrations,
		DataDir:         &dataDir,
		PreviewMaxCells: &previewCells,
	}
}

// LoadTuningConfig reads a tuning file and merges it over the
// defaults. An empty path returns the defaults unchanged.
func LoadTuningConfig(path string) (TuningConfig, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var overlay TuningConfig
	if err := json.Unmarshal(data, &overlay); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.Apply(overlay)
	return cfg, nil
}

// Apply merges non-nil fields of overlay into c.
func (c *TuningConfig) Apply(overlay TuningConfig) {
	if overlay.Workers != nil {
		c.Workers = overlay.Workers
	}
	if overlay.Listen != nil {
		c.Listen = overlay.Listen
	}
	if overlay.DatabasePath != nil {
		c.DatabasePath = overlay.DatabasePath
	}
	if overlay.MigrationsDir != nil {
		c.MigrationsDir = overlay.MigrationsDir
	}
	if overlay.DataDir != nil {
		c.DataDir = overlay.DataDir
	}
	if overlay.PreviewMaxCells != nil {
		c.PreviewMaxCells = overlay.PreviewMaxCells
	}
}
