// Package config persists ~/.llcset/config.toml: the last geometry
// this host's sysfs probe (or an explicit flag override) resolved to,
// and the default output directory for result files. The remembered
// output directory is used when --output is omitted; the remembered
// geometry is only recorded, and geometry resolution does not read it.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the ~/.llcset/config.toml file.
type Config struct {
	Geometry  Geometry `toml:"geometry,omitempty" json:"geometry"`
	OutputDir string   `toml:"output_dir,omitempty" json:"output_dir"`
}

// Geometry mirrors internal/geometry.Geometry's fields for
// persistence; kept as a separate type so this package doesn't import
// internal/geometry just to round-trip four integers.
type Geometry struct {
	LineSize uint32 `toml:"line_size,omitempty" json:"line_size"`
	Sets     uint32 `toml:"sets,omitempty" json:"sets"`
	Ways     uint32 `toml:"ways,omitempty" json:"ways"`
	Slices   uint32 `toml:"slices,omitempty" json:"slices"`
}

// configDirOverride is set by the --config-dir flag via SetConfigDir;
// the LLCSET_HOME env var is read separately by Home.
var configDirOverride string

// SetConfigDir allows the CLI to pass in the --config-dir value.
func SetConfigDir(dir string) {
	configDirOverride = dir
}

// Home returns the config directory path.
// Precedence: --config-dir flag / SetConfigDir > LLCSET_HOME env > ~/.llcset
func Home() string {
	if configDirOverride != "" {
		return configDirOverride
	}
	if v := os.Getenv("LLCSET_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".llcset")
	}
	return filepath.Join(home, ".llcset")
}

// ConfigPath returns the full path to config.toml.
func ConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// EnsureDir creates the llcset home directory if it does not exist.
func EnsureDir() error {
	return os.MkdirAll(Home(), 0o755)
}

// Load reads config.toml and returns a Config struct.
// If the file does not exist, it returns a zero-value Config (defaults).
func Load() (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config.toml: %w", err)
	}
	return cfg, nil
}

// Save writes the Config struct back to config.toml.
func Save(cfg *Config) error {
	if err := EnsureDir(); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(ConfigPath(), data, 0o644)
}

// RememberGeometry persists geom as the last-detected geometry. Nothing
// in this repository reads it back to resolve a later run's geometry.
func RememberGeometry(geom Geometry) error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	cfg.Geometry = geom
	return Save(cfg)
}

// RememberOutputDir persists dir as the default result-file directory.
func RememberOutputDir(dir string) error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	cfg.OutputDir = dir
	return Save(cfg)
}
