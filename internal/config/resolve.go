package config

import (
	"os"
)

// ResolveOutputDir determines where result files get written.
// Precedence:
//  1. flagDir (from --output flag)
//  2. LLCSET_OUTPUT_DIR env var
//  3. config.toml's remembered output_dir
//  4. os.TempDir()
func ResolveOutputDir(flagDir string) string {
	if flagDir != "" {
		return flagDir
	}
	if v := os.Getenv("LLCSET_OUTPUT_DIR"); v != "" {
		return v
	}
	if cfg, err := Load(); err == nil && cfg.OutputDir != "" {
		return cfg.OutputDir
	}
	return os.TempDir()
}
