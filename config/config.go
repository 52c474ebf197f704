// Package config loads the server's configuration from a HuJSON
// (JSON-with-comments) file, layered under defaults and overridden by
// whatever the CLI flags supply.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/tailscale/hujson"
)

// PoolKind names the thread-pool sizing strategy.
type PoolKind string

const (
	// PoolShared is a single pool shared by every connection (default).
	PoolShared PoolKind = "shared"
	// PoolFixed behaves the same as PoolShared but with a caller-fixed
	// size rather than runtime.NumCPU(); kept as a distinct name so
	// config files are self-documenting about intent.
	PoolFixed PoolKind = "fixed"
)

// Config is the server's full runtime configuration.
type Config struct {
	Addr    string   `json:"addr"`
	Engine  string   `json:"engine"` // "" (use marker/default), "kvs", or "bolt"
	Pool    PoolKind `json:"pool"`
	Threads int      `json:"threads"`
	DataDir string   `json:"dataDir"`
}

// Default returns the server's out-of-the-box configuration.
func Default() Config {
	return Config{
		Addr:    "127.0.0.1:4000",
		Engine:  "",
		Pool:    PoolShared,
		Threads: runtime.NumCPU(),
		DataDir: ".",
	}
}

// Load reads and parses a HuJSON config file at path, merging it over
// Default(). An empty path is not an error; it just returns the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := json.Unmarshal(std, &cfg); err != nil {
		return cfg, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, nil
}
