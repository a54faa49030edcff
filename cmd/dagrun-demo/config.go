package main

import (
	"time"

	"github.com/BurntSushi/toml"
)

// scopeConfig controls the demo's dagrun.Scope construction, loaded
// from a TOML file. Grounded on the pack's emergent-company-specmcp
// server config, which loads its own settings the same way.
type scopeConfig struct {
	GCGraceMillis     int    `toml:"gc_grace_ms"`
	ExecutionTreeSize int    `toml:"execution_tree_size"`
	EnableGraphDebug  bool   `toml:"enable_graph_debug"`
	EnableZapLogging  bool   `toml:"enable_zap_logging"`
	DatabasePath      string `toml:"database_path"`
	Greeting          string `toml:"greeting"`
}

func defaultScopeConfig() scopeConfig {
	return scopeConfig{
		GCGraceMillis:     2000,
		ExecutionTreeSize: 256,
		EnableGraphDebug:  true,
		EnableZapLogging:  false,
		DatabasePath:      "dagrun-demo.db",
		Greeting:          "hello from dagrun",
	}
}

func loadScopeConfig(path string) (scopeConfig, error) {
	cfg := defaultScopeConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c scopeConfig) gcGrace() time.Duration {
	return time.Duration(c.GCGraceMillis) * time.Millisecond
}
