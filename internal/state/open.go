// Package state persists the user map. Two drivers: a JSON file (default) and
// sqlite. Both persist whole snapshots atomically so a crash mid-save never
// leaves a partially written store behind.
package state

import (
	"fmt"
	"strings"

	"mailping/internal/engine"
	logx "mailping/pkg/logx"
)

type Config struct {
	// Driver selects the backend: "file" (default) or "sqlite".
	Driver string
	// Path is the file path (file driver) or database path (sqlite driver).
	Path string
	// BusyTimeoutMS applies to the sqlite driver only.
	BusyTimeoutMS int
}

// Open constructs the configured store.
func Open(cfg Config, log logx.Logger) (engine.Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file", "json":
		path := cfg.Path
		if path == "" {
			path = "./mailping-state.json"
		}
		return newFileStore(path, log), nil
	case "sqlite", "sqlite3":
		path := cfg.Path
		if path == "" {
			path = "./mailping-state.db"
		}
		return newSQLiteStore(path, cfg.BusyTimeoutMS, log)
	default:
		return nil, fmt.Errorf("unknown state driver %q", cfg.Driver)
	}
}
