package storage

import (
	"fmt"
	"strings"

	logx "changenotify/pkg/logx"
)

// Open returns the store named by cfg.Driver. An empty driver selects the
// in-memory store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "", "memory":
		log.Debug("storage opened", logx.String("driver", "memory"))
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q (want memory or sqlite)", d)
	}
}
