package storage

import (
	"context"
	"errors"
	"strings"

	logx "haulnotify/pkg/logx"
)

// Store is the minimal persistence API used by the core and the surface.
//
// scope isolates sessions: it is the primary id of the signed-in actor.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	PutSeen(ctx context.Context, scope string, rec SeenRecord) error
	// LoadSeen returns at most limit unexpired records, oldest first. When
	// more exist, the newest are kept.
	LoadSeen(ctx context.Context, scope string, limit int) ([]SeenRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func tailLimit(recs []SeenRecord, limit int) []SeenRecord {
	if limit > 0 && len(recs) > limit {
		return recs[len(recs)-limit:]
	}
	return recs
}
