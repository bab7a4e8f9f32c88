package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "haulnotify/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, scope, action, notification_id, thread_key, remote, count, err)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.Scope, e.Action, nullStr(e.NotificationID),
		nullStr(e.ThreadKey), nullStr(e.Remote), e.Count, nullStr(e.Error),
	)
	return err
}

func (s *sqliteStore) PutSeen(ctx context.Context, scope string, rec SeenRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.ID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seen(scope, id, until) VALUES(?,?,?)
		 ON CONFLICT(scope, id) DO UPDATE SET until=excluded.until`,
		scope, rec.ID, rec.Until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("seen prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) LoadSeen(ctx context.Context, scope string, limit int) ([]SeenRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	// Newest first so LIMIT keeps the right end, then reversed.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, until FROM seen WHERE scope = ? AND until >= ? ORDER BY until DESC, id DESC LIMIT ?`,
		scope, time.Now().UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SeenRecord
	for rows.Next() {
		var (
			id string
			ms int64
		)
		if err := rows.Scan(&id, &ms); err != nil {
			return nil, err
		}
		out = append(out, SeenRecord{ID: id, Until: time.UnixMilli(ms)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM seen WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
