package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "haulnotify/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl        (append-only JSON Lines)
//   - <prefix>.seen.snapshot.json (periodic snapshot)
//   - <prefix>.seen.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	seenSnapshotPath string
	seenJournalFile  *os.File
	seen             map[string]map[string]int64 // scope -> id -> until (unix milli)

	seenWrites   int
	compactEvery int
}

type seenLine struct {
	Scope string `json:"scope"`
	ID    string `json:"id"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".seen.snapshot.json"
	journalPath := prefix + ".seen.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load the seen-set from snapshot + journal.
	seen := map[string]map[string]int64{}
	if err := loadSeenSnapshot(snapPath, seen); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("seen snapshot unreadable, starting empty", logx.Err(err))
	}
	if err := replaySeenJournal(journalPath, seen); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("seen journal replay failed", logx.Err(err))
	}
	pruneExpiredSeen(seen, time.Now().UnixMilli())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:              log,
		auditFile:        af,
		seenSnapshotPath: snapPath,
		seenJournalFile:  jf,
		seen:             seen,
		compactEvery:     1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2, err3 error
	if s.seenJournalFile != nil {
		err1 = s.compactLocked()
		err2 = s.seenJournalFile.Close()
		s.seenJournalFile = nil
	}
	if s.auditFile != nil {
		err3 = s.auditFile.Close()
		s.auditFile = nil
	}
	return errors.Join(err1, err2, err3)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutSeen(ctx context.Context, scope string, rec SeenRecord) error {
	_ = ctx
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return nil
	}
	ms := rec.Until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenJournalFile == nil {
		return errors.New("seen journal closed")
	}
	m := s.seen[scope]
	if m == nil {
		m = map[string]int64{}
		s.seen[scope] = m
	}
	m[id] = ms

	if err := json.NewEncoder(s.seenJournalFile).Encode(seenLine{Scope: scope, ID: id, Until: ms}); err != nil {
		return err
	}
	s.seenWrites++
	if s.compactEvery > 0 && s.seenWrites%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("seen compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) LoadSeen(ctx context.Context, scope string, limit int) ([]SeenRecord, error) {
	_ = ctx
	now := time.Now().UnixMilli()
	s.mu.Lock()
	m := s.seen[scope]
	out := make([]SeenRecord, 0, len(m))
	for id, until := range m {
		if until < now {
			continue
		}
		out = append(out, SeenRecord{ID: id, Until: time.UnixMilli(until)})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Until.Equal(out[j].Until) {
			return out[i].ID < out[j].ID
		}
		return out[i].Until.Before(out[j].Until)
	})
	return tailLimit(out, limit), nil
}

func (s *fileStore) compactLocked() error {
	if s.seen == nil || s.seenJournalFile == nil {
		return nil
	}
	pruneExpiredSeen(s.seen, time.Now().UnixMilli())

	tmp := s.seenSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.seen); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.seenSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.seenJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.seenJournalFile.Seek(0, 2)
	return err
}

func loadSeenSnapshot(path string, out map[string]map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for scope, ids := range m {
		dst := out[scope]
		if dst == nil {
			dst = map[string]int64{}
			out[scope] = dst
		}
		for id, until := range ids {
			dst[id] = until
		}
	}
	return nil
}

func replaySeenJournal(path string, out map[string]map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r seenLine
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.ID == "" {
			continue
		}
		m := out[r.Scope]
		if m == nil {
			m = map[string]int64{}
			out[r.Scope] = m
		}
		m[r.ID] = r.Until
	}
	return sc.Err()
}

func pruneExpiredSeen(m map[string]map[string]int64, now int64) {
	for scope, ids := range m {
		for id, until := range ids {
			if until < now {
				delete(ids, id)
			}
		}
		if len(ids) == 0 {
			delete(m, scope)
		}
	}
}
