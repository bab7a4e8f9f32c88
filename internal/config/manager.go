package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "haulnotify/pkg/logx"
)

type ConfigManager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	// subsMu guards the subscriber list so publish never sends on a channel
	// Unsubscribe is closing.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	// lastHash is the last committed content, so editors that write the
	// same bytes several times do not cause a publish each.
	lastHash uint64

	debounce time.Duration
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop(), debounce: 250 * time.Millisecond}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log.With(logx.String("comp", "config"))
}

// SetValidator installs the hook Watch runs before committing a reload.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

// Decode parses JSON or YAML (chosen by the extension of path) strictly:
// unknown fields and trailing data are errors. ${ENV} references in secret
// fields are expanded.
func Decode(path string, b []byte) (*Config, error) {
	jb, format, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s config: %w", format, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	cfg.expandSecrets()
	return &cfg, nil
}

func (c *Config) expandSecrets() {
	for _, p := range []*string{
		&c.Session.Token,
		&c.Transport.Token,
		&c.Surface.HTTP.Token,
	} {
		*p = expandEnv(*p)
	}
	if c.Backend != nil {
		c.Backend.Token = expandEnv(c.Backend.Token)
	}
	if c.Storage != nil {
		c.Storage.RedisPassword = expandEnv(c.Storage.RedisPassword)
	}
	if c.Alerts.Telegram != nil {
		c.Alerts.Telegram.Token = expandEnv(c.Alerts.Telegram.Token)
	}
}

func expandEnv(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "$") {
		return s
	}
	return os.ExpandEnv(s)
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		// Latest wins: if the subscriber is behind, drop its oldest item.
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber slow)",
				logx.Int("queue_len", len(ch)),
				logx.Int("queue_cap", cap(ch)),
			)
		}
	}
}

// reload parses, validates and publishes the file if its content changed.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
}

type backoff struct {
	cur, base, max time.Duration
	rng            *rand.Rand
}

func (b *backoff) next() time.Duration {
	wait := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return wait
}

func (b *backoff) reset() { b.cur = b.base }

// Watch reloads the file on change until ctx is cancelled. The directory is
// watched rather than the file so editors that replace it atomically still
// trigger a reload. A broken watcher is recreated with backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	bo := &backoff{
		cur:  250 * time.Millisecond,
		base: 250 * time.Millisecond,
		max:  5 * time.Second,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()
	// Debounce partial writes.
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		m.log.Debug("config change detected; scheduling reload", logx.String("path", m.path))
		timer = time.AfterFunc(m.debounce, func() { m.reload(ctx) })
	}
	sleep := func(d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			m.log.Warn("config watch setup failed", logx.String("dir", dir), logx.Err(err))
			if !sleep(bo.next()) {
				return nil
			}
			continue
		}

		bo.reset()
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					schedule()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				msg := strings.ToLower(err.Error())
				// Overflow means events may be lost; reload once and keep going.
				if strings.Contains(msg, "overflow") {
					m.log.Warn("config watch overflow; forcing reload", logx.String("dir", dir), logx.Err(err))
					schedule()
					continue
				}
				m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
				if strings.Contains(msg, "closed") {
					broken = true
				}
			}
		}

		_ = w.Close()
		wait := bo.next()
		m.log.Warn("config watcher stopped; restarting",
			logx.String("dir", dir),
			logx.Duration("backoff", wait),
		)
		if !sleep(wait) {
			return nil
		}
	}
	return nil
}
