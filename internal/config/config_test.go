package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "haulnotify/pkg/logx"
)

func TestDecodeJSONAndYAML(t *testing.T) {
	jsonDoc := `{
		"session": {"id": "u1", "user_id": "41"},
		"transport": {"driver": "websocket", "url": "wss://example.test/socket"},
		"pipeline": {"capacity": 5, "ttl": {"chat": "2m"}},
		"logging": {"level": "debug", "console": true}
	}`
	yamlDoc := `
session:
  id: u1
  user_id: "41"
transport:
  driver: websocket
  url: wss://example.test/socket
pipeline:
  capacity: 5
  ttl:
    chat: 2m
logging:
  level: debug
  console: true
`
	for _, tc := range []struct {
		path, body string
	}{
		{"cfg.json", jsonDoc},
		{"cfg.yaml", yamlDoc},
		{"cfg", jsonDoc},
		{"cfg", yamlDoc},
	} {
		cfg, err := Decode(tc.path, []byte(tc.body))
		if err != nil {
			t.Fatalf("%s: %v", tc.path, err)
		}
		if cfg.Session.ID != "u1" || cfg.Session.UserID != "41" {
			t.Fatalf("%s: session = %+v", tc.path, cfg.Session)
		}
		if cfg.Transport.Driver != "websocket" || cfg.Pipeline.Capacity != 5 {
			t.Fatalf("%s: transport/pipeline = %+v / %+v", tc.path, cfg.Transport, cfg.Pipeline)
		}
		if cfg.Pipeline.TTL["chat"] != "2m" {
			t.Fatalf("%s: ttl = %v", tc.path, cfg.Pipeline.TTL)
		}
		if cfg.Backend != nil || cfg.Storage != nil {
			t.Fatalf("%s: optional sections should stay nil", tc.path)
		}
	}
}

func TestDecodeIsStrict(t *testing.T) {
	if _, err := Decode("cfg.json", []byte(`{"session": {"id": "u1", "nickname": "x"}}`)); err == nil {
		t.Fatal("unknown field accepted")
	}
	if _, err := Decode("cfg.yaml", []byte("pipeline:\n  capcity: 3\n")); err == nil {
		t.Fatal("unknown yaml field accepted")
	}
	_, err := Decode("cfg.json", []byte(`{"session": {"id": "u1"}} {"x": 1}`))
	if err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("trailing data: err = %v", err)
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	cfg, err := Decode("cfg.yaml", []byte("# nothing yet\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Session.ID != "" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestDecodeExpandsSecrets(t *testing.T) {
	t.Setenv("HAUL_TOKEN", "s3cret")
	t.Setenv("HAUL_REDIS_PW", "pw")
	doc := `{
		"session": {"id": "u1", "token": "${HAUL_TOKEN}"},
		"storage": {"driver": "redis", "redis_addr": "localhost:6379", "redis_password": "$HAUL_REDIS_PW"},
		"alerts": {"telegram": {"enabled": true, "token": "bot:${HAUL_TOKEN}", "chat_id": 7}},
		"surface": {"http": {"enabled": true, "token": " plain "}}
	}`
	cfg, err := Decode("cfg.json", []byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Session.Token != "s3cret" {
		t.Fatalf("session token = %q", cfg.Session.Token)
	}
	if cfg.Storage.RedisPassword != "pw" {
		t.Fatalf("redis password = %q", cfg.Storage.RedisPassword)
	}
	if cfg.Alerts.Telegram.Token != "bot:s3cret" {
		t.Fatalf("telegram token = %q", cfg.Alerts.Telegram.Token)
	}
	if cfg.Surface.HTTP.Token != "plain" {
		t.Fatalf("http token = %q", cfg.Surface.HTTP.Token)
	}
}

func TestParseDurations(t *testing.T) {
	if d, err := ParseDurationOrDefault("x", "", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "250ms", time.Second); err != nil || d != 250*time.Millisecond {
		t.Fatalf("explicit: %v %v", d, err)
	}
	if _, err := ParseDurationField("pipeline.horizon", "-5s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	_, err := ParseDurationField("pipeline.horizon", "soon")
	if err == nil || !strings.Contains(err.Error(), "pipeline.horizon") {
		t.Fatalf("err = %v", err)
	}

	for _, raw := range []string{"off", "OFF", " none ", "disabled", "0"} {
		d, err := ParseSwitchableDuration("h", raw, time.Hour)
		if err != nil || d >= 0 {
			t.Fatalf("%q: %v %v", raw, d, err)
		}
	}
	if d, err := ParseSwitchableDuration("h", "", time.Hour); err != nil || d != time.Hour {
		t.Fatalf("empty: %v %v", d, err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{
		Session: SessionConfig{ID: "u1", Token: "a"},
		Logging: LoggingConfig{Level: "info"},
	}
	newCfg := &Config{
		Session: SessionConfig{ID: "u1", Token: "b"},
		Logging: LoggingConfig{Level: "debug"},
		Storage: &StorageConfig{Driver: "sqlite", Path: "x.db"},
	}
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"logging", "session", "storage"}
	if strings.Join(sections, ",") != strings.Join(want, ",") {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config changed", attrs...)
	if out := buf.String(); strings.Contains(out, `"b"`) || !strings.Contains(out, `"session.token_set":true`) {
		t.Fatalf("log line = %s", out)
	}

	if s, _ := SummarizeConfigChange(oldCfg, oldCfg); len(s) != 0 {
		t.Fatalf("identical configs reported %v", s)
	}
}

func TestRestartRequired(t *testing.T) {
	base := Config{
		Pipeline: PipelineConfig{Capacity: 8, Horizon: "10m"},
		Logging:  LoggingConfig{Level: "info"},
	}
	live := base
	live.Pipeline.Capacity = 4
	live.Pipeline.TTL = map[string]string{"chat": "1m"}
	live.Logging.Level = "debug"
	live.Surface.HTTP.Enabled = true
	if got := RestartRequired(&base, &live); len(got) != 0 {
		t.Fatalf("live changes flagged for restart: %v", got)
	}

	cold := base
	cold.Pipeline.Horizon = "off"
	cold.Transport.Driver = "nats"
	got := RestartRequired(&base, &cold)
	if strings.Join(got, ",") != "transport,pipeline" {
		t.Fatalf("restart = %v", got)
	}
}

func TestManagerWatchPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "haulnotify.yaml")
	if err := os.WriteFile(path, []byte("session:\n  id: u1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Session.ID == "" {
			return os.ErrInvalid
		}
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// The watcher may not be armed yet; keep writing until a reload lands.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			if cfg.Session.ID != "u2" {
				t.Fatalf("published %+v", cfg.Session)
			}
			if m.Get().Session.ID != "u2" {
				t.Fatal("Get did not see the committed config")
			}
			cancel()
			<-done
			return
		case <-tick.C:
			_ = os.WriteFile(path, []byte("session:\n  id: u2\n"), 0o600)
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
}

func TestManagerPublishKeepsLatest(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	m.publish(&Config{Session: SessionConfig{ID: "a"}})
	m.publish(&Config{Session: SessionConfig{ID: "b"}})
	if got := <-ch; got.Session.ID != "b" {
		t.Fatalf("got %q, want latest", got.Session.ID)
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
}
