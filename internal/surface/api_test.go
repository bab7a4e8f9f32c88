package surface

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"haulnotify/internal/alert"
	"haulnotify/internal/core"
	"haulnotify/internal/queue"
	"haulnotify/internal/reconcile"
	"haulnotify/internal/storage"
	logx "haulnotify/pkg/logx"
)

type fakePresenter struct {
	mu      sync.Mutex
	items   []alert.Queued
	filter  queue.Filter
	pollErr error
	navErr  error
	down    bool
}

func (f *fakePresenter) List(flt queue.Filter) []alert.Queued {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = flt
	return append([]alert.Queued(nil), f.items...)
}

func (f *fakePresenter) find(id string) int {
	for i, it := range f.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func (f *fakePresenter) Get(id string) (alert.Queued, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return alert.Queued{}, core.ErrNotInitialized
	}
	if i := f.find(id); i >= 0 {
		return f.items[i], nil
	}
	return alert.Queued{}, core.ErrNotFound
}

func (f *fakePresenter) MarkRead(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return core.ErrNotInitialized
	}
	i := f.find(id)
	if i < 0 {
		return core.ErrNotFound
	}
	f.items[i].Read = true
	return nil
}

func (f *fakePresenter) Dismiss(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.find(id)
	if i < 0 {
		return core.ErrNotFound
	}
	f.items = append(f.items[:i], f.items[i+1:]...)
	return nil
}

func (f *fakePresenter) DismissAll() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.items)
	f.items = nil
	return n, nil
}

func (f *fakePresenter) Navigate(ctx context.Context, id string) (alert.Queued, error) {
	n, err := f.Get(id)
	if err != nil {
		return n, err
	}
	if f.navErr != nil {
		return n, f.navErr
	}
	_ = f.MarkRead(id)
	n.Read = true
	return n, nil
}

func (f *fakePresenter) PollNow(ctx context.Context) (reconcile.Result, error) {
	if f.pollErr != nil {
		return reconcile.Result{}, f.pollErr
	}
	return reconcile.Result{Trigger: "manual", Threads: 2, Records: 7}, nil
}

func (f *fakePresenter) Status() core.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return core.Status{}
	}
	return core.Status{Initialized: true, Actor: "u1", Queued: len(f.items), Connected: true}
}

type fakeAuditor struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (f *fakeAuditor) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeAuditor) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e.Action)
	}
	return out
}

func seed() *fakePresenter {
	at := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	return &fakePresenter{items: []alert.Queued{
		{Event: alert.Event{ID: "n1", Kind: alert.KindChat, ThreadKey: "l-1", Message: "hi", OccurredAt: at}, Title: "Acme"},
		{Event: alert.Event{ID: "n2", Kind: alert.KindBid, ThreadKey: "b-2", Message: "accepted", OccurredAt: at}, Title: "Bid update"},
	}}
}

func newTestServer(t *testing.T, p Presenter, audit Auditor, cfg Config) (*httptest.Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	s := New(cfg, NewAPI(p, audit, logx.Nop()), reg, reg, logx.Nop())
	ts := httptest.NewServer(s.Handler(cfg))
	t.Cleanup(ts.Close)
	return ts, reg
}

func do(t *testing.T, method, url string, hdr map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func TestListAndFilters(t *testing.T) {
	t.Parallel()
	p := seed()
	ts, _ := newTestServer(t, p, nil, Config{})

	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/notifications?kind=chat&thread=l-1&unread=true&limit=5", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if items, _ := body["items"].([]any); len(items) != 2 || body["unread"] != float64(2) {
		t.Fatalf("body = %v", body)
	}
	want := queue.Filter{Kind: alert.KindChat, ThreadKey: "l-1", UnreadOnly: true, Limit: 5}
	if p.filter != want {
		t.Fatalf("filter = %+v, want %+v", p.filter, want)
	}

	for _, q := range []string{"unread=maybe", "limit=-1", "limit=x"} {
		if resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/notifications?"+q, nil); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestEmptyListIsArray(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, &fakePresenter{}, nil, Config{})
	_, body := do(t, http.MethodGet, ts.URL+"/api/v1/notifications", nil)
	if items, ok := body["items"].([]any); !ok || len(items) != 0 {
		t.Fatalf("items = %#v, want []", body["items"])
	}
}

func TestActionsAreAudited(t *testing.T) {
	t.Parallel()
	p := seed()
	audit := &fakeAuditor{}
	ts, _ := newTestServer(t, p, audit, Config{})

	steps := []struct {
		method, path string
		status       int
	}{
		{http.MethodGet, "/api/v1/notifications/n1", http.StatusOK},
		{http.MethodPost, "/api/v1/notifications/n1/read", http.StatusNoContent},
		{http.MethodPost, "/api/v1/notifications/missing/read", http.StatusNotFound},
		{http.MethodPost, "/api/v1/notifications/n2/navigate", http.StatusOK},
		{http.MethodDelete, "/api/v1/notifications/n1", http.StatusNoContent},
		{http.MethodDelete, "/api/v1/notifications/n1", http.StatusNotFound},
		{http.MethodPost, "/api/v1/notifications/dismiss-all", http.StatusOK},
		{http.MethodPost, "/api/v1/poll", http.StatusOK},
	}
	for _, st := range steps {
		if resp, body := do(t, st.method, ts.URL+st.path, nil); resp.StatusCode != st.status {
			t.Fatalf("%s %s = %d (%v), want %d", st.method, st.path, resp.StatusCode, body, st.status)
		}
	}

	got := strings.Join(audit.actions(), ",")
	if got != "read,read,navigate,dismiss,dismiss,dismiss_all,poll" {
		t.Fatalf("audit = %s", got)
	}
	audit.mu.Lock()
	defer audit.mu.Unlock()
	if e := audit.entries[1]; e.Error == "" || e.Scope != "u1" || e.Remote == "" {
		t.Fatalf("failed read entry = %+v", e)
	}
	if e := audit.entries[2]; e.ThreadKey != "b-2" {
		t.Fatalf("navigate entry = %+v", e)
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	p := &fakePresenter{down: true, pollErr: reconcile.ErrBusy}
	ts, _ := newTestServer(t, p, nil, Config{})

	if resp, _ := do(t, http.MethodPost, ts.URL+"/api/v1/notifications/x/read", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("read without session = %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPost, ts.URL+"/api/v1/poll", nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("busy poll = %d", resp.StatusCode)
	}

	p2 := seed()
	p2.navErr = errors.New("route not found")
	p2.pollErr = core.ErrNoBackend
	ts2, _ := newTestServer(t, p2, nil, Config{})
	if resp, _ := do(t, http.MethodPost, ts2.URL+"/api/v1/notifications/n1/navigate", nil); resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("failed navigate = %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPost, ts2.URL+"/api/v1/poll", nil); resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("poll without backend = %d", resp.StatusCode)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, seed(), nil, Config{Token: "s3cret"})

	if resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/status", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token = %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/status?token=nope", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token = %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/status?token=s3cret", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("query token = %d", resp.StatusCode)
	}
	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/status", map[string]string{"Authorization": "Bearer s3cret"})
	if resp.StatusCode != http.StatusOK || body["actor"] != "u1" {
		t.Fatalf("bearer token = %d %v", resp.StatusCode, body)
	}
	// Health stays open for probes.
	resp, body = do(t, http.MethodGet, ts.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" || body["session"] != true {
		t.Fatalf("healthz = %d %v", resp.StatusCode, body)
	}
}

func TestMetricsEndpointUsesRoutePatterns(t *testing.T) {
	t.Parallel()
	ts, reg := newTestServer(t, seed(), nil, Config{})

	do(t, http.MethodGet, ts.URL+"/api/v1/notifications/n1", nil)
	do(t, http.MethodGet, ts.URL+"/api/v1/notifications/n2", nil)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	paths := map[string]float64{}
	for _, mf := range mfs {
		if mf.GetName() != "haulnotify_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "path" {
					paths[l.GetValue()] += m.GetCounter().GetValue()
				}
			}
		}
	}
	var byID float64
	for path, n := range paths {
		if strings.Contains(path, "n1") || strings.Contains(path, "n2") {
			t.Fatalf("raw id in path label: %v", paths)
		}
		if strings.HasPrefix(path, "/api/v1/notifications/{id}") {
			byID += n
		}
	}
	if byID != 2 {
		t.Fatalf("paths = %v", paths)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/metrics", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(resp.Header.Get("Content-Type"), "text/plain") {
		t.Fatalf("/metrics = %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
}

func TestPprofIsOptIn(t *testing.T) {
	t.Parallel()
	off, _ := newTestServer(t, seed(), nil, Config{})
	if resp, _ := do(t, http.MethodGet, off.URL+"/debug/pprof/", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("pprof disabled = %d", resp.StatusCode)
	}
	on, _ := newTestServer(t, seed(), nil, Config{Pprof: true, PprofPrefix: "dbg"})
	if resp, _ := do(t, http.MethodGet, on.URL+"/dbg/", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("pprof index = %d", resp.StatusCode)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:8787": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":8787":          false,
		"0.0.0.0:80":     false,
		"10.0.0.5:80":    false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, nil, reg, reg, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()

	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Supervisor() != nil {
		t.Fatal("supervisor still set after disable")
	}
}
