// Package httpapi implements backend.Backend over the marketplace REST API.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"golang.org/x/time/rate"

	"haulnotify/internal/alert"
	"haulnotify/internal/backend"
	logx "haulnotify/pkg/logx"
)

// ThreadSource is one listing endpoint and the history endpoint of the
// threads it returns. {actor} and {thread} are substituted (path-escaped).
type ThreadSource struct {
	List    string
	History string
	Kind    alert.Kind
}

type Config struct {
	BaseURL string
	Token   string

	Sources     []ThreadSource
	ProfilePath string // e.g. "/users/{id}"; empty disables Profile

	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	MaxRetries int // retries on 429
	MaxBody    int64
}

// DefaultSources matches the marketplace routes for bid negotiations and
// load chats.
var DefaultSources = []ThreadSource{
	{List: "/bids/active?userId={actor}", History: "/bids/{thread}/negotiation", Kind: alert.KindNegotiation},
	{List: "/loads/active?userId={actor}", History: "/loads/{thread}/messages", Kind: alert.KindChat},
}

// Client is a thin JSON client with bearer auth, a token-bucket limiter and
// retry on 429.
type Client struct {
	cfg     Config
	base    string
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("backend base url is empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("backend base url: %w", err)
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = DefaultSources
	}
	for i := range cfg.Sources {
		if cfg.Sources[i].Kind == "" {
			cfg.Sources[i].Kind = alert.KindNegotiation
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 8 << 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		base:    base,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		log:     log.With(logx.String("comp", "backend")),
	}, nil
}

var (
	threadKeyFields   = []string{"_id", "id", "bidId", "loadId", "threadKey", "conversationId"}
	threadTitleFields = []string{"title", "name", "loadNumber", "reference", "route"}
	listEnvelopeKeys  = []string{"data", "items", "results", "threads", "bids", "loads", "history", "messages", "negotiation"}
)

func (c *Client) ActiveThreads(ctx context.Context, id alert.Identity) ([]backend.Thread, error) {
	actor := id.Primary()
	if actor == "" {
		return nil, errors.New("active threads: identity has no id")
	}
	var out []backend.Thread
	seen := map[string]bool{}
	for _, src := range c.cfg.Sources {
		var body any
		if err := c.get(ctx, expand(src.List, "{actor}", actor), &body); err != nil {
			return nil, err
		}
		for _, rec := range List(body) {
			m, ok := rec.(map[string]any)
			if !ok {
				continue
			}
			key := field(m, threadKeyFields)
			if key == "" || seen[string(src.Kind)+"/"+key] {
				continue
			}
			seen[string(src.Kind)+"/"+key] = true
			kind := src.Kind
			if k, ok := alert.ParseKind(field(m, []string{"kind", "type"})); ok {
				kind = k
			}
			out = append(out, backend.Thread{Key: key, Kind: kind, Title: field(m, threadTitleFields), Route: src.History})
		}
	}
	return out, nil
}

func (c *Client) ThreadHistory(ctx context.Context, t backend.Thread) ([]any, error) {
	route := t.Route
	if route == "" && len(c.cfg.Sources) > 0 {
		route = c.cfg.Sources[0].History
	}
	var body any
	if err := c.get(ctx, expand(route, "{thread}", t.Key), &body); err != nil {
		return nil, err
	}
	return List(body), nil
}

func (c *Client) Profile(ctx context.Context, userID string) (backend.Profile, error) {
	if c.cfg.ProfilePath == "" {
		return backend.Profile{}, errors.New("profile lookups not configured")
	}
	var body any
	if err := c.get(ctx, expand(c.cfg.ProfilePath, "{id}", userID), &body); err != nil {
		return backend.Profile{}, err
	}
	m, _ := body.(map[string]any)
	if inner, ok := m["data"].(map[string]any); ok {
		m = inner
	}
	p := backend.Profile{
		ID:     userID,
		Name:   field(m, []string{"companyName", "name", "fullName", "username"}),
		Avatar: field(m, []string{"avatar", "profileImage", "profilePicture", "logo"}),
	}
	if p.Name == "" {
		return backend.Profile{}, fmt.Errorf("profile %s: no display name", userID)
	}
	return p, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	const method = http.MethodGet
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-Id", uuid.NewString())
		if c.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("executing request %s %s: %w", method, path, err)
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBody))
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("reading response body: %w", readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = &backend.StatusError{Method: method, Path: path, Code: resp.StatusCode}
			wait := retryAfter(resp, attempt)
			c.log.Debug("rate limited", logx.String("path", path), logx.Duration("wait", wait))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
				continue
			}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &backend.StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: snippet(body)}
		}
		if out == nil || resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(out); err != nil {
			return fmt.Errorf("decoding response from %s %s: %w", method, path, err)
		}
		return nil
	}
	return fmt.Errorf("max retries (%d) exceeded: %w", c.cfg.MaxRetries, lastErr)
}

// List unwraps the envelopes the API uses around collections: a bare array,
// {"data": [...]}, {"data": {"history": [...]}} and so on.
func List(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case map[string]any:
		for _, k := range listEnvelopeKeys {
			if inner, ok := x[k]; ok {
				if l := List(inner); l != nil {
					return l
				}
			}
		}
	}
	return nil
}

func field(m map[string]any, keys []string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		if inner, ok := v.(map[string]any); ok {
			v = inner["$oid"]
		}
		if s, err := cast.ToStringE(v); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func expand(tmpl, placeholder, value string) string {
	return strings.ReplaceAll(tmpl, placeholder, url.PathEscape(value))
}

// retryAfter reads the Retry-After header, falling back to exponential
// backoff.
func retryAfter(resp *http.Response, attempt int) time.Duration {
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.Atoi(h); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
