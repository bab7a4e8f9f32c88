package surface

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "haulnotify/internal/runtime/supervisor"
	logx "haulnotify/pkg/logx"
)

const defaultAddr = "127.0.0.1:8787"

// Config controls the HTTP listener.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
//   - /healthz is always unauthenticated.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	Pprof       bool
	PprofPrefix string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

// Server serves the API, /metrics, /healthz and optionally pprof. It is
// reconfigurable at runtime and restarts its listener on failure.
type Server struct {
	api      *API
	gatherer prometheus.Gatherer
	metrics  *httpMetrics

	mu  sync.Mutex
	log logx.Logger
	cfg Config

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

// New builds a server. api may be nil (operational endpoints only). HTTP
// metrics are registered on reg and /metrics serves gatherer.
func New(cfg Config, api *API, reg prometheus.Registerer, gatherer prometheus.Gatherer, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		api:      api,
		gatherer: gatherer,
		metrics:  newHTTPMetrics(reg),
		cfg:      cfg,
		log:      log.With(logx.String("comp", "surface")),
	}
}

// Supervisor returns the server's internal supervisor (nil if not started).
func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Addr is the bound listener address, empty while not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg and starts/stops/restarts the listener if needed.
// Safe to call during hot-reload.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	applyRuntimeRates(cfg)

	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !cfg.Enabled {
		if running {
			s.Stop(ctx)
		}
		return
	}
	if !running {
		s.Start(ctx)
		return
	}
	if needsRestart(prev, cfg) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr ||
		a.Token != b.Token ||
		a.AllowInsecure != b.AllowInsecure ||
		a.Pprof != b.Pprof ||
		normalizePrefix(a.PprofPrefix) != normalizePrefix(b.PprofPrefix) ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.IdleTimeout != b.IdleTimeout
}

func applyRuntimeRates(cfg Config) {
	// 0 keeps Go default.
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MemProfileRate > 0 {
		runtime.MemProfileRate = cfg.MemProfileRate
	}
}

// Start is idempotent.
func (s *Server) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		// If stopping, wait for it to finish before restarting.
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		s.sup = rtsup.New(ctx,
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, ln, sup := s.srv, s.ln, s.sup
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("http surface stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Handler builds the router for cfg.
func (s *Server) Handler(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))
	r.Use(s.metrics.middleware)

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(withAuth(cfg.Token))
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		if s.api != nil {
			r.Mount("/api/v1", s.api.Routes())
		}
		if cfg.Pprof {
			prefix := normalizePrefix(cfg.PprofPrefix)
			r.HandleFunc(prefix+"cmdline", hpprof.Cmdline)
			r.HandleFunc(prefix+"profile", hpprof.Profile)
			r.HandleFunc(prefix+"symbol", hpprof.Symbol)
			r.HandleFunc(prefix+"trace", hpprof.Trace)
			r.HandleFunc(prefix+"*", pprofIndexAt(prefix))
		}
	})
	return r
}

type healthReport struct {
	Status    string `json:"status"`
	Session   bool   `json:"session"`
	Connected bool   `json:"connected"`
}

// handleHealth reports liveness. The process is healthy without a session or
// a push connection; those are reported, not failed on.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := healthReport{Status: "ok"}
	if s.api != nil {
		st := s.api.p.Status()
		rep.Session = st.Initialized
		rep.Connected = st.Connected
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	log := s.log
	s.mu.Unlock()

	if !cur.Enabled {
		return context.Canceled
	}
	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = defaultAddr
	}

	// Safety: prevent accidental public exposure without auth.
	if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		log.Error("http surface refused to start: non-loopback addr requires token or allow_insecure",
			logx.String("addr", addr),
		)
		return errors.New("http surface refused to start: insecure bind")
	}
	if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		log.Warn("http surface running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("http surface listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.Handler(cur),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		// Bounded; the outer Stop(ctx) does the real graceful shutdown.
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	listenAddr := ln.Addr().String()
	log.Info("http surface started",
		logx.String("addr", listenAddr),
		logx.Bool("api", s.api != nil),
		logx.Bool("pprof", cur.Pprof),
		logx.Bool("token_set", cur.Token != ""),
		logx.String("hint", fmt.Sprintf("http://%s/healthz", listenAddr)),
	)

	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http surface exited unexpectedly")
	}
	return err
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index assumes requests are rooted at /debug/pprof/, so custom
// prefixes are rewritten before calling it.
func pprofIndexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, canon)
		hpprof.Index(w, r2)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
