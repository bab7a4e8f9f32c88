package surface

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	logx "haulnotify/pkg/logx"
)

type httpMetrics struct {
	duration *prometheus.HistogramVec
	requests *prometheus.CounterVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	f := promauto.With(reg)
	return &httpMetrics{
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "haulnotify",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "haulnotify",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"path", "method", "status"}),
	}
}

// middleware records RED metrics keyed by the route pattern, so ids do not
// explode the label space.
func (m *httpMetrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := strconv.Itoa(ww.Status())
		m.duration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
		m.requests.WithLabelValues(path, r.Method, status).Inc()
	})
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if !log.Enabled(logx.LevelDebug) && ww.Status() < http.StatusInternalServerError {
				return
			}
			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)),
			}
			if id := middleware.GetReqID(r.Context()); id != "" {
				fields = append(fields, logx.String("req_id", id))
			}
			if ww.Status() >= http.StatusInternalServerError {
				log.Warn("request failed", fields...)
				return
			}
			log.Debug("request", fields...)
		})
	}
}

// withAuth accepts either "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}
