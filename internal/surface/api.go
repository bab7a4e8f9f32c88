// Package surface presents the notification queue: a JSON API for the host
// UI, a console feed, and the operational endpoints (/metrics, /healthz,
// pprof) on one supervised HTTP listener.
package surface

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cast"

	"haulnotify/internal/alert"
	"haulnotify/internal/core"
	"haulnotify/internal/queue"
	"haulnotify/internal/reconcile"
	"haulnotify/internal/storage"
	logx "haulnotify/pkg/logx"
)

// Presenter is the set of queue operations the API exposes. *core.Core
// implements it.
type Presenter interface {
	List(f queue.Filter) []alert.Queued
	Get(id string) (alert.Queued, error)
	MarkRead(id string) error
	Dismiss(id string) error
	DismissAll() (int, error)
	Navigate(ctx context.Context, id string) (alert.Queued, error)
	PollNow(ctx context.Context) (reconcile.Result, error)
	Status() core.Status
}

// Auditor records user actions. storage.Store implements it.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type API struct {
	p     Presenter
	audit Auditor
	log   logx.Logger
}

func NewAPI(p Presenter, audit Auditor, log logx.Logger) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &API{p: p, audit: audit, log: log.With(logx.String("comp", "surface.api"))}
}

// Routes returns the notification API, to be mounted under a prefix.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/notifications", a.handleList)
	r.Post("/notifications/dismiss-all", a.handleDismissAll)
	r.Route("/notifications/{id}", func(r chi.Router) {
		r.Get("/", a.handleGet)
		r.Delete("/", a.handleDismiss)
		r.Post("/read", a.handleRead)
		r.Post("/navigate", a.handleNavigate)
	})
	r.Post("/poll", a.handlePoll)
	r.Get("/status", a.handleStatus)
	return r
}

type listResponse struct {
	Items  []alert.Queued `json:"items"`
	Unread int            `json:"unread"`
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := queue.Filter{
		Kind:      alert.Kind(strings.TrimSpace(q.Get("kind"))),
		ThreadKey: strings.TrimSpace(q.Get("thread")),
	}
	if raw := q.Get("unread"); raw != "" {
		v, err := cast.ToBoolE(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unread must be a boolean")
			return
		}
		f.UnreadOnly = v
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := cast.ToIntE(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = v
	}

	items := a.p.List(f)
	if items == nil {
		items = []alert.Queued{}
	}
	unread := 0
	for _, it := range items {
		if !it.Read {
			unread++
		}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Unread: unread})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	n, err := a.p.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (a *API) handleRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, _ := a.p.Get(id)
	err := a.p.MarkRead(id)
	a.record(r, storage.AuditEntry{Action: "read", NotificationID: id, ThreadKey: n.ThreadKey}, err)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDismiss(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, _ := a.p.Get(id)
	err := a.p.Dismiss(id)
	a.record(r, storage.AuditEntry{Action: "dismiss", NotificationID: id, ThreadKey: n.ThreadKey}, err)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDismissAll(w http.ResponseWriter, r *http.Request) {
	n, err := a.p.DismissAll()
	a.record(r, storage.AuditEntry{Action: "dismiss_all", Count: n}, err)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"dismissed": n})
}

func (a *API) handleNavigate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := a.p.Navigate(r.Context(), id)
	a.record(r, storage.AuditEntry{Action: "navigate", NotificationID: id, ThreadKey: n.ThreadKey}, err)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (a *API) handlePoll(w http.ResponseWriter, r *http.Request) {
	res, err := a.p.PollNow(r.Context())
	a.record(r, storage.AuditEntry{Action: "poll", Count: res.Records}, err)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.p.Status())
}

func (a *API) record(r *http.Request, e storage.AuditEntry, err error) {
	if a.audit == nil {
		return
	}
	e.At = time.Now().UTC()
	e.Scope = a.p.Status().Actor
	e.Remote = remoteHost(r)
	if err != nil {
		e.Error = err.Error()
	}
	// Audit must not hold up the response for long.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 250*time.Millisecond)
	defer cancel()
	if aerr := a.audit.AppendAudit(ctx, e); aerr != nil && !errors.Is(aerr, storage.ErrDisabled) {
		a.log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(aerr))
	}
}

func remoteHost(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeCoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, core.ErrNoBackend):
		writeError(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, reconcile.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
