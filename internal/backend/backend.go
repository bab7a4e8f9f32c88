// Package backend describes the request/response side of the marketplace
// that the reconciliation poller and the enricher consume.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"haulnotify/internal/alert"
)

// Thread is one active conversation of the actor: a bid negotiation, a load
// chat or similar.
type Thread struct {
	Key   string     `json:"key"`
	Kind  alert.Kind `json:"kind"`
	Title string     `json:"title,omitempty"`

	// Route is opaque to callers; the backend that listed the thread uses
	// it to fetch the history.
	Route string `json:"-"`
}

// Backend lists threads and replays their messages. Records are returned
// as decoded JSON values in chronological order.
type Backend interface {
	ActiveThreads(ctx context.Context, id alert.Identity) ([]Thread, error)
	ThreadHistory(ctx context.Context, t Thread) ([]any, error)
}

// Profile is the display identity of a counterparty.
type Profile struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// ProfileSource resolves sender profiles for enrichment.
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (Profile, error)
}

// ErrUnauthorized is wrapped by StatusError for 401 and 403 responses.
var ErrUnauthorized = errors.New("backend: unauthorized")

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status %d on %s %s: %s", e.Code, e.Method, e.Path, e.Body)
	}
	return fmt.Sprintf("unexpected status %d on %s %s", e.Code, e.Method, e.Path)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// IsUnauthorized reports whether err (or any error in its chain) is an
// authentication failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
