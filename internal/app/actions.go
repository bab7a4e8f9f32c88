package app

import (
	"context"
	"time"

	"haulnotify/internal/core"
	"haulnotify/internal/storage"
	logx "haulnotify/pkg/logx"
)

// chatActions lets the Telegram buttons act on the queue. Actions are
// audited like the HTTP ones.
type chatActions struct {
	core  *core.Core
	store storage.Store
	log   logx.Logger
}

func (a *chatActions) MarkRead(id string) bool {
	err := a.core.MarkRead(id)
	a.record("read", id, err)
	return err == nil
}

func (a *chatActions) Dismiss(id string) bool {
	err := a.core.Dismiss(id)
	a.record("dismiss", id, err)
	return err == nil
}

func (a *chatActions) record(action, id string, err error) {
	if a.store == nil {
		return
	}
	e := storage.AuditEntry{
		At:             time.Now().UTC(),
		Scope:          a.core.Status().Actor,
		Action:         action,
		NotificationID: id,
		Remote:         "telegram",
	}
	if err != nil {
		e.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if aerr := a.store.AppendAudit(ctx, e); aerr != nil {
		a.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}
