// Package ownership decides whether an event is an echo of the current
// actor's own action.
package ownership

import (
	"strings"

	"github.com/spf13/cast"

	"haulnotify/internal/alert"
)

// IsSelf reports whether ev originated from the actor described by id.
//
// An explicit own-message marker wins over id comparison: some producers only
// know the sender's role, not its id. Otherwise the sender id is compared
// against every alias of the actor after string coercion.
func IsSelf(ev alert.Event, id alert.Identity) bool {
	if ev.Own {
		return true
	}
	sender := coerce(ev.SenderID)
	if sender == "" {
		return false
	}
	for _, alias := range id.Aliases() {
		if coerce(alias) == sender {
			return true
		}
	}
	return false
}

// Filter binds IsSelf to a fixed identity.
type Filter struct {
	id alert.Identity
}

func NewFilter(id alert.Identity) *Filter { return &Filter{id: id} }

func (f *Filter) Identity() alert.Identity { return f.id }

func (f *Filter) IsSelf(ev alert.Event) bool {
	if f == nil {
		return false
	}
	return IsSelf(ev, f.id)
}

func coerce(v any) string {
	s, err := cast.ToStringE(v)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}
