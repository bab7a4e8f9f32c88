// Package alert holds the canonical notification types shared by every stage
// of the pipeline. Untyped producer data stops at the normalizer; everything
// downstream works on Event.
package alert

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindChat        Kind = "chat"
	KindNegotiation Kind = "negotiation"
	KindBid         Kind = "bid"
	KindLoadStatus  Kind = "load-status"
	KindSystem      Kind = "system"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{KindChat, KindNegotiation, KindBid, KindLoadStatus, KindSystem}

// ParseKind maps a config string to a Kind. Unknown values report false.
func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindChat:
		return KindChat, true
	case KindNegotiation:
		return KindNegotiation, true
	case KindBid:
		return KindBid, true
	case KindLoadStatus, "load_status", "loadstatus", "load":
		return KindLoadStatus, true
	case KindSystem:
		return KindSystem, true
	default:
		return "", false
	}
}

// Label is the generic title used when the sender cannot be resolved.
func (k Kind) Label() string {
	switch k {
	case KindChat:
		return "New message"
	case KindNegotiation:
		return "New offer"
	case KindBid:
		return "Bid update"
	case KindLoadStatus:
		return "Load update"
	default:
		return "Notification"
	}
}

// Source tells which path produced an event.
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// Raw is an event as received from a producer. Payload has no guaranteed
// shape and must be read defensively.
type Raw struct {
	Name       string
	Payload    any
	ReceivedAt time.Time

	// ThreadKey is a correlation hint from the producer (the poller knows
	// which thread it is replaying even when records omit it).
	ThreadKey string
	Source    Source
}

// Event is the canonical, immutable notification record.
type Event struct {
	ID           string              `json:"id"`
	Kind         Kind                `json:"kind"`
	ThreadKey    string              `json:"thread_key,omitempty"`
	SenderID     string              `json:"sender_id,omitempty"`
	SenderName   string              `json:"sender_name,omitempty"`
	SenderAvatar string              `json:"sender_avatar,omitempty"`
	Message      string              `json:"message"`
	OccurredAt   time.Time           `json:"occurred_at"`
	Rate         decimal.NullDecimal `json:"rate"`
	Own          bool                `json:"own,omitempty"`
	Source       Source              `json:"source"`
}

// Queued is an Event admitted to the notification queue plus its
// presentation state.
type Queued struct {
	Event
	Title     string    `json:"title"`
	Read      bool      `json:"read"`
	QueuedAt  time.Time `json:"queued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Identity is the actor the session belongs to. Backend records identify the
// same person under several fields, so every alias is compared.
type Identity struct {
	ID     string `json:"_id"`
	UserID string `json:"user_id"`
	EmpID  string `json:"emp_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

// Aliases returns the non-empty identity strings.
func (id Identity) Aliases() []string {
	out := make([]string, 0, 3)
	for _, v := range []string{id.ID, id.UserID, id.EmpID} {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Primary is the preferred id for backend requests.
func (id Identity) Primary() string {
	if a := id.Aliases(); len(a) > 0 {
		return a[0]
	}
	return ""
}

func (id Identity) IsZero() bool { return len(id.Aliases()) == 0 }
