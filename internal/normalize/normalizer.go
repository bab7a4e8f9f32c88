// Package normalize is the single boundary where untyped push/poll payloads
// become alert.Event values.
package normalize

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"haulnotify/internal/alert"
	"haulnotify/internal/clock"
	logx "haulnotify/pkg/logx"
)

type Normalizer struct {
	table *Table
	clock clock.Clock
	log   logx.Logger
}

type Option func(*Normalizer)

func WithClock(c clock.Clock) Option {
	return func(n *Normalizer) {
		if c != nil {
			n.clock = c
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(n *Normalizer) { n.log = log }
}

func New(table *Table, opts ...Option) *Normalizer {
	if table == nil {
		table = DefaultTable()
	}
	n := &Normalizer{table: table, clock: clock.Real{}, log: logx.Nop()}
	for _, o := range opts {
		o(n)
	}
	if n.log.IsZero() {
		n.log = logx.Nop()
	}
	return n
}

// Normalize maps a raw event to the canonical form. It returns false when the
// event carries nothing displayable; such events are dropped, never padded
// with invented text.
func (n *Normalizer) Normalize(raw alert.Raw) (alert.Event, bool) {
	if n.table.Ignored(raw.Name) {
		return alert.Event{}, false
	}

	v, plain := n.layers(raw.Payload)

	rate, hasRate := v.decimal(rateAliases)
	kind := n.table.Classify(raw.Name, hasRate)

	ev := alert.Event{
		Kind:         kind,
		ThreadKey:    v.str(threadAliases),
		SenderID:     v.str(senderIDAliases),
		SenderName:   v.str(senderNameAliases),
		SenderAvatar: v.str(avatarAliases),
		Own:          v.flag(ownAliases),
		Source:       raw.Source,
	}
	if ev.ThreadKey == "" {
		ev.ThreadKey = strings.TrimSpace(raw.ThreadKey)
	}
	if ev.Source == "" {
		ev.Source = alert.SourcePush
	}
	if hasRate && (kind == alert.KindNegotiation || kind == alert.KindBid) {
		ev.Rate = decimal.NullDecimal{Decimal: rate, Valid: true}
	}

	ev.Message = v.text(messageAliases)
	if ev.Message == "" {
		ev.Message = strings.TrimSpace(plain)
	}
	if ev.Message == "" {
		ev.Message = synthesize(kind, ev.Rate, v.text(statusAliases))
	}
	if ev.Message == "" {
		n.log.Debug("dropping malformed event", logx.String("event", raw.Name), logx.String("source", string(ev.Source)))
		return alert.Event{}, false
	}

	at, hasTime := v.time(timeAliases, n.clock.Now())
	if !hasTime {
		at = raw.ReceivedAt
		if at.IsZero() {
			at = n.clock.Now()
		}
	}
	ev.OccurredAt = at

	// The sender scopes the id ahead of the thread: push copies often lack the
	// thread key that the poll copy carries. The cost is that one sender
	// posting the same text to two threads within one second yields one id.
	scope := ev.SenderID
	if scope == "" {
		scope = ev.ThreadKey
	}
	if scope == "" && !hasTime {
		// Nothing stable to hash: a retry of this payload could not be told
		// apart from a new one anyway.
		ev.ID = uuid.NewString()
	} else {
		ev.ID = EventID(scope, ev.SenderID, ev.Message, at)
	}
	return ev, true
}

// layers builds the lookup view for a payload. The second result is the text
// of a bare string payload.
func (n *Normalizer) layers(payload any) (view, string) {
	switch p := decodePayload(payload).(type) {
	case map[string]any:
		if last, ok := lastEntry(p); ok {
			return view{last, p}, ""
		}
		return view{p}, ""
	case []any:
		// A bare array is a thread dump; the newest entry is last.
		for i := len(p) - 1; i >= 0; i-- {
			if m, ok := p[i].(map[string]any); ok {
				return view{m}, ""
			}
		}
		return nil, ""
	case string:
		return nil, p
	case json.Number:
		return view{{"rate": p}}, ""
	case float64, int, int64:
		return view{{"rate": p}}, ""
	default:
		return nil, ""
	}
}

// synthesize derives a body from structured fields when the payload has no
// text. It only restates data that is present.
func synthesize(kind alert.Kind, rate decimal.NullDecimal, status string) string {
	switch {
	case rate.Valid && (kind == alert.KindNegotiation || kind == alert.KindBid):
		return "New offer: $" + humanize.FormatFloat("#,###.##", rate.Decimal.InexactFloat64())
	case status != "" && kind == alert.KindLoadStatus:
		return "Load status: " + strings.ReplaceAll(status, "_", " ")
	default:
		return ""
	}
}

// EventID derives the stable identity of a message. The timestamp is
// truncated to the second because push and poll copies of one message differ
// by delivery latency.
func EventID(scope, senderID, message string, at time.Time) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(scope))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(senderID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(message))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.FormatInt(at.Unix(), 10)))
	return fmt.Sprintf("%016x", h.Sum64())
}
