package normalize

import (
	"fmt"
	"sort"
	"strings"

	"haulnotify/internal/alert"
)

// Rule classifies event names by substring. Rules are evaluated in order and
// the first match wins.
type Rule struct {
	Contains []string
	Kind     alert.Kind
}

// Table maps push-channel event names to kinds. Exact names are checked
// first, then the substring rules; anything else is a system event.
//
// The backend has emitted the same logical message under many names over the
// years, so new names are added here (or in config) rather than in code.
type Table struct {
	names  map[string]alert.Kind
	ignore map[string]struct{}
	rules  []Rule

	// withRate upgrades a kind when the payload carries a rate: a bid
	// event that quotes money is an offer in a negotiation.
	withRate map[alert.Kind]alert.Kind
}

var defaultNames = map[string]alert.Kind{
	"new_message":         alert.KindChat,
	"receive_message":     alert.KindChat,
	"receivemessage":      alert.KindChat,
	"message":             alert.KindChat,
	"chat_message":        alert.KindChat,
	"newchatmessage":      alert.KindChat,
	"private_message":     alert.KindChat,
	"direct_message":      alert.KindChat,
	"negotiation_message": alert.KindNegotiation,
	"new_negotiation":     alert.KindNegotiation,
	"negotiation_update":  alert.KindNegotiation,
	"negotiationupdate":   alert.KindNegotiation,
	"counter_offer":       alert.KindNegotiation,
	"counteroffer":        alert.KindNegotiation,
	"offer_received":      alert.KindNegotiation,
	"rate_update":         alert.KindNegotiation,
	"bid_placed":          alert.KindBid,
	"new_bid":             alert.KindBid,
	"bid_update":          alert.KindBid,
	"bidupdated":          alert.KindBid,
	"bid_accepted":        alert.KindBid,
	"bid_rejected":        alert.KindBid,
	"bid_status":          alert.KindBid,
	"load_status":         alert.KindLoadStatus,
	"loadstatusupdate":    alert.KindLoadStatus,
	"load_update":         alert.KindLoadStatus,
	"load_assigned":       alert.KindLoadStatus,
	"load_delivered":      alert.KindLoadStatus,
	"shipment_update":     alert.KindLoadStatus,
	"tracking_update":     alert.KindLoadStatus,
	"notification":        alert.KindSystem,
	"system_notification": alert.KindSystem,
}

var defaultRules = []Rule{
	{Contains: []string{"negotiation", "offer"}, Kind: alert.KindNegotiation},
	{Contains: []string{"bid"}, Kind: alert.KindBid},
	{Contains: []string{"message", "chat"}, Kind: alert.KindChat},
	{Contains: []string{"load", "shipment", "tracking"}, Kind: alert.KindLoadStatus},
}

// Transport housekeeping frames that never carry user-facing content.
var defaultIgnore = []string{"connect", "disconnect", "ping", "pong", "typing", "stop_typing", "online_users", "presence"}

// DefaultTable returns the built-in name table.
func DefaultTable() *Table {
	t, _ := NewTable(nil, nil)
	return t
}

// NewTable builds a table from the defaults plus config overrides. names maps
// an event name to a kind string; ignore lists names that are always dropped.
func NewTable(names map[string]string, ignore []string) (*Table, error) {
	t := &Table{
		names:    make(map[string]alert.Kind, len(defaultNames)+len(names)),
		ignore:   map[string]struct{}{},
		rules:    append([]Rule(nil), defaultRules...),
		withRate: map[alert.Kind]alert.Kind{alert.KindBid: alert.KindNegotiation},
	}
	for k, v := range defaultNames {
		t.names[k] = v
	}
	for _, n := range defaultIgnore {
		t.ignore[n] = struct{}{}
	}

	keys := make([]string, 0, len(names))
	for k := range names {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, name := range keys {
		kind, ok := alert.ParseKind(names[name])
		if !ok {
			return nil, fmt.Errorf("events.names[%q]: unknown kind %q", name, names[name])
		}
		key := foldName(name)
		if key == "" {
			return nil, fmt.Errorf("events.names: empty event name")
		}
		t.names[key] = kind
	}
	for _, n := range ignore {
		if key := foldName(n); key != "" {
			t.ignore[key] = struct{}{}
		}
	}
	return t, nil
}

// Ignored reports whether name is configured to be dropped.
func (t *Table) Ignored(name string) bool {
	key := foldName(name)
	if _, ok := t.ignore[key]; ok {
		return true
	}
	_, ok := t.ignore[lastSegment(key)]
	return ok
}

// Classify returns the kind for an event name.
func (t *Table) Classify(name string, hasRate bool) alert.Kind {
	key := foldName(name)
	kind, ok := t.names[key]
	if !ok {
		kind, ok = t.names[lastSegment(key)]
	}
	if !ok {
		kind = alert.KindSystem
		for _, r := range t.rules {
			if containsAny(key, r.Contains) {
				kind = r.Kind
				break
			}
		}
	}
	if hasRate {
		if up, ok := t.withRate[kind]; ok {
			kind = up
		}
	}
	return kind
}

func foldName(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
}

// lastSegment strips socket.io namespaces ("chat:new_message") and subject
// prefixes ("events.u1.new_message").
func lastSegment(s string) string {
	if i := strings.LastIndexAny(s, ":."); i >= 0 && i < len(s)-1 {
		return s[i+1:]
	}
	return s
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
