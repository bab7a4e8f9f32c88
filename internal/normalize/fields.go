package normalize

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// Alias lists are priority-ordered; the first present, non-empty value wins.
// Dotted paths descend into nested objects.
var (
	senderIDAliases   = []string{"senderId", "sender._id", "sender.id", "sender", "userId", "from._id", "from.id", "from", "message.senderId", "message.sender._id"}
	senderNameAliases = []string{"senderName", "sender.name", "sender.companyName", "sender.fullName", "from.name", "fromName", "userName"}
	avatarAliases     = []string{"senderAvatar", "sender.avatar", "sender.profileImage", "sender.profilePicture", "from.avatar", "avatar"}
	messageAliases    = []string{"message", "message.text", "message.content", "content", "text", "body", "msg"}
	threadAliases     = []string{"threadKey", "bidId", "bid._id", "bid", "loadId", "load._id", "load", "conversationId", "chatId", "roomId"}
	timeAliases       = []string{"timestamp", "createdAt", "at", "time", "sentAt", "updatedAt", "date", "message.createdAt"}
	rateAliases       = []string{"rate", "amount", "price", "offer", "bidAmount", "counterRate", "offerRate"}
	ownAliases        = []string{"isOwnMessage", "isOwn", "own", "fromSelf", "isMine"}
	statusAliases     = []string{"status", "loadStatus", "load.status", "newStatus"}
	historyAliases    = []string{"history", "messages", "thread", "negotiationHistory", "chatHistory", "negotiation.history"}
	objectIDSubkeys   = []string{"$oid", "_id", "id"}
	millisThreshold   = 1e12
	maxFutureSkewSec  = 365 * 24 * 3600.0
)

// view layers field lookups: the most recent history entry first, then the
// top-level payload.
type view []map[string]any

func (v view) str(aliases []string) string {
	for _, m := range v {
		if s := firstString(m, aliases); s != "" {
			return s
		}
	}
	return ""
}

// text only accepts string values: message bodies are never coerced from
// numbers or objects.
func (v view) text(aliases []string) string {
	for _, m := range v {
		for _, a := range aliases {
			raw, ok := lookup(m, a)
			if !ok {
				continue
			}
			if s, ok := raw.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

// time parses the first usable timestamp. Numeric epochs further than a year
// past now are rejected as garbage.
func (v view) time(aliases []string, now time.Time) (time.Time, bool) {
	for _, m := range v {
		for _, a := range aliases {
			raw, ok := lookup(m, a)
			if !ok {
				continue
			}
			if t, ok := toTime(raw, now); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func (v view) decimal(aliases []string) (decimal.Decimal, bool) {
	for _, m := range v {
		for _, a := range aliases {
			raw, ok := lookup(m, a)
			if !ok {
				continue
			}
			if d, ok := toDecimal(raw); ok {
				return d, true
			}
		}
	}
	return decimal.Decimal{}, false
}

func (v view) flag(aliases []string) bool {
	for _, m := range v {
		for _, a := range aliases {
			raw, ok := lookup(m, a)
			if !ok || raw == nil {
				continue
			}
			if b, err := cast.ToBoolE(raw); err == nil {
				return b
			}
		}
	}
	return false
}

// lookup resolves a dotted path in nested maps.
func lookup(m map[string]any, path string) (any, bool) {
	if m == nil {
		return nil, false
	}
	cur := any(m)
	for _, part := range strings.Split(path, ".") {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func firstString(m map[string]any, aliases []string) string {
	for _, a := range aliases {
		v, ok := lookup(m, a)
		if !ok {
			continue
		}
		if s := toString(v); s != "" {
			return s
		}
	}
	return ""
}

// toString coerces scalar ids and ObjectId-like wrappers to a trimmed string.
// Containers other than id wrappers yield "".
func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case bool:
		return ""
	case map[string]any:
		for _, k := range objectIDSubkeys {
			if inner, ok := x[k]; ok {
				if s := toString(inner); s != "" {
					return s
				}
			}
		}
		return ""
	case []any:
		return ""
	default:
		s, err := cast.ToStringE(v)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	}
}

func toTime(v any, now time.Time) (time.Time, bool) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return x, !x.IsZero()
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromUnix(f, now)
	case float64:
		return fromUnix(x, now)
	case int:
		return fromUnix(float64(x), now)
	case int64:
		return fromUnix(float64(x), now)
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromUnix(f, now)
		}
		t, err := cast.ToTimeE(s)
		if err != nil || t.IsZero() {
			return time.Time{}, false
		}
		return t, true
	case map[string]any:
		if d, ok := x["$date"]; ok {
			return toTime(d, now)
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

// fromUnix accepts seconds or milliseconds.
func fromUnix(f float64, now time.Time) (time.Time, bool) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	if f >= millisThreshold {
		f /= 1000
	}
	if f > float64(now.Unix())+maxFutureSkewSec {
		return time.Time{}, false
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)), true
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case nil, bool:
		return decimal.Decimal{}, false
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(x), true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case string:
		s := strings.NewReplacer("$", "", ",", "", " ", "").Replace(strings.TrimSpace(x))
		if s == "" {
			return decimal.Decimal{}, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	case map[string]any:
		if inner, ok := x["$numberDecimal"]; ok {
			return toDecimal(inner)
		}
		if inner, ok := x["amount"]; ok {
			return toDecimal(inner)
		}
		return decimal.Decimal{}, false
	default:
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(f), true
	}
}

// decodePayload turns wire bytes and JSON-looking strings into generic values.
// Plain strings pass through unchanged.
func decodePayload(p any) any {
	var b []byte
	switch x := p.(type) {
	case []byte:
		b = x
	case json.RawMessage:
		b = x
	case string:
		t := strings.TrimSpace(x)
		if !strings.HasPrefix(t, "{") && !strings.HasPrefix(t, "[") {
			return x
		}
		b = []byte(t)
	default:
		return p
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		if s, ok := p.(string); ok {
			return s
		}
		return nil
	}
	return v
}

// lastEntry returns the last object in the first history array found.
func lastEntry(m map[string]any) (map[string]any, bool) {
	for _, a := range historyAliases {
		raw, ok := lookup(m, a)
		if !ok {
			continue
		}
		arr, ok := raw.([]any)
		if !ok {
			continue
		}
		for i := len(arr) - 1; i >= 0; i-- {
			if e, ok := arr[i].(map[string]any); ok {
				return e, true
			}
		}
	}
	return nil, false
}
