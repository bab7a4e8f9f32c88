package telegram

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	tele "gopkg.in/telebot.v4"

	"haulnotify/internal/alert"
	logx "haulnotify/pkg/logx"
)

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("a", 30)
	text := strings.Join([]string{line, line, line, line}, "\n")
	chunks := splitText(text, 70, "")
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want split", len(chunks))
	}
	for _, c := range chunks {
		if len([]rune(c)) > 70 {
			t.Fatalf("chunk too long: %d", len(c))
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk has edge newline: %q", c)
		}
	}
	if got := strings.Join(chunks, "\n"); got != text {
		t.Fatalf("rejoined text differs")
	}
}

func TestSplitTextAvoidsCuttingTags(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("x", 18) + "<b>bold</b>" + strings.Repeat("y", 30)
	chunks := splitText(text, 20, tele.ModeHTML)
	if !strings.HasPrefix(chunks[1], "<b>") {
		t.Fatalf("second chunk = %q, want it to start at the tag", chunks[1])
	}
	if got := splitText("short", 20, tele.ModeHTML); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text = %v", got)
	}
}

func TestFormatEscapesAndShowsRate(t *testing.T) {
	t.Parallel()
	n := alert.Queued{
		Event: alert.Event{
			ID:        "abc",
			Kind:      alert.KindNegotiation,
			ThreadKey: "bid-7",
			Message:   "can you do <1200>?",
			Rate:      decimal.NullDecimal{Decimal: decimal.RequireFromString("1250"), Valid: true},
		},
		Title: "Acme & Sons",
	}
	got := Format(n)
	for _, want := range []string{"<b>Acme &amp; Sons</b>", "can you do &lt;1200&gt;?", "Rate: $1,250.00", "negotiation · bid-7"} {
		if !strings.Contains(got, want) {
			t.Fatalf("Format() = %q, missing %q", got, want)
		}
	}
}

type fakeActions struct {
	read, dismissed []string
}

func (f *fakeActions) MarkRead(id string) bool {
	f.read = append(f.read, id)
	return id == "live"
}

func (f *fakeActions) Dismiss(id string) bool {
	f.dismissed = append(f.dismissed, id)
	return id == "live"
}

func TestApplyAction(t *testing.T) {
	t.Parallel()
	acts := &fakeActions{}
	tests := []struct {
		action, id, text string
		ok               bool
	}{
		{action: uniqueRead, id: "live", text: "marked read", ok: true},
		{action: uniqueDismiss, id: "live", text: "dismissed", ok: true},
		{action: uniqueRead, id: "gone", text: "already gone"},
		{action: uniqueDismiss, id: "", text: "unknown notification"},
		{action: "archive", id: "live", text: "unknown action"},
	}
	for _, tt := range tests {
		text, ok := applyAction(acts, tt.action, tt.id)
		if text != tt.text || ok != tt.ok {
			t.Fatalf("applyAction(%s, %q) = %q, %v", tt.action, tt.id, text, ok)
		}
	}
	if len(acts.read) != 2 || len(acts.dismissed) != 1 {
		t.Fatalf("calls read=%v dismissed=%v", acts.read, acts.dismissed)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{ChatID: 1}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
	if _, err := New(Config{Token: "123:abc"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing chat id")
	}
}
