package surface

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"haulnotify/internal/alert"
	"haulnotify/internal/clock"
	"haulnotify/internal/eventbus"
	"haulnotify/internal/queue"
	"haulnotify/internal/reconcile"
	"haulnotify/internal/transport"
	logx "haulnotify/pkg/logx"
)

// Console renders queue and connectivity changes as one line each, for
// running the daemon in a terminal.
type Console struct {
	w       io.Writer
	clock   clock.Clock
	verbose bool
	log     logx.Logger
}

type ConsoleOption func(*Console)

func WithConsoleClock(c clock.Clock) ConsoleOption {
	return func(cn *Console) {
		if c != nil {
			cn.clock = c
		}
	}
}

// WithVerbose also prints lifecycle changes (expiry, eviction, polls).
func WithVerbose(v bool) ConsoleOption { return func(cn *Console) { cn.verbose = v } }

func NewConsole(w io.Writer, log logx.Logger, opts ...ConsoleOption) *Console {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Console{w: w, clock: clock.Real{}, log: log.With(logx.String("comp", "console"))}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run prints bus events until ctx is cancelled.
func (c *Console) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsub := bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			line, show := c.Format(e)
			if !show {
				continue
			}
			if _, err := fmt.Fprintln(c.w, line); err != nil {
				c.log.Debug("console write failed", logx.Err(err))
			}
		}
	}
}

// Format renders e. The second result is false for events the console does
// not show.
func (c *Console) Format(e eventbus.Event) (string, bool) {
	switch e.Type {
	case eventbus.QueuePushed:
		n, ok := e.Data.(alert.Queued)
		if !ok {
			return "", false
		}
		return c.formatItem(n), true
	case eventbus.QueueCleared:
		if n, ok := e.Data.(int); ok {
			return fmt.Sprintf("  cleared %s", plural(n, "notification")), true
		}
		return "", false
	case eventbus.TransportConnected:
		st, _ := e.Data.(transport.Status)
		return fmt.Sprintf("~ push channel %s connected", st.Channel), true
	case eventbus.TransportDisconnected:
		st, _ := e.Data.(transport.Status)
		msg := fmt.Sprintf("! push channel %s disconnected", st.Channel)
		if st.LastError != "" {
			msg += ": " + st.LastError
		}
		return msg + " (polling continues)", true
	}

	if !c.verbose {
		return "", false
	}
	switch e.Type {
	case eventbus.QueueSuperseded, eventbus.QueueExpired, eventbus.QueueEvicted, eventbus.QueueDismissed, eventbus.QueueRead:
		ch, ok := e.Data.(queue.Change)
		if !ok {
			return "", false
		}
		verb := strings.TrimPrefix(e.Type, "queue.")
		line := fmt.Sprintf("  %s %s (%s)", verb, shortID(ch.ID), ch.Kind)
		if ch.By != "" {
			line += " by " + shortID(ch.By)
		}
		return line, true
	case eventbus.PollCompleted:
		res, ok := e.Data.(reconcile.Result)
		if !ok {
			return "", false
		}
		line := fmt.Sprintf("  poll (%s): %s, %s in %s",
			res.Trigger, plural(res.Threads, "thread"), plural(res.Records, "record"), res.Took.Round(1e6))
		if res.Absorbed {
			line += ", baseline"
		}
		if len(res.Failed) > 0 {
			line += fmt.Sprintf(", %d failed", len(res.Failed))
		}
		return line, true
	}
	return "", false
}

func (c *Console) formatItem(n alert.Queued) string {
	var b strings.Builder
	fmt.Fprintf(&b, "* [%s] %s: %s", n.Kind, n.Title, n.Message)
	if n.Rate.Valid {
		b.WriteString(" ($")
		b.WriteString(humanize.FormatFloat("#,###.##", n.Rate.Decimal.InexactFloat64()))
		b.WriteString(")")
	}
	if n.ThreadKey != "" {
		b.WriteString(" #")
		b.WriteString(n.ThreadKey)
	}
	b.WriteString(", ")
	b.WriteString(humanize.RelTime(n.OccurredAt, c.clock.Now(), "ago", "from now"))
	return b.String()
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return humanize.Comma(int64(n)) + " " + word + "s"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
