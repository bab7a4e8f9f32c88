// Package telegram delivers mirrored notifications to a Telegram chat and
// turns the inline buttons under them back into queue actions.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	tele "gopkg.in/telebot.v4"

	"haulnotify/internal/alert"
	"haulnotify/internal/notifier"
	rtsup "haulnotify/internal/runtime/supervisor"
	logx "haulnotify/pkg/logx"
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// Buttons adds "Mark read" and "Dismiss" under every message. The bot
	// then long-polls for callbacks.
	Buttons     bool
	PollTimeout time.Duration
}

const (
	textLimit = 4000

	uniqueRead    = "read"
	uniqueDismiss = "dismiss"
)

type Sender struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu      sync.Mutex
	actions notifier.Actions
	sup     *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sender{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}
	s.registerHandlers()
	return s, nil
}

func (s *Sender) Name() string { return "telegram" }

// SetActions wires the button callbacks to the queue.
func (s *Sender) SetActions(a notifier.Actions) {
	s.mu.Lock()
	s.actions = a
	s.mu.Unlock()
}

func (s *Sender) registerHandlers() {
	s.bot.Handle(&tele.Btn{Unique: uniqueRead}, func(c tele.Context) error {
		return s.onButton(c, uniqueRead)
	})
	s.bot.Handle(&tele.Btn{Unique: uniqueDismiss}, func(c tele.Context) error {
		return s.onButton(c, uniqueDismiss)
	})
}

func (s *Sender) onButton(c tele.Context, action string) error {
	cb := c.Callback()
	if cb == nil {
		return nil
	}
	if chat := c.Chat(); chat == nil || chat.ID != s.cfg.ChatID {
		return c.Respond(&tele.CallbackResponse{Text: "not allowed"})
	}
	s.mu.Lock()
	acts := s.actions
	s.mu.Unlock()
	if acts == nil {
		return c.Respond()
	}

	id := strings.TrimSpace(cb.Data)
	text, ok := applyAction(acts, action, id)
	s.log.Debug("button pressed", logx.String("action", action), logx.String("id", id), logx.Bool("ok", ok))
	if ok && action == uniqueDismiss {
		// The item is gone from the queue; drop the buttons too.
		if _, err := s.bot.EditReplyMarkup(c.Message(), nil); err != nil {
			s.log.Debug("clear buttons failed", logx.Err(err))
		}
	}
	return c.Respond(&tele.CallbackResponse{Text: text})
}

func applyAction(acts notifier.Actions, action, id string) (string, bool) {
	if id == "" {
		return "unknown notification", false
	}
	switch action {
	case uniqueRead:
		if acts.MarkRead(id) {
			return "marked read", true
		}
	case uniqueDismiss:
		if acts.Dismiss(id) {
			return "dismissed", true
		}
	default:
		return "unknown action", false
	}
	return "already gone", false
}

// Start long-polls for button callbacks. It is a no-op without buttons.
func (s *Sender) Start(ctx context.Context) {
	if !s.cfg.Buttons {
		return
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	s.mu.Unlock()

	sup.Go("telebot.stop_on_cancel", func(c context.Context) error {
		<-c.Done()
		s.bot.Stop()
		return nil
	})
	// Start blocks until Stop; restart it if it returns on its own.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		s.log.Info("callback polling started")
		s.bot.Start()
		s.log.Info("callback polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
}

func (s *Sender) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		s.log.Warn("telegram stop error", logx.Err(err))
	}
}

// Send posts n to the configured chat, split into chunks Telegram accepts.
func (s *Sender) Send(ctx context.Context, n alert.Queued) error {
	chat := &tele.Chat{ID: s.cfg.ChatID}
	chunks := splitText(Format(n), textLimit, tele.ModeHTML)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
			ThreadID:              s.cfg.ThreadID,
		}
		if i == 0 && s.cfg.Buttons {
			opt.ReplyMarkup = buttons(n.ID)
		}
		if _, err := s.bot.Send(chat, chunk, opt); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func buttons(id string) *tele.ReplyMarkup {
	m := &tele.ReplyMarkup{}
	m.Inline(m.Row(
		m.Data("Mark read", uniqueRead, id),
		m.Data("Dismiss", uniqueDismiss, id),
	))
	return m
}

// Format renders n as Telegram HTML.
func Format(n alert.Queued) string {
	var rate htm
	if n.Rate.Valid {
		rate = esc("Rate: $" + humanize.FormatFloat("#,###.##", n.Rate.Decimal.InexactFloat64()))
	}
	footer := string(n.Kind)
	if n.ThreadKey != "" {
		footer += " · " + n.ThreadKey
	}
	return string(joinHTML("\n", bold(n.Title), esc(n.Message), rate, italic(footer)))
}

// splitText splits long messages into chunks Telegram accepts. It prefers
// newline boundaries and, for HTML, avoids cutting inside a tag.
func splitText(s string, limit int, parseMode tele.ParseMode) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if parseMode == tele.ModeHTML && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
