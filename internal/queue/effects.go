package queue

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"haulnotify/internal/alert"
	logx "haulnotify/pkg/logx"
)

// Effect is a best-effort side channel fired after a push: an audible cue, a
// desktop or chat alert. Errors are logged and never touch queue state.
type Effect interface {
	Name() string
	Fire(ctx context.Context, n alert.Queued) error
}

const effectTimeout = 5 * time.Second

func (q *Queue) fireEffects(n alert.Queued) {
	if len(q.effects) == 0 || q.effCtx.Err() != nil {
		return
	}
	if !q.limiter.Allow() {
		q.log.Debug("effects throttled", logx.String("id", n.ID))
		return
	}
	for _, eff := range q.effects {
		eff := eff
		q.effWG.Add(1)
		go func() {
			defer q.effWG.Done()
			defer func() {
				if r := recover(); r != nil {
					q.log.Debug("effect panic", logx.String("effect", eff.Name()), logx.Any("panic", r))
				}
			}()
			ctx, cancel := context.WithTimeout(q.effCtx, effectTimeout)
			defer cancel()
			if err := eff.Fire(ctx, n); err != nil {
				q.log.Debug("effect failed", logx.String("effect", eff.Name()), logx.String("id", n.ID), logx.Err(err))
			}
		}()
	}
}

// Bell writes the terminal bell character, which most terminals turn into
// an audible or visual cue.
type Bell struct {
	mu sync.Mutex
	W  io.Writer
}

func (b *Bell) Name() string { return "bell" }

func (b *Bell) Fire(ctx context.Context, n alert.Queued) error {
	_ = n
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := io.WriteString(b.W, "\a")
	return err
}

// Command runs an external program per notification (notify-send, osascript
// and the like). Args may contain the placeholders {title}, {message},
// {kind}, {thread} and {id}.
type Command struct {
	Path string
	Args []string
}

func (c Command) Name() string { return "command:" + c.Path }

func (c Command) Fire(ctx context.Context, n alert.Queued) error {
	r := strings.NewReplacer(
		"{title}", n.Title,
		"{message}", n.Message,
		"{kind}", string(n.Kind),
		"{thread}", n.ThreadKey,
		"{id}", n.ID,
	)
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = r.Replace(a)
	}
	out, err := exec.CommandContext(ctx, c.Path, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w (%s)", c.Path, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// EffectFunc adapts a function to Effect.
type EffectFunc struct {
	Label string
	Fn    func(ctx context.Context, n alert.Queued) error
}

func (f EffectFunc) Name() string { return f.Label }

func (f EffectFunc) Fire(ctx context.Context, n alert.Queued) error { return f.Fn(ctx, n) }
