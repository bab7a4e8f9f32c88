// Package natsbus is the push-channel driver for deployments that fan
// marketplace events out over NATS instead of a browser socket.
//
// Events for an actor are published on <prefix>.<actor>.<event name>; the
// message body is the payload.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"haulnotify/internal/alert"
	"haulnotify/internal/transport"
	logx "haulnotify/pkg/logx"
)

type Config struct {
	URL           string
	Token         string
	SubjectPrefix string // default "marketplace.events"
	Actor         string
	ClientName    string
	DialTimeout   time.Duration
}

type Channel struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = nats.DefaultURL
	}
	if strings.TrimSpace(cfg.Actor) == "" {
		return nil, errors.New("natsbus: actor is required")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "marketplace.events"
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "haulnotify"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{cfg: cfg, log: log}, nil
}

func (c *Channel) Name() string { return "nats" }

// Subject is the wildcard subscription for the configured actor.
func (c *Channel) Subject() string {
	return c.cfg.SubjectPrefix + "." + c.cfg.Actor + ".>"
}

func (c *Channel) Run(ctx context.Context, h transport.Handler, connected func()) error {
	lost := make(chan error, 1)
	report := func(err error) {
		select {
		case lost <- err:
		default:
		}
	}
	opts := []nats.Option{
		nats.Name(c.cfg.ClientName),
		nats.Timeout(c.cfg.DialTimeout),
		// The runner owns reconnects so connectivity is reported in one place.
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = transport.ErrClosed
			}
			report(err)
		}),
		nats.ClosedHandler(func(*nats.Conn) { report(transport.ErrClosed) }),
	}
	if c.cfg.Token != "" {
		opts = append(opts, nats.Token(c.cfg.Token))
	}
	nc, err := nats.Connect(c.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("nats connect %s: %w", c.cfg.URL, err)
	}
	defer nc.Close()

	prefix := c.cfg.SubjectPrefix + "." + c.cfg.Actor + "."
	sub, err := nc.Subscribe(c.Subject(), func(msg *nats.Msg) {
		name := strings.TrimPrefix(msg.Subject, prefix)
		h(alert.Raw{Name: name, Payload: Payload(msg.Data), ReceivedAt: time.Now(), Source: alert.SourcePush})
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	if err := nc.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	connected()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-lost:
		return err
	}
}

// Payload keeps JSON bodies raw and passes anything else as text.
func Payload(data []byte) any {
	if json.Valid(data) {
		return json.RawMessage(append([]byte(nil), data...))
	}
	return string(data)
}
