// Package websocket is the push-channel driver for marketplace sockets.
//
// Frames may be shaped as {"event": name, "data": payload},
// {"type"|"name": name, ...}, or socket.io style [name, payload] with an
// optional numeric packet prefix ("42[...]").
package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	ws "github.com/gorilla/websocket"

	"haulnotify/internal/alert"
	"haulnotify/internal/transport"
	logx "haulnotify/pkg/logx"
)

type Config struct {
	URL   string
	Token string
	// Actor is sent in the join frame so the server routes the actor's
	// events to this socket.
	Actor     string
	JoinEvent string // default "join"; "-" disables the join frame

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	MaxMessageBytes  int64
}

type Channel struct {
	cfg    Config
	log    logx.Logger
	dialer *ws.Dialer
}

func New(cfg Config, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("websocket url is empty")
	}
	if cfg.JoinEvent == "" {
		cfg.JoinEvent = "join"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = cfg.PingInterval + 10*time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 5 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{
		cfg: cfg,
		log: log,
		dialer: &ws.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}, nil
}

func (c *Channel) Name() string { return "websocket" }

func (c *Channel) Run(ctx context.Context, h transport.Handler, connected func()) error {
	hdr := http.Header{}
	if c.cfg.Token != "" {
		hdr.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, hdr)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (http %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()

	conn.SetReadLimit(c.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	if c.cfg.JoinEvent != "-" && c.cfg.Actor != "" {
		join := map[string]any{"event": c.cfg.JoinEvent, "data": map[string]string{"userId": c.cfg.Actor}}
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
		if err := conn.WriteJSON(join); err != nil {
			return fmt.Errorf("join: %w", err)
		}
	}
	connected()

	// Pings and close run beside the read loop; gorilla allows one
	// concurrent writer alongside one reader.
	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(c.cfg.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				msg := ws.FormatCloseMessage(ws.CloseNormalClosure, "")
				_ = conn.WriteControl(ws.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait))
				_ = conn.Close()
				return
			case <-t.C:
				if err := conn.WriteControl(ws.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
					c.log.Debug("ping failed", logx.Err(err))
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ws.IsCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway) {
				return transport.ErrClosed
			}
			return err
		}
		name, payload, ok := DecodeFrame(data)
		if !ok {
			c.log.Debug("unrecognized frame", logx.Int("bytes", len(data)))
			continue
		}
		h(alert.Raw{Name: name, Payload: payload, ReceivedAt: time.Now(), Source: alert.SourcePush})
	}
}

var (
	nameKeys    = []string{"event", "type", "name"}
	payloadKeys = []string{"data", "payload", "body"}
)

// DecodeFrame extracts the event name and payload of one text frame. The
// payload stays raw JSON; the normalizer decodes it.
func DecodeFrame(data []byte) (string, json.RawMessage, bool) {
	data = bytes.TrimSpace(data)
	// socket.io packet type prefix, e.g. 42["new_message",{...}]
	i := 0
	for i < len(data) && data[i] >= '0' && data[i] <= '9' {
		i++
	}
	data = data[i:]
	if len(data) == 0 {
		return "", nil, false
	}

	switch data[0] {
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(data, &arr); err != nil || len(arr) == 0 {
			return "", nil, false
		}
		var name string
		if err := json.Unmarshal(arr[0], &name); err != nil || name == "" {
			return "", nil, false
		}
		if len(arr) > 1 {
			return name, arr[1], true
		}
		return name, nil, true
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return "", nil, false
		}
		var name string
		for _, k := range nameKeys {
			if raw, ok := obj[k]; ok && json.Unmarshal(raw, &name) == nil && name != "" {
				break
			}
			name = ""
		}
		if name == "" {
			return "", nil, false
		}
		for _, k := range payloadKeys {
			if raw, ok := obj[k]; ok {
				return name, raw, true
			}
		}
		// Flat frame: the fields sit next to the name.
		return name, json.RawMessage(data), true
	default:
		return "", nil, false
	}
}
