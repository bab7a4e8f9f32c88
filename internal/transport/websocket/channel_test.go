package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"

	"haulnotify/internal/alert"
	logx "haulnotify/pkg/logx"
)

func TestDecodeFrame(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		frame   string
		event   string
		payload string
		ok      bool
	}{
		{name: "event/data", frame: `{"event":"new_message","data":{"message":"hi"}}`, event: "new_message", payload: `{"message":"hi"}`, ok: true},
		{name: "type/payload", frame: `{"type":"bid_update","payload":{"rate":900}}`, event: "bid_update", payload: `{"rate":900}`, ok: true},
		{name: "flat", frame: `{"name":"load_status","status":"delivered"}`, event: "load_status", payload: `{"name":"load_status","status":"delivered"}`, ok: true},
		{name: "array", frame: `["receiveMessage",{"text":"yo"}]`, event: "receiveMessage", payload: `{"text":"yo"}`, ok: true},
		{name: "socket.io prefix", frame: `42["counterOffer",1250]`, event: "counterOffer", payload: `1250`, ok: true},
		{name: "array without payload", frame: `["ping"]`, event: "ping", ok: true},
		{name: "engine.io open", frame: `0{"sid":"abc"}`, ok: false},
		{name: "garbage", frame: `hello`, ok: false},
		{name: "empty", frame: ``, ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			event, payload, ok := DecodeFrame([]byte(tt.frame))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if event != tt.event || string(payload) != tt.payload {
				t.Fatalf("got (%q, %s), want (%q, %s)", event, payload, tt.event, tt.payload)
			}
		})
	}
}

func TestChannelRun(t *testing.T) {
	t.Parallel()
	upgrader := ws.Upgrader{}
	joined := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, join, err := conn.ReadMessage()
		if err != nil {
			return
		}
		joined <- string(join)
		_ = conn.WriteMessage(ws.TextMessage, []byte(`{"event":"new_message","data":{"senderId":"u2","message":"hi"}}`))
		_ = conn.WriteMessage(ws.TextMessage, []byte(`not a frame`))
		_ = conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, "bye"))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ch, err := New(Config{URL: url, Token: "tok", Actor: "u1"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var got []alert.Raw
	connected := false
	err = ch.Run(context.Background(), func(r alert.Raw) { got = append(got, r) }, func() { connected = true })
	if err == nil {
		t.Fatal("Run should report the peer close")
	}
	if !connected {
		t.Fatal("connected callback not called")
	}
	if j := <-joined; !strings.Contains(j, `"join"`) || !strings.Contains(j, `"u1"`) {
		t.Fatalf("join frame = %s", j)
	}
	if len(got) != 1 || got[0].Name != "new_message" || got[0].Source != alert.SourcePush {
		t.Fatalf("events = %+v", got)
	}

	bad, _ := New(Config{URL: url, Token: "wrong"}, logx.Nop())
	if err := bad.Run(context.Background(), func(alert.Raw) {}, func() {}); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("Run with bad token = %v", err)
	}
}
