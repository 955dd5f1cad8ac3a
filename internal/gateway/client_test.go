package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// fakeGateway runs a minimal gateway server: auth handshake, then a
// per-connection handler.
func fakeGateway(t *testing.T, token string, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(map[string]any{"type": "auth_required"}); err != nil {
			return
		}
		var auth wsFrame
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		if auth.Type != "auth" || auth.Token != token {
			conn.WriteJSON(map[string]any{"type": "auth_invalid"})
			return
		}
		if err := conn.WriteJSON(map[string]any{"type": "auth_ok"}); err != nil {
			return
		}
		if handler != nil {
			handler(conn)
		}
	}))
}

func TestClientConnectAndReceive(t *testing.T) {
	srv := fakeGateway(t, "secret", func(conn *websocket.Conn) {
		msg, _ := json.Marshal(InboundMessage{
			ID:     "m1",
			Sender: "alice",
			Text:   "hello",
		})
		conn.WriteJSON(map[string]any{"type": "message", "message": json.RawMessage(msg)})
		// Keep the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	c := NewClient(srv.URL, "secret", nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	select {
	case msg := <-c.Messages():
		if msg.Sender != "alice" || msg.Text != "hello" {
			t.Errorf("message = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound message received")
	}
}

func TestClientAuthRejected(t *testing.T) {
	srv := fakeGateway(t, "secret", nil)
	defer srv.Close()

	c := NewClient(srv.URL, "wrong-token", nil)
	err := c.Connect(context.Background())
	if err == nil {
		c.Close()
		t.Fatal("expected auth failure")
	}
}

func TestClientSendAcknowledged(t *testing.T) {
	srv := fakeGateway(t, "secret", func(conn *websocket.Conn) {
		for {
			var frame wsFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type == "send" {
				conn.WriteJSON(map[string]any{
					"type":    "result",
					"id":      frame.ID,
					"success": true,
				})
			}
		}
	})
	defer srv.Close()

	c := NewClient(srv.URL, "secret", nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if err := c.Send(context.Background(), "alice", "hi there"); err != nil {
		t.Errorf("send: %v", err)
	}
}

func TestClientSendRejected(t *testing.T) {
	srv := fakeGateway(t, "secret", func(conn *websocket.Conn) {
		for {
			var frame wsFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type == "send" {
				conn.WriteJSON(map[string]any{
					"type":    "result",
					"id":      frame.ID,
					"success": false,
					"error":   "unknown recipient",
				})
			}
		}
	})
	defer srv.Close()

	c := NewClient(srv.URL, "secret", nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	err := c.Send(context.Background(), "nobody", "hi")
	if err == nil {
		t.Fatal("expected send rejection")
	}
}

func TestClientSendWithoutConnection(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "t", nil)
	if err := c.Send(context.Background(), "alice", "hi"); err == nil {
		t.Fatal("expected error when not connected")
	}
}
