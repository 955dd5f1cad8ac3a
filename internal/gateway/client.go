// Package gateway bridges a chat network to the turn loop over a
// WebSocket connection. The client half speaks the gateway wire
// protocol; the bridge half routes inbound messages through turns and
// sends replies back.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// sendTimeout bounds how long Send waits for the gateway to confirm
// delivery.
const sendTimeout = 30 * time.Second

// InboundMessage is one chat message received from the gateway.
type InboundMessage struct {
	ID         string `json:"id"`
	Sender     string `json:"sender"`
	SenderName string `json:"sender_name,omitempty"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"ts"`
}

// wsFrame is the generic gateway frame. Type discriminates; unused
// fields are zero.
type wsFrame struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Token   string          `json:"token,omitempty"`
	To      string          `json:"to,omitempty"`
	Text    string          `json:"text,omitempty"`
	Success bool            `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

// wsResult carries a request's outcome from the read loop back to the
// waiting sender.
type wsResult struct {
	Success bool
	Error   string
}

// Client manages the WebSocket connection to the chat gateway.
type Client struct {
	endpoint string
	token    string
	logger   *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
	msgID  atomic.Int64

	pending   map[int64]chan wsResult
	pendingMu sync.Mutex

	messages chan InboundMessage
}

// NewClient creates a gateway client. Connect must be called before
// Send or Messages yield anything.
func NewClient(endpoint, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: endpoint,
		token:    token,
		logger:   logger,
		pending:  make(map[int64]chan wsResult),
		messages: make(chan InboundMessage, 100),
	}
}

// Connect dials the gateway, authenticates, and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("parse gateway url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	c.logger.Info("connecting to gateway", "url", u.String())

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}

	var challenge wsFrame
	if err := conn.ReadJSON(&challenge); err != nil {
		conn.Close()
		return fmt.Errorf("read auth challenge: %w", err)
	}
	if challenge.Type != "auth_required" {
		conn.Close()
		return fmt.Errorf("expected auth_required, got %s", challenge.Type)
	}

	if err := conn.WriteJSON(wsFrame{Type: "auth", Token: c.token}); err != nil {
		conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	var authResp wsFrame
	if err := conn.ReadJSON(&authResp); err != nil {
		conn.Close()
		return fmt.Errorf("read auth response: %w", err)
	}
	switch authResp.Type {
	case "auth_ok":
	case "auth_invalid":
		conn.Close()
		return fmt.Errorf("gateway authentication failed")
	default:
		conn.Close()
		return fmt.Errorf("unexpected auth response: %s", authResp.Type)
	}

	c.logger.Info("gateway authenticated")
	c.conn = conn
	go c.readLoop()
	return nil
}

// Close closes the gateway connection.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// Reconnect drops any existing connection and re-establishes it.
func (c *Client) Reconnect(ctx context.Context) error {
	c.logger.Info("reconnecting to gateway")
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
	return c.Connect(ctx)
}

// Messages returns the inbound message channel.
func (c *Client) Messages() <-chan InboundMessage {
	return c.messages
}

// Send delivers a reply to a recipient and waits for the gateway's
// acknowledgement.
func (c *Client) Send(ctx context.Context, to, text string) error {
	id := c.msgID.Add(1)

	respCh := make(chan wsResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	conn := c.conn
	if conn == nil {
		c.connMu.Unlock()
		return fmt.Errorf("gateway not connected")
	}
	err := conn.WriteJSON(wsFrame{ID: id, Type: "send", To: to, Text: text})
	c.connMu.Unlock()
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	select {
	case res := <-respCh:
		if !res.Success {
			if res.Error != "" {
				return fmt.Errorf("gateway rejected send: %s", res.Error)
			}
			return fmt.Errorf("gateway rejected send")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(sendTimeout):
		return fmt.Errorf("timeout waiting for send acknowledgement")
	}
}

// readLoop dispatches frames until the connection drops: results go to
// their waiting sender, messages go to the inbound channel.
func (c *Client) readLoop() {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("gateway connection closed")
				return
			}
			c.logger.Error("gateway read error, connection lost", "error", err)
			return
		}

		switch frame.Type {
		case "result":
			c.pendingMu.Lock()
			if ch, ok := c.pending[frame.ID]; ok {
				ch <- wsResult{Success: frame.Success, Error: frame.Error}
			}
			c.pendingMu.Unlock()

		case "message":
			var msg InboundMessage
			if err := json.Unmarshal(frame.Message, &msg); err != nil {
				c.logger.Warn("gateway message undecodable", "error", err)
				continue
			}
			select {
			case c.messages <- msg:
			default:
				c.logger.Warn("gateway message channel full, dropping", "sender", msg.Sender)
			}

		case "ping":
			// Keepalive, ignore.

		default:
			c.logger.Debug("unhandled gateway frame type", "type", frame.Type)
		}
	}
}
