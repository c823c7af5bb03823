// Package client is a small websocket client of the hub, used by the CLI and the end to end suite.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"messenger-hub/domain"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client holds one device connection. Reads and writes may happen on different goroutines.
type Client struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// Dial opens a device connection to the hub websocket endpoint, e.g. ws://localhost:8080/ws.
func Dial(ctx context.Context, endpoint, token, deviceID string) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("hub address %q: %w", endpoint, err)
	}
	if deviceID != "" {
		q := u.Query()
		q.Set("device", deviceID)
		u.RawQuery = q.Encode()
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("could not connect to hub at %s: %w", endpoint, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) write(env domain.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// Send posts a message and returns the client message id used for the ack.
func (c *Client) Send(conversationID domain.ConversationID, body string) (string, error) {
	clientMsgID := uuid.NewString()
	return clientMsgID, c.write(domain.Envelope{
		Type:           domain.EnvelopeMessage,
		ConversationID: conversationID,
		ClientMsgID:    clientMsgID,
		Body:           body,
	})
}

func (c *Client) Typing(conversationID domain.ConversationID) error {
	return c.write(domain.Envelope{Type: domain.EnvelopeTyping, ConversationID: conversationID})
}

func (c *Client) History(conversationID domain.ConversationID, after uint64, limit int) error {
	return c.write(domain.Envelope{
		Type:           domain.EnvelopeHistory,
		ConversationID: conversationID,
		AfterSequence:  after,
		Limit:          limit,
	})
}

// Ack confirms a pushed message so the hub stops holding it for this user.
func (c *Client) Ack(messageID string) error {
	return c.write(domain.Envelope{Type: domain.EnvelopeAck, MessageID: messageID})
}

// Next blocks for the next envelope, at most timeout when positive.
// A close frame from the hub comes back as a *websocket.CloseError.
func (c *Client) Next(timeout time.Duration) (domain.Envelope, error) {
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return domain.Envelope{}, err
	}
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.Envelope{}, fmt.Errorf("unreadable frame %q: %w", raw, err)
	}
	return env, nil
}

// Close says goodbye with a normal closure.
func (c *Client) Close() error {
	c.wmu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.conn.Close()
}
