// Package voiceclient is a Go-native implementation of the client side of
// the signaling protocol (spec §4.6-4.7): a negotiator that mirrors the
// server's SFU peer state machine, and a reconnect/lifecycle controller
// that preserves voice membership across WebSocket drops. It exists so the
// server side can be exercised end-to-end (voice join, renegotiation,
// reconnection) without a browser.
package voiceclient

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lobby/internal/ws"
)

const (
	writeWait  = 10 * time.Second
	dialTimeout = 10 * time.Second
)

// Conn wraps a single WebSocket connection to the hub, framing/unframing
// ws.WSMessage the same way the server's Client does, but from the other end.
type Conn struct {
	url   string
	token string

	mu   sync.Mutex
	conn *websocket.Conn
}

func Dial(url, token string) (*Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return &Conn{url: url, token: token, conn: conn}, nil
}

// Identify performs the HELLO/IDENTIFY/READY handshake and returns the
// server's READY payload.
func (c *Conn) Identify(presenceStatus string) (*ws.ReadyPayload, error) {
	var hello ws.WSMessage
	if err := c.conn.ReadJSON(&hello); err != nil {
		return nil, fmt.Errorf("reading HELLO: %w", err)
	}
	if hello.Op != ws.OpHello {
		return nil, fmt.Errorf("expected HELLO, got op %d", hello.Op)
	}

	identify := ws.WSMessage{
		Op:   ws.OpDispatch,
		Type: ws.CmdIdentify,
		Data: ws.IdentifyPayload{
			Token:    c.token,
			Presence: &ws.PresenceOptions{Status: presenceStatus},
		},
	}
	if err := c.send(identify); err != nil {
		return nil, err
	}

	var ready ws.WSMessage
	if err := c.conn.ReadJSON(&ready); err != nil {
		return nil, fmt.Errorf("reading READY: %w", err)
	}
	if ready.Op != ws.OpReady {
		return nil, fmt.Errorf("expected READY, got op %d", ready.Op)
	}

	raw, err := json.Marshal(ready.Data)
	if err != nil {
		return nil, fmt.Errorf("re-marshaling READY data: %w", err)
	}
	var payload ws.ReadyPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decoding READY payload: %w", err)
	}
	return &payload, nil
}

func (c *Conn) send(msg ws.WSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// SendCommand sends a client->server DISPATCH with the given command type.
func (c *Conn) SendCommand(cmdType string, data any) error {
	return c.send(ws.WSMessage{Op: ws.OpDispatch, Type: cmdType, Data: data})
}

// Read blocks for the next server message and returns the raw WSMessage so
// the caller can dispatch on Type; DecodePayload turns its Data into a
// concrete payload type.
func (c *Conn) Read() (ws.WSMessage, error) {
	var msg ws.WSMessage
	err := c.conn.ReadJSON(&msg)
	return msg, err
}

// DecodePayload re-decodes a WSMessage's Data field into a concrete payload type.
func DecodePayload(msg ws.WSMessage, dst any) error {
	raw, err := json.Marshal(msg.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
