package bitget

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	defaultPingInterval = 30 * time.Second
	wsWriteTimeout      = 10 * time.Second
	wsHandshakeTimeout  = 10 * time.Second

	pingFrame = "ping"
	pongFrame = "pong"
)

type StreamArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

type subscribeRequest struct {
	Op   string      `json:"op"`
	Args []StreamArg `json:"args"`
}

// Message is one decoded websocket frame. Raw keeps the frame bytes.
type Message struct {
	Event  string          `json:"event,omitempty"`
	Code   int             `json:"code,omitempty"`
	Msg    string          `json:"msg,omitempty"`
	Action string          `json:"action,omitempty"`
	Arg    StreamArg       `json:"arg"`
	Data   json.RawMessage `json:"data,omitempty"`
	Raw    []byte          `json:"-"`
}

func (m Message) IsPong() bool { return m.Event == pongFrame }

type Conn interface {
	Send(ctx context.Context, v any) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) { return f(ctx, url) }

// WSDialer dials with gorilla/websocket and keeps the connection alive with text pings.
type WSDialer struct {
	PingInterval time.Duration
}

func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: wsHandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	interval := d.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	c := &wsConn{conn: conn, pingInterval: interval, done: make(chan struct{})}
	go c.keepalive()
	return c, nil
}

type wsConn struct {
	conn         *websocket.Conn
	pingInterval time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) keepalive() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(websocket.TextMessage, []byte(pingFrame)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) write(kind int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(kind, data)
}

func (c *wsConn) Send(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

// Receive blocks for the next frame. Cancelling ctx closes the socket.
func (c *wsConn) Receive(ctx context.Context) (Message, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	_ = c.conn.SetReadDeadline(time.Now().Add(3 * c.pingInterval))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Message{}, ctxErr
		}
		return Message{}, err
	}
	return decodeMessage(data)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// ErrMalformedFrame marks a frame that arrived intact but could not be decoded.
var ErrMalformedFrame = errors.New("malformed websocket frame")

func decodeMessage(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Message{}, ErrMalformedFrame
	}
	if string(trimmed) == pongFrame {
		return Message{Event: pongFrame, Raw: data}, nil
	}
	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return Message{Raw: data}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	msg.Raw = data
	return msg, nil
}

func subscribe(args ...StreamArg) subscribeRequest {
	return subscribeRequest{Op: "subscribe", Args: args}
}
