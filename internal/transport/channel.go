// Package transport implements the message channel the engine talks
// through: one WebSocket carrying JSON requests, responses and events. The
// channel reports disconnection but never reconnects on its own.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/acp-engine/internal/rpc"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultPingInterval     = 30 * time.Second
)

// Config configures a Channel.
type Config struct {
	URL              string
	Token            string
	ReadBufferSize   int
	WriteBufferSize  int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

type subscriber struct {
	id int
	fn func([]byte)
}

// Channel is a WebSocket-backed message channel. Inbound messages are
// delivered to subscribers on the single read goroutine in arrival order.
type Channel struct {
	cfg Config

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool
	done      chan struct{}

	writeMu sync.Mutex

	subMu     sync.RWMutex
	subs      []subscriber
	nextSub   int
	listeners []func(connected bool)
}

// New returns an unconnected channel.
func New(cfg Config) *Channel {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	return &Channel{cfg: cfg}
}

// Dial opens the WebSocket. An expired bearer token is refused before any
// network traffic.
func (c *Channel) Dial(ctx context.Context) error {
	if _, err := CheckToken(c.cfg.Token, time.Now()); err != nil {
		return err
	}

	c.connMu.Lock()
	if c.connected {
		c.connMu.Unlock()
		return nil
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		ReadBufferSize:   c.cfg.ReadBufferSize,
		WriteBufferSize:  c.cfg.WriteBufferSize,
	}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		c.connMu.Unlock()
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &rpc.RemoteError{Operation: "dial", Code: resp.StatusCode, Message: "server rejected credentials", AuthRequired: true}
		}
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	c.conn = conn
	c.connected = true
	c.done = make(chan struct{})
	done := c.done
	c.connMu.Unlock()

	slog.Info("Channel connected", "url", c.cfg.URL)
	c.notifyState(true)
	go c.readLoop(conn)
	go c.pingLoop(conn, done)
	return nil
}

// Connected reports whether the socket is open.
func (c *Channel) Connected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Send writes one text message. It fails with rpc.ErrNotConnected when the
// socket is closed.
func (c *Channel) Send(data []byte) error {
	c.connMu.RLock()
	conn, connected := c.conn, c.connected
	c.connMu.RUnlock()
	if !connected || conn == nil {
		return rpc.ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Subscribe registers fn for every inbound message and returns a function
// removing it.
func (c *Channel) Subscribe(fn func([]byte)) (unsubscribe func()) {
	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// OnStateChange registers fn to be told when the socket opens or closes.
func (c *Channel) OnStateChange(fn func(connected bool)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Close sends a close frame and shuts the socket.
func (c *Channel) Close() error {
	c.connMu.RLock()
	conn, connected := c.conn, c.connected
	c.connMu.RUnlock()
	if !connected || conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.cfg.WriteTimeout))
	c.writeMu.Unlock()

	c.markDisconnected(conn)
	return conn.Close()
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
				slog.Warn("Channel read failed", "error", err)
			}
			c.markDisconnected(conn)
			_ = conn.Close()
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		c.subMu.RLock()
		subs := append([]subscriber(nil), c.subs...)
		c.subMu.RUnlock()
		for _, s := range subs {
			s.fn(data)
		}
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				slog.Debug("Channel ping failed", "error", err)
				return
			}
		}
	}
}

// markDisconnected flips the state once per connection.
func (c *Channel) markDisconnected(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn != conn || !c.connected {
		c.connMu.Unlock()
		return
	}
	c.connected = false
	close(c.done)
	c.connMu.Unlock()

	slog.Info("Channel disconnected", "url", c.cfg.URL)
	c.notifyState(false)
}

func (c *Channel) notifyState(connected bool) {
	c.subMu.RLock()
	listeners := append([]func(bool){}, c.listeners...)
	c.subMu.RUnlock()
	for _, fn := range listeners {
		fn(connected)
	}
}
