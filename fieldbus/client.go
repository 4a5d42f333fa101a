// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Publish after the connection ended.
var ErrClosed = errors.New("bus connection closed")

// Conn is the foreground side of a Hub connection. It implements Bus:
// Publish sends to the agent, Subscribe receives what the agent broadcasts.
type Conn struct {
	ws     *websocket.Conn
	local  *LocalBus
	logger *slog.Logger

	writeMu sync.Mutex
	closing atomic.Bool
	done    chan struct{}
	err     error
	once    sync.Once
}

// Dial connects to a Hub at url (ws:// or wss://).
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial bus: %w", err)
	}
	c := &Conn{ws: ws, local: NewLocalBus(logger), logger: logger, done: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

// Publish sends m to the agent.
func (c *Conn) Publish(ctx context.Context, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", m.Type, err)
	}
	return nil
}

// Subscribe registers fn for messages broadcast by the agent.
func (c *Conn) Subscribe(fn func(Message)) (unsubscribe func()) {
	return c.local.Subscribe(fn)
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, nil for a normal close.
func (c *Conn) Err() error {
	<-c.done
	return c.err
}

// Close sends a close frame and releases the connection.
func (c *Conn) Close() error {
	c.closing.Store(true)
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Conn) readLoop() {
	var err error
	defer func() {
		c.once.Do(func() {
			if err != nil && !c.closing.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				c.err = err
			}
			close(c.done)
		})
	}()
	for {
		var data []byte
		_, data, err = c.ws.ReadMessage()
		if err != nil {
			return
		}
		m, derr := Decode(data)
		if derr != nil {
			c.logger.Warn("Ignoring invalid bus message", "error", derr)
			continue
		}
		c.local.deliver(m, -1)
	}
}
