// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldbus

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 32
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The hub listens on the agent's loopback address.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub bridges WebSocket clients to a LocalBus. Messages from the bus go to
// every client; a valid message from a client is published to the bus and to
// the other clients, never echoed back to its sender.
type Hub struct {
	bus    *LocalBus
	logger *slog.Logger

	mu     sync.Mutex
	conns  map[*websocket.Conn]context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

func NewHub(bus *LocalBus, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{bus: bus, logger: logger, conns: make(map[*websocket.Conn]context.CancelFunc)}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// ServeHTTP upgrades the request and serves the connection until either side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		_ = conn.Close()
		return
	}
	h.conns[conn] = cancel
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	send := make(chan []byte, sendBuffer)
	id, unsubscribe := h.bus.subscribe(func(m Message) {
		data, err := Encode(m)
		if err != nil {
			return
		}
		select {
		case send <- data:
		default:
			h.logger.Warn("Dropping bus message for slow client", "type", m.Type, "remote", r.RemoteAddr)
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writePump(ctx, conn, send)
	}()

	h.logger.Debug("Bus client connected", "remote", r.RemoteAddr)
	h.readLoop(conn, id)

	unsubscribe()
	cancel()
	<-done
	_ = conn.Close()

	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	h.logger.Debug("Bus client disconnected", "remote", r.RemoteAddr)
}

func (h *Hub) readLoop(conn *websocket.Conn, id int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m, err := Decode(data)
		if err != nil {
			h.logger.Warn("Ignoring invalid bus message", "error", err)
			continue
		}
		h.bus.deliver(m, id)
	}
}

func (h *Hub) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for conn, cancel := range h.conns {
		cancel()
		// Unblocks the read loop.
		_ = conn.SetReadDeadline(time.Now())
	}
	h.mu.Unlock()
	h.wg.Wait()
}
