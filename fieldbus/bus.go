// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldbus

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// Bus is implemented by the in-process LocalBus and by a dialed Conn.
type Bus interface {
	Publish(ctx context.Context, m Message) error
	Subscribe(fn func(Message)) (unsubscribe func())
}

// LocalBus delivers messages synchronously to in-process subscribers. A
// panicking subscriber is logged and does not stop delivery to the others.
type LocalBus struct {
	mu     sync.RWMutex
	next   int
	subs   map[int]func(Message)
	logger *slog.Logger
}

func NewLocalBus(logger *slog.Logger) *LocalBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBus{subs: make(map[int]func(Message)), logger: logger}
}

// Publish validates m and delivers it.
func (b *LocalBus) Publish(_ context.Context, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	b.deliver(m, -1)
	return nil
}

// Subscribe registers fn and returns a func that removes it.
func (b *LocalBus) Subscribe(fn func(Message)) (unsubscribe func()) {
	_, unsub := b.subscribe(fn)
	return unsub
}

func (b *LocalBus) subscribe(fn func(Message)) (int, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return id, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// deliver sends m to every subscriber except skip.
func (b *LocalBus) deliver(m Message, skip int) {
	b.mu.RLock()
	ids := slices.Sorted(maps.Keys(b.subs))
	fns := make([]func(Message), 0, len(ids))
	for _, id := range ids {
		if id != skip {
			fns = append(fns, b.subs[id])
		}
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		b.safeCall(fn, m)
	}
}

func (b *LocalBus) safeCall(fn func(Message), m Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Bus subscriber panicked", "type", m.Type, "panic", r)
		}
	}()
	fn(m)
}
