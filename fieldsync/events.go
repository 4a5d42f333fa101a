// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldstore"
)

// EventType names a sync lifecycle event.
type EventType string

const (
	EventStarted       EventType = "started"
	EventItemCompleted EventType = "item_completed"
	EventItemFailed    EventType = "item_failed"
	EventCompleted     EventType = "completed"
	EventFailed        EventType = "failed"
	EventNetworkStatus EventType = "network_status"
)

// Failure reasons of EventFailed.
const (
	ReasonUnreachable = "unreachable"
	ReasonAuth        = "auth"
	ReasonError       = "error"
)

// Event is published by the engine and the connectivity monitor.
type Event struct {
	Type     EventType
	Time     time.Time
	ItemID   string
	ItemType fieldstore.ItemType
	// Terminal is set on EventItemFailed when the item will not be retried.
	Terminal  bool
	Succeeded int
	Failed    int
	Retrying  int
	Reason    string
	Error     string
	Online    bool
}

// Broker fans events out to subscribers. A panicking subscriber is logged
// and does not stop delivery to the others.
type Broker struct {
	mu     sync.RWMutex
	next   int
	subs   map[int]func(Event)
	logger *slog.Logger
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{subs: make(map[int]func(Event)), logger: logger}
}

// Subscribe registers fn and returns a func that removes it.
func (b *Broker) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every subscriber synchronously, in subscription order.
func (b *Broker) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.RLock()
	ids := slices.Sorted(maps.Keys(b.subs))
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.subs[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		b.deliver(fn, ev)
	}
}

func (b *Broker) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event subscriber panicked", "event", ev.Type, "panic", r)
		}
	}()
	fn(ev)
}
