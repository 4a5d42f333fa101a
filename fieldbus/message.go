// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package fieldbus carries coordination messages between the agent and its
// foreground clients. The vocabulary is closed: anything Validate rejects is
// never delivered.
package fieldbus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-fieldsync/fieldcache"
)

// Kind is the message type.
type Kind string

const (
	KindNetworkStatus Kind = "NETWORK_STATUS"
	KindTriggerSync   Kind = "TRIGGER_SYNC"
	KindSyncCompleted Kind = "SYNC_COMPLETED"
	KindSyncFailed    Kind = "SYNC_FAILED"
	KindSkipWaiting   Kind = "SKIP_WAITING"
)

// ErrInvalidMessage is returned for messages outside the vocabulary or missing their payload.
var ErrInvalidMessage = errors.New("invalid bus message")

// Results summarizes a finished drain.
type Results struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retrying  int `json:"retrying"`
}

// Message is one coordination message. Only the fields of its Kind are set.
type Message struct {
	Type     Kind     `json:"type"`
	IsOnline *bool    `json:"isOnline,omitempty"`
	Tag      string   `json:"tag,omitempty"`
	Results  *Results `json:"results,omitempty"`
	Error    string   `json:"error,omitempty"`
	// BuildID optionally names the cache build SKIP_WAITING activates.
	BuildID string `json:"buildId,omitempty"`
}

func NetworkStatus(online bool) Message {
	return Message{Type: KindNetworkStatus, IsOnline: &online}
}

// TriggerSync asks the agent to drain. An empty tag means every resource type.
func TriggerSync(tag string) Message {
	return Message{Type: KindTriggerSync, Tag: tag}
}

func SyncCompleted(r Results) Message {
	return Message{Type: KindSyncCompleted, Results: &r}
}

func SyncFailed(reason string) Message {
	return Message{Type: KindSyncFailed, Error: reason}
}

func SkipWaiting(buildID string) Message {
	return Message{Type: KindSkipWaiting, BuildID: buildID}
}

// Validate checks the type and its required payload.
func (m Message) Validate() error {
	switch m.Type {
	case KindNetworkStatus:
		if m.IsOnline == nil {
			return fmt.Errorf("%w: %s without isOnline", ErrInvalidMessage, m.Type)
		}
	case KindTriggerSync:
		if m.Tag != "" {
			if _, ok := fieldcache.NormalizeTag(m.Tag); !ok {
				return fmt.Errorf("%w: unknown sync tag %q", ErrInvalidMessage, m.Tag)
			}
		}
	case KindSyncCompleted:
		if m.Results == nil {
			return fmt.Errorf("%w: %s without results", ErrInvalidMessage, m.Type)
		}
	case KindSyncFailed:
		if m.Error == "" {
			return fmt.Errorf("%w: %s without error", ErrInvalidMessage, m.Type)
		}
	case KindSkipWaiting:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

// Decode parses and validates a message. Unknown fields are rejected.
func Decode(data []byte) (Message, error) {
	var m Message
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Encode validates and serializes m.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}
