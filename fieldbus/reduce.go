// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldbus

import (
	"maps"

	"github.com/mobiletoly/go-fieldsync/fieldcache"
)

// UIState is what a foreground client shows about background work.
type UIState struct {
	Online  bool
	Syncing bool
	// Pending holds the resource types a sync was requested for.
	Pending     map[string]bool
	LastResults *Results
	LastError   string
	// UpdateActivated is set once a SKIP_WAITING was seen.
	UpdateActivated bool
	BuildID         string
}

// Reduce returns the state after m. It never modifies s, and applying the same
// message twice yields the same state as applying it once.
func Reduce(s UIState, m Message) UIState {
	next := s
	next.Pending = maps.Clone(s.Pending)

	switch m.Type {
	case KindNetworkStatus:
		if m.IsOnline != nil {
			next.Online = *m.IsOnline
		}
	case KindTriggerSync:
		next.Syncing = true
		if next.Pending == nil {
			next.Pending = map[string]bool{}
		}
		if res, ok := fieldcache.NormalizeTag(m.Tag); ok {
			next.Pending[res] = true
		} else {
			next.Pending[fieldcache.ResourceForms] = true
			next.Pending[fieldcache.ResourceMedia] = true
		}
	case KindSyncCompleted:
		next.Syncing = false
		next.Pending = nil
		next.LastError = ""
		if m.Results != nil {
			r := *m.Results
			next.LastResults = &r
		}
	case KindSyncFailed:
		next.Syncing = false
		next.LastError = m.Error
	case KindSkipWaiting:
		next.UpdateActivated = true
		if m.BuildID != "" {
			next.BuildID = m.BuildID
		}
	}
	return next
}
