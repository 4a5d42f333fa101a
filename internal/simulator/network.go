// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"errors"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/mobiletoly/go-fieldsync/fieldapi"
)

var errNetworkDown = errors.New("dial tcp: network is unreachable")

// Network is a device's link to the server. It can be cut entirely or made to
// drop every Nth upload request.
type Network struct {
	next      http.RoundTripper
	down      atomic.Bool
	dropEvery atomic.Int64
	uploads   atomic.Int64
	dropped   atomic.Int64
}

// NewNetwork wraps next, or http.DefaultTransport when next is nil.
func NewNetwork(next http.RoundTripper) *Network {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Network{next: next}
}

// SetDown cuts or restores the link.
func (n *Network) SetDown(down bool) { n.down.Store(down) }

// Down reports whether the link is cut.
func (n *Network) Down() bool { return n.down.Load() }

// SetFlaky drops every nth submission or media request; 0 disables dropping.
func (n *Network) SetFlaky(every int) { n.dropEvery.Store(int64(every)) }

// Dropped returns how many requests were dropped by SetFlaky.
func (n *Network) Dropped() int { return int(n.dropped.Load()) }

func (n *Network) RoundTrip(r *http.Request) (*http.Response, error) {
	if n.down.Load() {
		return nil, errNetworkDown
	}
	if every := n.dropEvery.Load(); every > 0 && isUpload(r) {
		if n.uploads.Add(1)%every == 0 {
			n.dropped.Add(1)
			return nil, errors.New("read tcp: connection reset by peer")
		}
	}
	return n.next.RoundTrip(r)
}

func isUpload(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, fieldapi.PathSubmissions) ||
		strings.HasPrefix(r.URL.Path, "/api/media/")
}
