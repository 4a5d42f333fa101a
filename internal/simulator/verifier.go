// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"sync"

	"github.com/mobiletoly/go-fieldsync/fieldstore"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// Verifier checks what a device delivered against the server's copy, using
// the API with each user's own credentials.
type Verifier struct {
	serverURL  string
	password   string
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	clients map[string]*fieldsync.Client
}

// VerifyResult summarizes one verification pass.
type VerifyResult struct {
	Submissions int `json:"submissions"`
	Media       int `json:"media"`
}

// NewVerifier creates a verifier for serverURL.
func NewVerifier(serverURL, password string, rt http.RoundTripper, logger *slog.Logger) *Verifier {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &Verifier{
		serverURL:  serverURL,
		password:   password,
		httpClient: &http.Client{Transport: rt},
		logger:     logger,
		clients:    make(map[string]*fieldsync.Client),
	}
}

func (v *Verifier) client(user string) *fieldsync.Client {
	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok := v.clients[user]; ok {
		return c
	}
	tokens := fieldsync.NewRefreshingTokenSource("",
		fieldsync.SigninRefresher(v.httpClient, v.serverURL, user, v.password, "verifier"))
	c := fieldsync.NewClient(v.serverURL, tokens, fieldsync.WithHTTPClient(v.httpClient))
	v.clients[user] = c
	return c
}

// VerifyDevice checks that every local submission of d is completed and that
// the server holds the same form, data and media references.
func (v *Verifier) VerifyDevice(ctx context.Context, d *Device) (*VerifyResult, error) {
	subs, err := d.Agent.Outbox.ListSubmissions(ctx, "")
	if err != nil {
		return nil, err
	}
	c := v.client(d.UserID)
	res := &VerifyResult{}
	for _, sub := range subs {
		if sub.Status != fieldstore.StatusCompleted {
			return res, fmt.Errorf("submission %d on %s is %s: %s", sub.ID, d.Name, sub.Status, sub.LastError)
		}
		remote, err := c.GetSubmission(ctx, sub.ClientID)
		if err != nil {
			return res, fmt.Errorf("submission %s missing on server: %w", sub.ClientID, err)
		}
		if remote.UserID != d.UserID {
			return res, fmt.Errorf("submission %s owned by %s, expected %s", sub.ClientID, remote.UserID, d.UserID)
		}
		if remote.FormID != sub.FormID || !reflect.DeepEqual(remote.Data, sub.Data) {
			return res, fmt.Errorf("submission %s differs: local form %s data %v, server form %s data %v",
				sub.ClientID, sub.FormID, sub.Data, remote.FormID, remote.Data)
		}

		media, err := d.Agent.Media.ListByOwner(ctx, fieldstore.SubmissionRef(sub.ID))
		if err != nil {
			return res, err
		}
		if len(media) != len(remote.MediaReferences) {
			return res, fmt.Errorf("submission %s has %d media locally, %d on server",
				sub.ClientID, len(media), len(remote.MediaReferences))
		}
		byID := make(map[string]int64, len(remote.MediaReferences))
		for _, ref := range remote.MediaReferences {
			byID[ref.MediaID] = ref.Size
		}
		for _, m := range media {
			size, ok := byID[m.ID]
			if !ok || size != m.Size || m.ServerURL == "" {
				return res, fmt.Errorf("media %s of submission %s not delivered intact", m.ID, sub.ClientID)
			}
		}
		res.Submissions++
		res.Media += len(media)
	}
	v.logger.Info("✅ Device verified", "device", d.Name, "submissions", res.Submissions, "media", res.Media)
	return res, nil
}
