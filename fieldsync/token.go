// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mobiletoly/go-fieldsync/fieldapi"
	"golang.org/x/sync/singleflight"
)

// TokenSource supplies bearer tokens to the client.
type TokenSource interface {
	// Token returns the current token, or "" when the client runs unauthenticated.
	Token(ctx context.Context) (string, error)
	// Refresh obtains a new token after the server rejected the current one.
	Refresh(ctx context.Context) (string, error)
}

// StaticTokenSource always returns the same token and cannot refresh.
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context) (string, error) { return string(s), nil }

func (s StaticTokenSource) Refresh(context.Context) (string, error) {
	return "", fmt.Errorf("%w: static token rejected", ErrAuthentication)
}

// RefreshFunc obtains a fresh token.
type RefreshFunc func(ctx context.Context) (string, error)

// RefreshingTokenSource caches a token and refreshes it when it is about to
// expire or was rejected. Concurrent refreshes share one in-flight call.
type RefreshingTokenSource struct {
	refresh RefreshFunc
	skew    time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	token string
	group singleflight.Group
}

// NewRefreshingTokenSource starts with initial (may be empty).
func NewRefreshingTokenSource(initial string, refresh RefreshFunc) *RefreshingTokenSource {
	return &RefreshingTokenSource{
		refresh: refresh,
		skew:    30 * time.Second,
		now:     time.Now,
		token:   initial,
	}
}

func (s *RefreshingTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	tok := s.token
	s.mu.RUnlock()
	if s.refresh == nil || (tok != "" && !s.expiring(tok)) {
		return tok, nil
	}
	return s.Refresh(ctx)
}

func (s *RefreshingTokenSource) Refresh(ctx context.Context) (string, error) {
	if s.refresh == nil {
		return "", fmt.Errorf("%w: no refresh configured", ErrAuthentication)
	}
	v, err, _ := s.group.Do("refresh", func() (any, error) {
		tok, err := s.refresh(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		s.mu.Lock()
		s.token = tok
		s.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// expiring reports whether tok carries an exp claim within skew of now.
// Tokens that are not JWTs never expire from the client's point of view.
func (s *RefreshingTokenSource) expiring(tok string) bool {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !s.now().Add(s.skew).Before(claims.ExpiresAt.Time)
}

// SigninRefresher signs in against the reference server's signin endpoint.
func SigninRefresher(httpClient *http.Client, baseURL, user, password, device string) RefreshFunc {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return func(ctx context.Context) (string, error) {
		body, err := json.Marshal(fieldapi.SigninRequest{User: user, Password: password, Device: device})
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+fieldapi.PathSignin, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("failed to sign in: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("sign in returned %d", resp.StatusCode)
		}
		var out fieldapi.SigninResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("failed to decode sign in response: %w", err)
		}
		return out.Token, nil
	}
}
