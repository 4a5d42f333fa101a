// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package auth carries the authenticated field identity through a request context.
package auth

import (
	"context"
)

type identityKey struct{}

// Identity is the user and device a request was signed in as.
type Identity struct {
	UserID   string
	DeviceID string
}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored in ctx. ok is false when none was
// stored or the user is empty.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// GetUserID returns the signed-in user.
func GetUserID(ctx context.Context) (string, bool) {
	id, ok := IdentityFrom(ctx)
	return id.UserID, ok
}

// GetDeviceID returns the device the user signed in from.
func GetDeviceID(ctx context.Context) (string, bool) {
	id, ok := IdentityFrom(ctx)
	return id.DeviceID, ok && id.DeviceID != ""
}
