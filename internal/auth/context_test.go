package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentityRoundTrip(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{UserID: "user-1", DeviceID: "tablet"})

	user, ok := GetUserID(ctx)
	require.True(t, ok)
	require.Equal(t, "user-1", user)

	device, ok := GetDeviceID(ctx)
	require.True(t, ok)
	require.Equal(t, "tablet", device)
}

func TestIdentityMissing(t *testing.T) {
	_, ok := GetUserID(context.Background())
	require.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{UserID: "user-1"})
	_, ok = GetDeviceID(ctx)
	require.False(t, ok)

	ctx = WithIdentity(context.Background(), Identity{DeviceID: "tablet"})
	_, ok = IdentityFrom(ctx)
	require.False(t, ok)
}
