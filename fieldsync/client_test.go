package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-fieldsync/fieldapi"
	"github.com/mobiletoly/go-fieldsync/fieldstore"
)

func TestServerError_Retryable(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusConflict, false},
		{http.StatusUnprocessableEntity, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := error(&ServerError{StatusCode: tt.status})
			require.Equal(t, tt.retryable, isRetryable(err))
			require.Equal(t, !tt.retryable, isTerminal(err))
		})
	}
}

func TestErrorClassification(t *testing.T) {
	require.True(t, isRetryable(fmt.Errorf("wrapped: %w", ErrUnreachable)))
	require.False(t, isTerminal(fmt.Errorf("wrapped: %w", ErrUnreachable)))
	require.True(t, isTerminal(terminal(errors.New("bad ref"))))
	require.True(t, isTerminal(fmt.Errorf("chunk 3: %w", fieldstore.ErrCorruptMedia)))
	require.False(t, isTerminal(ErrMediaNotReady))
	require.True(t, isStorageFailure(&fieldstore.StorageError{Op: "put", Collection: fieldstore.Media, Err: errors.New("disk")}))
	require.True(t, isStorageFailure(fieldstore.ErrQuotaExceeded))
	require.Nil(t, terminal(nil))
}

func TestClient_ServerErrorBody(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.client.GetForm(h.ctx, "missing")
	var se *ServerError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusNotFound, se.StatusCode)
	require.NotEmpty(t, se.Code)
}

func TestClient_UnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, nil)
	require.ErrorIs(t, c.Health(context.Background()), ErrUnreachable)
	_, err := c.Submit(context.Background(), &fieldapi.SubmissionRequest{ID: "x", FormID: "f"})
	require.ErrorIs(t, err, ErrUnreachable)
}

func TestClient_TimeoutFailsOnlyThatCall(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == fieldapi.PathHealth {
			<-release
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL, nil, WithTimeouts(Timeouts{Health: 50 * time.Millisecond, Request: time.Second, Chunk: time.Second}))
	require.ErrorIs(t, c.Health(context.Background()), ErrUnreachable)

	_, err := c.CompleteMedia(context.Background(), &fieldapi.MediaCompleteRequest{MediaID: "m"})
	require.NoError(t, err)
}

func TestClient_SubmitSendsIdempotencyKey(t *testing.T) {
	var got, authz string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(fieldapi.HeaderIdempotency)
		authz = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"abc","url":"/api/submissions/abc"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, StaticTokenSource("tok"))
	resp, err := c.Submit(context.Background(), &fieldapi.SubmissionRequest{ID: "abc", FormID: "f"})
	require.NoError(t, err)
	require.Equal(t, "abc", got)
	require.Equal(t, "Bearer tok", authz)
	require.Equal(t, "abc", resp.ID)
}

func TestClient_ReplayKeepsCapturedURLAndKey(t *testing.T) {
	type seen struct{ path, key, authz string }
	var mu sync.Mutex
	var got []seen
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = append(got, seen{r.URL.Path, r.Header.Get(fieldapi.HeaderIdempotency), r.Header.Get("Authorization")})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/field", StaticTokenSource("fresh"))
	ctx := context.Background()

	_, err := c.Replay(ctx, &fieldstore.QueuedRequest{
		ID:     "r1",
		Method: http.MethodPut,
		URL:    srv.URL + "/field/api/forms/f1",
		Header: http.Header{"Authorization": {"Bearer stale"}},
	})
	require.NoError(t, err)

	_, err = c.Replay(ctx, &fieldstore.QueuedRequest{
		ID:     "r2",
		Method: http.MethodPut,
		URL:    "/api/forms/f2",
		Header: http.Header{fieldapi.HeaderIdempotency: {"k1"}},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []seen{
		{"/field/api/forms/f1", "", "Bearer fresh"},
		{"/field/api/forms/f2", "k1", "Bearer fresh"},
	}, got)
}

func TestClient_GetSubmission(t *testing.T) {
	h := newHarness(t)

	_, err := h.client.Submit(h.ctx, &fieldapi.SubmissionRequest{
		ID: "sub-1", FormID: "survey", ProjectID: "p1", Data: map[string]any{"q1": "yes"}, Version: 1,
	})
	require.NoError(t, err)

	got, err := h.client.GetSubmission(h.ctx, "sub-1")
	require.NoError(t, err)
	require.Equal(t, "survey", got.FormID)
	require.Equal(t, "user-1", got.UserID)
	require.Equal(t, "yes", got.Data["q1"])

	_, err = h.client.GetSubmission(h.ctx, "missing")
	var se *ServerError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusNotFound, se.StatusCode)
}

func TestClient_SecondUnauthorizedIsAuthenticationError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := NewRefreshingTokenSource("a", func(context.Context) (string, error) { return "b", nil })
	c := NewClient(srv.URL, tokens)
	_, _, err := c.GetForm(context.Background(), "f")
	require.ErrorIs(t, err, ErrAuthentication)
	require.Equal(t, int32(2), calls.Load())
}

func TestRefreshingTokenSource_SingleFlight(t *testing.T) {
	var calls atomic.Int32
	gate := make(chan struct{})
	src := NewRefreshingTokenSource("", func(context.Context) (string, error) {
		calls.Add(1)
		<-gate
		return "fresh", nil
	})

	const n = 8
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	started := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			results[i], errs[i] = src.Refresh(context.Background())
		}()
	}
	for i := 0; i < n; i++ {
		<-started
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "fresh", results[i])
	}
	require.Equal(t, int32(1), calls.Load())

	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "fresh", tok)
}

func TestRefreshingTokenSource_RefreshesExpiringToken(t *testing.T) {
	expiring := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(10 * time.Second)),
	})
	signed, err := expiring.SignedString([]byte("k"))
	require.NoError(t, err)

	src := NewRefreshingTokenSource(signed, func(context.Context) (string, error) { return "renewed", nil })
	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "renewed", tok)

	failing := NewRefreshingTokenSource("", func(context.Context) (string, error) { return "", errors.New("offline") })
	_, err = failing.Token(context.Background())
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestStaticTokenSource_CannotRefresh(t *testing.T) {
	_, err := StaticTokenSource("x").Refresh(context.Background())
	require.ErrorIs(t, err, ErrAuthentication)
}
