package simulator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-fieldsync/fieldapi"
)

func newTestSimulator(t *testing.T, mutate func(c *Config)) *Simulator {
	t.Helper()
	repo := fieldapi.NewMemoryRepository()
	jwt := fieldapi.NewJWTAuth("test-secret", nil)
	svc := fieldapi.NewService(repo, &fieldapi.FileSink{Dir: t.TempDir(), BaseURL: "http://files.local"}, nil, nil)
	api := httptest.NewServer(fieldapi.NewRouter(fieldapi.NewHTTPHandlers(svc, jwt, nil), jwt))
	t.Cleanup(api.Close)

	cfg := DefaultConfig()
	cfg.ServerURL = api.URL
	cfg.WorkDir = t.TempDir()
	cfg.BackoffBase = 5 * time.Millisecond
	cfg.BackoffMax = 20 * time.Millisecond
	cfg.DrainTimeout = 20 * time.Second
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if mutate != nil {
		mutate(cfg)
	}
	sim, err := NewSimulator(cfg)
	require.NoError(t, err)
	return sim
}

func TestSimulator_AllScenarios(t *testing.T) {
	report := filepath.Join(t.TempDir(), "report.json")
	sim := newTestSimulator(t, func(c *Config) { c.OutputFile = report })

	require.NoError(t, sim.RunAll(context.Background()))
	require.NoError(t, sim.Close())

	data, err := os.ReadFile(report)
	require.NoError(t, err)
	var final FinalReport
	require.NoError(t, json.Unmarshal(data, &final))
	require.Equal(t, len(GetAvailableScenarios()), final.TotalScenarios)
	require.Equal(t, final.TotalScenarios, final.SuccessfulRuns)
	for _, sc := range final.Scenarios {
		require.Equal(t, "success", sc.Status, sc.Name)
		require.Contains(t, sc.Metrics, "verified_submissions", sc.Name)
	}
}

func TestSimulator_ParallelUsersAreIsolated(t *testing.T) {
	sim := newTestSimulator(t, nil)
	defer func() { _ = sim.Close() }()

	done := make(chan error, 2)
	for _, prefix := range []string{"u1-", "u2-"} {
		go func() { done <- sim.ForUser(prefix).RunScenario(context.Background(), "fresh-install") }()
	}
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	final := sim.Reporter().Final()
	require.Equal(t, 2, final.SuccessfulRuns)
}

func TestSimulator_FlakyNetworkRecordsDrops(t *testing.T) {
	sim := newTestSimulator(t, nil)
	defer func() { _ = sim.Close() }()

	require.NoError(t, sim.RunScenario(context.Background(), "flaky-network"))
	res := sim.Reporter().Final().Scenarios[0]
	require.Positive(t, res.Metrics["dropped_requests"])
	require.Equal(t, 5, res.Metrics["verified_submissions"])
	require.Equal(t, 5, res.Metrics["verified_media"])
}

func TestSimulator_UnknownScenario(t *testing.T) {
	sim := newTestSimulator(t, nil)
	defer func() { _ = sim.Close() }()
	require.ErrorContains(t, sim.RunScenario(context.Background(), "nope"), "unknown scenario")
}

func TestSimulator_UnreachableServerFailsScenario(t *testing.T) {
	sim := newTestSimulator(t, func(c *Config) {
		c.ServerURL = "http://127.0.0.1:1"
		c.DrainTimeout = 200 * time.Millisecond
	})
	defer func() { _ = sim.Close() }()

	err := sim.RunScenario(context.Background(), "fresh-install")
	require.ErrorContains(t, err, "not drained")
	res := sim.Reporter().Final().Scenarios[0]
	require.Equal(t, "failed", res.Status)
}
