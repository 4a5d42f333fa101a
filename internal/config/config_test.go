package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 10, cfg.Sync.BatchSize)
	require.Equal(t, 3, cfg.Sync.Concurrency)
	require.Equal(t, 5, cfg.Queue.MaxAttempts)
	require.Equal(t, Duration(30*time.Minute), cfg.Queue.Ceiling)
	require.Equal(t, 4, cfg.Chunk.MaxAttempts)
	require.Equal(t, filepath.Join(cfg.DataDir, "fieldsync.db"), cfg.DatabasePath())
}

func TestLoadFile(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.LoadFile(writeFile(t, `
server_url: https://field.example.com
database: /tmp/agent.db
sync:
  concurrency: 5
  interval: 2m
queue:
  base: 2s
  ceiling: 10m
  max_attempts: 7
timeouts:
  chunk: 90s
`)))
	require.Equal(t, "https://field.example.com", cfg.ServerURL)
	require.Equal(t, "/tmp/agent.db", cfg.DatabasePath())
	require.Equal(t, 5, cfg.Sync.Concurrency)
	require.Equal(t, 10, cfg.Sync.BatchSize, "untouched keys keep defaults")

	ec := cfg.EngineConfig()
	require.Equal(t, 2*time.Minute, ec.SyncInterval)
	require.Equal(t, 5, ec.Concurrency)
	p := cfg.Queue.Policy()
	require.Equal(t, 2*time.Second, p.Base)
	require.Equal(t, 7, p.MaxAttempts)
	require.Equal(t, 90*time.Second, cfg.ClientTimeouts().Chunk)
	require.Equal(t, 4*time.Second, cfg.ClientTimeouts().Health)
}

func TestLoadFile_Errors(t *testing.T) {
	require.Error(t, Default().LoadFile(writeFile(t, "unknown_key: 1\n")))
	require.Error(t, Default().LoadFile(writeFile(t, "sync:\n  interval: soon\n")))
	require.Error(t, Default().LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))
	require.NoError(t, Default().LoadFile(writeFile(t, "")))
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(c *Config){
		"relative server": func(c *Config) { c.ServerURL = "/api" },
		"no listen":       func(c *Config) { c.Listen = "" },
		"zero batch":      func(c *Config) { c.Sync.BatchSize = 0 },
		"zero chunk size": func(c *Config) { c.ChunkSize = 0 },
		"ceiling < base":  func(c *Config) { c.Chunk.Ceiling = Duration(time.Millisecond) },
		"bad log level":   func(c *Config) { c.LogLevel = "loud" },
	} {
		c := Default()
		mutate(c)
		require.Error(t, c.Validate(), name)
	}
}

func TestFlags_OverrideFileOnlyWhenSet(t *testing.T) {
	path := writeFile(t, "server_url: https://from-file.example.com\nlisten: 127.0.0.1:9000\n")

	var (
		got *Config
		f   *Flags
	)
	cmd := &cobra.Command{
		Use: "agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			got, err = f.Resolve(cmd)
			return err
		},
	}
	f = BindFlags(cmd)
	cmd.SetArgs([]string{"--config", path, "--listen", "127.0.0.1:9100", "--sync-interval", "0s"})
	require.NoError(t, cmd.Execute())

	require.Equal(t, "https://from-file.example.com", got.ServerURL)
	require.Equal(t, "127.0.0.1:9100", got.Listen)
	require.Equal(t, Duration(0), got.Sync.Interval)
	require.Equal(t, "info", got.LogLevel)
}
