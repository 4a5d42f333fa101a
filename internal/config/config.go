// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config holds the field agent configuration. Values are resolved in
// order: Default, then an optional YAML file, then command line flags that
// were set explicitly.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mobiletoly/go-fieldsync/fieldstore"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/mobiletoly/go-fieldsync/internal/backoff"
)

// Duration is a time.Duration written as a string ("30s", "5m") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", n.Line, err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Retry mirrors backoff.Policy.
type Retry struct {
	Base        Duration `yaml:"base"`
	Ceiling     Duration `yaml:"ceiling"`
	MaxAttempts int      `yaml:"max_attempts"`
}

func (r Retry) Policy() backoff.Policy {
	return backoff.Policy{Base: time.Duration(r.Base), Ceiling: time.Duration(r.Ceiling), MaxAttempts: r.MaxAttempts}
}

func retryOf(p backoff.Policy) Retry {
	return Retry{Base: Duration(p.Base), Ceiling: Duration(p.Ceiling), MaxAttempts: p.MaxAttempts}
}

type Sync struct {
	BatchSize   int      `yaml:"batch_size"`
	Concurrency int      `yaml:"concurrency"`
	Interval    Duration `yaml:"interval"`
	// OnlineCheckInterval is the connectivity check period.
	OnlineCheckInterval Duration `yaml:"online_check_interval"`
	LogStageTimings     bool     `yaml:"log_stage_timings"`
}

type Timeouts struct {
	Health  Duration `yaml:"health"`
	Request Duration `yaml:"request"`
	Chunk   Duration `yaml:"chunk"`
}

// Auth selects how the agent obtains its bearer token. A static Token wins;
// otherwise User/Password sign in against the server.
type Auth struct {
	Token    string `yaml:"token"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Device   string `yaml:"device"`
}

// Config holds all configuration of the field agent.
type Config struct {
	ServerURL string `yaml:"server_url"`
	Listen    string `yaml:"listen"`
	DataDir   string `yaml:"data_dir"`
	// Database defaults to DataDir/fieldsync.db.
	Database string `yaml:"database"`
	BuildID  string `yaml:"build_id"`
	// OfflineDocument is an HTML file served to navigations while offline.
	OfflineDocument string `yaml:"offline_document"`
	ChunkSize       int    `yaml:"chunk_size"`
	LogLevel        string `yaml:"log_level"`

	Auth     Auth     `yaml:"auth"`
	Sync     Sync     `yaml:"sync"`
	Queue    Retry    `yaml:"queue"`
	Chunk    Retry    `yaml:"chunk"`
	Timeouts Timeouts `yaml:"timeouts"`
}

// Default returns a configuration with the stock values.
func Default() *Config {
	sc := fieldsync.DefaultConfig()
	t := fieldsync.DefaultTimeouts()
	return &Config{
		ServerURL: "http://localhost:8080",
		Listen:    "127.0.0.1:8787",
		DataDir:   defaultDataDir(),
		BuildID:   "dev",
		ChunkSize: fieldstore.DefaultChunkSize,
		LogLevel:  "info",
		Auth:      Auth{Device: hostname()},
		Sync: Sync{
			BatchSize:           sc.BatchSize,
			Concurrency:         sc.Concurrency,
			Interval:            Duration(sc.SyncInterval),
			OnlineCheckInterval: Duration(5 * time.Second),
		},
		Queue:    retryOf(backoff.DefaultQueuePolicy()),
		Chunk:    retryOf(backoff.DefaultChunkPolicy()),
		Timeouts: Timeouts{Health: Duration(t.Health), Request: Duration(t.Request), Chunk: Duration(t.Chunk)},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "fieldsync")
	}
	return ".fieldsync"
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "agent"
	}
	return h
}

// LoadFile overlays the YAML file at path onto c. Unknown keys are an error.
func (c *Config) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// DatabasePath returns Database or its default under DataDir.
func (c *Config) DatabasePath() string {
	if c.Database != "" {
		return c.Database
	}
	return filepath.Join(c.DataDir, "fieldsync.db")
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// EngineConfig returns the sync engine configuration.
func (c *Config) EngineConfig() *fieldsync.Config {
	ec := fieldsync.DefaultConfig()
	ec.BatchSize = c.Sync.BatchSize
	ec.Concurrency = c.Sync.Concurrency
	ec.SyncInterval = time.Duration(c.Sync.Interval)
	ec.ChunkPolicy = c.Chunk.Policy()
	ec.LogStageTimings = c.Sync.LogStageTimings
	return ec
}

// ClientTimeouts returns the per-call timeouts.
func (c *Config) ClientTimeouts() fieldsync.Timeouts {
	return fieldsync.Timeouts{
		Health:  time.Duration(c.Timeouts.Health),
		Request: time.Duration(c.Timeouts.Request),
		Chunk:   time.Duration(c.Timeouts.Chunk),
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server_url must be an absolute URL, got %q", c.ServerURL)
	}
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be positive, got %d", c.Sync.Concurrency)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	for _, p := range []struct {
		name string
		r    Retry
	}{{"queue", c.Queue}, {"chunk", c.Chunk}} {
		name, r := p.name, p.r
		if r.MaxAttempts < 1 || r.Base <= 0 || r.Ceiling < r.Base {
			return fmt.Errorf("%s retry policy is invalid: base=%s ceiling=%s max_attempts=%d",
				name, time.Duration(r.Base), time.Duration(r.Ceiling), r.MaxAttempts)
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	return nil
}
