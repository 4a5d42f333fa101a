// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"

	"github.com/spf13/cobra"
)

// Flags binds agent settings to a command's flags. Flags override the file
// only when set on the command line.
type Flags struct {
	path   string
	values Config
	apply  map[string]func(dst *Config)
}

// BindFlags registers the persistent agent flags on cmd.
func BindFlags(cmd *cobra.Command) *Flags {
	f := &Flags{values: *Default(), apply: map[string]func(*Config){}}
	fs := cmd.PersistentFlags()
	v := &f.values

	fs.StringVarP(&f.path, "config", "c", "", "path to YAML config file")

	fs.StringVar(&v.ServerURL, "server", v.ServerURL, "remote API base URL")
	f.apply["server"] = func(dst *Config) { dst.ServerURL = v.ServerURL }
	fs.StringVar(&v.Listen, "listen", v.Listen, "agent listen address (proxy, bus, metrics)")
	f.apply["listen"] = func(dst *Config) { dst.Listen = v.Listen }
	fs.StringVar(&v.DataDir, "data-dir", v.DataDir, "directory for agent state")
	f.apply["data-dir"] = func(dst *Config) { dst.DataDir = v.DataDir }
	fs.StringVar(&v.Database, "db", "", "SQLite database path (default <data-dir>/fieldsync.db)")
	f.apply["db"] = func(dst *Config) { dst.Database = v.Database }
	fs.StringVar(&v.BuildID, "build-id", v.BuildID, "cache build identifier")
	f.apply["build-id"] = func(dst *Config) { dst.BuildID = v.BuildID }
	fs.StringVar(&v.Auth.Token, "token", "", "static bearer token")
	f.apply["token"] = func(dst *Config) { dst.Auth.Token = v.Auth.Token }
	fs.StringVar(&v.Auth.User, "user", "", "user for sign in")
	f.apply["user"] = func(dst *Config) { dst.Auth.User = v.Auth.User }
	fs.StringVar(&v.Auth.Password, "password", "", "password for sign in")
	f.apply["password"] = func(dst *Config) { dst.Auth.Password = v.Auth.Password }
	fs.StringVar(&v.LogLevel, "log-level", v.LogLevel, "log level (debug|info|warn|error)")
	f.apply["log-level"] = func(dst *Config) { dst.LogLevel = v.LogLevel }
	fs.IntVar(&v.Sync.Concurrency, "concurrency", v.Sync.Concurrency, "items processed in parallel per batch")
	f.apply["concurrency"] = func(dst *Config) { dst.Sync.Concurrency = v.Sync.Concurrency }

	var interval time.Duration
	fs.DurationVar(&interval, "sync-interval", time.Duration(v.Sync.Interval), "periodic sync interval (0 disables)")
	f.apply["sync-interval"] = func(dst *Config) { dst.Sync.Interval = Duration(interval) }

	return f
}

// Resolve builds the effective configuration.
func (f *Flags) Resolve(cmd *cobra.Command) (*Config, error) {
	cfg := Default()
	if f.path != "" {
		if err := cfg.LoadFile(f.path); err != nil {
			return nil, err
		}
	}
	fs := cmd.Flags()
	for name, apply := range f.apply {
		if fs.Changed(name) {
			apply(cfg)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
