// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the fieldsync command line.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-fieldsync/internal/agent"
	"github.com/mobiletoly/go-fieldsync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  *config.Flags
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the fieldsync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fieldsync",
		Short: "Offline-first field data agent",
		Long: `fieldsync keeps form drafts, submissions and media in a local store and
delivers them to the remote API whenever it is reachable.

Run "fieldsync agent" to start the local proxy, sync engine and message bus.
The other commands operate on the same local store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return WrapExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output (debug logging)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	opts.Config = config.BindFlags(cmd)

	cmd.AddCommand(NewAgentCommand(opts))
	cmd.AddCommand(NewFormCommand(opts))
	cmd.AddCommand(NewDraftCommand(opts))
	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewMediaCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

// resolve loads the effective configuration and the logger it selects.
func (o *RootOptions) resolve(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := o.Config.Resolve(cmd)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	level := cfg.SlogLevel()
	if o.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}

// openAgent wires the agent components over the local store without starting them.
func (o *RootOptions) openAgent(cmd *cobra.Command) (*agent.Agent, error) {
	cfg, logger, err := o.resolve(cmd)
	if err != nil {
		return nil, err
	}
	a, err := agent.New(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open agent", err)
	}
	return a, nil
}

func withAgent(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, a *agent.Agent) error) error {
	a, err := opts.openAgent(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(cmd.Context(), a)
}
