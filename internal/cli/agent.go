// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-fieldsync/internal/agent"
)

// NewAgentCommand creates the agent command.
func NewAgentCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run the local proxy, sync engine and message bus",
		Long: `Run the agent until interrupted.

The agent listens on --listen and serves:
  /_fieldsync/bus      WebSocket message bus
  /_fieldsync/status   connectivity and queue summary
  /_fieldsync/metrics  Prometheus metrics
  everything else      proxied to --server with offline caching and queueing`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			return withAgent(rootOpts, cmd, func(ctx context.Context, a *agent.Agent) error {
				if err := a.Run(ctx); err != nil {
					return WrapExitError(ExitFailure, "agent stopped", err)
				}
				return nil
			})
		},
	}
}
