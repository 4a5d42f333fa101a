// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-fieldsync/internal/agent"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the sync queue once",
		Long: `Run one drain cycle against the remote API and report the result.

Exits with status 1 when the API is unreachable or items failed permanently.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			return withAgent(rootOpts, cmd, func(ctx context.Context, a *agent.Agent) error {
				res, err := a.Engine.SyncAll(ctx)
				if err != nil {
					return out.Fail(ExitFailure, "sync did not finish", err)
				}
				if err := out.Success(res, func(w io.Writer) {
					fmt.Fprintf(w, "succeeded %d, failed %d, retrying %d (%s)\n",
						res.Succeeded, res.Failed, res.Retrying, res.Finished.Sub(res.Started).Round(time.Millisecond))
				}); err != nil {
					return err
				}
				if res.Failed > 0 {
					return WrapExitError(ExitFailure, fmt.Sprintf("%d item(s) failed", res.Failed), nil)
				}
				return nil
			})
		},
	}
}
