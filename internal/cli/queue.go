// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-fieldsync/fieldstore"
	"github.com/mobiletoly/go-fieldsync/internal/agent"
)

var queueStatuses = []fieldstore.Status{
	fieldstore.StatusPending,
	fieldstore.StatusUploading,
	fieldstore.StatusProcessing,
	fieldstore.StatusCompleted,
	fieldstore.StatusError,
	fieldstore.StatusFailed,
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the sync queue and retry failed items",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts), newQueueStatsCommand(rootOpts), newQueueRetryCommand(rootOpts))
	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items with a status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			st := fieldstore.Status(status)
			if !slices.Contains(queueStatuses, st) {
				return out.Fail(ExitCommandError, fmt.Sprintf("invalid status %q", status), nil)
			}
			return withAgent(rootOpts, cmd, func(ctx context.Context, a *agent.Agent) error {
				items, err := a.Queue.List(ctx, st)
				if err != nil {
					return out.Fail(ExitCommandError, "failed to list queue", err)
				}
				return out.Success(items, func(w io.Writer) {
					for _, it := range items {
						fmt.Fprintf(w, "%s\t%s\t%s\tattempts %d", it.ID, it.Type, it.PayloadRef, it.Attempts)
						if it.LastError != "" {
							fmt.Fprintf(w, "\t%s", it.LastError)
						}
						fmt.Fprintln(w)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(fieldstore.StatusFailed), "item status")
	return cmd
}

func newQueueStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count queue items per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			return withAgent(rootOpts, cmd, func(ctx context.Context, a *agent.Agent) error {
				stats, err := a.Queue.Stats(ctx)
				if err != nil {
					return out.Fail(ExitCommandError, "failed to read queue stats", err)
				}
				return out.Success(stats, func(w io.Writer) {
					for _, st := range queueStatuses {
						fmt.Fprintf(w, "%-10s %d\n", st, stats[st])
					}
				})
			})
		},
	}
}

func newQueueRetryCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "retry [item-id]",
		Short: "Re-enqueue a failed item, or every failed item with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			if all == (len(args) == 1) {
				return out.Fail(ExitCommandError, "pass either an item id or --all", nil)
			}
			return withAgent(rootOpts, cmd, func(ctx context.Context, a *agent.Agent) error {
				n := 1
				if all {
					var err error
					if n, err = a.Engine.RetryAllFailed(ctx); err != nil {
						return out.Fail(ExitCommandError, "failed to retry items", err)
					}
				} else if err := a.Engine.RetryFailed(ctx, args[0]); err != nil {
					return out.Fail(ExitCommandError, "failed to retry item", err)
				}
				return out.Success(map[string]int{"retried": n}, func(w io.Writer) {
					fmt.Fprintf(w, "%d item(s) re-enqueued\n", n)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "retry every failed item")
	return cmd
}
