// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-fieldsync/fieldstore"
	"github.com/mobiletoly/go-fieldsync/internal/agent"
)

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		form    string
		project string
		data    string
		now     bool
	)
	cmd := &cobra.Command{
		Use:   "submit [draft-id]",
		Short: "Queue a draft, or raw --data, for delivery",
		Long: `Freeze a draft into a pending submission, or create one directly from
--form/--project/--data. The submission is delivered by the next sync; pass
--now to run one sync cycle right away.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			if (len(args) == 1) == (form != "") {
				return out.Fail(ExitCommandError, "pass either a draft id or --form", nil)
			}
			return withAgent(rootOpts, cmd, func(ctx context.Context, a *agent.Agent) error {
				var sub *fieldstore.Submission
				if len(args) == 1 {
					draftID, err := strconv.ParseInt(args[0], 10, 64)
					if err != nil {
						return out.Fail(ExitCommandError, "invalid draft id", err)
					}
					if sub, err = a.Outbox.Submit(ctx, draftID); err != nil {
						return out.Fail(ExitCommandError, "failed to submit draft", err)
					}
				} else {
					values, err := parseData(data)
					if err != nil {
						return out.Fail(ExitCommandError, "invalid --data", err)
					}
					if sub, err = a.Outbox.SubmitData(ctx, form, project, values); err != nil {
						return out.Fail(ExitCommandError, "failed to submit", err)
					}
				}
				if now {
					a.Monitor.Check(ctx)
					if _, err := a.Engine.SyncAll(ctx); err != nil {
						a.Logger().Warn("Sync after submit did not finish", "error", err)
					}
					latest, err := a.Outbox.GetSubmission(ctx, sub.ID)
					if err != nil {
						return out.Fail(ExitCommandError, "failed to reload submission", err)
					}
					sub = latest
				}
				return out.Success(sub, func(w io.Writer) {
					fmt.Fprintf(w, "submission %d %s (client id %s)\n", sub.ID, sub.Status, sub.ClientID)
					if sub.ServerURL != "" {
						fmt.Fprintf(w, "  %s\n", sub.ServerURL)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&form, "form", "", "form id of a submission without draft")
	cmd.Flags().StringVar(&project, "project", "", "project id of a submission without draft")
	cmd.Flags().StringVar(&data, "data", "{}", "JSON object with the submission data")
	cmd.Flags().BoolVar(&now, "now", false, "sync immediately")
	return cmd
}
