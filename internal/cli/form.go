// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-fieldsync/internal/agent"
)

// NewFormCommand creates the form command group.
func NewFormCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "form",
		Short: "Fetch and list cached form templates",
	}

	fetch := &cobra.Command{
		Use:   "fetch <form-id>",
		Short: "Download a form template and cache it for offline use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			return withAgent(rootOpts, cmd, func(ctx context.Context, a *agent.Agent) error {
				tpl, err := a.Forms.Fetch(ctx, args[0])
				if err != nil {
					return out.Fail(ExitFailure, "failed to fetch form", err)
				}
				return out.Success(tpl, func(w io.Writer) {
					fmt.Fprintf(w, "%s v%d (%d steps) %s\n", tpl.ID, tpl.Version, tpl.StepCount(), tpl.Title)
				})
			})
		},
	}

	var project string
	list := &cobra.Command{
		Use:   "list",
		Short: "List cached form templates of a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			return withAgent(rootOpts, cmd, func(ctx context.Context, a *agent.Agent) error {
				forms, err := a.Outbox.ListForms(ctx, project)
				if err != nil {
					return out.Fail(ExitCommandError, "failed to list forms", err)
				}
				return out.Success(forms, func(w io.Writer) {
					for _, f := range forms {
						fmt.Fprintf(w, "%s\tv%d\t%s\n", f.ID, f.Version, f.Title)
					}
				})
			})
		},
	}
	list.Flags().StringVar(&project, "project", "", "project id")
	_ = list.MarkFlagRequired("project")

	cmd.AddCommand(fetch, list)
	return cmd
}
