// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-fieldsync/internal/agent"
)

// NewMediaCommand creates the media command group.
func NewMediaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "media",
		Short: "Inspect and export locally stored media",
	}

	show := &cobra.Command{
		Use:   "show <media-id>",
		Short: "Show upload progress of a media item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			return withAgent(rootOpts, cmd, func(ctx context.Context, a *agent.Agent) error {
				item, err := a.Media.Get(ctx, args[0])
				if err != nil {
					return out.Fail(ExitCommandError, "failed to load media", err)
				}
				return out.Success(item, func(w io.Writer) {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d chunks\n", item.ID, item.Filename, item.Status, item.UploadedChunks, item.Chunks)
					if item.ServerURL != "" {
						fmt.Fprintf(w, "  %s\n", item.ServerURL)
					}
					if item.LastError != "" {
						fmt.Fprintf(w, "  last error: %s\n", item.LastError)
					}
				})
			})
		},
	}

	var output string
	export := &cobra.Command{
		Use:   "export <media-id>",
		Short: "Reassemble a media item and write it to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			return withAgent(rootOpts, cmd, func(ctx context.Context, a *agent.Agent) error {
				f, err := a.Media.GetMediaFile(ctx, args[0])
				if err != nil {
					return out.Fail(ExitCommandError, "failed to read media", err)
				}
				path := output
				if path == "" {
					path = f.Item.Filename
				}
				if err := os.WriteFile(path, f.Data, 0o644); err != nil {
					return out.Fail(ExitCommandError, "failed to write file", err)
				}
				return out.Success(map[string]any{"path": path, "size": len(f.Data)}, func(w io.Writer) {
					fmt.Fprintf(w, "wrote %d bytes to %s\n", len(f.Data), path)
				})
			})
		},
	}
	export.Flags().StringVarP(&output, "output", "o", "", "output file (default: original filename)")

	cmd.AddCommand(show, export)
	return cmd
}
