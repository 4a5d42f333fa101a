// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-fieldsync/fieldstore"
	"github.com/mobiletoly/go-fieldsync/internal/agent"
)

// NewDraftCommand creates the draft command group.
func NewDraftCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Save, list and attach media to form drafts",
	}
	cmd.AddCommand(newDraftSaveCommand(rootOpts), newDraftListCommand(rootOpts),
		newDraftAttachCommand(rootOpts), newDraftDeleteCommand(rootOpts))
	return cmd
}

func newDraftSaveCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		id      int64
		form    string
		project string
		data    string
		step    int
	)
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Create a draft, or update one with --id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			values, err := parseData(data)
			if err != nil {
				return out.Fail(ExitCommandError, "invalid --data", err)
			}
			return withAgent(rootOpts, cmd, func(ctx context.Context, a *agent.Agent) error {
				d := &fieldstore.Draft{FormID: form, ProjectID: project}
				if id != 0 {
					if d, err = a.Outbox.GetDraft(ctx, id); err != nil {
						return out.Fail(ExitCommandError, "failed to load draft", err)
					}
				}
				if d.Data == nil {
					d.Data = map[string]any{}
				}
				for k, v := range values {
					d.Data[k] = v
				}
				if cmd.Flags().Changed("step") {
					d.CurrentStep = step
				}
				if err := a.Outbox.SaveDraft(ctx, d); err != nil {
					return out.Fail(ExitCommandError, "failed to save draft", err)
				}
				return out.Success(d, func(w io.Writer) {
					fmt.Fprintf(w, "draft %d saved (form %s, step %d)\n", d.ID, d.FormID, d.CurrentStep)
				})
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "existing draft to update")
	cmd.Flags().StringVar(&form, "form", "", "form id of a new draft")
	cmd.Flags().StringVar(&project, "project", "", "project id of a new draft")
	cmd.Flags().StringVar(&data, "data", "{}", "JSON object merged into the draft data")
	cmd.Flags().IntVar(&step, "step", 0, "current step")
	cmd.MarkFlagsOneRequired("id", "form")
	cmd.MarkFlagsMutuallyExclusive("id", "form")
	return cmd
}

func newDraftListCommand(rootOpts *RootOptions) *cobra.Command {
	var form string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List drafts of a form",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			return withAgent(rootOpts, cmd, func(ctx context.Context, a *agent.Agent) error {
				drafts, err := a.Outbox.ListDrafts(ctx, form)
				if err != nil {
					return out.Fail(ExitCommandError, "failed to list drafts", err)
				}
				return out.Success(drafts, func(w io.Writer) {
					for _, d := range drafts {
						fmt.Fprintf(w, "%d\tstep %d\t%d fields\tupdated %s\n",
							d.ID, d.CurrentStep, len(d.Data), d.UpdatedAt.Format("2006-01-02 15:04"))
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&form, "form", "", "form id")
	_ = cmd.MarkFlagRequired("form")
	return cmd
}

func newDraftAttachCommand(rootOpts *RootOptions) *cobra.Command {
	var field string
	cmd := &cobra.Command{
		Use:   "attach <draft-id> <file>",
		Short: "Store a file as media of a draft field",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			draftID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return out.Fail(ExitCommandError, "invalid draft id", err)
			}
			in, err := readMedia(args[1])
			if err != nil {
				return out.Fail(ExitCommandError, "failed to read file", err)
			}
			in.FieldName = field
			return withAgent(rootOpts, cmd, func(ctx context.Context, a *agent.Agent) error {
				if _, err := a.Outbox.GetDraft(ctx, draftID); err != nil {
					return out.Fail(ExitCommandError, "failed to load draft", err)
				}
				mediaID, err := a.Outbox.AttachMedia(ctx, draftID, in)
				if err != nil {
					return out.Fail(ExitCommandError, "failed to store media", err)
				}
				item, err := a.Media.Get(ctx, mediaID)
				if err != nil {
					return out.Fail(ExitCommandError, "failed to load media", err)
				}
				return out.Success(item, func(w io.Writer) {
					fmt.Fprintf(w, "media %s stored (%d bytes, %d chunks)\n", item.ID, item.Size, item.Chunks)
				})
			})
		},
	}
	cmd.Flags().StringVar(&field, "field", "", "form field the media belongs to")
	_ = cmd.MarkFlagRequired("field")
	return cmd
}

func newDraftDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <draft-id>",
		Short: "Delete a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			draftID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return out.Fail(ExitCommandError, "invalid draft id", err)
			}
			return withAgent(rootOpts, cmd, func(ctx context.Context, a *agent.Agent) error {
				if err := a.Outbox.DeleteDraft(ctx, draftID); err != nil {
					return out.Fail(ExitCommandError, "failed to delete draft", err)
				}
				return out.Success(map[string]int64{"deleted": draftID}, func(w io.Writer) {
					fmt.Fprintf(w, "draft %d deleted\n", draftID)
				})
			})
		},
	}
}

func parseData(s string) (map[string]any, error) {
	var values map[string]any
	if err := json.Unmarshal([]byte(s), &values); err != nil {
		return nil, err
	}
	if values == nil {
		return nil, errors.New("must be a JSON object")
	}
	return values, nil
}

func readMedia(path string) (fieldstore.MediaInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fieldstore.MediaInput{}, err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return fieldstore.MediaInput{Data: data, MimeType: mimeType, Filename: filepath.Base(path)}, nil
}
