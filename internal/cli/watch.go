// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-fieldsync/fieldbus"
	"github.com/mobiletoly/go-fieldsync/internal/agent"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		url         string
		trigger     string
		skipWaiting string
		once        bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the message bus of a running agent",
		Long: `Connect to the agent message bus and print every message with the
resulting client state. --trigger and --skip-waiting publish a message first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			if url == "" {
				cfg, _, err := rootOpts.resolve(cmd)
				if err != nil {
					return err
				}
				url = "ws://" + cfg.Listen + agent.PathBus
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, err := fieldbus.Dial(ctx, url, nil)
			if err != nil {
				return out.Fail(ExitFailure, "failed to connect to agent bus", err)
			}
			defer func() { _ = conn.Close() }()

			var (
				mu    sync.Mutex
				state fieldbus.UIState
				got   = make(chan struct{}, 1)
			)
			conn.Subscribe(func(m fieldbus.Message) {
				mu.Lock()
				defer mu.Unlock()
				state = fieldbus.Reduce(state, m)
				_ = out.Success(map[string]any{"message": m, "state": state}, func(w io.Writer) {
					fmt.Fprintf(w, "%-16s %s\n", m.Type, describe(m))
					fmt.Fprintf(w, "%16s %s\n", "", describeState(state))
				})
				select {
				case got <- struct{}{}:
				default:
				}
			})

			var outgoing []fieldbus.Message
			if trigger != "" {
				outgoing = append(outgoing, fieldbus.TriggerSync(trigger))
			}
			if skipWaiting != "" {
				outgoing = append(outgoing, fieldbus.SkipWaiting(skipWaiting))
			}
			for _, m := range outgoing {
				if err := m.Validate(); err != nil {
					return out.Fail(ExitCommandError, "invalid message", err)
				}
				if err := conn.Publish(ctx, m); err != nil {
					return out.Fail(ExitFailure, "failed to publish", err)
				}
			}

			if once {
				select {
				case <-got:
				case <-ctx.Done():
				case <-conn.Done():
				}
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-conn.Done():
				if err := conn.Err(); err != nil {
					return out.Fail(ExitFailure, "agent bus closed", err)
				}
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "bus URL (default ws://<listen>"+agent.PathBus+")")
	cmd.Flags().StringVar(&trigger, "trigger", "", "publish TRIGGER_SYNC with this tag")
	cmd.Flags().StringVar(&skipWaiting, "skip-waiting", "", "publish SKIP_WAITING for this build id")
	cmd.Flags().BoolVar(&once, "once", false, "exit after the first received message")
	return cmd
}

func describe(m fieldbus.Message) string {
	var parts []string
	if m.IsOnline != nil {
		parts = append(parts, fmt.Sprintf("online=%t", *m.IsOnline))
	}
	if m.Tag != "" {
		parts = append(parts, "tag="+m.Tag)
	}
	if m.Results != nil {
		parts = append(parts, fmt.Sprintf("succeeded=%d failed=%d retrying=%d",
			m.Results.Succeeded, m.Results.Failed, m.Results.Retrying))
	}
	if m.Error != "" {
		parts = append(parts, "error="+m.Error)
	}
	if m.BuildID != "" {
		parts = append(parts, "build="+m.BuildID)
	}
	return strings.Join(parts, " ")
}

func describeState(s fieldbus.UIState) string {
	pending := make([]string, 0, len(s.Pending))
	for tag, on := range s.Pending {
		if on {
			pending = append(pending, tag)
		}
	}
	sort.Strings(pending)
	return fmt.Sprintf("[online=%t syncing=%t pending=%v]", s.Online, s.Syncing, pending)
}
