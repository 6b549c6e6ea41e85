package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/workspace/agent-client/internal/session"
)

var audioDir string

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&audioDir, "audio-dir", "", "write assembled audio clips to this directory")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and log every change to the mirrored state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		var player *filePlayer
		if audioDir != "" {
			player = &filePlayer{dir: audioDir}
		}
		c, err := connect(ctx, cfg, player)
		if err != nil {
			return err
		}
		defer c.close()

		updates, unsubscribe := c.store.Subscribe()
		defer unsubscribe()
		errCh := c.run(ctx)

		var last summary
		for {
			select {
			case st := <-updates:
				if s := summarize(st); s != last {
					last = s
					slog.Info("Session: state changed", s.attrs()...)
				}
			case err := <-errCh:
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("connection stopped: %w", err)
			}
		}
	},
}

// summary is the part of the state worth a log line.
type summary struct {
	status      string
	ready       bool
	agents      int
	running     int
	attention   int
	permissions int
	queued      int
	pendingOps  int
	playing     bool
	cached      bool
}

func summarize(st session.State) summary {
	s := summary{
		status:      string(st.Connection.Status),
		ready:       st.Connection.AgentListReady,
		agents:      st.Agents.Len(),
		permissions: st.Permissions.Len(),
		pendingOps:  len(st.PendingOperations()),
		playing:     st.AudioPlaying,
		cached:      st.CachedAt != nil,
	}
	for _, a := range st.Agents.List() {
		if a.Status.Busy() {
			s.running++
		}
		if a.RequiresAttention {
			s.attention++
		}
		s.queued += st.Queue.Len(a.ID)
	}
	return s
}

func (s summary) attrs() []any {
	return []any{
		"status", s.status,
		"agentListReady", s.ready,
		"agents", s.agents,
		"running", s.running,
		"attention", s.attention,
		"permissions", s.permissions,
		"queued", s.queued,
		"pendingOps", s.pendingOps,
		"audioPlaying", s.playing,
		"fromCache", s.cached,
	}
}
