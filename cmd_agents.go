package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/workspace/agent-client/internal/agents"
	"github.com/workspace/agent-client/internal/stream"
)

var (
	readyTimeout time.Duration
	sendImages   []string
)

func init() {
	rootCmd.PersistentFlags().DurationVar(&readyTimeout, "ready-timeout", 30*time.Second, "how long to wait for the agent list")
	rootCmd.AddCommand(agentsCmd, sendCmd)
	sendCmd.Flags().StringArrayVar(&sendImages, "image", nil, "attach an image file (repeatable)")
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Print the agents on the host",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		c, err := connect(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer c.close()

		st, err := waitReady(ctx, c.store, c.run(ctx), readyTimeout)
		if err != nil {
			return err
		}
		return printAgents(cmd.OutOrStdout(), st.Agents.List())
	},
}

func printAgents(out io.Writer, list []agents.Agent) error {
	if len(list) == 0 {
		fmt.Fprintln(out, "No agents found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPROVIDER\tTITLE\tLAST ACTIVITY")
	for _, a := range list {
		status := string(a.Status)
		if a.Archived() {
			status += " (archived)"
		}
		if a.RequiresAttention {
			status += " !"
		}
		last := "-"
		if !a.LastActivityAt.IsZero() {
			last = a.LastActivityAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, status, a.Provider, a.Title, last)
	}
	return w.Flush()
}

var sendCmd = &cobra.Command{
	Use:   "send <agentId> <text>",
	Short: "Send a message to an agent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		images, err := loadImages(sendImages)
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		c, err := connect(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer c.close()

		if _, err := waitReady(ctx, c.store, c.run(ctx), readyTimeout); err != nil {
			return err
		}
		res, err := c.store.SendMessage(ctx, args[0], args[1], images)
		if err != nil {
			return err
		}
		if res.Queued {
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s; it is sent when %s finishes its current run.\n", res.MessageID, args[0])
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent %s\n", res.MessageID)
		return nil
	},
}

func loadImages(paths []string) ([]stream.Image, error) {
	images := make([]stream.Image, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
		mimeType := mime.TypeByExtension(filepath.Ext(p))
		if mimeType == "" {
			mimeType = http.DetectContentType(data)
		}
		images = append(images, stream.Image{
			MimeType: mimeType,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return images, nil
}
