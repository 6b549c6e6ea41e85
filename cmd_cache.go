package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheShowCmd, cacheClearCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the local agent list cache",
}

var cacheShowCmd = &cobra.Command{
	Use:   "show [connectionId]",
	Short: "Print the cached snapshot for a connection",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openCache(cfg.CachePath)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		if len(args) == 0 {
			ids, err := store.Connections(ctx)
			if err != nil {
				return fmt.Errorf("list cached connections: %w", err)
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Cache is empty.")
				return nil
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		}

		snap, ok, err := store.Load(ctx, args[0])
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		if !ok {
			return fmt.Errorf("no cached snapshot for %q", args[0])
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear <connectionId>",
	Short: "Delete the cached snapshot for a connection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openCache(cfg.CachePath)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Delete(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("delete snapshot: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", args[0])
		return nil
	},
}
