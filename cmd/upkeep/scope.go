package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/upkeephq/upkeep/internal/mirror"
	"github.com/upkeephq/upkeep/internal/scope"
)

var scopeCmd = &cobra.Command{
	Use:   "scope",
	Short: "Manage which scopes the local mirror replicates",
}

var scopeSetCmd = &cobra.Command{
	Use:   "set <project|property|record> <id>",
	Short: "Register a scope and set its sync mode",
	Long: `Register a scope in the local mirror, or change its mode.

In synced mode local edits under the scope are queued for push and the
server feed is pulled on every cycle. In local mode the data stays on this
device. Flipping a scope from local to synced queues everything created
offline, so it reaches the server on the next cycle.

Example usage:
  upkeep scope set property prop-42                # Sync a property
  upkeep scope set project proj-7 --mode local     # Stop syncing a project`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := scope.ParseType(args[0])
		if err != nil {
			return err
		}
		mode, _ := cmd.Flags().GetString("mode")

		m, err := mirror.Open(cfg.Client.MirrorPath)
		if err != nil {
			return err
		}
		defer m.Close()

		s := scope.Scope{Type: t, ID: args[1]}
		if err := m.SetScopeMode(cmd.Context(), s, mode); err != nil {
			return err
		}
		fmt.Printf("Scope %s set to %s\n", s, mode)
		return nil
	},
}

func init() {
	scopeSetCmd.Flags().String("mode", mirror.ModeSynced, "sync mode: synced or local")
	scopeCmd.AddCommand(scopeSetCmd)
	rootCmd.AddCommand(scopeCmd)
}
