package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/upkeephq/upkeep/internal/mirror"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local mirror sync status",
	Long: `Show the scopes the local mirror replicates, their pull cursors, and
how many outbound changes are waiting to be pushed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := mirror.Open(cfg.Client.MirrorPath)
		if err != nil {
			return err
		}
		defer m.Close()

		scopes, err := m.Scopes(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Mirror: %s\n", m.Path())
		if len(scopes) == 0 {
			fmt.Println("No scopes registered. Use 'upkeep scope set' to start syncing.")
			return nil
		}

		fmt.Printf("%-40s %-8s %10s %8s\n", "SCOPE", "MODE", "CURSOR", "PENDING")
		for _, s := range scopes {
			fmt.Printf("%-40s %-8s %10d %8d\n", s.Scope, s.Mode, s.Cursor, s.Pending)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
