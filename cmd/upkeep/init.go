package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/upkeephq/upkeep/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: `Write a commented starter configuration to ~/.upkeep/config.yaml.
Refuses to overwrite an existing file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = filepath.Join(config.Dir(), "config.yaml")
		}
		if err := config.WriteTemplate(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		fmt.Println("Set client.actor_id and client.server_url before syncing.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
