// Command upkeep is the offline-first sync tool for property maintenance
// tracking: a sync server, a local mirror, and the commands to move changes
// between them.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/upkeephq/upkeep/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "upkeep",
	Short: "Offline-first sync for property maintenance tracking",
	Long: `upkeep keeps property maintenance data in sync between a server and
local device mirrors.

The server holds the authoritative entity store and serves the sync
protocol; devices hold a SQLite mirror, work offline, and exchange change
batches when connected.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.upkeep/config.yaml)")
}

// newLogger builds the logger for a subcommand. With log.file configured
// the log rotates via lumberjack and also tees to stderr.
func newLogger(prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg != nil && cfg.Log.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
		})
	}
	return log.New(out, prefix, log.LstdFlags)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
