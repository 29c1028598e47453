package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/upkeephq/upkeep/internal/client"
	"github.com/upkeephq/upkeep/internal/mirror"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync the local mirror with the server",
	Long: `Run a sync cycle for every synced scope in the local mirror: push
queued local edits, then pull and apply the server's change feed.

With --watch the command stays running and repeats the cycle on an
interval, and immediately whenever the trigger file (~/.upkeep/sync-trigger)
is touched. Apps embedding the mirror touch that file after local writes to
request a prompt sync.

Example usage:
  upkeep sync                  # One cycle, then exit
  upkeep sync --watch          # Keep syncing until interrupted`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger("[sync] ")

		if cfg.Client.ActorID == "" {
			return fmt.Errorf("client.actor_id is not configured")
		}

		m, err := mirror.Open(cfg.Client.MirrorPath,
			mirror.WithLogger(logger),
			mirror.WithBatchSize(cfg.Client.BatchSize),
		)
		if err != nil {
			return err
		}
		defer m.Close()

		transport := client.NewHTTPTransport(cfg.Client.ServerURL, cfg.Client.ActorID)

		watch, _ := cmd.Flags().GetBool("watch")
		if !watch {
			result, err := m.SyncCycle(cmd.Context(), transport)
			if err != nil {
				return err
			}
			fmt.Printf("Sync complete: %s\n", result)
			return nil
		}

		return watchLoop(cmd.Context(), m, transport, logger)
	},
}

func init() {
	syncCmd.Flags().Bool("watch", false, "keep running and sync on interval or trigger")
	rootCmd.AddCommand(syncCmd)
}

// triggerPath is the file whose modification requests an immediate cycle.
func triggerPath() string {
	return filepath.Join(filepath.Dir(cfg.Client.MirrorPath), "sync-trigger")
}

// watchLoop syncs on an interval and on trigger-file touches. Trigger
// events are debounced so an app writing several entities in quick
// succession produces one cycle.
func watchLoop(ctx context.Context, m *mirror.Mirror, transport client.Transport, logger interface{ Printf(string, ...any) }) error {
	interval, err := time.ParseDuration(cfg.Client.SyncInterval)
	if err != nil || interval <= 0 {
		interval = time.Minute
	}

	trigger := triggerPath()
	if err := os.MkdirAll(filepath.Dir(trigger), 0755); err != nil {
		return fmt.Errorf("failed to create trigger directory: %w", err)
	}
	if _, err := os.Stat(trigger); os.IsNotExist(err) {
		if err := os.WriteFile(trigger, nil, 0644); err != nil {
			return fmt.Errorf("failed to create trigger file: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors and apps often replace
	// the file, which would drop a direct watch.
	if err := watcher.Add(filepath.Dir(trigger)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(trigger), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	runCycle := func() {
		result, err := m.SyncCycle(ctx, transport)
		if err != nil {
			logger.Printf("sync cycle failed: %v", err)
			return
		}
		logger.Printf("sync cycle: %s", result)
	}

	fmt.Printf("Watching %s, syncing every %s. Press Ctrl+C to stop...\n", trigger, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	const debounce = 500 * time.Millisecond
	var debounceTimer *time.Timer
	debounced := make(chan struct{}, 1)

	runCycle()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			runCycle()

		case <-debounced:
			runCycle()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != trigger {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounce, func() {
				select {
				case debounced <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Printf("watcher error: %v", err)
		}
	}
}
