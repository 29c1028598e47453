package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/upkeephq/upkeep/internal/events"
	"github.com/upkeephq/upkeep/internal/metrics"
	"github.com/upkeephq/upkeep/internal/pull"
	"github.com/upkeephq/upkeep/internal/push"
	"github.com/upkeephq/upkeep/internal/retry"
	"github.com/upkeephq/upkeep/internal/scope"
	"github.com/upkeephq/upkeep/internal/server"
	"github.com/upkeephq/upkeep/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	Long: `Run the sync server: the authoritative entity store, the push and pull
endpoints, the retry drain worker, and the WebSocket event feed.

Endpoints:
  POST /api/sync/push    submit a change batch
  GET  /api/sync/pull    page the scoped change feed
  GET  /healthz          health check
  GET  /metrics          Prometheus metrics
  GET  /ws               WebSocket event stream

Example usage:
  upkeep serve                     # Listen on the configured address
  upkeep serve --addr :9000        # Override the listen address`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger("[serve] ")

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Server.Addr
		}

		db, err := store.Open(cfg.Server.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.InitSchema(); err != nil {
			return err
		}

		resolver := scope.NewResolver(db)
		queue := retry.NewQueue(db)
		hub := events.NewHub(logger)
		mets := metrics.New()

		processor := push.NewProcessor(db, resolver,
			push.WithRetrySink(queue),
			push.WithNotifier(&serveNotifier{hub: hub, metrics: mets}),
			push.WithLogger(logger),
		)
		provider := pull.NewProvider(db, resolver, pull.WithMaxPage(cfg.Server.MaxPullChanges))
		worker := retry.NewWorker(queue, processor, logger)

		srv := server.NewServer(processor, provider, &server.Config{
			Addr:    addr,
			Hub:     hub,
			Metrics: mets,
			Logger:  logger,
		})
		if err := srv.Start(); err != nil {
			return err
		}

		retryInterval, err := time.ParseDuration(cfg.Server.RetryInterval)
		if err != nil || retryInterval <= 0 {
			retryInterval = 30 * time.Second
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go drainLoop(ctx, worker, queue, hub, mets, retryInterval, logger)

		fmt.Printf("Sync server started on %s\n", srv.Addr())
		fmt.Println("Press Ctrl+C to stop...")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logger.Println("Shutting down")
		cancel()
		return srv.Stop()
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// serveNotifier fans applied-change notifications out to the WebSocket hub
// and the metrics collectors.
type serveNotifier struct {
	hub     *events.Hub
	metrics *metrics.Metrics
}

func (n *serveNotifier) ChangeApplied(a push.Applied) {
	n.hub.ChangeApplied(a)
	n.metrics.ChangesApplied.WithLabelValues(a.EntityType, a.Operation).Inc()
}

// drainLoop periodically replays due retry items and keeps the queue depth
// gauge fresh.
func drainLoop(ctx context.Context, worker *retry.Worker, queue *retry.Queue, hub *events.Hub, mets *metrics.Metrics, interval time.Duration, logger interface{ Printf(string, ...any) }) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			applied, rescheduled, failed, err := worker.DrainOnce(ctx)
			if err != nil {
				logger.Printf("retry drain failed: %v", err)
				continue
			}
			if applied+rescheduled+failed > 0 {
				logger.Printf("retry drain: applied=%d rescheduled=%d failed=%d", applied, rescheduled, failed)
				hub.RetryDrained(applied, rescheduled, failed)
			}
			mets.RetryFailed.Add(float64(failed))
			if depth, err := queue.Depth(ctx); err == nil {
				mets.RetryDepth.Set(float64(depth))
			}
		}
	}
}
