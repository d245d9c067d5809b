package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/crowdfunding-payments/internal/idempotency"
	"github.com/frahmantamala/crowdfunding-payments/pkg/logger"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background workers",
	Long:  `Start long-running background jobs that sit beside the HTTP server.`,
}

var sweeperWorkerCmd = &cobra.Command{
	Use:   "sweeper",
	Short: "Purge expired idempotency records",
	Long:  `Periodically delete idempotency records whose TTL has passed. DynamoDB expires records natively, so the sweeper only does work on the postgres backend.`,
	Run: func(cmd *cobra.Command, args []string) {
		startSweeper()
	},
}

var (
	sweepInterval time.Duration
	sweepOnce     bool
)

func startSweeper() {
	config, err := loadValidConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	lg := logger.Init(config.Observability.Logging.Level, config.Observability.Logging.Format)

	db, err := initDB(config.Database)
	if err != nil {
		lg.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	gdb, err := initGorm(db)
	if err != nil {
		lg.Error("failed to open gorm session", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, _, err := newIdempotencyStore(ctx, config.Idempotency, gdb)
	if err != nil {
		lg.Error("failed to build idempotency store", "error", err)
		os.Exit(1)
	}
	guard := idempotency.NewGuard(store, config.Idempotency, lg)

	interval := sweepInterval
	if interval <= 0 {
		interval = config.Idempotency.SweepInterval
	}

	sweep := func() {
		n, err := guard.PurgeExpired(ctx)
		if err != nil {
			lg.Error("idempotency sweep failed", "error", err)
			return
		}
		lg.Info("idempotency sweep complete", "purged", n)
	}

	sweep()
	if sweepOnce {
		return
	}

	lg.Info("sweeper is running. Press Ctrl+C to stop.", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			lg.Info("received signal, shutting down sweeper")
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func init() {
	sweeperWorkerCmd.Flags().DurationVar(&sweepInterval, "interval", 0, "Sweep interval (overrides config)")
	sweeperWorkerCmd.Flags().BoolVar(&sweepOnce, "once", false, "Run a single sweep and exit")

	workerCmd.AddCommand(sweeperWorkerCmd)

	rootCmd.AddCommand(workerCmd)
}
