// Package main provides the inletd worker daemon: it consumes queued jobs
// and runs them through the processing pipeline.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/inletmail/inlet/config"
	"github.com/inletmail/inlet/pkg/checkpoint"
	"github.com/inletmail/inlet/pkg/credits"
	"github.com/inletmail/inlet/pkg/db"
	"github.com/inletmail/inlet/pkg/dispatch"
	"github.com/inletmail/inlet/pkg/engine"
	"github.com/inletmail/inlet/pkg/jobs"
	"github.com/inletmail/inlet/pkg/locks"
	"github.com/inletmail/inlet/pkg/logging"
	"github.com/inletmail/inlet/pkg/observability"
	"github.com/inletmail/inlet/pkg/providers"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "inletd",
		Short: "inlet pipeline worker daemon",
		Long:  "inletd consumes queued inbound-message jobs and runs the content-extraction pipeline that files them as issues.",
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the worker daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	rootCmd.AddCommand(runCmd)

	submitCmd := &cobra.Command{
		Use:   "submit <job-id>",
		Short: "Enqueue a job for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			return submit(cmd.Context(), args[0], force)
		},
	}
	submitCmd.Flags().Bool("force", false, "recompute already-derived fields and mint a fresh charge")
	rootCmd.AddCommand(submitCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	logger.Info("Starting inletd", logging.F("workers", cfg.Workers.Workers))

	pool, err := db.ConnectWithRetry(ctx, cfg.DB, 5, 2*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	metrics := observability.DefaultPipelineMetrics()
	jobStore := jobs.NewPostgresStore(pool, logger)
	ledger := credits.NewPostgresLedger(pool, logger)
	checkpoints := checkpoint.NewRedisStore(rdb, cfg.Pipeline.CheckpointTTL)
	locker := locks.NewRedisLocker(rdb)
	queue := dispatch.NewRedisQueue(rdb, cfg.Queue, logger)

	eng, err := engine.New(engine.Deps{
		Jobs:        jobStore,
		Ledger:      ledger,
		Checkpoints: checkpoints,
		OCR:         providers.Unconfigured{Provider: "ocr"},
		AI:          providers.Unconfigured{Provider: "ai"},
		Issues:      providers.Unconfigured{Provider: "issue tracker"},
		Notifier:    jobs.NopNotifier{},
		Metrics:     metrics,
		Logger:      logger,
		RunCost:     cfg.Pipeline.RunCost,
	})
	if err != nil {
		return err
	}

	recovery := dispatch.NewRecovery(jobStore, locker, queue, logger)
	if err := recovery.RecoverOnBoot(ctx); err != nil {
		return fmt.Errorf("boot recovery failed: %w", err)
	}
	go recovery.RunSweeper(ctx, cfg.Pipeline.SweepInterval, cfg.Pipeline.StaleAfter)

	go serveMetrics(ctx, cfg.MetricsAddr, pool, rdb, logger)

	dispatcher := dispatch.NewDispatcher(queue, eng, locker, cfg.Workers, metrics, logger)
	dispatcher.Run(ctx)

	logger.Info("Shutdown complete")
	return nil
}

func submit(ctx context.Context, jobID string, force bool) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	logger := newLogger(cfg)
	queue := dispatch.NewRedisQueue(rdb, cfg.Queue, logger)
	if err := queue.Enqueue(ctx, dispatch.NewMessage(jobID, force)); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	fmt.Printf("job %s enqueued\n", jobID)
	return nil
}

func newLogger(cfg *config.Config) logging.Logger {
	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.Level(cfg.LogLevel)
	logCfg.JSONFormat = cfg.LogFormat == "json"
	logger := logging.NewLogger(logCfg)
	logging.SetGlobal(logger)
	return logger
}

func serveMetrics(ctx context.Context, addr string, pool *pgxpool.Pool, rdb *redis.Client, logger logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		health, err := db.CheckHealth(r.Context(), pool)
		if err == nil {
			err = rdb.Ping(r.Context()).Err()
		}
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics server listening", logging.F("addr", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Metrics server failed", logging.Err(err))
	}
}
