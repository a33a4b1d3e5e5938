package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/cmd/stockledger/cli"
	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/balance"
	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/movement"
	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/platform/cache"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/jobs"
)

const usage = `usage: stockledger [serve | import-adjust | jobs <trigger|inspect>] [flags]`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "import-adjust":
		os.Exit(importAdjust(ctx, cfg, logger, args))
	case "jobs":
		err = jobsCommand(ctx, cfg, args)
	default:
		_, _ = fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error(cmd, slog.Any("error", err))
		os.Exit(1)
	}
}

// runtime holds the shared resources every command needs.
type runtime struct {
	pool     *pgxpool.Pool
	jobs     *jobs.Client
	metrics  *observability.Metrics
	balances *balance.Service
	movement *movement.Service
	close    func()
}

func bootstrap(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*runtime, error) {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	var balanceCache *balance.Cache
	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, PoolSize: cfg.RedisPoolSize})
	if err != nil {
		logger.Warn("redis unavailable, balance reads go to postgres", slog.Any("error", err))
	} else {
		balanceCache = balance.NewCache(redisClient, cfg.BalanceCacheTTL)
	}

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		pool.Close()
		return nil, err
	}

	metrics := observability.NewMetrics()
	balances := balance.NewService(balance.NewRepository(pool), balanceCache, logger)

	var notifier movement.Notifier = jobClient
	service := movement.NewService(movement.Deps{
		Repo:        movement.NewRepository(pool),
		Catalog:     catalog.NewRepository(pool),
		Balances:    balances,
		Audit:       shared.NewAuditLogger(pool),
		Approvals:   shared.NewApprovalRecorder(pool, logger),
		Notifier:    notifier,
		Idempotency: shared.NewIdempotencyStore(pool),
		Metrics:     observability.NewMovementMetrics(metrics.Registerer()),
		Logger:      logger,
	}, cfg.MovementConfig())

	return &runtime{
		pool:     pool,
		jobs:     jobClient,
		metrics:  metrics,
		balances: balances,
		movement: service,
		close: func() {
			if err := jobClient.Close(); err != nil {
				logger.Warn("jobs client close", slog.Any("error", err))
			}
			if redisClient != nil {
				if err := redisClient.Close(); err != nil {
					logger.Warn("redis close", slog.Any("error", err))
				}
			}
			pool.Close()
		},
	}, nil
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	rt, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		MovementHandler: movement.NewHandler(logger, rt.movement, app.BatchRateLimit(cfg)),
		BalanceHandler:  balance.NewHandler(logger, rt.balances),
		JobHandler:      jobs.NewHandler(inspector, logger),
		Database:        rt.pool,
		Metrics:         rt.metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}

func importAdjust(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("import-adjust", flag.ContinueOnError)
	var opts cli.ImportOptions
	fs.StringVar(&opts.File, "file", "", "JSON file with reference and lines")
	fs.StringVar(&opts.Reference, "ref", "", "override the reference stored in the file")
	fs.Int64Var(&opts.ActorID, "actor-id", 0, "user id recorded as creator and approver")
	fs.StringVar(&opts.ActorName, "actor-name", "", "display name of the actor")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	rt, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		logger.Error("import-adjust bootstrap", slog.Any("error", err))
		return 3
	}
	defer rt.close()

	importer, err := cli.NewImportCLI(rt.movement)
	if err != nil {
		logger.Error("import-adjust", slog.Any("error", err))
		return 1
	}
	return importer.Command(ctx, opts)
}

func jobsCommand(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	name := fs.String("name", jobs.TaskIdempotencyCleanup, "job to trigger")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	jc, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer jc.Close()

	switch args[0] {
	case "trigger":
		info, err := jc.Trigger(ctx, *name, cfg.IdempotencyRetention)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	case "inspect":
		stats, err := jc.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
		scheduled, err := jc.ListScheduled(ctx, 10)
		if err != nil {
			return err
		}
		for _, task := range scheduled {
			fmt.Printf("  scheduled %s at %s\n", task.Type, task.NextProcessAt.Format(time.RFC3339))
		}
	default:
		return fmt.Errorf("jobs: unknown subcommand %q", args[0])
	}
	return nil
}
