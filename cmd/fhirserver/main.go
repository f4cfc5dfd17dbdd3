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
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhirserver/internal/computedparams"
	"github.com/ehr/fhirserver/internal/config"
	"github.com/ehr/fhirserver/internal/fhirapi"
	"github.com/ehr/fhirserver/internal/fhircontext"
	"github.com/ehr/fhirserver/internal/fhirpath"
	"github.com/ehr/fhirserver/internal/hooks"
	"github.com/ehr/fhirserver/internal/jobqueue"
	"github.com/ehr/fhirserver/internal/platform/db"
	"github.com/ehr/fhirserver/internal/platform/middleware"
	"github.com/ehr/fhirserver/internal/resourcestore"
	"github.com/ehr/fhirserver/internal/searchindex"
	"github.com/ehr/fhirserver/internal/searchplanner"
	"github.com/ehr/fhirserver/internal/worker"
)

// reindexSweepJobType drives the supplemented background reindex sweep
// (§4.4 "Reindex coverage"): a periodic job that finds resources whose
// stored search index is stale or missing and re-runs them through the
// indexer, independent of the inline post-commit hook.
const reindexSweepJobType = "reindex_sweep"

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhirserver",
		Short: "FHIR REST server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(reindexCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR REST server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.StatementTimeoutMS)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.StatementTimeoutMS)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Restore from a backup or write a forward-fixing migration instead.")
			return nil
		},
	})

	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run background job workers (§4.7, §4.8)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkers()
		},
	}
}

func reindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Enqueue a reindex sweep for drifted and never-indexed resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReindexSweep()
		},
	}
}

func buildLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// platform bundles the shared components every command (serve, worker,
// reindex) wires up the same way: cache, resolver, indexer, hook
// dispatcher, computed-parameter registry.
type platform struct {
	pool     *pgxpool.Pool
	cache    *fhircontext.Cache
	resolver *searchplanner.Resolver
	indexer  *searchindex.Indexer
	hookDisp *hooks.Dispatcher
	store    *resourcestore.Store
	queue    *jobqueue.Queue
	computed *computedparams.Registry
	log      zerolog.Logger
}

func buildPlatform(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*platform, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.StatementTimeoutMS)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	computed := computedparams.NewRegistry()
	computed.RegisterIndexHook("Patient", "age", computedparams.AgeIndexHook{})
	computed.RegisterQueryHook("Patient", "age", computedparams.AgeQueryHook{})

	repo := fhircontext.NewRepository(pool)
	compartmentRepo := fhircontext.NewCompartmentRepository(pool)
	structureRepo := fhircontext.NewStructureRepository(pool)
	cache := fhircontext.NewCache(repo, compartmentRepo, structureRepo)

	resolver := searchplanner.NewResolver(cache, computed)

	// cfg.FHIRPathMode is not passed on: the indexer compiles extraction
	// expressions in lenient mode. The plan cache keys entries by
	// (expression, type, mode).
	plans := fhirpath.NewPlanCache(1024)
	hookDisp := hooks.NewDispatcher(log)
	indexer := searchindex.NewIndexer(pool, cache, plans, computed, log)
	hookDisp.Register(searchindex.NewReindexHook(indexer, log))
	hookDisp.Register(fhircontext.NewCompartmentHook(pool, cache, log))

	store := resourcestore.NewStore(pool, log)
	queue := jobqueue.NewQueue(pool, log)

	return &platform{
		pool:     pool,
		cache:    cache,
		resolver: resolver,
		indexer:  indexer,
		hookDisp: hookDisp,
		store:    store,
		queue:    queue,
		computed: computed,
		log:      log,
	}, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := buildLogger(cfg)

	ctx := context.Background()
	p, err := buildPlatform(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build platform")
	}
	defer p.pool.Close()
	log.Info().Msg("connected to database")

	handling := searchplanner.HandlingLenient
	if cfg.DefaultSearchHandling == "strict" {
		handling = searchplanner.HandlingStrict
	}

	handler := fhirapi.NewHandler(fhirapi.Config{
		Store:           p.store,
		Cache:           p.cache,
		Resolver:        p.resolver,
		Hooks:           p.hookDisp,
		Jobs:            p.queue,
		Pool:            p.pool,
		ResourceTypes:   cfg.ResourceTypes,
		BaseURL:         cfg.BaseURL,
		SoftwareVersion: cfg.SoftwareVersion,
		FHIRVersion:     cfg.FHIRVersion,
		DefaultHandling: handling,
		Log:             log,
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(log))
	e.Use(echomw.RequestID())
	e.Use(middleware.Logger(log))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "If-Match", "If-None-Match", "If-None-Exist", "Prefer"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": cfg.SoftwareVersion})
	})
	e.GET("/health/db", db.HealthHandler(p.pool))

	fhirGroup := e.Group("/fhir")
	handler.RegisterRoutes(fhirGroup)

	go func() {
		addr := ":" + cfg.Port
		log.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server shutdown failed")
	}
	log.Info().Msg("server stopped")
	return nil
}

// runWorkers starts one worker.Runner per configured worker slot, all
// claiming the same reindex-sweep job type for now: the job queue is
// generic, but this system only defines the one background job kind
// (§4.7, SPEC_FULL.md "reindex_sweep").
func runWorkers() error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := buildLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := buildPlatform(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build platform")
	}
	defer p.pool.Close()

	process := reindexSweepProcessor(p)

	errCh := make(chan error, cfg.WorkerCount)
	for i := 0; i < cfg.WorkerCount; i++ {
		name := fmt.Sprintf("worker-%d", i)
		r := worker.New(name, []string{reindexSweepJobType}, p.queue, process, log)
		r.ReconnectInitial = cfg.WorkerReconnectDelay
		r.ReconnectMax = cfg.WorkerReconnectMax
		r.JitterRatio = cfg.WorkerJitterRatio
		go func() { errCh <- r.Run(ctx) }()
	}

	<-ctx.Done()
	for i := 0; i < cfg.WorkerCount; i++ {
		if err := <-errCh; err != nil {
			log.Error().Err(err).Msg("worker exited with error")
		}
	}
	log.Info().Msg("all workers stopped")
	return nil
}

type reindexSweepParams struct {
	BatchSize int `json:"batch_size"`
}

// reindexSweepProcessor finds drifted and never-indexed resource versions
// and reindexes each one, reporting progress via queue.Progress so a
// long-running sweep's status is observable mid-flight (§4.7 "Progress").
func reindexSweepProcessor(p *platform) worker.ProcessFunc {
	return func(ctx context.Context, job *jobqueue.Job) error {
		var params reindexSweepParams
		if len(job.Params) > 0 {
			if err := json.Unmarshal(job.Params, &params); err != nil {
				return fmt.Errorf("reindex_sweep: decode params: %w", err)
			}
		}
		if params.BatchSize <= 0 {
			params.BatchSize = 500
		}

		hash, err := p.cache.ParamsHash(ctx)
		if err != nil {
			return fmt.Errorf("reindex_sweep: load params hash: %w", err)
		}

		drifted, err := searchindex.FindDrifted(ctx, p.pool, hash, params.BatchSize)
		if err != nil {
			return fmt.Errorf("reindex_sweep: find drifted: %w", err)
		}
		neverIndexed, err := searchindex.FindNeverIndexed(ctx, p.pool, params.BatchSize)
		if err != nil {
			return fmt.Errorf("reindex_sweep: find never-indexed: %w", err)
		}

		work := append(drifted, neverIndexed...)
		for i, dv := range work {
			cancelled, err := p.queue.CancelRequested(ctx, job.ID)
			if err != nil {
				p.log.Warn().Err(err).Msg("reindex_sweep: failed to check cancel flag")
			} else if cancelled {
				p.log.Info().Int("processed", i).Int("total", len(work)).
					Msg("reindex_sweep: cancelled mid-sweep, remaining rows left for the next sweep")
				return nil
			}

			res, err := p.store.VRead(ctx, dv.ResourceType, dv.ResourceID, dv.VersionID)
			if err != nil {
				p.log.Warn().Err(err).Str("resource_type", dv.ResourceType).Str("id", dv.ResourceID).
					Msg("reindex_sweep: skipping unreadable version")
				continue
			}
			if err := p.indexer.IndexResource(ctx, dv.ResourceType, dv.ResourceID, dv.VersionID, res.Document); err != nil {
				return fmt.Errorf("reindex_sweep: index %s/%s v%d: %w", dv.ResourceType, dv.ResourceID, dv.VersionID, err)
			}
			if err := p.queue.Progress(ctx, job.ID, i+1, len(work)); err != nil {
				p.log.Warn().Err(err).Msg("reindex_sweep: failed to report progress")
			}
		}
		return nil
	}
}

// runReindexSweep enqueues one reindex_sweep job and exits; the worker
// fleet picks it up on its own schedule.
func runReindexSweep() error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := buildLogger(cfg)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.StatementTimeoutMS)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	queue := jobqueue.NewQueue(pool, log)
	params, err := json.Marshal(reindexSweepParams{BatchSize: 500})
	if err != nil {
		return err
	}
	id, err := queue.Enqueue(ctx, reindexSweepJobType, params, 0, time.Now())
	if err != nil {
		return fmt.Errorf("enqueue reindex sweep: %w", err)
	}
	fmt.Printf("enqueued reindex sweep job %s\n", id)
	return nil
}
