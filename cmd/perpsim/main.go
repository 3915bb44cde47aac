package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"PerpSim/internal/config"
	"PerpSim/internal/core"
	"PerpSim/internal/event"
	"PerpSim/internal/ingestion"
	"PerpSim/internal/observability"
	"PerpSim/internal/persistence"
	"PerpSim/internal/projection"
	"PerpSim/internal/query"
	"PerpSim/internal/server"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Env holds process-level settings read from the environment. Simulation
// parameters live in the config file instead.
type Env struct {
	PostgresURL   string // empty disables persistence, projection and the query API
	NATSURL       string
	GRPCAddr      string
	HTTPAddr      string
	MetricsAddr   string
	MigrationsDir string

	PersistChanSize    int
	ProjectionChanSize int
	PublishChanSize    int
	DedupLRUCapacity   int
}

func LoadEnv() Env {
	return Env{
		PostgresURL:        os.Getenv("PERPSIM_POSTGRES_DSN"),
		NATSURL:            envOrDefault("PERPSIM_NATS_URL", "nats://localhost:4222"),
		GRPCAddr:           envOrDefault("PERPSIM_GRPC_ADDR", ":9090"),
		HTTPAddr:           envOrDefault("PERPSIM_HTTP_ADDR", ":8080"),
		MetricsAddr:        envOrDefault("PERPSIM_METRICS_ADDR", ":9091"),
		MigrationsDir:      envOrDefault("PERPSIM_MIGRATIONS_DIR", "migrations"),
		PersistChanSize:    envIntOrDefault("PERPSIM_PERSIST_CHAN_SIZE", 1024),
		ProjectionChanSize: envIntOrDefault("PERPSIM_PROJECTION_CHAN_SIZE", 256),
		PublishChanSize:    envIntOrDefault("PERPSIM_PUBLISH_CHAN_SIZE", 1024),
		DedupLRUCapacity:   envIntOrDefault("PERPSIM_DEDUP_LRU_CAPACITY", 100_000),
	}
}

type runFlags struct {
	steps          int64
	seed           int64
	stepsPerSecond float64
	source         string
	ticksPath      string
	publish        bool
	serve          bool
	snapshotEvery  int64
}

var cfgFile string

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "perpsim",
		Short: "Multi-asset perpetual exchange pool simulator",
		Long: `perpsim runs a seeded, step-driven simulation of a shared liquidity pool
serving perpetual longs and shorts, swaps and liquidity provision.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./perpsim.yaml)")

	rootCmd.AddCommand(newRunCmd(), newValidateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			params, err := cfg.Params()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d assets, %d traders, %d providers, anchor %s\n",
				len(params.Assets), params.Genesis.Traders, params.Genesis.Providers, params.Genesis.AnchorAsset)
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("steps") {
				cfg.Simulation.Steps = f.steps
			}
			if cmd.Flags().Changed("seed") {
				cfg.Simulation.Seed = f.seed
			}
			return run(cmd.Context(), cfg, f, LoadEnv())
		},
	}
	cmd.Flags().Int64Var(&f.steps, "steps", 0, "number of steps to run (overrides simulation.steps)")
	cmd.Flags().Int64Var(&f.seed, "seed", 0, "random seed (overrides simulation.seed)")
	cmd.Flags().Float64Var(&f.stepsPerSecond, "steps-per-second", 0, "pace the run in real time (0 = unpaced)")
	cmd.Flags().StringVar(&f.source, "source", "walk", "price source: walk, csv or nats")
	cmd.Flags().StringVar(&f.ticksPath, "ticks", "", "CSV price file for --source csv")
	cmd.Flags().BoolVar(&f.publish, "publish", false, "publish step reports to NATS JetStream")
	cmd.Flags().BoolVar(&f.serve, "serve", false, "keep serving the query API after the run ends")
	cmd.Flags().Int64Var(&f.snapshotEvery, "snapshot-every", 100, "persist a state snapshot every N steps")
	return cmd
}

func run(parent context.Context, cfg *config.Config, f runFlags, env Env) error {
	logger := observability.NewLogger("perpsim")

	params, err := cfg.Params()
	if err != nil {
		return err
	}
	seed := cfg.Simulation.Seed
	runID := uuid.New()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// Workers outlive the signal context so they can drain after the run.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	var workers sync.WaitGroup
	errChan := make(chan error, 8)

	go serveMetrics(workerCtx, env.MetricsAddr, logger, errChan)

	// --- Postgres ---
	var db *sql.DB
	var runs *persistence.RunStore
	if env.PostgresURL != "" {
		db, err = openPostgres(ctx, env.PostgresURL)
		if err != nil {
			return err
		}
		defer db.Close()
		logger.Info().Msg("Postgres connected")

		migrator := persistence.NewMigrator(db, env.MigrationsDir, logger.With().Str("component", "migrator").Logger())
		if err := migrator.Up(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}

		runs = persistence.NewRunStore(db)
		if err := runs.StartRun(ctx, runID, seed, params); err != nil {
			return err
		}
	} else {
		logger.Warn().Msg("PERPSIM_POSTGRES_DSN not set, persistence disabled")
	}

	// --- NATS ---
	var js jetstream.JetStream
	if f.publish || f.source == "nats" {
		nc, stream, err := ingestion.ConnectNATS(env.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		js = stream
	}

	// --- Price source ---
	src, closeSrc, err := openSource(ctx, f, cfg, params, js, db, runID, env, logger, metrics)
	if err != nil {
		return err
	}
	defer closeSrc()

	first, replay, err := ingestion.Peek(ctx, src)
	if err != nil {
		return fmt.Errorf("read genesis prices: %w", err)
	}

	engine, err := core.NewEngine(params, first.Quotes, rand.New(rand.NewSource(seed)),
		core.WithRunID(runID),
		core.WithLogger(logger.With().Str("component", "engine").Logger()),
		core.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}

	runnerCfg := core.RunnerConfig{
		MaxSteps:       cfg.Simulation.Steps,
		StepsPerSecond: f.stepsPerSecond,
		OnStep:         func(rep *core.StepReport) { healthChecker.SetLastStep(rep.Step) },
	}

	// --- Sinks ---
	var persistChan, projectionChan, publishChan chan *core.StepReport
	if db != nil {
		persistChan = make(chan *core.StepReport, env.PersistChanSize)
		projectionChan = make(chan *core.StepReport, env.ProjectionChanSize)
		runnerCfg.PersistChan = persistChan
		runnerCfg.ProjectionChan = projectionChan
		runnerCfg.AttachSnapshots = true

		wcfg := persistence.DefaultWorkerConfig()
		wcfg.SnapshotEvery = f.snapshotEvery
		persistWorker := persistence.NewPersistenceWorker(db, persistChan, wcfg,
			logger.With().Str("component", "persistence").Logger(), metrics)
		projWorker := projection.NewAgentProjectionWorker(db, projectionChan,
			logger.With().Str("component", "projection").Logger())

		startWorker(workerCtx, &workers, errChan, persistWorker.Run)
		startWorker(workerCtx, &workers, errChan, projWorker.Run)
	}
	if f.publish {
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			return fmt.Errorf("ensure outbound stream: %w", err)
		}
		publishChan = make(chan *core.StepReport, env.PublishChanSize)
		runnerCfg.PublishChan = publishChan
		publisher := ingestion.NewStepPublisher(js, publishChan, logger.With().Str("component", "publisher").Logger())
		startWorker(workerCtx, &workers, errChan, publisher.Run)
	}

	// --- Query API ---
	var srv *server.Server
	if db != nil {
		srv = server.NewServer(env.GRPCAddr, env.HTTPAddr, server.Deps{
			Querier: query.NewQueryService(db),
			Rebuild: func(ctx context.Context, id uuid.UUID) (int64, error) {
				return projection.Rebuild(ctx, db, id)
			},
			HealthChecker: healthChecker,
			Metrics:       metrics,
			Logger:        logger.With().Str("component", "server").Logger(),
		})
		go func() { errChan <- srv.StartGRPC(workerCtx) }()
		go func() { errChan <- srv.StartHTTPGateway(workerCtx) }()
		srv.SetServing(true)
	}

	healthChecker.SetReady(true)
	logger.Info().
		Str("run_id", runID.String()).
		Int64("seed", seed).
		Str("source", f.source).
		Int64("steps", cfg.Simulation.Steps).
		Msg("simulation started")

	// --- Run ---
	runner := core.NewRunner(engine, runnerCfg, logger.With().Str("component", "runner").Logger(), metrics)
	runCtx, cancelRun := context.WithCancel(ctx)
	go func() {
		for {
			select {
			case err := <-errChan:
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Error().Err(err).Msg("background task failed, stopping run")
					cancelRun()
					return
				}
			case <-runCtx.Done():
				return
			}
		}
	}()
	last, runErr := runner.Run(runCtx, replay)
	cancelRun()
	if errors.Is(runErr, context.Canceled) {
		logger.Info().Msg("run interrupted")
		runErr = nil
	}

	// --- Drain ---
	closeChan(persistChan)
	closeChan(projectionChan)
	closeChan(publishChan)
	if !waitTimeout(&workers, 30*time.Second) {
		logger.Warn().Msg("workers did not drain in time")
	}

	if runs != nil {
		if err := runs.FinishRun(context.Background(), runID, runErr); err != nil {
			logger.Error().Err(err).Msg("record run status")
		}
	}

	if last != nil {
		logger.Info().
			Str("run_id", runID.String()).
			Int64("last_step", last.Step).
			Float64("tvl", last.TVL).
			Str("state_hash", fmt.Sprintf("%x", last.StateHash)).
			Msg("simulation finished")
	}
	if runErr != nil {
		return runErr
	}

	if f.serve && srv != nil && ctx.Err() == nil {
		logger.Info().Str("http", env.HTTPAddr).Msg("serving query API until interrupted")
		<-ctx.Done()
	}
	return nil
}

func openSource(
	ctx context.Context,
	f runFlags,
	cfg *config.Config,
	params core.Params,
	js jetstream.JetStream,
	db *sql.DB,
	runID uuid.UUID,
	env Env,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) (core.TickSource, func(), error) {
	switch f.source {
	case "walk":
		assets, err := walkAssetsFor(params)
		if err != nil {
			return nil, nil, err
		}
		rng := rand.New(rand.NewSource(cfg.Simulation.Seed + 1))
		return ingestion.NewRandomWalkSource(rng, assets, cfg.Simulation.Steps), func() {}, nil

	case "csv":
		if f.ticksPath == "" {
			return nil, nil, errors.New("--ticks is required with --source csv")
		}
		src, err := ingestion.OpenCSVSource(f.ticksPath)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { src.Close() }, nil

	case "nats":
		if err := ingestion.EnsurePriceStream(ctx, js); err != nil {
			return nil, nil, fmt.Errorf("ensure price stream: %w", err)
		}
		var checker ingestion.PersistedStepChecker
		if db != nil {
			checker = persistence.NewPostgresStepChecker(db, runID)
		}
		dedup := ingestion.NewTickDeduplicator(env.DedupLRUCapacity, checker, metrics)
		src := ingestion.NewNATSTickSource(js, ingestion.DefaultSubscriberConfig(), dedup,
			logger.With().Str("component", "nats").Logger(), metrics)
		if err := src.Subscribe(ctx); err != nil {
			return nil, nil, err
		}
		return src, src.Stop, nil

	default:
		return nil, nil, fmt.Errorf("unknown source %q (use walk, csv or nats)", f.source)
	}
}

// walkAssetsFor picks a random-walk profile per configured asset. Unknown
// stables walk flat at 1; unknown coins need a CSV or NATS price source.
func walkAssetsFor(params core.Params) ([]ingestion.WalkAsset, error) {
	defaults := make(map[event.Asset]ingestion.WalkAsset)
	for _, wa := range ingestion.DefaultWalkAssets() {
		defaults[wa.Symbol] = wa
	}
	out := make([]ingestion.WalkAsset, 0, len(params.Assets))
	for _, spec := range params.Specs() {
		if wa, ok := defaults[spec.Symbol]; ok {
			out = append(out, wa)
			continue
		}
		if spec.IsStable() {
			out = append(out, ingestion.WalkAsset{Symbol: spec.Symbol, Start: 1})
			continue
		}
		return nil, fmt.Errorf("no random-walk profile for %s, use --source csv or nats", spec.Symbol)
	}
	return out, nil
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger, errChan chan<- error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		srv.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- fmt.Errorf("metrics server: %w", err)
	}
}

func startWorker(ctx context.Context, wg *sync.WaitGroup, errChan chan<- error, run func(context.Context) error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()
}

func closeChan(ch chan *core.StepReport) {
	if ch != nil {
		close(ch)
	}
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
