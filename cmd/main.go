package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codexxengine/config"
	"codexxengine/executor"
	"codexxengine/internal/staging"
	"codexxengine/lang"
	"codexxengine/logger"
	"codexxengine/natshandler"
	"codexxengine/pkg"
	"codexxengine/routes"
	"codexxengine/service"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

func main() {
	cfg := config.LoadConfig()

	log, err := logger.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		log = zap.Must(zap.NewProduction())
		log.Warn("Falling back to default logger", zap.Error(err))
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	containerLog, closer, err := logger.NewContainerLogger(cfg.ContainerLogFile, cfg.LogLevel)
	if err != nil {
		log.Fatal("Failed to create container logger", zap.Error(err))
	}

	incidents := logger.NewIncidentStreamer(cfg.BetterStackSourceToken, cfg.Environment, cfg.BetterStackUploadURL, "incidents.log", log)

	table, err := lang.Load(cfg.InstructionsFile, cfg.ContainerWorkDir)
	if err != nil {
		log.Fatal("Failed to load language instructions", zap.String("path", cfg.InstructionsFile), zap.Error(err))
	}
	if table.Version() < 1 {
		log.Warn("This is an in development version of the instruction set")
	}

	stager, err := staging.New(cfg.CodesDir)
	if err != nil {
		log.Fatal("Failed to prepare staging directory", zap.Error(err))
	}
	if n, err := stager.PurgeOrphans(); err != nil {
		log.Warn("Failed to purge leftover job directories", zap.Error(err))
	} else if n > 0 {
		log.Info("Purged leftover job directories", zap.Int("count", n))
	}

	runner := executor.NewLocalRunner()
	cli := executor.RuntimeCLI{
		Binary:      cfg.ContainerProvider,
		WorkDir:     cfg.ContainerWorkDir,
		User:        cfg.ContainerUser,
		ImageSuffix: cfg.ImageSuffix,
	}
	pool := executor.NewContainerPool(runner, cli, containerLog)

	ctx := context.Background()
	if err := startUp(ctx, cfg, runner, cli, pool, table, containerLog, log); err != nil {
		log.Error("Fatal startup error", zap.Error(err))
		log.Error("Cleaning up container pool before exiting")
		pool.Drain(ctx)
		log.Sync()
		os.Exit(1)
	}

	info := executor.LoadInfo(ctx, runner, table, cfg.ProbeTimeout, containerLog)
	cleanup := executor.NewCleanupSupervisor(containerLog, cfg.CleanupTimeout)
	engine := executor.NewEngine(runner, cli, pool, table, stager, info, cleanup, executor.EngineConfig{
		JobTimeout:     cfg.JobTimeout,
		MaxCodeLength:  cfg.MaxCodeLength,
		MaxOutputBytes: cfg.MaxOutputBytes,
	}, containerLog)

	svc := service.NewExecutionService(engine, table, pool, info, log, incidents)
	router := routes.SetupRouter(svc, pkg.NewRateLimiter(cfg.Ratelimit, cfg.RatelimitBurst), log)
	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var (
		nc         *nats.Conn
		sub        *nats.Subscription
		natsHdl    *natshandler.Handler
		natsClosed = make(chan struct{})
	)
	if cfg.NatsURL != "" {
		nc, err = nats.Connect(cfg.NatsURL, nats.Name("codexx-engine"),
			nats.ClosedHandler(func(*nats.Conn) { close(natsClosed) }))
		if err != nil {
			log.Error("Failed to connect to NATS", zap.String("url", cfg.NatsURL), zap.Error(err))
			pool.Drain(ctx)
			log.Sync()
			os.Exit(1)
		}
		natsHdl = natshandler.New(svc, log)
		sub, err = natsHdl.Subscribe(nc, cfg.NatsSubject)
		if err != nil {
			log.Error("Failed to subscribe", zap.String("subject", cfg.NatsSubject), zap.Error(err))
			nc.Close()
			pool.Drain(ctx)
			log.Sync()
			os.Exit(1)
		}
		log.Info("Listening for execution requests", zap.String("subject", cfg.NatsSubject))
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("API running", zap.String("addr", "http://localhost:"+cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info("Shutting down gracefully", zap.String("signal", s.String()))
	case err := <-serveErr:
		log.Error("HTTP server failed", zap.Error(err))
	}

	forceExit := time.AfterFunc(cfg.ForceExitTimeout, func() {
		log.Error("Could not close connections in time, forcefully shutting down")
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Drain(dctx)
		log.Sync()
		os.Exit(1)
	})

	shutdownCtx := context.Background()
	exitCode := 0
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Error closing HTTP server", zap.Error(err))
		exitCode = 1
	} else {
		log.Info("HTTP server closed")
	}

	if nc != nil {
		// Replies of in-flight requests go out on nc, so it is drained
		// only after the subscription has delivered and answered all.
		if err := natsHdl.Shutdown(shutdownCtx, sub); err != nil {
			log.Warn("NATS requests still running", zap.Error(err))
		}
		if err := nc.Drain(); err != nil {
			log.Warn("Failed to drain NATS connection", zap.Error(err))
			nc.Close()
		}
		<-natsClosed
	}

	if err := cleanup.Wait(shutdownCtx); err != nil {
		log.Warn("Job cleanup still running", zap.Error(err))
	}
	pool.Drain(shutdownCtx)
	log.Info("Proceeding with exit")

	forceExit.Stop()
	incidents.Flush()
	closer.Close()
	log.Sync()
	os.Exit(exitCode)
}

// startUp makes sure the container runtime answers and pre-warms the pool.
func startUp(ctx context.Context, cfg config.Config, runner executor.ProcessRunner, cli executor.RuntimeCLI, pool *executor.ContainerPool, table *lang.Table, containerLog *logrus.Logger, log *zap.Logger) error {
	log.Info("Starting up the CodeXX engine", zap.String("provider", cfg.ContainerProvider))

	supervisor := executor.NewReadinessSupervisor(runner, cli, executor.SupervisorConfig{
		StartupCommand: cfg.ProviderStartupCommand,
		ProbeTimeout:   cfg.ProbeTimeout,
		StartupTimeout: cfg.StartupTimeout,
		SettleDelay:    cfg.SettleDelay,
	}, containerLog)
	if err := supervisor.EnsureReady(ctx); err != nil {
		return err
	}

	counts := table.PrewarmCounts()
	want := 0
	for _, n := range counts {
		want += n
	}
	started := pool.Initialize(ctx, counts)
	log.Info("Container pool initialized", zap.Int("started", started), zap.Int("requested", want))
	return nil
}
