package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/makeasinger/stemsplit/internal/analysis"
	"github.com/makeasinger/stemsplit/internal/config"
	"github.com/makeasinger/stemsplit/internal/handler"
	"github.com/makeasinger/stemsplit/internal/jobs"
	"github.com/makeasinger/stemsplit/internal/middleware"
	"github.com/makeasinger/stemsplit/internal/model"
	"github.com/makeasinger/stemsplit/internal/separation"
	"github.com/makeasinger/stemsplit/internal/service"
	ws "github.com/makeasinger/stemsplit/internal/websocket"
	"github.com/makeasinger/stemsplit/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// bodySlack leaves room for the multipart envelope around a file of the
// maximum upload size.
const bodySlack = 1 << 20

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openDeps(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg, log := rt.cfg, rt.logger

	// Background work outlives request contexts and ends at shutdown.
	background, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	// Initialize WebSocket hub and job manager
	var manager *jobs.Manager
	hub := ws.NewHub(func(ctx context.Context, id string) (model.Job, error) {
		return manager.Get(ctx, id)
	}, log)
	manager = jobs.NewManager(rt.store, jobs.WithNotifier(hub), jobs.WithLogger(log))
	go hub.Run(background)

	analyzer := analysis.NewAdapter(
		analysis.NewFFmpegLibrary(cfg.Analysis.FFprobe, cfg.Analysis.FFmpeg),
		analysis.NewCLIProber(cfg.Analysis.FFprobe),
		log,
	)
	runner := separation.NewRunner(separation.Config{
		Python:           cfg.Separation.Python,
		OutputRoot:       cfg.Storage.OutputDir,
		BackendURL:       cfg.Server.BackendURL,
		PublicHostSuffix: cfg.Server.PublicHostSuffix,
		MemoryLimitBytes: cfg.MemoryLimitBytes(),
		ProgressInterval: cfg.Separation.ProgressInterval,
	}, manager, analyzer, log)

	dispatcher, stopDispatcher, err := startDispatcher(cfg, background, runner, log)
	if err != nil {
		return err
	}
	defer stopDispatcher()

	report, err := manager.Recover(ctx)
	if err != nil {
		return err
	}
	// Queued tasks survive a restart in Redis; in-process ones do not.
	if _, ok := dispatcher.(*worker.LocalDispatcher); ok {
		for _, job := range report.Pending {
			if err := dispatcher.Dispatch(ctx, worker.Task{JobID: job.ID, InputPath: job.SourcePath}); err != nil {
				log.Error("failed to resume pending job", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
	}

	janitor := jobs.NewJanitor(manager, rt.workspace, cfg.Retention.MaxAge, cfg.Retention.Interval, log)
	go janitor.Run(background)

	// Initialize validator and services
	validate := validator.New()
	jobService := service.NewJobService(service.Config{
		MaxUploadSize: cfg.Upload.MaxSize,
		JobsDir:       rt.jobsDir,
	}, manager, rt.workspace, dispatcher, validate, log)

	rateLimiter := middleware.NewRateLimiter(rt.redis, log)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: handler.ErrorHandler(cfg.Upload.MaxSize),
		BodyLimit:    int(cfg.Upload.MaxSize) + bodySlack,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	handler.Register(app,
		handler.NewJobHandler(jobService, validate, log),
		handler.NewAdminHandler(jobService, log),
		rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour),
	)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("jobId"))
	}))

	listenErr := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Server.Port
		log.Info("server starting", zap.String("addr", addr), zap.String("env", cfg.Server.Env))
		listenErr <- app.Listen(addr)
	}()

	select {
	case err := <-listenErr:
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}
	return nil
}

// startDispatcher returns the configured dispatcher and the function that
// stops it. Stopping cancels runs still in flight and waits for them to
// record their outcome.
func startDispatcher(cfg *config.Config, background context.Context, runner *separation.Runner, log *zap.Logger) (worker.Dispatcher, func(), error) {
	if cfg.Queue.Backend != "asynq" {
		runs, cancelRuns := context.WithCancel(background)
		local := worker.NewLocalDispatcher(runs, runner, cfg.Queue.Concurrency, log)
		log.Info("separation runs in process", zap.Int("concurrency", cfg.Queue.Concurrency))
		return local, func() {
			cancelRuns()
			local.Wait()
		}, nil
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	client := asynq.NewClient(redisOpt)

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     cfg.Queue.Concurrency,
		Queues:          map[string]int{worker.QueueSeparation: 1},
		ShutdownTimeout: shutdownTimeout,
		Logger:          log.Sugar(),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Warn("separation task failed", zap.String("type", task.Type()), zap.Error(err))
		}),
	})
	if err := srv.Start(worker.NewSeparationWorker(runner, log).NewServeMux()); err != nil {
		client.Close()
		return nil, nil, errors.Wrap(err, "start asynq server")
	}
	log.Info("separation runs through asynq", zap.String("queue", worker.QueueSeparation))

	return worker.NewQueueDispatcher(client, cfg.Retention.MaxAge), func() {
		srv.Shutdown()
		if err := client.Close(); err != nil {
			log.Warn("close asynq client", zap.Error(err))
		}
	}, nil
}
