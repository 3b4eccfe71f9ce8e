package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"recap/internal/ai"
	"recap/internal/config"
	"recap/internal/events"
	"recap/internal/export"
	"recap/internal/handlers"
	"recap/internal/logging"
	"recap/internal/media"
	"recap/internal/models"
	"recap/internal/pipeline"
	"recap/internal/sessions"
	"recap/internal/storage"
	"recap/internal/version"
	"recap/internal/worker"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// .envファイルを読み込み（存在しない場合はスキップ）
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// データベース
	db, err := storage.Open(ctx, storage.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN(),
		MaxConns:        cfg.Database.MaxConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		DialTimeout:     cfg.Database.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	sessionRepo := storage.NewSessionRepository(db)
	assetRepo := storage.NewAssetRepository(db)
	outputRepo := storage.NewOutputRepository(db)
	messageRepo := storage.NewMessageRepository(db)
	jobRepo := storage.NewJobRepository(db)

	files, err := media.New(cfg.Media.Root)
	if err != nil {
		return fmt.Errorf("media root: %w", err)
	}

	client := ai.New(cfg.Gemini, logger)

	publisher, err := events.New(cfg.Events.NATSURL, cfg.Events.Subject, logger)
	if err != nil {
		return fmt.Errorf("connect events: %w", err)
	}
	defer publisher.Close()

	// パイプラインとワーカー
	transcriber := pipeline.NewTranscriber(sessionRepo, outputRepo, files, client, publisher, logger)
	pool := worker.NewPool(jobRepo, worker.Options{
		Workers:      cfg.Worker.Count,
		PollInterval: cfg.Worker.PollInterval,
		JobTimeout:   cfg.Worker.JobTimeout,
		MaxRetries:   cfg.Worker.MaxRetries,
		BackoffBase:  cfg.Worker.BackoffBase,
		BackoffMax:   cfg.Worker.BackoffMax,
		StaleAfter:   cfg.Worker.StaleAfter,
		QueueSize:    cfg.Worker.QueueSize,
		Logger:       logger,
	})
	pool.RegisterHandler(models.JobKindTranscription, transcriber.Handle)

	svc := sessions.New(sessions.Deps{
		Sessions:  sessionRepo,
		Assets:    assetRepo,
		Messages:  messageRepo,
		Jobs:      jobRepo,
		Media:     files,
		AI:        client,
		Submitter: pool,
		Logger:    logger,
	})

	// Echoインスタンスの作成
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				logger.Error("request", append(attrs, "error", v.Error)...)
				return nil
			}
			logger.Info("request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.BodyLimit("512M"))

	handlers.Register(e,
		handlers.NewHealthHandler(pool, jobRepo, svc, ai.Mode(client), logger),
		handlers.NewSessionHandler(svc, logger),
		handlers.NewJobHandler(jobRepo, export.NewService(jobRepo, logger), logger),
	)

	pool.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting recap", "version", version.Version, "port", cfg.Server.Port, "driver", db.Driver)
		if err := e.Start(":" + cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	// Jobs still running past the deadline are logged and put back to pending.
	pool.Shutdown(shutdownCtx)
	logger.Info("stopped")
	return nil
}

