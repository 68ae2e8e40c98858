package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-relay/internal/chat"
	"github.com/pelusa-v/pelusa-relay/internal/config"
	"github.com/pelusa-v/pelusa-relay/internal/handlers"
	"github.com/pelusa-v/pelusa-relay/internal/history"
	"github.com/pelusa-v/pelusa-relay/internal/logging"
	"github.com/pelusa-v/pelusa-relay/internal/metrics"
	"github.com/pelusa-v/pelusa-relay/internal/push"
	"github.com/pelusa-v/pelusa-relay/internal/retention"
	"github.com/pelusa-v/pelusa-relay/internal/store"
	"github.com/pelusa-v/pelusa-relay/internal/store/memory"
	"github.com/pelusa-v/pelusa-relay/internal/store/postgres"
	"github.com/pelusa-v/pelusa-relay/internal/store/sqlite"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(".env", flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Relay stopped with an error.")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error().Err(err).Msg("Could not close store.")
		}
	}()

	notifier, err := newNotifier(ctx, cfg)
	if err != nil {
		return err
	}
	dispatcher, err := newDispatcher(ctx, cfg, notifier, logger, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.Error().Err(err).Msg("Could not close push dispatcher.")
		}
	}()

	manager := chat.NewManager(chat.Options{
		Messages:          st,
		Registry:          st,
		Dispatcher:        dispatcher,
		Cache:             history.NewCache(cfg.HistoryConversations, cfg.HistoryPerConversation),
		Logger:            logger,
		Metrics:           m,
		NotificationTitle: cfg.NotificationTitle,
		StoreTimeout:      cfg.StoreTimeout,
		SendBuffer:        cfg.SendBuffer,
		FramesPerSecond:   cfg.FramesPerSecond,
	})
	go manager.Start(ctx)

	sweeper, err := retention.NewSweeper(st, cfg.Retention, cfg.RetentionCron, logger, m)
	if err != nil {
		return err
	}
	go sweeper.Run(ctx)

	app := fiber.New(fiber.Config{AppName: "pelusa-relay", DisableStartupMessage: true})
	app.Use(cors.New(cors.Config{AllowOrigins: strings.Join(cfg.CORSOrigins, ",")}))
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	handlers.Routes(app, &handlers.Handler{
		Manager:  manager,
		Registry: st,
		Notifier: notifier,
		Logger:   logger.With().Str("component", "HTTP").Logger(),
	})

	logger.Info().
		Str("addr", cfg.HTTPAddr).
		Str("store", cfg.StoreDriver).
		Str("push_queue", cfg.PushQueue).
		Str("history_capacity", humanize.Comma(int64(cfg.HistoryConversations*cfg.HistoryPerConversation))).
		Str("retention", cfg.Retention.String()).
		Msg("Relay listening.")

	errCh := make(chan error, 1)
	go func() { errCh <- app.Listen(cfg.HTTPAddr) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}
	logger.Info().Msg("Shutting down.")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown did not finish cleanly.")
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		return sqlite.Open(cfg.SQLitePath)
	case config.DriverPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		defer cancel()
		return postgres.Connect(connectCtx, cfg.PostgresURL)
	case config.DriverMemory:
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func newNotifier(ctx context.Context, cfg config.Config) (*push.Router, error) {
	router := &push.Router{Expo: push.NewExpoNotifier(cfg.ExpoURL)}
	if cfg.FCMProjectID != "" {
		fcm, err := push.NewFCMNotifierFromFile(ctx, cfg.FCMCredentialsFile, cfg.FCMProjectID)
		if err != nil {
			return nil, err
		}
		router.FCM = fcm
	}
	return router, nil
}

func newDispatcher(ctx context.Context, cfg config.Config, notifier push.Notifier, logger zerolog.Logger, m *metrics.Metrics) (push.Dispatcher, error) {
	switch cfg.PushQueue {
	case config.QueueLocal:
		return push.NewLocalDispatcher(notifier, push.LocalOptions{
			Workers:    cfg.PushWorkers,
			QueueSize:  cfg.PushQueueSize,
			RatePerSec: cfg.PushRate,
		}, logger, m), nil
	case config.QueueAsynq:
		dispatcher, err := push.NewAsynqDispatcher(cfg.RedisURL, push.DefaultQueue)
		if err != nil {
			return nil, err
		}
		worker, err := push.NewAsynqWorker(cfg.RedisURL, push.DefaultQueue, cfg.PushWorkers, &push.DeliverHandler{
			Notifier: notifier,
			Logger:   logger,
			Metrics:  m,
		})
		if err != nil {
			_ = dispatcher.Close()
			return nil, err
		}
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("Push worker stopped.")
			}
		}()
		return dispatcher, nil
	}
	return nil, fmt.Errorf("unknown push queue %q", cfg.PushQueue)
}
