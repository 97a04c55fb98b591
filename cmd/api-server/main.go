package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/live-appointment-scheduling/internal/api"
	"github.com/hackgods/live-appointment-scheduling/internal/appointment"
	"github.com/hackgods/live-appointment-scheduling/internal/civil"
	"github.com/hackgods/live-appointment-scheduling/internal/config"
	"github.com/hackgods/live-appointment-scheduling/internal/db"
	"github.com/hackgods/live-appointment-scheduling/internal/logging"
	"github.com/hackgods/live-appointment-scheduling/internal/mq"
	"github.com/hackgods/live-appointment-scheduling/internal/realtime"
	redisclient "github.com/hackgods/live-appointment-scheduling/internal/redis"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "api-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServer()
	if err != nil {
		return fmt.Errorf("config load error: %w", err)
	}

	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	log.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("timezone", cfg.Timezone),
		zap.String("version", version),
	)

	norm, err := civil.NewNormalizer(cfg.Timezone)
	if err != nil {
		return err
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.DefaultPoolOptions(), log)
	if err == nil {
		err = db.Migrate(pgCtx, pgPool)
	}
	cancelPg()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pgPool.Close()

	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword, log)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn("error closing redis", zap.Error(err))
		}
	}()

	hub := realtime.NewHub()
	broker := realtime.NewBroker(15*time.Second, log.Named("sse"))
	fanoutOpts := []realtime.FanoutOption{
		realtime.WithRelay(redisclient.NewChannel(rdb, cfg.BroadcastChannel, log)),
	}
	if cfg.RabbitURL != "" {
		pub, err := mq.NewPublisher(cfg.RabbitURL, cfg.EventsExchange, log.Named("mq"))
		if err != nil {
			return err
		}
		defer func() { _ = pub.Close() }()
		fanoutOpts = append(fanoutOpts, realtime.WithQueue(pub))
	} else {
		log.Info("RABBIT_URL not set, events are not queued")
	}
	notifier := realtime.NewFanout(hub, broker, log.Named("fanout"), fanoutOpts...)

	svc := appointment.NewService(
		appointment.NewPgRepository(pgPool),
		redisclient.NewRedisLocker(rdb, cfg.LockTTL, log),
		notifier,
		norm,
		cfg.DefaultPeriodMinutes,
		log.Named("appointments"),
	)

	router := api.NewRouter(api.RouterConfig{
		Service:      svc,
		Normalizer:   norm,
		Hub:          hub,
		Broker:       broker,
		Health:       api.NewHealthHandler(api.PostgresCheck(pgPool), api.RedisCheck(rdb), cfg.Env, version),
		Logger:       log.Named("http"),
		RateLimitRPM: cfg.RateLimitRPM,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Info("shutting down api-server", zap.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
