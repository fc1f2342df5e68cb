package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/schoolgate/internal/cache"
	"github.com/nkiryanov/schoolgate/internal/db"
	"github.com/nkiryanov/schoolgate/internal/events"
	"github.com/nkiryanov/schoolgate/internal/handlers"
	"github.com/nkiryanov/schoolgate/internal/logger"
	"github.com/nkiryanov/schoolgate/internal/metrics"
	"github.com/nkiryanov/schoolgate/internal/repository/postgres"
	"github.com/nkiryanov/schoolgate/internal/service/auth"
	"github.com/nkiryanov/schoolgate/internal/service/revocation"
	"github.com/nkiryanov/schoolgate/internal/service/sweeper"
	"github.com/nkiryanov/schoolgate/internal/service/tokenauthority"
	"github.com/nkiryanov/schoolgate/internal/service/user"
	"github.com/nkiryanov/schoolgate/internal/service/users"
)

const (
	serviceName     = "schoolgate"
	shutdownTimeout = 5 * time.Second
)

// Set on build with -ldflags "-X main.version=..."
var version = "dev"

type subscription struct {
	consumer   *events.Consumer
	dispatcher *events.Dispatcher
}

type ServerApp struct {
	logger logger.Logger

	pool  *pgxpool.Pool
	redis *redis.Client

	server        *http.Server
	metricsServer *http.Server
	sweeper       *sweeper.Sweeper
	subscriptions []subscription
}

func NewServerApp(ctx context.Context, c *Config) (*ServerApp, error) {
	// Initialize logger
	logger, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	// Connect to the database and run migrations
	pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
	}

	rdb, err := cache.Connect(ctx, c.RedisURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("error while connecting to redis. Err: %w", err)
	}

	app := &ServerApp{logger: logger, pool: pool, redis: rdb}
	if err := app.wire(c); err != nil {
		app.close()
		return nil, err
	}

	return app, nil
}

func (a *ServerApp) wire(c *Config) error {
	storage := postgres.NewStorage(a.pool)

	var authority tokenauthority.Authority
	if c.TokenServiceURL == localTokenService {
		local, err := tokenauthority.NewLocal(tokenauthority.LocalConfig{SecretKey: c.SecretKey})
		if err != nil {
			return fmt.Errorf("error while creating local token authority. Err: %w", err)
		}
		a.logger.Warn("Local token authority is used, tokens are signed in process")
		authority = local
	} else {
		authority = tokenauthority.NewClient(c.TokenServiceURL, c.UpstreamTimeout, a.logger)
	}

	sessions := cache.NewSessionIndex(a.redis)
	tickets := cache.NewTicketBroker(a.redis, c.TicketTTL)

	authService, err := auth.NewService(auth.Config{
		AccessTTL:  c.AccessTTL,
		RefreshTTL: c.RefreshTTL,
		Users:      users.NewClient(c.UsersServiceURL, c.UpstreamTimeout, a.logger),
		Cache:      sessions,
		Logger:     a.logger,
	}, storage, authority)
	if err != nil {
		return fmt.Errorf("error while creating auth service. Err: %w", err)
	}

	handler := handlers.NewRouter(authService, tickets, handlers.Options{
		Service:        serviceName,
		Version:        version,
		AllowedOrigins: c.AllowedOrigins,
		Sessions:       sessions,
		HealthChecks: map[string]func(context.Context) error{
			"database": a.pool.Ping,
			"redis":    a.pingRedis,
		},
	}, a.logger)

	a.server = &http.Server{
		Addr:              c.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if c.MetricsAddr != "" {
		a.metricsServer = metrics.NewServer(c.MetricsAddr, a.pool.Ping)
	}

	if c.SweepInterval > 0 {
		a.sweeper = sweeper.New(sweeper.Config{Interval: c.SweepInterval}, storage, a.logger.With("component", "sweeper"))
	}

	if len(c.KafkaBrokers) > 0 {
		usersTopic := events.NewDispatcher(events.TopicUsers, a.logger)
		if err := user.NewService(storage.User(), a.logger).Subscribe(usersTopic); err != nil {
			return err
		}

		revoker := revocation.NewService(sessions, a.logger)
		authTopic := events.NewDispatcher(events.TopicAuthEvents, a.logger).
			On(events.TypeSessionRevoked, revoker.SessionRevoked)

		for _, d := range []struct {
			topic      string
			dispatcher *events.Dispatcher
		}{
			{events.TopicUsers, usersTopic},
			{events.TopicAuthEvents, authTopic},
		} {
			consumer := events.NewConsumer(events.ConsumerConfig{
				Brokers:       c.KafkaBrokers,
				GroupID:       c.KafkaGroupID,
				Topic:         d.topic,
				FromBeginning: true,
			}, a.logger)
			a.subscriptions = append(a.subscriptions, subscription{consumer: consumer, dispatcher: d.dispatcher})
		}
	} else {
		a.logger.Info("Kafka brokers are not set, event consumers disabled")
	}

	return nil
}

func (a *ServerApp) pingRedis(ctx context.Context) error {
	return a.redis.Ping(ctx).Err()
}

// Run starts http server and background workers
// Everything stops gracefully on context cancellation
func (a *ServerApp) Run(ctx context.Context) error {
	defer a.close()

	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	var workers sync.WaitGroup

	if a.sweeper != nil {
		stopped := a.sweeper.Run(srvCtx)
		workers.Add(1)
		go func() {
			defer workers.Done()
			<-stopped
		}()
	}

	for _, s := range a.subscriptions {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := s.consumer.Consume(srvCtx, s.dispatcher.Handle); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("Consumer stopped with error", "topic", s.consumer.Topic(), "error", err)
			}
		}()
	}

	if a.metricsServer != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			a.logger.Info("Starting metrics server", "address", a.metricsServer.Addr)
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := a.server.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			a.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		if a.metricsServer != nil {
			_ = a.metricsServer.Shutdown(timeoutCtx)
		}
		a.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	a.logger.Info("Starting server", "address", a.server.Addr, "version", version)
	err := a.server.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed
	workers.Wait()

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *ServerApp) close() {
	for _, s := range a.subscriptions {
		if err := s.consumer.Close(); err != nil {
			a.logger.Warn("Failed to close consumer", "topic", s.consumer.Topic(), "error", err)
		}
	}
	a.subscriptions = nil

	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.pool.Close()
}
