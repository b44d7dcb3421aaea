// Package main is the entry point for the dialogue tracker API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/converseml/dialogue-engine/internal/broker"
	"github.com/converseml/dialogue-engine/internal/config"
	"github.com/converseml/dialogue-engine/internal/domain"
	"github.com/converseml/dialogue-engine/internal/handler"
	"github.com/converseml/dialogue-engine/internal/middleware"
	natsclient "github.com/converseml/dialogue-engine/internal/nats"
	"github.com/converseml/dialogue-engine/internal/service"
	"github.com/converseml/dialogue-engine/internal/store"
	"github.com/converseml/dialogue-engine/pkg/logger"
	"github.com/converseml/dialogue-engine/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting dialogue tracker API",
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("broker_backend", cfg.BrokerBackend),
	)

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "dialogue-engine", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	d, err := domain.Load(cfg.DomainFile)
	if err != nil {
		log.Error("failed to load domain", zap.String("path", cfg.DomainFile), zap.Error(err))
		os.Exit(1)
	}
	log.Info("domain loaded",
		zap.String("version", d.Version()),
		zap.Int("slots", len(d.SlotNames())),
		zap.Int("actions", len(d.ActionNames())),
	)

	storeCfg := store.Config{
		Domain:          d,
		MaxEventHistory: cfg.MaxEventHistory,
		Observer:        &service.SlotObserver{Logger: log},
	}

	durable, err := newDurableStore(cfg, storeCfg)
	if err != nil {
		log.Error("failed to open tracker store", zap.Error(err))
		os.Exit(1)
	}

	cache := store.NewCacheStore(storeCfg, durable, log)

	eventBroker, natsClient, err := newEventBroker(ctx, cfg, log)
	if err != nil {
		log.Error("failed to set up event broker", zap.Error(err))
		os.Exit(1)
	}
	if natsClient != nil {
		defer natsClient.Close()
	}

	svc := service.NewConversationService(cache, d, eventBroker, log)

	healthHandler := handler.NewHealthHandler(eventBroker)
	conversationHandler := handler.NewConversationHandler(svc, log)
	streamHandler := handler.NewStreamHandler(svc, natsClient, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(middleware.Auth(cfg.JWTSecret))
		}
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/tracker", conversationHandler.GetState)
				r.Get("/events", conversationHandler.ListEvents)
				r.Post("/events", conversationHandler.AppendEvent)
				r.Post("/events/batch", conversationHandler.AppendEvents)
				r.Post("/restart", conversationHandler.Restart)
				r.Get("/stream", streamHandler.Stream)
			})
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Idle trackers are flushed and dropped in the background so the cache
	// does not grow without bound across long-lived deployments.
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(cfg.EvictionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-janitorCtx.Done():
				return
			case <-ticker.C:
				if n := cache.EvictIdle(janitorCtx, cfg.EvictIdleAfter); n > 0 {
					log.Debug("evicted idle trackers", zap.Int("count", n))
				}
			}
		}
	}()

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	stopJanitor()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	// Drain the publish queue before flushing trackers so in-flight records
	// reach the broker, then persist whatever the cache still holds.
	svc.Close()
	if err := cache.Close(); err != nil {
		log.Error("failed to flush tracker cache", zap.Error(err))
	}
	if eventBroker != nil {
		if err := eventBroker.Close(); err != nil {
			log.Error("failed to close event broker", zap.Error(err))
		}
	}

	log.Info("server stopped")
}

// newDurableStore opens the configured durability backend, or returns nil
// when trackers should live in memory only.
func newDurableStore(cfg *config.Config, storeCfg store.Config) (store.TrackerStore, error) {
	switch cfg.StoreBackend {
	case "sqlite":
		return store.NewSQLiteStore(storeCfg, cfg.SQLitePath)
	case "postgres":
		return store.NewPostgresStore(storeCfg, cfg.PostgresDSN)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return store.NewRedisStore(storeCfg, client, cfg.RedisTTL), nil
	case "memory", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// newEventBroker builds the configured event broker. The NATS client is
// returned separately because the SSE live tail subscribes on it directly.
func newEventBroker(ctx context.Context, cfg *config.Config, log *logger.Logger) (broker.EventBroker, *natsclient.Client, error) {
	switch cfg.BrokerBackend {
	case "nats":
		client, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		b := broker.NewStreamBroker(client)
		if err := b.EnsureStream(ctx); err != nil {
			client.Close()
			return nil, nil, err
		}
		return b, client, nil
	case "sql":
		b, err := broker.NewSQLiteBroker(cfg.BrokerSQLitePath, log)
		if err != nil {
			return nil, nil, err
		}
		return b, nil, nil
	case "memory":
		return broker.NewMemoryBroker(), nil, nil
	case "none", "":
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown broker backend %q", cfg.BrokerBackend)
	}
}
