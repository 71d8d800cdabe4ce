package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"teamchat/internal/adapters/kafka"
	"teamchat/internal/api/routes"
	"teamchat/internal/config"
	"teamchat/internal/database"
	"teamchat/internal/realtime"
	"teamchat/internal/store"
)

func main() {
	godotenv.Load()
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	slog.Info("starting teamchat server")

	db, err := database.NewPostgresConnection(cfg.Database.URI)
	if err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		slog.Error("failed to migrate schema", "error", err)
		os.Exit(1)
	}

	var mirror realtime.PresenceMirror
	if cfg.Redis.Enabled {
		redisClient, err := database.NewRedisConnection(cfg.Redis.URI)
		if err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		mirror = database.NewPresenceMirror(redisClient, logger)
	}

	var publisher realtime.EventPublisher
	var kafkaPublisher *kafka.Publisher
	if cfg.Kafka.Enabled {
		kafkaPublisher = kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		publisher = kafkaPublisher
		defer kafkaPublisher.Close()
	}

	hub := realtime.NewHub(realtime.HubOptions{
		Registry: realtime.RegistryConfig{
			MaxConnsPerUser: cfg.Realtime.MaxConnsPerUser,
			SendTimeout:     cfg.Realtime.SendTimeout,
			SendQueueSize:   cfg.Realtime.SendQueueSize,
		},
		Membership: st,
		Store:      st,
		Mirror:     mirror,
		Publisher:  publisher,
		Logger:     logger,
	})

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	if cfg.Kafka.Enabled {
		relay := kafka.NewRelay(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, hub, logger)
		defer relay.Close()
		go func() {
			if err := relay.Run(relayCtx); err != nil {
				slog.Error("kafka relay stopped", "error", err)
			}
		}()
	}

	router := routes.NewRouter(hub, st, cfg.JWT.Secret)
	router.SetupRoutes()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.GetEngine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopRelay()
	hub.Shutdown()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("server stopped")
}
