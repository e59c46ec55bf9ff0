package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/cellsync/internal/api"
	"github.com/manpreetbhatti/cellsync/internal/audit"
	"github.com/manpreetbhatti/cellsync/internal/auth"
	"github.com/manpreetbhatti/cellsync/internal/collab"
	"github.com/manpreetbhatti/cellsync/internal/config"
	"github.com/manpreetbhatti/cellsync/internal/logging"
	"github.com/manpreetbhatti/cellsync/internal/metrics"
	"github.com/manpreetbhatti/cellsync/internal/presence"
	"github.com/manpreetbhatti/cellsync/internal/relay"
	"github.com/manpreetbhatti/cellsync/internal/retention"
	"github.com/manpreetbhatti/cellsync/internal/store"
	"github.com/manpreetbhatti/cellsync/internal/ws"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvConfigPath), "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Configure("info", logging.FormatConsole)
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logging.Configure(cfg.Log.Level, cfg.Log.Format)
	metrics.Register()

	database, err := store.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("Failed to initialize database")
	}
	defer database.Close()

	presenceStore := presence.NewStore()
	hub := ws.NewHub()

	sink := audit.New(database, audit.Config{
		QueueSize: cfg.Audit.QueueSize,
		Timeout:   cfg.Audit.Timeout,
	})
	sink.Start()

	router := collab.NewRouter(presenceStore, presence.RandomColors{}, hub, sink)

	wsServer := ws.NewServer(hub, router, auth.NewResolver(database), ws.Config{
		MessagesPerSecond: cfg.RateLimit.PerSecond,
		MessageBurst:      cfg.RateLimit.Burst,
		AllowedOrigins:    cfg.AllowedOrigins,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()

		rel := relay.New(rdb, cfg.Redis.Channel, hub)
		hub.SetForwarder(rel)
		go func() {
			if err := rel.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Relay stopped")
			}
		}()
	}

	pruner := retention.New(database, retention.Config{
		Interval:        cfg.Retention.Interval,
		KeepPerDocument: cfg.Retention.KeepPerDocument,
	})
	pruner.Start()

	apiHandler := api.New(hub, presenceStore, database)

	mux := http.NewServeMux()
	mux.Handle("/ws", wsServer)
	mux.HandleFunc("/health", apiHandler.HealthHandler)
	mux.HandleFunc("/api/stats", apiHandler.StatsHandler)
	mux.HandleFunc("/api/documents/", apiHandler.DocumentsRouter)
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: corsMiddleware(mux),
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down server...")
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown")
		}
	}()

	log.Info().
		Str("addr", cfg.Addr).
		Str("driver", cfg.Database.Driver).
		Bool("relay", cfg.Redis.Addr != "").
		Msg("Cellsync server starting")
	log.Info().Msg("Endpoints: /ws?token={token}, GET /health, GET /api/stats, GET /api/documents/{id}/changelog, GET /metrics")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("ListenAndServe")
	}

	cancel()
	pruner.Stop()
	sink.Stop()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
