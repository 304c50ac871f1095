package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aimerfeng/APIGate/internal/cache"
	"github.com/aimerfeng/APIGate/internal/config"
	"github.com/aimerfeng/APIGate/internal/database"
	"github.com/aimerfeng/APIGate/internal/logging"
	"github.com/aimerfeng/APIGate/internal/middleware"
	"github.com/aimerfeng/APIGate/internal/monitoring"
	"github.com/aimerfeng/APIGate/internal/server"
	"github.com/aimerfeng/APIGate/internal/store"
	"github.com/aimerfeng/APIGate/internal/tokencache"
	"github.com/rs/zerolog/log"
)

func main() {
	// "gateway hash-admin-key <key>" prints the value for ADMIN_KEY_HASH
	if len(os.Args) == 3 && os.Args[1] == "hash-admin-key" {
		hash, err := middleware.HashAdminKey(os.Args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to hash admin key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(&cfg.Logging, cfg.Server.Env)

	log.Info().
		Str("env", cfg.Server.Env).
		Str("store", cfg.Database.Driver).
		Msg("Starting APIGate gateway")

	st, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	// Redis is optional; quota charges fall back to the store without it
	rdb, err := cache.NewFromURL(cfg.Redis.URL)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, continuing without quota counter and rate limiting")
	} else {
		defer rdb.Close()
	}

	monitoring.Init()
	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(cfg.Monitoring.PrometheusPort)
	}

	upstreamClient := &http.Client{Timeout: cfg.Gateway.RequestTimeout + 5*time.Second}
	srv, err := server.NewGatewayServer(cfg, server.Deps{
		Store:      st,
		Redis:      rdb,
		Tokens:     tokencache.New(cfg.Upstream, &http.Client{Timeout: 15 * time.Second}),
		HTTPClient: upstreamClient,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build gateway")
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().
		Str("signal", sig.String()).
		Msg("Shutdown signal received, gracefully shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// in-flight requests commit their usage charges before Shutdown returns
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited gracefully")
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Database.Driver == "memory" {
		log.Warn().Msg("Using the in-memory store; data is lost on restart")
		return store.NewMemory(), nil
	}

	if cfg.Database.AutoMigrate {
		if err := database.RunMigrations(cfg.Database.URL); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := database.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	return store.NewPostgres(db.Pool), nil
}

func startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())

	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Info().Int("port", port).Msg("Prometheus metrics server listening")

	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics server error")
	}
}
