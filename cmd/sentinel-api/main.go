package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Njanja2025/sentinel/internal/config"
	"github.com/Njanja2025/sentinel/internal/engine"
	"github.com/Njanja2025/sentinel/internal/httpapi"
	"github.com/Njanja2025/sentinel/internal/obs"
)

var version = "0.3.0"

func main() {
	var (
		configPath = flag.String("config", os.Getenv("SENTINEL_CONFIG"), "Path to YAML configuration")
		bootstrap  = flag.String("bootstrap-admin", "", "Create an admin user (username:credential) and exit")
	)
	flag.Parse()

	obs.Init()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx := context.Background()
	eng, err := engine.New(ctx, cfg)
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}

	if *bootstrap != "" {
		if err := bootstrapAdmin(ctx, eng, *bootstrap); err != nil {
			log.Fatalf("bootstrap admin: %v", err)
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = eng.Close(shutdownCtx)
		return
	}

	eng.Start()

	api := httpapi.New(eng, version,
		httpapi.WithRateLimit(cfg.API.RatePerSecond, cfg.API.RateBurst),
		httpapi.WithMaxBodyBytes(cfg.API.MaxBodyBytes),
		httpapi.WithAllowedOrigins(cfg.API.AllowedOrigins),
	)

	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.API.ReadTimeout,
		ReadHeaderTimeout: cfg.API.ReadTimeout,
		WriteTimeout:      cfg.API.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting sentinel-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	if err := eng.Close(shutdownCtx); err != nil {
		log.Printf("engine shutdown: %v", err)
	}
	log.Println("Stopped")
}
