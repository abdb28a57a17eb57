package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/carewire/referrald/internal/config"
	"github.com/carewire/referrald/internal/generate"
	"github.com/carewire/referrald/internal/httpapi"
	"github.com/carewire/referrald/internal/observability"
	"github.com/carewire/referrald/internal/push"
	"github.com/carewire/referrald/internal/runtime"
	"github.com/carewire/referrald/internal/tasks"
	"github.com/carewire/referrald/internal/verify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := tasks.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("task store init failed: %v", err)
	}
	if store != nil {
		defer store.Close()
		log.Printf("task store: postgres")
	} else {
		log.Printf("task store: in-memory")
	}

	registry := verify.NewHTTPRegistry(cfg.RegistryBaseURL, cfg.RegistryVersion, cfg.RegistryTimeout)
	gateway := verify.NewGateway(registry, cfg.MaxVerificationAttempts, cfg.VerifyFanOutLimit, metrics)

	var generator generate.Generator
	if strings.TrimSpace(cfg.GeneratorURL) != "" {
		generator = generate.NewHTTPGenerator(cfg.GeneratorURL, cfg.GeneratorTimeout)
		log.Printf("text generator: http (%s)", cfg.GeneratorURL)
	} else {
		generator = generate.NewMockGenerator()
		log.Printf("text generator: mock (GENERATOR_URL not set)")
	}

	manager := tasks.NewManager(store)
	dispatcher := push.NewDispatcher(push.Config{
		MaxRetries:  cfg.PushMaxRetries,
		BackoffMin:  cfg.PushBackoffMin,
		BackoffMax:  cfg.PushBackoffMax,
		SendTimeout: cfg.PushSendTimeout,
	}, manager, metrics)
	defer dispatcher.Close()

	service := runtime.New(runtime.Config{
		MaxTotalTurns:    cfg.MaxTotalTurns,
		MaxInfoAttempts:  cfg.MaxInfoAttempts,
		GeneratorTimeout: cfg.GeneratorTimeout,
	}, manager, gateway, generator, metrics)

	api := httpapi.New(cfg, service, dispatcher, registry, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
