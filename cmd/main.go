/**
 * @description
 * This is the main entry point for the off-ramp service. It loads configuration,
 * wires the store, provider adapters, message broker and application service,
 * starts the reconciliation scheduler and the HTTP server, and shuts everything
 * down gracefully on SIGINT/SIGTERM.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/bootstrap: Shared wiring with the operator CLI.
 * - pkg/rabbitmq: Event publishing and relayed webhook consumption.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Thedongraphix/Minisend-sub003/internal/api"
	"github.com/Thedongraphix/Minisend-sub003/internal/app"
	"github.com/Thedongraphix/Minisend-sub003/internal/bootstrap"
	"github.com/Thedongraphix/Minisend-sub003/internal/config"
	"github.com/Thedongraphix/Minisend-sub003/internal/domain"
	rmrabbit "github.com/Thedongraphix/Minisend-sub003/pkg/rabbitmq"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.PublicBaseURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"public base url not set; providers will not receive a callback url\" env=PUBLIC_BASE_URL")
	}

	log.Printf("level=info component=bootstrap msg=\"starting offramp-service\" port=%s", cfg.ServerPort)

	ctx := context.Background()
	runtime, err := bootstrap.New(ctx, cfg, bootstrap.Options{BackgroundPolling: true, Publish: true})
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"wiring failed\" err=%v", err)
	}
	defer runtime.Close()

	var limiter app.RateLimiter
	if redisClient := bootstrap.OpenRedis(ctx, cfg.RedisURL); redisClient != nil {
		defer redisClient.Close()
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	// Edge ingress may relay provider webhooks through the broker instead of HTTP.
	if rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; relayed webhooks disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		signalConsumer := app.NewStatusSignalConsumer(runtime.Engine)
		bindings := make(map[string]rmrabbit.MessageHandler)
		for _, p := range runtime.Registry.Providers() {
			bindings[rmrabbit.StatusSignalRoutingKey(p)] = signalConsumer.HandleMessage
		}
		sub := rmrabbit.Subscription{Exchange: rmrabbit.OffRampExchange, Queue: cfg.SignalEventQueue, Handlers: bindings}
		if err := rabbitConsumer.Start(ctx, sub); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"signal consumer start failed\" err=%v", err)
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "scheduler")
	jobs := app.NewJobs(runtime.Service, logger, app.JobsConfig{
		BatchLimit:  cfg.SweepBatchLimit,
		Concurrency: cfg.SweepConcurrency,
	})
	scheduler := app.NewScheduler(jobs, logger, app.Schedules{
		SettlementSweep: cfg.SettlementSweepSchedule,
		StaleOrderSweep: cfg.StaleOrderSweepSchedule,
		IntentRecovery:  cfg.IntentRecoverySchedule,
	})
	scheduler.Start()

	handlers := api.NewOrderHandlers(runtime.Service, limiter, api.HandlerOptions{
		RefreshLimitPerMinute: cfg.RefreshRateLimitPerMinute,
		SweepConcurrency:      cfg.SweepConcurrency,
	})
	router := api.NewRouter(handlers, cfg.ClerkJWKSURL, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s providers=%v", serverAddr, providerNames(runtime.Registry.Providers()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		log.Println("level=warn component=scheduler msg=\"running jobs did not finish before shutdown deadline\"")
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

func providerNames(providers []domain.Provider) string {
	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = string(p)
	}
	return strings.Join(names, ",")
}
