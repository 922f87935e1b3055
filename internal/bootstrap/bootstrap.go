/**
 * @description
 * Shared wiring for the off-ramp server and the operator CLI: database pool,
 * provider adapters, event publisher and the application service.
 */

package bootstrap

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/Thedongraphix/Minisend-sub003/internal/app"
	"github.com/Thedongraphix/Minisend-sub003/internal/config"
	"github.com/Thedongraphix/Minisend-sub003/internal/fees"
	"github.com/Thedongraphix/Minisend-sub003/internal/provider"
	"github.com/Thedongraphix/Minisend-sub003/internal/store"
	"github.com/Thedongraphix/Minisend-sub003/internal/store/migrations"
	"github.com/Thedongraphix/Minisend-sub003/pkg/paycrestclient"
	"github.com/Thedongraphix/Minisend-sub003/pkg/pretiumclient"
	"github.com/Thedongraphix/Minisend-sub003/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Options selects optional behavior of New.
type Options struct {
	// BackgroundPolling starts a poll loop for each accepted order.
	BackgroundPolling bool
	// AllowMemoryStore falls back to an in-memory store when DATABASE_URL is empty.
	AllowMemoryStore bool
	// Publish connects the RabbitMQ producer; otherwise events are dropped.
	Publish bool
}

// Runtime holds the wired components.
type Runtime struct {
	Config     config.Config
	Repository store.Repository
	Registry   *provider.Registry
	Publisher  rabbitmq.Publisher
	Engine     *app.Engine
	Service    *app.Service

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// New wires the service from cfg.
func New(ctx context.Context, cfg config.Config, opts Options) (*Runtime, error) {
	rt := &Runtime{Config: cfg}

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if !opts.AllowMemoryStore {
			return nil, fmt.Errorf("DATABASE_URL must be configured")
		}
		log.Println("level=warn component=bootstrap msg=\"DATABASE_URL not set; using in-memory store\"")
		rt.Repository = store.NewMemoryRepository()
	} else {
		if cfg.RunMigrations {
			if err := migrations.Run(ctx, cfg.DatabaseURL); err != nil {
				return nil, fmt.Errorf("run migrations: %w", err)
			}
			log.Println("level=info component=bootstrap msg=\"migrations applied\"")
		}
		pool, err := OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, pool.Close)
		rt.Repository = store.NewPostgresRepository(pool)
		log.Println("level=info component=bootstrap msg=\"database connected\"")
	}

	rt.Publisher = &rabbitmq.EventProducerFallback{}
	if opts.Publish {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		} else {
			rt.Publisher = producer
			rt.closers = append(rt.closers, producer.Close)
			log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		}
	}

	rt.Registry = NewRegistry(cfg)
	recorder := app.NewSettlementRecorder(rt.Repository, rt.Publisher)
	rt.Engine = app.NewEngine(rt.Repository, rt.Registry, recorder, rt.Publisher)
	rt.Service = app.NewService(rt.Repository, rt.Registry, rt.Engine, recorder, app.ServiceOptions{
		DefaultFeeFraction: fees.FractionFromPercent(cfg.DefaultFeePercent),
		PublicBaseURL:      cfg.PublicBaseURL,
		StaleThreshold:     cfg.StaleOrderThreshold(),
		PollPolicy:         app.DefaultRetryPolicy(cfg.PollMaxAttempts),
		BackgroundPolling:  opts.BackgroundPolling,
	})
	rt.closers = append(rt.closers, rt.Service.Close)

	return rt, nil
}

// OpenPool connects a pgx pool sized for the service.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewRegistry builds the provider adapters. Each provider gets its own outbound
// rate limit.
func NewRegistry(cfg config.Config) *provider.Registry {
	if cfg.PretiumAPIKey == "" {
		log.Println("level=warn component=bootstrap msg=\"pretium api key not set; disbursements will be rejected\" env=PRETIUM_API_KEY")
	}
	if cfg.PaycrestAPIKey == "" {
		log.Println("level=warn component=bootstrap msg=\"paycrest api key not set; disbursements will be rejected\" env=PAYCREST_API_KEY")
	}
	for _, w := range []struct{ env, secret string }{
		{"PRETIUM_WEBHOOK_SECRET", cfg.PretiumWebhookSecret},
		{"PAYCREST_WEBHOOK_SECRET", cfg.PaycrestWebhookSecret},
	} {
		switch {
		case w.secret != "":
		case cfg.AllowUnsignedWebhooks:
			log.Printf("level=warn component=bootstrap msg=\"webhook secret not set; unsigned webhooks accepted\" env=%s", w.env)
		default:
			log.Printf("level=error component=bootstrap msg=\"webhook secret not set; webhooks will be rejected\" env=%s", w.env)
		}
	}

	pretium := provider.NewPretiumAdapter(
		pretiumclient.NewClient(cfg.PretiumAPIBaseURL, cfg.PretiumAPIKey),
		cfg.PretiumWebhookSecret,
		provider.NewLimiter(cfg.ProviderRequestsPerSecond),
	)
	paycrest := provider.NewPaycrestAdapter(
		paycrestclient.NewClient(cfg.PaycrestAPIBaseURL, cfg.PaycrestAPIKey),
		cfg.PaycrestWebhookSecret,
		provider.PaycrestOptions{Token: cfg.PaycrestToken, Network: cfg.PaycrestNetwork},
		provider.NewLimiter(cfg.ProviderRequestsPerSecond),
	)
	pretium.AllowUnsignedWebhooks(cfg.AllowUnsignedWebhooks)
	paycrest.AllowUnsignedWebhooks(cfg.AllowUnsignedWebhooks)
	return provider.NewRegistry(pretium, paycrest)
}

// OpenRedis connects to Redis, or returns nil when it is not configured or not
// reachable.
func OpenRedis(ctx context.Context, redisURL string) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; refresh rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; refresh rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; refresh rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
