/**
 * @description
 * This is the main entry point for the cashdesk-service. It loads configuration,
 * connects to PostgreSQL, Redis and RabbitMQ, wires the PIN, audit, authorization and
 * cash session services, and serves the HTTP API until it receives a shutdown signal.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: PIN challenge rate limiting.
 * - github.com/prometheus/client_golang: Metrics exposition.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
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

	"github.com/clinicpro/cashdesk-service/internal/api"
	"github.com/clinicpro/cashdesk-service/internal/app"
	"github.com/clinicpro/cashdesk-service/internal/config"
	"github.com/clinicpro/cashdesk-service/internal/domain"
	"github.com/clinicpro/cashdesk-service/internal/store"
	rmrabbit "github.com/clinicpro/cashdesk-service/pkg/rabbitmq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using process environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	log.Printf("level=info component=bootstrap msg=\"starting cashdesk-service\" port=%s blind_closing=%t", cfg.ServerPort, cfg.BlindClosing)

	var repository store.Repository
	if cfg.DatabaseURL == "" {
		log.Println("level=warn component=bootstrap msg=\"DATABASE_URL not set; using in-memory repository\"")
		repository = store.NewMemoryRepository(cfg.EventExchange)
	} else {
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
		}
		poolConfig.MaxConns = 20
		poolConfig.MinConns = 2
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute

		dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()
		log.Println("level=info component=bootstrap msg=\"database connected\"")

		if cfg.RunMigrations {
			migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), time.Minute)
			err := store.RunMigrations(migrateCtx, dbpool)
			cancelMigrate()
			if err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"database migration failed\" err=%v", err)
			}
			log.Println("level=info component=bootstrap msg=\"database migrations applied\"")
		}
		repository = store.NewPostgresRepository(dbpool, cfg.EventExchange)
	}

	var limiter app.RateLimiter
	if cfg.PinVerifyRateLimitPerMinute > 0 {
		if cfg.RedisURL == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; pin rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; pin rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient := redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				pingErr := redisClient.Ping(pingCtx).Err()
				cancelPing()
				if pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; pin rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
				} else {
					defer redisClient.Close()
					limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := app.NewMetrics(registry)

	hasher := app.NewArgon2PinHasher(app.Argon2Params{
		Memory:  cfg.PinArgon2MemoryKB,
		Time:    cfg.PinArgon2Time,
		Threads: app.DefaultArgon2Params.Threads,
	})
	pins := app.NewPinAuthenticator(repository, hasher, app.PinPolicy{
		MaxAttempts: cfg.PinMaxAttempts,
		Lockout:     cfg.PinLockout(),
	}, logger, metrics)
	audit := app.NewAuditTrail(repository, logger)
	gate := app.NewAuthorizationGate(repository, pins, audit, cfg.BlindClosing, logger, metrics)
	policy := app.StaticPolicy(domain.AuthorizationPolicy{MaxDifferenceWithoutApproval: cfg.CashMaxDifferenceWithoutApproval})
	engine := app.NewReconciliationEngine(repository, gate, audit, policy, logger, metrics)
	sessions := app.NewCashSessionService(repository, engine, cfg.BlindClosing, logger)

	relay := app.NewOutboxRelay(repository, func() (rmrabbit.Publisher, error) {
		if cfg.RabbitMQURL == "" {
			return &rmrabbit.EventProducerFallback{}, nil
		}
		return rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	}, logger, metrics)
	defer relay.Close()

	scheduler := app.NewScheduler(relay, cfg.OutboxRelaySchedule, logger)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}

	if cfg.RabbitMQURL == "" {
		log.Println("level=warn component=bootstrap msg=\"RABBITMQ_URL not set; payment consumer disabled\"")
	} else {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; payment events will not be applied\" err=%v", err)
		} else {
			defer rabbitConsumer.Close()
			paymentConsumer := app.NewPaymentConsumer(repository, sessions)
			bindings := map[string]rmrabbit.Handler{
				domain.RoutingKeyPaymentReceived: paymentConsumer.HandlePaymentReceived,
				domain.RoutingKeyExpenseRecorded: paymentConsumer.HandleExpenseRecorded,
			}
			if err := rabbitConsumer.ConsumeWithBindings(cfg.EventExchange, cfg.PaymentEventQueue, bindings); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"payment consumer start failed\" err=%v", err)
			}
			log.Printf("level=info component=bootstrap msg=\"payment consumer started\" queue=%s", cfg.PaymentEventQueue)
		}
	}

	handlers := api.NewHandlers(pins, gate, sessions, audit, limiter, cfg.PinVerifyRateLimitPerMinute)
	router := api.NewRouter(handlers, api.RouterConfig{
		JWTSecret:      strings.TrimSpace(cfg.JWTSecret),
		JWTIssuer:      cfg.JWTIssuer,
		AllowedOrigins: cfg.AllowedOrigins(),
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	<-scheduler.Stop().Done()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
