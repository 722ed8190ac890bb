/**
 * @description
 * This is the main entry point for the ledger-service. It loads the configuration,
 * opens the ledger store, wires the identifier generator, the application services,
 * the outbox dispatcher and the scheduled jobs, and starts the HTTP server.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Shared posting rate limiter.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/iban: Account identifier generation.
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

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ecocapital/ledger-service/internal/api"
	"github.com/ecocapital/ledger-service/internal/app"
	"github.com/ecocapital/ledger-service/internal/config"
	"github.com/ecocapital/ledger-service/internal/store"
	"github.com/ecocapital/ledger-service/pkg/iban"
)

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.JWTSigningSecret == "" && cfg.JWKSURL == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"no token verification configured\" env=JWT_SIGNING_SECRET,JWKS_URL")
	}
	log.Printf("level=info component=bootstrap msg=\"starting ledger-service\" port=%s storage=%s", cfg.ServerPort, cfg.StorageDriver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repository, closeStore := openStore(ctx, cfg)
	defer closeStore()

	banks, err := bankRegistry(cfg.BankProfiles)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"bank profiles invalid\" err=%v", err)
	}
	var generatorOptions []iban.Option
	if cfg.IBANCheckDigits != "" {
		generatorOptions = append(generatorOptions, iban.WithFixedCheckDigits(cfg.IBANCheckDigits))
	}
	generator, err := iban.NewGenerator(generatorOptions...)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"identifier generator invalid\" err=%v", err)
	}

	activity := app.NewActivityLogger(repository)
	clients := app.NewClientService(repository, activity)
	accounts := app.NewAccountService(repository, activity, generator, banks, app.AccountSettings{
		CountryCode: cfg.IBANCountryCode,
		MaxAttempts: cfg.IdentifierMaxAttempts,
	})
	ledger := app.NewLedgerService(repository, activity,
		app.WithExchange(cfg.LedgerExchange),
		app.WithUnitTimeout(cfg.StoreTimeout()),
	)
	reports := app.NewReportService(repository)

	// Events committed to the outbox are published only when a broker is configured.
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; ledger events stay in the outbox\" env=RABBITMQ_URL")
	} else {
		dispatcher := app.NewOutboxDispatcher(repository, app.RabbitProducerFactory(cfg.RabbitMQURL))
		go dispatcher.Run(ctx)
		log.Println("level=info component=bootstrap msg=\"outbox dispatcher started\"")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	jobs := app.NewJobs(repository, reports, cfg.LedgerExchange, logger)
	scheduler := app.NewScheduler(jobs, logger, app.ScheduleConfig{
		DailySummary:   cfg.DailySummarySchedule,
		Reconciliation: cfg.ReconciliationSchedule,
	})
	logger.Info("scheduler started", "jobs", scheduler.Start())

	throttle := api.NewPostingThrottle(postingLimiter(ctx, cfg), cfg.PostingRateLimitPerMinute)
	if config.Watch(func(updated config.Config) {
		throttle.SetPerMinute(updated.PostingRateLimitPerMinute)
	}) {
		log.Println("level=info component=bootstrap msg=\"watching config file for rate limit changes\"")
	}

	handlers := api.NewLedgerHandlers(clients, accounts, ledger, reports, activity)
	auth := api.AuthConfig{
		SigningSecret: cfg.JWTSigningSecret,
		JWKSURL:       cfg.JWKSURL,
		Issuer:        cfg.JWTIssuer,
		Audience:      cfg.JWTAudience,
	}

	router := chi.NewRouter()
	router.Mount("/ledger", api.LedgerRoutes(handlers, auth, throttle, cfg.AllowedOrigins()))

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

	<-ctx.Done()
	log.Println("level=info component=http msg=\"shutdown started\"")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	<-scheduler.Stop().Done()
	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// openStore connects the configured ledger store. The returned func releases it.
func openStore(ctx context.Context, cfg config.Config) (store.Repository, func()) {
	if cfg.StorageDriver == config.StorageDriverMemory {
		log.Println("level=warn component=bootstrap msg=\"using in-memory store; data is lost on restart\"")
		return store.NewMemoryRepository(), func() {}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout())
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		log.Fatalf("level=fatal component=bootstrap msg=\"database ping failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	applied, err := store.Migrate(ctx, dbpool)
	if err != nil {
		dbpool.Close()
		log.Fatalf("level=fatal component=bootstrap msg=\"migrations failed\" err=%v", err)
	}
	for _, name := range applied {
		log.Printf("level=info component=bootstrap msg=\"migration applied\" name=%s", name)
	}

	return store.NewPostgresRepository(dbpool), dbpool.Close
}

func bankRegistry(raw string) (*iban.Registry, error) {
	extra, err := iban.ParseProfiles(raw)
	if err != nil {
		return nil, err
	}
	return iban.NewRegistry(extra...)
}

// postingLimiter connects to Redis for the shared posting rate limit. A nil
// limiter disables limiting.
func postingLimiter(ctx context.Context, cfg config.Config) api.PostingRateLimiter {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; posting rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; posting rate limiting disabled\" err=%v", err)
		return nil
	}
	redisClient := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; posting rate limiting disabled\" err=%v", err)
		redisClient.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return app.NewRedisPostingRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
}
