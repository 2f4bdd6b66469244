// Package main runs the payment gateway: the billed HTTP surface, the payee
// accounting ledger behind it and the settlement workers that anchor
// accepted vouchers on chain.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	app "github.com/R3E-Network/payment_layer/internal/app"
	"github.com/R3E-Network/payment_layer/internal/app/httpapi"
	"github.com/R3E-Network/payment_layer/internal/app/services/billing"
	"github.com/R3E-Network/payment_layer/internal/app/services/settlement"
	"github.com/R3E-Network/payment_layer/internal/app/storage/postgres"
	"github.com/R3E-Network/payment_layer/internal/chain"
	"github.com/R3E-Network/payment_layer/internal/config"
	"github.com/R3E-Network/payment_layer/internal/did"
	"github.com/R3E-Network/payment_layer/internal/logging"
	"github.com/R3E-Network/payment_layer/internal/platform/migrations"
	"github.com/R3E-Network/payment_layer/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to gateway config file")
	listenAddr := flag.String("addr", "", "Listen address override")
	migrateOnly := flag.Bool("migrate-only", false, "Apply database migrations and exit")
	flag.Parse()

	// A local .env is a convenience for development; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	log := logger.New("gateway", logger.Config{
		Level:      cfg.Logging.Level,
		TextFormat: cfg.Logging.TextFormat,
	})

	if err := run(cfg, *migrateOnly, log); err != nil {
		log.WithError(err).Fatal("gateway exited")
	}
}

func run(cfg *config.Config, migrateOnly bool, log *logger.Logger) error {
	key, err := cfg.Identity.PrivateKey()
	if err != nil {
		return fmt.Errorf("load identity key: %w", err)
	}
	identity := billing.Identity{
		DID:        cfg.Identity.DID,
		VMFragment: cfg.Identity.VMFragment,
		PrivateKey: key,
	}

	var stores app.Stores
	if cfg.Storage.PostgresDSN != "" {
		db, err := sqlx.Connect("postgres", cfg.Storage.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer db.Close()
		if cfg.Storage.Migrate || migrateOnly {
			if err := migrations.Up(db.DB); err != nil {
				return err
			}
			log.Info("database schema is up to date")
		}
		if migrateOnly {
			return nil
		}
		pg := postgres.New(db)
		stores = app.Stores{Channels: pg, Receipts: pg, Settlements: pg}
	} else {
		if migrateOnly {
			return fmt.Errorf("migrate-only requires a postgres DSN")
		}
		log.Warn("no postgres DSN configured; using in-memory storage")
	}

	resolver, err := buildResolver(cfg, log)
	if err != nil {
		return err
	}

	var contract *chain.PaymentContract
	if cfg.Chain.RPCURL != "" {
		client, err := chain.NewClient(chain.Config{
			RPCURL:    cfg.Chain.RPCURL,
			NetworkID: cfg.Chain.NetworkID,
			Timeout:   cfg.Chain.Timeout,
		})
		if err != nil {
			return fmt.Errorf("configure chain client: %w", err)
		}
		contract, err = chain.NewPaymentContract(client, chain.ContractConfig{
			Hash:         cfg.Chain.ContractHash,
			RelayAddress: cfg.Chain.RelayAddress,
			PollInterval: cfg.Chain.PollInterval,
			WaitTimeout:  cfg.Chain.WaitTimeout,
		}, log.Named("chain"))
		if err != nil {
			return fmt.Errorf("configure payment contract: %w", err)
		}
	}

	pricingOpts, err := cfg.Pricing.Options()
	if err != nil {
		return fmt.Errorf("configure pricing: %w", err)
	}
	dailyCap, err := cfg.Pricing.DailyCapAmount()
	if err != nil {
		return fmt.Errorf("configure daily cap: %w", err)
	}
	sweepThreshold, err := cfg.Settlement.SweepThresholdAmount()
	if err != nil {
		return fmt.Errorf("configure sweep threshold: %w", err)
	}

	opts := app.Options{
		Stores:         stores,
		Identity:       identity,
		ChainID:        cfg.Chain.VoucherChainID(),
		Resolver:       resolver,
		Pricing:        pricingOpts,
		DailyCap:       dailyCap,
		ResolveTimeout: cfg.Resolver.Timeout,
		Relationships:  cfg.Resolver.Relationships,
		EventBuffer:    cfg.Server.EventBuffer,
		Poller: settlement.PollerConfig{
			Interval:    cfg.Settlement.PollInterval,
			BaseBackoff: cfg.Settlement.BaseBackoff,
			MaxBackoff:  cfg.Settlement.MaxBackoff,
		},
		Scheduler: settlement.SchedulerConfig{
			ResetSchedule:  cfg.Settlement.ResetSchedule,
			SweepSchedule:  cfg.Settlement.SweepSchedule,
			SweepThreshold: sweepThreshold,
		},
		Log: log,
	}
	if contract != nil {
		opts.Contract = contract
		opts.Directory = contract
	}

	application, err := app.New(opts)
	if err != nil {
		return fmt.Errorf("assemble application: %w", err)
	}

	operatorKey, err := cfg.Admin.PublicKey()
	if err != nil {
		return fmt.Errorf("load admin key: %w", err)
	}
	upstream, err := cfg.Server.Upstream()
	if err != nil {
		return err
	}
	requestLog := logging.NewLogger(cfg.Logging.Level, cfg.Logging.TextFormat)
	handler, err := httpapi.NewHandler(application, httpapi.Options{
		OperatorKey:    operatorKey,
		Upstream:       upstream,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
		AuditPath:      cfg.Server.AuditPath,
		AuditMax:       cfg.Server.AuditMax,
		Log:            requestLog,
	})
	if err != nil {
		return fmt.Errorf("assemble HTTP handler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.ListenAddr).Info("gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("service shutdown")
	}
	log.Info("gateway stopped")
	return nil
}

// buildResolver assembles the caching DID resolver: HTTP resolution behind
// either the in-process LRU or redis, per configuration.
func buildResolver(cfg *config.Config, log *logger.Logger) (did.Resolver, error) {
	httpResolver, err := did.NewHTTPResolver(nil, cfg.Resolver.Endpoint, cfg.Resolver.APIKey, log.Named("did-resolver"))
	if err != nil {
		return nil, fmt.Errorf("configure DID resolver: %w", err)
	}

	var cache did.DocumentCache
	if cfg.Cache.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		cache = did.NewRedisCache(client, did.RedisCacheConfig{
			Prefix:      cfg.Cache.RedisPrefix,
			DocumentTTL: cfg.Cache.DocumentTTL,
			NegativeTTL: cfg.Cache.NegativeTTL,
		}, log.Named("did-redis-cache"))
	} else {
		cache = did.NewMemoryCache(did.MemoryCacheConfig{
			Capacity:    cfg.Cache.Capacity,
			DocumentTTL: cfg.Cache.DocumentTTL,
			NegativeTTL: cfg.Cache.NegativeTTL,
		})
	}
	return did.NewCachingResolver(httpResolver, cache, log.Named("did-cache")), nil
}
