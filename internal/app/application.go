package app

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/R3E-Network/payment_layer/internal/app/metrics"
	"github.com/R3E-Network/payment_layer/internal/app/services/billing"
	"github.com/R3E-Network/payment_layer/internal/app/services/events"
	"github.com/R3E-Network/payment_layer/internal/app/services/pricing"
	"github.com/R3E-Network/payment_layer/internal/app/services/settlement"
	"github.com/R3E-Network/payment_layer/internal/app/storage"
	"github.com/R3E-Network/payment_layer/internal/app/storage/memory"
	"github.com/R3E-Network/payment_layer/internal/app/system"
	"github.com/R3E-Network/payment_layer/internal/did"
	"github.com/R3E-Network/payment_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Channels    storage.ChannelStore
	Receipts    storage.ReceiptStore
	Settlements storage.SettlementStore
}

// Options carries everything New needs to assemble the gateway.
type Options struct {
	Stores   Stores
	Identity billing.Identity
	ChainID  uint64

	// Resolver resolves payer DIDs to verification keys. Required.
	Resolver did.Resolver
	// Directory authorises channels the ledger has not seen before.
	// Optional; without it unknown channels are rejected.
	Directory billing.ChannelDirectory
	// Contract submits settlements on chain. Nil disables the settlement
	// service and its background workers.
	Contract settlement.ContractClient

	Pricing        pricing.Options
	DailyCap       *big.Int
	ResolveTimeout time.Duration
	Relationships  []string

	// EventBuffer sets the per-subscriber receipt queue depth.
	EventBuffer int
	Poller      settlement.PollerConfig
	Scheduler   settlement.SchedulerConfig

	Log *logger.Logger
}

// Application ties the gateway services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Ledger  *billing.Service
	Pricing *pricing.Service
	// Settlement is nil when no contract client is configured.
	Settlement *settlement.Service
	Events     *events.Hub
	Resolver   did.Resolver
}

// New builds a fully initialised application from the provided options.
func New(opts Options) (*Application, error) {
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("app")
	}

	stores := opts.Stores
	if stores.Channels == nil || stores.Receipts == nil || stores.Settlements == nil {
		mem := memory.New()
		if stores.Channels == nil {
			stores.Channels = mem
		}
		if stores.Receipts == nil {
			stores.Receipts = mem
		}
		if stores.Settlements == nil {
			stores.Settlements = mem
		}
	}

	manager := system.NewManager()

	hub := events.NewHub(events.Options{Buffer: opts.EventBuffer, Log: log.Named("events")})

	pricer, err := pricing.New(opts.Pricing, log.Named("pricing"))
	if err != nil {
		return nil, fmt.Errorf("configure pricing: %w", err)
	}

	ledger, err := billing.New(billing.Options{
		Channels:       stores.Channels,
		Receipts:       stores.Receipts,
		Resolver:       opts.Resolver,
		Directory:      opts.Directory,
		Identity:       opts.Identity,
		ChainID:        opts.ChainID,
		Relationships:  opts.Relationships,
		ResolveTimeout: opts.ResolveTimeout,
		DailyCap:       opts.DailyCap,
		Events:         hub,
		Log:            log.Named("billing"),
	})
	if err != nil {
		return nil, fmt.Errorf("configure ledger: %w", err)
	}

	for _, name := range []string{"pricing", "billing"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}
	if err := manager.Register(hub); err != nil {
		return nil, fmt.Errorf("register %s: %w", hub.Name(), err)
	}

	var settler *settlement.Service
	if opts.Contract != nil {
		settler, err = settlement.New(settlement.Options{
			Ledger:   ledger,
			Records:  stores.Settlements,
			Contract: opts.Contract,
			Log:      log.Named("settlement"),
		})
		if err != nil {
			return nil, fmt.Errorf("configure settlement: %w", err)
		}
		poller := settlement.NewPoller(settler, opts.Poller, log.Named("settlement-poller"))
		scheduler, err := settlement.NewScheduler(ledger, settler, opts.Scheduler, log.Named("settlement-scheduler"))
		if err != nil {
			return nil, fmt.Errorf("configure settlement scheduler: %w", err)
		}
		for _, svc := range []system.Service{poller, scheduler} {
			if err := manager.Register(svc); err != nil {
				return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
			}
		}
	} else {
		log.Warn("no contract client configured; settlement disabled")
	}

	if cached, ok := opts.Resolver.(*did.CachingResolver); ok {
		if err := metrics.RegisterDIDCache(cached.Stats); err != nil {
			log.WithError(err).Warn("register DID cache metrics")
		}
	}
	if err := metrics.RegisterEventSubscribers(hub.Subscribers); err != nil {
		log.WithError(err).Warn("register event subscriber metrics")
	}

	return &Application{
		manager:    manager,
		log:        log,
		Ledger:     ledger,
		Pricing:    pricer,
		Settlement: settler,
		Events:     hub,
		Resolver:   opts.Resolver,
	}, nil
}

// InvalidateDID drops a single document from the resolver cache. It reports
// whether the configured resolver supports invalidation.
func (a *Application) InvalidateDID(id string) bool {
	cached, ok := a.Resolver.(*did.CachingResolver)
	if !ok {
		return false
	}
	cached.Invalidate(id)
	return true
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
