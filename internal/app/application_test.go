package app

import (
	"context"
	"crypto/ed25519"
	"io"
	"testing"
	"time"

	"github.com/R3E-Network/payment_layer/internal/app/services/billing"
	"github.com/R3E-Network/payment_layer/internal/did"
	"github.com/R3E-Network/payment_layer/pkg/logger"
)

func quietLog() *logger.Logger {
	return logger.New("app-test", logger.Config{Level: "error", Output: io.Discard})
}

func testIdentity(t *testing.T) billing.Identity {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return billing.Identity{DID: "did:neo:payee-app", VMFragment: "srv-1", PrivateKey: priv}
}

func staticResolver() did.Resolver {
	return did.ResolverFunc(func(ctx context.Context, id string) (*did.Document, error) {
		return &did.Document{ID: id}, nil
	})
}

func TestNewDefaultsToMemoryStores(t *testing.T) {
	app, err := New(Options{
		Identity: testIdentity(t),
		ChainID:  860833102,
		Resolver: staticResolver(),
		Log:      quietLog(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if app.Ledger == nil || app.Pricing == nil || app.Events == nil {
		t.Fatal("expected core services to be wired")
	}
	if app.Settlement != nil {
		t.Fatal("settlement should be disabled without a contract client")
	}
}

func TestNewRequiresResolver(t *testing.T) {
	_, err := New(Options{Identity: testIdentity(t), Log: quietLog()})
	if err == nil {
		t.Fatal("expected error for missing resolver")
	}
}

func TestApplicationLifecycle(t *testing.T) {
	app, err := New(Options{
		Identity: testIdentity(t),
		Resolver: staticResolver(),
		Log:      quietLog(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := app.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestInvalidateDID(t *testing.T) {
	plain, err := New(Options{
		Identity: testIdentity(t),
		Resolver: staticResolver(),
		Log:      quietLog(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if plain.InvalidateDID("did:neo:anyone") {
		t.Fatal("plain resolver should not support invalidation")
	}

	caching := did.NewCachingResolver(staticResolver(), did.NewMemoryCache(did.MemoryCacheConfig{}), nil)
	cached, err := New(Options{
		Identity: testIdentity(t),
		Resolver: caching,
		Log:      quietLog(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := caching.Resolve(context.Background(), "did:neo:payer-x"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !cached.InvalidateDID("did:neo:payer-x") {
		t.Fatal("caching resolver should support invalidation")
	}
}
