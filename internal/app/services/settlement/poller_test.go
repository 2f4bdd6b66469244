package settlement

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/R3E-Network/payment_layer/internal/app/domain/channel"
	"github.com/R3E-Network/payment_layer/internal/chain"
)

func TestPollerRetriesWithBackoff(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.contract.setSubmitErr(stderrors.New("rpc: connection refused"))
	if _, err := f.svc.SubmitLatest(context.Background(), f.id); err == nil {
		t.Fatal("expected initial failure")
	}

	p := NewPoller(f.svc, PollerConfig{
		Interval:    time.Hour,
		BaseBackoff: time.Minute,
		MaxBackoff:  8 * time.Minute,
	}, quietLog())
	now := time.Now()
	p.now = func() time.Time { return now }

	p.tick(context.Background())
	if f.contract.submitCalls != 2 {
		t.Fatalf("first tick should retry once, calls = %d", f.contract.submitCalls)
	}

	// Still inside the backoff window: nothing happens.
	p.tick(context.Background())
	if f.contract.submitCalls != 2 {
		t.Fatalf("backoff not honored, calls = %d", f.contract.submitCalls)
	}

	now = now.Add(3 * time.Minute)
	f.contract.setSubmitErr(nil)
	p.tick(context.Background())
	if f.contract.submitCalls != 3 {
		t.Fatalf("due retry did not run, calls = %d", f.contract.submitCalls)
	}

	recs := f.mustRecords(t)
	if len(recs) != 1 || recs[0].Status != channel.SettlementConfirmed {
		t.Fatalf("record should be confirmed after retry: %+v", recs)
	}
	p.mu.Lock()
	remaining := len(p.nextAttempt)
	p.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("backoff entry should clear on success, %d left", remaining)
	}
}

func TestPollerSkipsFaultedRecords(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.contract.setSubmitErr(fmt.Errorf("submitVoucher rejected: bad epoch: %w", chain.ErrExecutionFault))
	if _, err := f.svc.SubmitLatest(context.Background(), f.id); err == nil {
		t.Fatal("expected fault")
	}

	p := NewPoller(f.svc, PollerConfig{}, quietLog())
	p.tick(context.Background())
	if f.contract.submitCalls != 1 {
		t.Fatalf("faulted record must not be retried, calls = %d", f.contract.submitCalls)
	}
}

func TestPollerRetriesCloseRecords(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.contract.setCloseErr(stderrors.New("rpc timeout"))
	if _, err := f.svc.Close(context.Background(), f.id); err == nil {
		t.Fatal("expected close failure")
	}

	f.contract.setCloseErr(nil)
	p := NewPoller(f.svc, PollerConfig{}, quietLog())
	p.tick(context.Background())

	if f.contract.closeCalls != 2 {
		t.Fatalf("close retry calls = %d, want 2", f.contract.closeCalls)
	}
	if got := f.mustChannel(t).State; got != channel.StateClosed {
		t.Fatalf("channel state = %s, want closed", got)
	}
}

func TestPollerBackoffCapped(t *testing.T) {
	p := NewPoller(nil, PollerConfig{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}, quietLog())

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := p.backoffFor(tc.attempts); got != tc.want {
			t.Fatalf("backoffFor(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
}

func TestPollerLifecycle(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.contract.setSubmitErr(stderrors.New("rpc: connection refused"))
	if _, err := f.svc.SubmitLatest(context.Background(), f.id); err == nil {
		t.Fatal("expected initial failure")
	}
	f.contract.setSubmitErr(nil)

	p := NewPoller(f.svc, PollerConfig{Interval: 5 * time.Millisecond, BaseBackoff: time.Millisecond}, quietLog())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		recs := f.mustRecords(t)
		if len(recs) == 1 && recs[0].Status == channel.SettlementConfirmed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("poller never confirmed the record: %+v", recs)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
