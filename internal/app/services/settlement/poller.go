package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/payment_layer/internal/app/domain/channel"
	"github.com/R3E-Network/payment_layer/internal/app/system"
	"github.com/R3E-Network/payment_layer/pkg/logger"
)

var _ system.Service = (*Poller)(nil)

// Poller retry defaults.
const (
	DefaultPollInterval = 15 * time.Second
	DefaultBaseBackoff  = 30 * time.Second
	DefaultMaxBackoff   = 10 * time.Minute

	// escalateAfter is the attempt count past which retry failures are
	// logged at error level for operator attention.
	escalateAfter = 5

	tickTimeout = 5 * time.Minute
)

// PollerConfig tunes the retry loop. Zero values fall back to defaults.
type PollerConfig struct {
	Interval    time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Poller drives pending settlement records to completion. Failed attempts
// are never dropped: each channel is retried with exponential backoff up to
// a capped interval, and repeated failures escalate in the logs.
type Poller struct {
	service *Service
	log     *logger.Logger

	interval    time.Duration
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	nextAttempt map[string]time.Time

	now func() time.Time
}

// NewPoller creates a lifecycle-managed settlement retry loop.
func NewPoller(service *Service, cfg PollerConfig, log *logger.Logger) *Poller {
	if log == nil {
		log = logger.NewDefault("settlement-poller")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	base := cfg.BaseBackoff
	if base <= 0 {
		base = DefaultBaseBackoff
	}
	ceiling := cfg.MaxBackoff
	if ceiling < base {
		ceiling = DefaultMaxBackoff
	}
	return &Poller{
		service:     service,
		log:         log,
		interval:    interval,
		baseBackoff: base,
		maxBackoff:  ceiling,
		nextAttempt: make(map[string]time.Time),
		now:         time.Now,
	}
}

func (p *Poller) Name() string { return "settlement-poller" }

func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.tick(runCtx)
			}
		}
	}()

	p.log.Info("settlement poller started")
	return nil
}

func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.log.Info("settlement poller stopped")
	return nil
}

// tick retries at most one due record per channel. Records sharing a channel
// are subsumed by the oldest one: a close retry resubmits the latest voucher
// on its own.
func (p *Poller) tick(ctx context.Context) {
	if p.service == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, tickTimeout)
	defer cancel()

	recs, err := p.service.records.ListPendingSettlements(ctx)
	if err != nil {
		p.log.WithError(err).Warn("settlement poller tick failed")
		return
	}

	seen := make(map[string]bool, len(recs))
	for _, rec := range recs {
		if ctx.Err() != nil {
			return
		}
		if seen[rec.ChannelID] {
			continue
		}
		seen[rec.ChannelID] = true
		if !p.due(rec.ChannelID) {
			continue
		}
		p.attempt(ctx, rec)
	}
}

func (p *Poller) attempt(ctx context.Context, rec channel.SettlementRecord) {
	err := p.retry(ctx, rec)
	if err == nil {
		p.clearBackoff(rec.ChannelID)
		return
	}

	attempts := rec.Attempts + 1
	delay := p.backoffFor(attempts)
	p.deferUntil(rec.ChannelID, p.now().Add(delay))

	entry := p.log.WithError(err).WithFields(map[string]interface{}{
		"channel":  rec.ChannelID,
		"kind":     rec.Kind,
		"attempts": attempts,
		"retry_in": delay.String(),
	})
	if attempts > escalateAfter {
		entry.Error("settlement retry keeps failing")
	} else {
		entry.Warn("settlement retry failed")
	}
}

func (p *Poller) retry(ctx context.Context, rec channel.SettlementRecord) error {
	switch rec.Kind {
	case channel.SettleKindSubmit:
		_, err := p.service.SubmitLatest(ctx, rec.ChannelID)
		return err
	case channel.SettleKindClose:
		_, err := p.service.Close(ctx, rec.ChannelID)
		return err
	case channel.SettleKindDispute:
		_, err := p.service.Dispute(ctx, rec.ChannelID)
		return err
	}
	p.log.WithFields(map[string]interface{}{
		"channel": rec.ChannelID,
		"kind":    rec.Kind,
	}).Warn("unknown settlement kind, skipping")
	return nil
}

// backoffFor doubles the base delay per attempt, capped at maxBackoff.
func (p *Poller) backoffFor(attempts int) time.Duration {
	delay := p.baseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= p.maxBackoff {
			return p.maxBackoff
		}
	}
	if delay > p.maxBackoff {
		return p.maxBackoff
	}
	return delay
}

func (p *Poller) due(channelID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	next, ok := p.nextAttempt[channelID]
	return !ok || !p.now().Before(next)
}

func (p *Poller) deferUntil(channelID string, at time.Time) {
	p.mu.Lock()
	p.nextAttempt[channelID] = at
	p.mu.Unlock()
}

func (p *Poller) clearBackoff(channelID string) {
	p.mu.Lock()
	delete(p.nextAttempt, channelID)
	p.mu.Unlock()
}
