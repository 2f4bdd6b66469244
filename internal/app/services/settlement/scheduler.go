package settlement

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/payment_layer/internal/app/domain/channel"
	"github.com/R3E-Network/payment_layer/internal/app/services/billing"
	"github.com/R3E-Network/payment_layer/internal/app/system"
	"github.com/R3E-Network/payment_layer/pkg/logger"
)

var _ system.Service = (*Scheduler)(nil)

// Scheduler defaults. The reset runs shortly after UTC midnight because
// spending days roll over at midnight UTC.
const (
	DefaultResetSchedule = "5 0 * * *"
	DefaultSweepSchedule = "@every 15m"

	jobTimeout = 5 * time.Minute
)

// SchedulerConfig tunes the periodic maintenance jobs.
type SchedulerConfig struct {
	// ResetSchedule fires the daily spending counter reset.
	ResetSchedule string

	// SweepSchedule fires the auto-settle sweep.
	SweepSchedule string

	// SweepThreshold is the minimum unsettled amount that triggers an
	// automatic submission. Nil disables the sweep.
	SweepThreshold *big.Int
}

// Scheduler runs the cron-driven maintenance jobs: the daily spending reset
// and the auto-settle sweep over channels with enough unsettled value. The
// sweep also resumes closes that were interrupted before a retry record
// could be written.
type Scheduler struct {
	ledger    *billing.Service
	service   *Service
	cron      *cron.Cron
	log       *logger.Logger
	threshold *big.Int

	mu      sync.Mutex
	running bool
}

// NewScheduler creates the maintenance scheduler. Schedules are validated at
// construction.
func NewScheduler(ledger *billing.Service, service *Service, cfg SchedulerConfig, log *logger.Logger) (*Scheduler, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if service == nil {
		return nil, fmt.Errorf("settlement service is required")
	}
	if log == nil {
		log = logger.NewDefault("settlement-scheduler")
	}
	resetSchedule := cfg.ResetSchedule
	if resetSchedule == "" {
		resetSchedule = DefaultResetSchedule
	}
	sweepSchedule := cfg.SweepSchedule
	if sweepSchedule == "" {
		sweepSchedule = DefaultSweepSchedule
	}

	s := &Scheduler{
		ledger:  ledger,
		service: service,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		log:     log,
	}
	if cfg.SweepThreshold != nil {
		s.threshold = new(big.Int).Set(cfg.SweepThreshold)
	}

	if _, err := s.cron.AddFunc(resetSchedule, s.runSpendReset); err != nil {
		return nil, fmt.Errorf("schedule spend reset: %w", err)
	}
	if s.threshold != nil {
		if _, err := s.cron.AddFunc(sweepSchedule, s.runSweep); err != nil {
			return nil, fmt.Errorf("schedule settle sweep: %w", err)
		}
	}
	return s, nil
}

func (s *Scheduler) Name() string { return "settlement-scheduler" }

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.cron.Start()
	s.running = true
	s.log.Info("settlement scheduler started")
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("settlement scheduler stopped")
	return nil
}

func (s *Scheduler) runSpendReset() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := s.ledger.ResetDailySpend(ctx)
	if err != nil {
		s.log.WithError(err).Warn("daily spend reset failed")
		return
	}
	if n > 0 {
		s.log.WithField("channels", n).Info("daily spend counters reset")
	}
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	unsettled, err := s.ledger.ListUnsettledChannels(ctx, s.threshold)
	if err != nil {
		s.log.WithError(err).Warn("auto settle sweep failed")
		return
	}
	for _, ch := range unsettled {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.service.SubmitLatest(ctx, ch.ID); err != nil {
			s.log.WithError(err).WithField("channel", ch.ID).Warn("auto settle failed")
		}
	}

	all, err := s.ledger.ListChannels(ctx)
	if err != nil {
		s.log.WithError(err).Warn("list channels for close resume failed")
		return
	}
	for _, ch := range all {
		if ctx.Err() != nil {
			return
		}
		if ch.State != channel.StateClosing {
			continue
		}
		if _, err := s.service.Close(ctx, ch.ID); err != nil {
			s.log.WithError(err).WithField("channel", ch.ID).Warn("close resume failed")
		}
	}
}
