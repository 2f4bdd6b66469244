// Package settlement converts accepted off-chain vouchers into on-chain
// finality: it submits the highest accepted voucher per channel to the
// payment contract, drives cooperative close, and defends against stale
// disputes. Settlement runs on its own schedule and never blocks voucher
// acceptance.
package settlement

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/R3E-Network/payment_layer/internal/app/domain/channel"
	"github.com/R3E-Network/payment_layer/internal/app/metrics"
	"github.com/R3E-Network/payment_layer/internal/app/services/billing"
	"github.com/R3E-Network/payment_layer/internal/app/storage"
	"github.com/R3E-Network/payment_layer/internal/chain"
	"github.com/R3E-Network/payment_layer/internal/errors"
	"github.com/R3E-Network/payment_layer/internal/rav"
	"github.com/R3E-Network/payment_layer/pkg/logger"
)

// ContractClient is the on-chain surface the settlement service consumes.
type ContractClient interface {
	ChannelState(ctx context.Context, id rav.ChannelID) (*chain.ChannelState, error)
	SubmitVoucher(ctx context.Context, signed *rav.SignedSubRAV) (string, error)
	CloseChannel(ctx context.Context, id rav.ChannelID) (string, error)
	DisputeChannel(ctx context.Context, signed *rav.SignedSubRAV) (string, error)
}

var _ ContractClient = (*chain.PaymentContract)(nil)

// Options configures the settlement service.
type Options struct {
	Ledger   *billing.Service
	Records  storage.SettlementStore
	Contract ContractClient
	Log      *logger.Logger
}

// Service submits vouchers and lifecycle transactions to the payment
// contract and keeps an audit record of every attempt. Operations for the
// same channel are serialized; the poller, the sweep and operator calls may
// otherwise race each other into duplicate transactions.
type Service struct {
	ledger   *billing.Service
	records  storage.SettlementStore
	contract ContractClient
	log      *logger.Logger

	locks keyedMutex
}

// New constructs the settlement service.
func New(opts Options) (*Service, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if opts.Records == nil {
		return nil, fmt.Errorf("settlement store is required")
	}
	if opts.Contract == nil {
		return nil, fmt.Errorf("contract client is required")
	}
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("settlement")
	}
	return &Service{
		ledger:   opts.Ledger,
		records:  opts.Records,
		contract: opts.Contract,
		log:      log,
	}, nil
}

// SubmitLatest presents the channel's highest accepted voucher to the
// contract. The call is idempotent: when the on-chain settled nonce already
// covers the voucher it returns (nil, nil) and only syncs the ledger's
// settled mark. Transient chain failures leave a pending record behind for
// the poller to retry; a contract fault marks the record failed.
func (s *Service) SubmitLatest(ctx context.Context, channelID string) (*channel.SettlementRecord, error) {
	unlock := s.locks.lock(channelID)
	defer unlock()
	return s.submitLatest(ctx, channelID)
}

// Close drives cooperative closure: the ledger stops treating the channel as
// live, any unsettled credit is submitted first, then the contract close is
// relayed and the channel marked terminal. Each step is idempotent, so an
// interrupted close resumes on the next call.
func (s *Service) Close(ctx context.Context, channelID string) (*channel.SettlementRecord, error) {
	unlock := s.locks.lock(channelID)
	defer unlock()
	return s.close(ctx, channelID)
}

// Dispute presents the channel's highest accepted voucher as defense against
// a close attempt based on a stale voucher.
func (s *Service) Dispute(ctx context.Context, channelID string) (*channel.SettlementRecord, error) {
	unlock := s.locks.lock(channelID)
	defer unlock()
	return s.dispute(ctx, channelID)
}

// ListRecords returns the settlement audit trail for one channel.
func (s *Service) ListRecords(ctx context.Context, channelID string) ([]channel.SettlementRecord, error) {
	return s.records.ListSettlements(ctx, channelID)
}

func (s *Service) submitLatest(ctx context.Context, channelID string) (*channel.SettlementRecord, error) {
	ch, err := s.ledger.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if len(ch.LastVoucher) == 0 {
		return nil, errors.InvalidInput("channel has no accepted voucher")
	}
	signed, err := rav.DecodeSigned(ch.LastVoucher)
	if err != nil {
		return nil, errors.Internal("decode stored voucher", err)
	}

	state, err := s.contract.ChannelState(ctx, signed.ChannelID)
	if err != nil {
		return nil, errors.SettlementFailed("read on-chain channel", err).
			WithDetails("channelId", channelID)
	}
	if state.Epoch != signed.ChannelEpoch {
		return nil, errors.SettlementFailed(
			fmt.Sprintf("stored voucher epoch %d does not match on-chain epoch %d", signed.ChannelEpoch, state.Epoch), nil).
			WithDetails("channelId", channelID)
	}
	if state.SettledNonce >= signed.Nonce {
		s.syncSettled(ctx, channelID, state)
		s.resolvePending(ctx, channelID, channel.SettleKindSubmit)
		s.log.WithFields(map[string]interface{}{
			"channel": channelID,
			"nonce":   signed.Nonce,
			"settled": state.SettledNonce,
		}).Debug("voucher already settled on chain")
		return nil, nil
	}

	rec, err := s.openRecord(ctx, channelID, channel.SettleKindSubmit, signed.Nonce, signed.Amount())
	if err != nil {
		return nil, err
	}

	start := time.Now()
	txID, submitErr := s.contract.SubmitVoucher(ctx, signed)
	s.observe(channel.SettleKindSubmit, start, submitErr)
	if submitErr != nil {
		return nil, s.recordFailure(ctx, rec, submitErr)
	}

	rec.TxID = txID
	confirmed, err := s.confirmRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.RecordSettled(ctx, channelID, signed.Nonce, signed.Amount()); err != nil {
		s.log.WithError(err).WithField("channel", channelID).Warn("record settled mark failed")
	}
	s.log.WithFields(map[string]interface{}{
		"channel": channelID,
		"nonce":   signed.Nonce,
		"amount":  signed.Amount().String(),
		"tx":      txID,
	}).Info("voucher settled on chain")
	return confirmed, nil
}

func (s *Service) close(ctx context.Context, channelID string) (*channel.SettlementRecord, error) {
	id, err := rav.ParseChannelID(channelID)
	if err != nil {
		return nil, errors.InvalidInput("malformed channel id")
	}
	ch, err := s.ledger.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.State == channel.StateClosed {
		return nil, nil
	}
	if _, err := s.ledger.MarkClosing(ctx, channelID); err != nil {
		return nil, err
	}

	state, err := s.contract.ChannelState(ctx, id)
	if err != nil {
		return nil, errors.SettlementFailed("read on-chain channel", err).
			WithDetails("channelId", channelID)
	}
	if state.Status == chain.StatusClosed {
		s.syncSettled(ctx, channelID, state)
		s.resolvePending(ctx, channelID, channel.SettleKindClose)
		if _, err := s.ledger.MarkClosed(ctx, channelID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if len(ch.LastVoucher) > 0 && ch.UnsettledAmount().Sign() > 0 {
		if _, err := s.submitLatest(ctx, channelID); err != nil {
			return nil, err
		}
	}

	rec, err := s.openRecord(ctx, channelID, channel.SettleKindClose, ch.LastNonce, ch.LastAmount)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	txID, closeErr := s.contract.CloseChannel(ctx, id)
	s.observe(channel.SettleKindClose, start, closeErr)
	if closeErr != nil {
		return nil, s.recordFailure(ctx, rec, closeErr)
	}
	rec.TxID = txID
	confirmed, err := s.confirmRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.MarkClosed(ctx, channelID); err != nil {
		return nil, err
	}
	s.log.WithFields(map[string]interface{}{
		"channel": channelID,
		"tx":      txID,
	}).Info("channel closed on chain")
	return confirmed, nil
}

func (s *Service) dispute(ctx context.Context, channelID string) (*channel.SettlementRecord, error) {
	ch, err := s.ledger.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if len(ch.LastVoucher) == 0 {
		return nil, errors.InvalidInput("channel has no accepted voucher to present")
	}
	signed, err := rav.DecodeSigned(ch.LastVoucher)
	if err != nil {
		return nil, errors.Internal("decode stored voucher", err)
	}

	rec, err := s.openRecord(ctx, channelID, channel.SettleKindDispute, signed.Nonce, signed.Amount())
	if err != nil {
		return nil, err
	}
	start := time.Now()
	txID, disputeErr := s.contract.DisputeChannel(ctx, signed)
	s.observe(channel.SettleKindDispute, start, disputeErr)
	if disputeErr != nil {
		return nil, s.recordFailure(ctx, rec, disputeErr)
	}
	rec.TxID = txID
	confirmed, err := s.confirmRecord(ctx, rec)
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.RecordSettled(ctx, channelID, signed.Nonce, signed.Amount()); err != nil {
		s.log.WithError(err).WithField("channel", channelID).Warn("record settled mark failed")
	}
	if _, err := s.ledger.MarkClosing(ctx, channelID); err != nil {
		s.log.WithError(err).WithField("channel", channelID).Warn("mark closing after dispute failed")
	}
	s.log.WithFields(map[string]interface{}{
		"channel": channelID,
		"nonce":   signed.Nonce,
		"tx":      txID,
	}).Warn("dispute defense submitted")
	return confirmed, nil
}

// openRecord reuses the channel's pending record of the given kind, bumping
// it to the latest voucher, or creates a fresh one. One pending record per
// channel and kind keeps the retry queue bounded.
func (s *Service) openRecord(ctx context.Context, channelID, kind string, nonce uint64, amount *big.Int) (channel.SettlementRecord, error) {
	existing, err := s.records.ListSettlements(ctx, channelID)
	if err != nil {
		return channel.SettlementRecord{}, errors.Internal("list settlement records", err)
	}
	for _, rec := range existing {
		if rec.Kind == kind && rec.Status == channel.SettlementPending {
			rec.Nonce = nonce
			rec.Amount = cloneAmount(amount)
			return rec, nil
		}
	}
	rec, err := s.records.CreateSettlement(ctx, channel.SettlementRecord{
		ChannelID: channelID,
		Kind:      kind,
		Nonce:     nonce,
		Amount:    cloneAmount(amount),
		Status:    channel.SettlementPending,
	})
	if err != nil {
		return channel.SettlementRecord{}, errors.Internal("create settlement record", err)
	}
	return rec, nil
}

// observe records one contract call in the metrics registry.
func (s *Service) observe(kind string, start time.Time, cause error) {
	outcome := "confirmed"
	switch {
	case cause == nil:
	case stderrors.Is(cause, chain.ErrExecutionFault):
		outcome = "faulted"
	default:
		outcome = "failed"
	}
	metrics.RecordSettlement(kind, outcome, time.Since(start))
}

// recordFailure books one failed attempt. Faults are deterministic and mark
// the record failed; anything else stays pending for the poller.
func (s *Service) recordFailure(ctx context.Context, rec channel.SettlementRecord, cause error) error {
	rec.Attempts++
	rec.LastError = cause.Error()
	if stderrors.Is(cause, chain.ErrExecutionFault) {
		rec.Status = channel.SettlementFailed
	} else {
		rec.Status = channel.SettlementPending
	}
	if _, err := s.records.UpdateSettlement(ctx, rec); err != nil {
		s.log.WithError(err).WithField("channel", rec.ChannelID).Warn("persist settlement failure")
	}
	entry := s.log.WithError(cause).WithFields(map[string]interface{}{
		"channel":  rec.ChannelID,
		"kind":     rec.Kind,
		"attempts": rec.Attempts,
	})
	if rec.Status == channel.SettlementFailed {
		entry.Error("settlement faulted, operator action required")
	} else {
		entry.Warn("settlement attempt failed")
	}
	return errors.SettlementFailed(fmt.Sprintf("%s channel %s", rec.Kind, rec.ChannelID), cause)
}

func (s *Service) confirmRecord(ctx context.Context, rec channel.SettlementRecord) (*channel.SettlementRecord, error) {
	rec.Attempts++
	rec.Status = channel.SettlementConfirmed
	rec.LastError = ""
	updated, err := s.records.UpdateSettlement(ctx, rec)
	if err != nil {
		return nil, errors.Internal("persist settlement record", err)
	}
	return &updated, nil
}

// resolvePending confirms leftover pending records of a kind once the chain
// already reflects their outcome, so the poller stops retrying them.
func (s *Service) resolvePending(ctx context.Context, channelID, kind string) {
	existing, err := s.records.ListSettlements(ctx, channelID)
	if err != nil {
		s.log.WithError(err).WithField("channel", channelID).Warn("list settlement records")
		return
	}
	for _, rec := range existing {
		if rec.Kind != kind || rec.Status != channel.SettlementPending {
			continue
		}
		rec.Status = channel.SettlementConfirmed
		rec.LastError = ""
		if _, err := s.records.UpdateSettlement(ctx, rec); err != nil {
			s.log.WithError(err).WithField("channel", channelID).Warn("resolve settlement record")
		}
	}
}

func (s *Service) syncSettled(ctx context.Context, channelID string, state *chain.ChannelState) {
	if state.SettledNonce == 0 {
		return
	}
	if _, err := s.ledger.RecordSettled(ctx, channelID, state.SettledNonce, state.SettledAmount); err != nil {
		s.log.WithError(err).WithField("channel", channelID).Warn("sync settled mark failed")
	}
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// keyedMutex hands out one mutex per channel id.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (k *keyedMutex) lock(id string) func() {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*sync.Mutex)
	}
	l, ok := k.m[id]
	if !ok {
		l = &sync.Mutex{}
		k.m[id] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
