// Package billing implements the payee accounting ledger: the single
// authority deciding whether a presented voucher is accepted and how much is
// debited for the request.
package billing

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/R3E-Network/payment_layer/internal/app/domain/channel"
	"github.com/R3E-Network/payment_layer/internal/app/metrics"
	"github.com/R3E-Network/payment_layer/internal/app/storage"
	"github.com/R3E-Network/payment_layer/internal/did"
	"github.com/R3E-Network/payment_layer/internal/errors"
	"github.com/R3E-Network/payment_layer/internal/rav"
	"github.com/R3E-Network/payment_layer/pkg/logger"
)

// DefaultResolveTimeout bounds payer DID resolution. A resolution that does
// not complete in time surfaces as AUTH_FAILED rather than hanging the
// request.
const DefaultResolveTimeout = 5 * time.Second

const dayFormat = "2006-01-02"

// ChannelDirectory discovers channels the ledger has not seen before,
// typically by reading the on-chain channel registry.
type ChannelDirectory interface {
	LookupChannel(ctx context.Context, id rav.ChannelID) (channel.Channel, error)
}

// DirectoryFunc adapts a function to the ChannelDirectory interface.
type DirectoryFunc func(ctx context.Context, id rav.ChannelID) (channel.Channel, error)

// LookupChannel implements ChannelDirectory.
func (f DirectoryFunc) LookupChannel(ctx context.Context, id rav.ChannelID) (channel.Channel, error) {
	return f(ctx, id)
}

// ReceiptPublisher receives every receipt the ledger signs. Implementations
// must not block.
type ReceiptPublisher interface {
	PublishReceipt(channelID string, rec channel.ReceiptRecord)
}

// Options configures the ledger service.
type Options struct {
	Channels  storage.ChannelStore
	Receipts  storage.ReceiptStore
	Resolver  did.Resolver
	Directory ChannelDirectory
	Identity  Identity

	// ChainID is the chain this payee serves; vouchers bound to any other
	// chain are refused.
	ChainID uint64

	// Relationships restricts which verification relationships may sign
	// vouchers. Empty means did.DefaultPaymentRelationships.
	Relationships []string

	ResolveTimeout time.Duration

	// DailyCap bounds the amount debited per channel per UTC day. Nil means
	// uncapped.
	DailyCap *big.Int

	Events ReceiptPublisher
	Log    *logger.Logger
}

// Service is the payee accounting ledger.
type Service struct {
	channels  storage.ChannelStore
	receipts  storage.ReceiptStore
	resolver  did.Resolver
	directory ChannelDirectory
	identity  Identity

	chainID        uint64
	relationships  []string
	resolveTimeout time.Duration
	dailyCap       *big.Int

	events ReceiptPublisher
	log    *logger.Logger

	locks channelLocks

	now func() time.Time
}

// New constructs the ledger service.
func New(opts Options) (*Service, error) {
	if opts.Channels == nil {
		return nil, fmt.Errorf("channel store is required")
	}
	if opts.Receipts == nil {
		return nil, fmt.Errorf("receipt store is required")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if err := opts.Identity.Validate(); err != nil {
		return nil, fmt.Errorf("payee identity: %w", err)
	}
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("billing")
	}
	timeout := opts.ResolveTimeout
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	var dailyCap *big.Int
	if opts.DailyCap != nil {
		if opts.DailyCap.Sign() < 0 {
			return nil, fmt.Errorf("daily cap must not be negative")
		}
		dailyCap = new(big.Int).Set(opts.DailyCap)
	}
	return &Service{
		channels:       opts.Channels,
		receipts:       opts.Receipts,
		resolver:       opts.Resolver,
		directory:      opts.Directory,
		identity:       opts.Identity,
		chainID:        opts.ChainID,
		relationships:  opts.Relationships,
		resolveTimeout: timeout,
		dailyCap:       dailyCap,
		events:         opts.Events,
		log:            log,
		now:            time.Now,
	}, nil
}

// Identity returns the payee signing identity.
func (s *Service) Identity() Identity {
	return s.identity
}

// Apply runs the acceptance state machine for one presented voucher. The
// returned receipt is signed and must reach the payer whether or not the
// voucher was accepted; a non-nil error carries the rejection code and HTTP
// status for the transport layer.
//
// Payer DID resolution is the only blocking I/O on this path and happens
// before the per-channel lock is taken, so the serialized section is just
// the read-check-write against the store.
func (s *Service) Apply(ctx context.Context, signed *rav.SignedSubRAV, price *big.Int) (*rav.SignedReceipt, error) {
	if signed == nil {
		return s.RejectMalformed(ctx, fmt.Errorf("no voucher presented"))
	}
	voucher := &signed.SubRAV
	if price == nil || price.Sign() < 0 {
		price = new(big.Int)
	}

	if voucher.ChainID != s.chainID {
		return s.reject(ctx, voucher, errors.AuthFailed(
			fmt.Sprintf("voucher is bound to chain %d, this service settles on chain %d", voucher.ChainID, s.chainID), nil))
	}

	ch, svcErr := s.lookupChannel(ctx, voucher)
	if svcErr != nil {
		return s.reject(ctx, voucher, svcErr)
	}

	// Cheap rejections before paying for resolution. The same checks run
	// again under the channel lock; these only short-circuit.
	if ch.State.Terminal() {
		return s.reject(ctx, voucher, errors.ChannelClosed(ch.ID))
	}
	if voucher.ChannelEpoch != ch.Epoch {
		return s.reject(ctx, voucher, errors.EpochMismatch(voucher.ChannelEpoch, ch.Epoch))
	}

	doc, svcErr := s.resolvePayer(ctx, ch.PayerDID)
	if svcErr != nil {
		return s.reject(ctx, voucher, svcErr)
	}

	payload, err := voucher.SigningBytes()
	if err != nil {
		return s.reject(ctx, voucher, errors.MalformedHeader(err))
	}
	if err := did.VerifyVoucherSignature(doc, voucher.VMIDFragment, s.relationships, payload, signed.Signature); err != nil {
		return s.reject(ctx, voucher, asServiceError(err))
	}

	unlock := s.locks.lock(ch.ID)
	updated, delta, svcErr := s.commit(ctx, signed, price)
	unlock()
	if svcErr != nil {
		return s.reject(ctx, voucher, svcErr)
	}

	receipt := s.buildReceipt(voucher, delta, 0, "accepted")
	s.record(ctx, receipt)
	s.log.WithFields(map[string]interface{}{
		"channel": updated.ID,
		"nonce":   voucher.Nonce,
		"debited": delta.String(),
	}).Debug("voucher accepted")
	return s.identity.SignReceipt(receipt)
}

// RejectMalformed signs a rejection receipt for input that never decoded to
// a voucher. The echo fields are zeroed because nothing trustworthy was
// presented.
func (s *Service) RejectMalformed(ctx context.Context, cause error) (*rav.SignedReceipt, error) {
	svcErr := errors.MalformedHeader(cause)
	receipt := s.buildReceipt(nil, nil, svcErr.Code.Numeric(), svcErr.Message)
	signed, err := s.identity.SignReceipt(receipt)
	if err != nil {
		return nil, err
	}
	return signed, svcErr
}

// GetChannel returns one channel record.
func (s *Service) GetChannel(ctx context.Context, id string) (channel.Channel, error) {
	ch, err := s.channels.GetChannel(ctx, id)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return channel.Channel{}, errors.NotFound("channel", id)
		}
		return channel.Channel{}, errors.Internal("load channel", err)
	}
	return ch, nil
}

// ListChannels returns all channel records.
func (s *Service) ListChannels(ctx context.Context) ([]channel.Channel, error) {
	return s.channels.ListChannels(ctx)
}

// ListUnsettledChannels returns channels whose accepted value exceeds the
// settled mark by at least minDelta.
func (s *Service) ListUnsettledChannels(ctx context.Context, minDelta *big.Int) ([]channel.Channel, error) {
	return s.channels.ListUnsettledChannels(ctx, minDelta)
}

// ListReceipts returns the newest receipts for a channel.
func (s *Service) ListReceipts(ctx context.Context, channelID string, limit int) ([]channel.ReceiptRecord, error) {
	return s.receipts.ListReceipts(ctx, channelID, limit)
}

// ResetDailySpend zeroes per-channel daily counters that refer to a previous
// day. The cap check self-resets on rollover; this keeps the stored rows
// accurate for the read API.
func (s *Service) ResetDailySpend(ctx context.Context) (int, error) {
	return s.channels.ResetDailySpend(ctx, s.now().UTC().Format(dayFormat))
}

// MarkClosing flags a channel as settlement-in-progress. Vouchers are still
// accepted while closing; only closed is terminal.
func (s *Service) MarkClosing(ctx context.Context, id string) (channel.Channel, error) {
	return s.transitionState(ctx, id, channel.StateClosing)
}

// MarkClosed marks a channel terminal. Further vouchers for this epoch are
// rejected with CHANNEL_CLOSED.
func (s *Service) MarkClosed(ctx context.Context, id string) (channel.Channel, error) {
	return s.transitionState(ctx, id, channel.StateClosed)
}

// RecordSettled stores the on-chain settlement high-water mark for a channel.
// Stale confirmations, at or below the recorded nonce, are ignored.
func (s *Service) RecordSettled(ctx context.Context, id string, nonce uint64, amount *big.Int) (channel.Channel, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	ch, err := s.channels.GetChannel(ctx, id)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return channel.Channel{}, errors.NotFound("channel", id)
		}
		return channel.Channel{}, errors.Internal("load channel", err)
	}
	if nonce <= ch.SettledNonce {
		return ch, nil
	}
	ch.SettledNonce = nonce
	if amount != nil {
		ch.SettledAmount = new(big.Int).Set(amount)
	}
	ch.UpdatedAt = s.now().UTC()
	updated, err := s.channels.UpdateChannel(ctx, ch)
	if err != nil {
		return channel.Channel{}, errors.Internal("record settlement", err)
	}
	return updated, nil
}

func (s *Service) transitionState(ctx context.Context, id string, state channel.State) (channel.Channel, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	ch, err := s.channels.GetChannel(ctx, id)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return channel.Channel{}, errors.NotFound("channel", id)
		}
		return channel.Channel{}, errors.Internal("load channel", err)
	}
	if ch.State == state {
		return ch, nil
	}
	if ch.State.Terminal() {
		return channel.Channel{}, errors.ChannelClosed(id)
	}
	ch.State = state
	ch.UpdatedAt = s.now().UTC()
	updated, err := s.channels.UpdateChannel(ctx, ch)
	if err != nil {
		return channel.Channel{}, errors.Internal("update channel state", err)
	}
	s.log.WithField("channel", id).Infof("channel marked %s", state)
	return updated, nil
}

// --- acceptance pipeline ---

func (s *Service) lookupChannel(ctx context.Context, voucher *rav.SubRAV) (*channel.Channel, *errors.ServiceError) {
	id := voucher.ChannelID.String()
	ch, err := s.channels.GetChannel(ctx, id)
	if err == nil {
		return &ch, nil
	}
	if !stderrors.Is(err, storage.ErrNotFound) {
		return nil, errors.Internal("load channel", err)
	}
	if s.directory == nil {
		return nil, errors.AuthFailed(fmt.Sprintf("channel %s is not registered with this payee", id), nil)
	}

	discovered, err := s.directory.LookupChannel(ctx, voucher.ChannelID)
	if err != nil {
		return nil, errors.AuthFailed(fmt.Sprintf("channel %s not found on chain", id), err)
	}
	if derived := rav.DeriveChannelID(discovered.ChainID, discovered.PayerDID, discovered.PayeeDID); derived != voucher.ChannelID {
		return nil, errors.AuthFailed(fmt.Sprintf("on-chain parties do not derive channel %s", id), nil)
	}
	discovered.ID = id
	if discovered.State == "" {
		discovered.State = channel.StateUnknown
	}

	created, err := s.channels.CreateChannel(ctx, discovered)
	if err != nil {
		if stderrors.Is(err, storage.ErrConflict) {
			// Another request registered it first.
			existing, getErr := s.channels.GetChannel(ctx, id)
			if getErr != nil {
				return nil, errors.Internal("load channel after create race", getErr)
			}
			return &existing, nil
		}
		return nil, errors.Internal("register channel", err)
	}
	s.log.WithFields(map[string]interface{}{"channel": id, "payer": created.PayerDID}).Info("channel discovered")
	return &created, nil
}

func (s *Service) resolvePayer(ctx context.Context, payerDID string) (*did.Document, *errors.ServiceError) {
	if payerDID == "" {
		return nil, errors.AuthFailed("channel has no payer identity", nil)
	}
	rctx, cancel := context.WithTimeout(ctx, s.resolveTimeout)
	defer cancel()

	doc, err := s.resolver.Resolve(rctx, payerDID)
	if err != nil {
		if stderrors.Is(err, did.ErrNotFound) {
			return nil, errors.AuthFailed(fmt.Sprintf("payer %s does not resolve", payerDID), err)
		}
		return nil, errors.AuthFailed(fmt.Sprintf("payer %s resolution failed", payerDID), err)
	}
	return doc, nil
}

// commit re-reads the channel under the per-channel lock, runs the ordered
// state checks, and advances the record with a compare-and-swap keyed on
// (epoch, lastNonce). A CAS conflict means another writer advanced the
// channel first, which is indistinguishable from a replay to the loser.
func (s *Service) commit(ctx context.Context, signed *rav.SignedSubRAV, price *big.Int) (*channel.Channel, *big.Int, *errors.ServiceError) {
	voucher := &signed.SubRAV
	ch, err := s.channels.GetChannel(ctx, voucher.ChannelID.String())
	if err != nil {
		return nil, nil, errors.Internal("load channel", err)
	}

	if ch.State.Terminal() {
		return nil, nil, errors.ChannelClosed(ch.ID)
	}
	if voucher.ChannelEpoch != ch.Epoch {
		return nil, nil, errors.EpochMismatch(voucher.ChannelEpoch, ch.Epoch)
	}
	last := ch.LastAmount
	if last == nil {
		last = new(big.Int)
	}
	if voucher.Nonce <= ch.LastNonce {
		return nil, nil, errors.ReplayedOrStale(voucher.Nonce, ch.LastNonce)
	}
	if voucher.Amount().Cmp(last) < 0 {
		return nil, nil, errors.AmountRegression(
			fmt.Sprintf("accumulated amount %s is below accepted %s", voucher.Amount(), last))
	}

	delta := new(big.Int).Sub(voucher.Amount(), last)
	if delta.Cmp(price) < 0 {
		return nil, nil, errors.InsufficientAmount(
			fmt.Sprintf("voucher adds %s, request costs %s", delta, price))
	}

	today := s.now().UTC().Format(dayFormat)
	spent := new(big.Int)
	if ch.SpentDay == today && ch.SpentToday != nil {
		spent.Set(ch.SpentToday)
	}
	spent.Add(spent, delta)
	if s.dailyCap != nil && spent.Cmp(s.dailyCap) > 0 {
		return nil, nil, errors.LimitExceeded(
			fmt.Sprintf("daily spend %s exceeds cap %s", spent, s.dailyCap))
	}

	encoded, err := rav.EncodeSigned(signed)
	if err != nil {
		return nil, nil, errors.Internal("encode accepted voucher", err)
	}

	expectedEpoch, expectedNonce := ch.Epoch, ch.LastNonce
	ch.State = channel.StateOpen
	ch.LastNonce = voucher.Nonce
	ch.LastAmount = new(big.Int).Set(voucher.Amount())
	ch.LastVoucher = encoded
	ch.SpentToday = spent
	ch.SpentDay = today
	ch.UpdatedAt = s.now().UTC()

	updated, err := s.channels.UpdateChannelCAS(ctx, ch, expectedEpoch, expectedNonce)
	if err != nil {
		if stderrors.Is(err, storage.ErrConflict) {
			lastSeen := expectedNonce
			if cur, getErr := s.channels.GetChannel(ctx, ch.ID); getErr == nil {
				lastSeen = cur.LastNonce
			}
			return nil, nil, errors.ReplayedOrStale(voucher.Nonce, lastSeen)
		}
		return nil, nil, errors.Internal("advance channel", err)
	}
	return &updated, delta, nil
}

func (s *Service) reject(ctx context.Context, voucher *rav.SubRAV, svcErr *errors.ServiceError) (*rav.SignedReceipt, error) {
	receipt := s.buildReceipt(voucher, nil, svcErr.Code.Numeric(), svcErr.Message)
	s.record(ctx, receipt)
	s.log.WithFields(map[string]interface{}{
		"channel": voucher.ChannelID.String(),
		"nonce":   voucher.Nonce,
		"code":    string(svcErr.Code),
	}).Info("voucher rejected")

	signed, err := s.identity.SignReceipt(receipt)
	if err != nil {
		return nil, errors.Internal("sign receipt", err)
	}
	return signed, svcErr
}

func (s *Service) buildReceipt(voucher *rav.SubRAV, debited *big.Int, code uint32, message string) *rav.Receipt {
	if len(message) > rav.MaxMessageLen {
		message = message[:rav.MaxMessageLen]
		for len(message) > 0 && !utf8.ValidString(message) {
			message = message[:len(message)-1]
		}
	}
	r := &rav.Receipt{
		Version:       rav.Version1,
		AmountDebited: debited,
		ServiceTxRef:  uuid.NewString(),
		ErrorCode:     code,
		Message:       message,
	}
	if voucher != nil {
		r.ChainID = voucher.ChainID
		r.ChannelID = voucher.ChannelID
		r.ChannelEpoch = voucher.ChannelEpoch
		r.VMIDFragment = voucher.VMIDFragment
		r.Accumulated = new(big.Int).Set(voucher.Amount())
		r.Nonce = voucher.Nonce
	}
	return r
}

// record persists the audit row and fans it out to subscribers. Persistence
// failures are logged, not propagated: the billing decision already
// happened and the signed receipt must still reach the payer.
func (s *Service) record(ctx context.Context, r *rav.Receipt) {
	metrics.RecordVoucher(r.ErrorCode, r.Debited())
	if r.ChannelID.IsZero() {
		return
	}
	rec := channel.ReceiptRecord{
		ChannelID:     r.ChannelID.String(),
		Epoch:         r.ChannelEpoch,
		Nonce:         r.Nonce,
		VMIDFragment:  r.VMIDFragment,
		Accumulated:   r.AccumulatedAmount(),
		AmountDebited: r.Debited(),
		ErrorCode:     r.ErrorCode,
		Message:       r.Message,
		ServiceTxRef:  r.ServiceTxRef,
	}
	stored, err := s.receipts.CreateReceipt(ctx, rec)
	if err != nil {
		s.log.WithError(err).WithField("channel", rec.ChannelID).Warn("receipt persistence failed")
		stored = rec
	}
	if s.events != nil {
		s.events.PublishReceipt(stored.ChannelID, stored)
	}
}

func asServiceError(err error) *errors.ServiceError {
	if svcErr := errors.GetServiceError(err); svcErr != nil {
		return svcErr
	}
	return errors.Internal("voucher verification", err)
}

// channelLocks serializes voucher acceptance per channel. Different channels
// proceed independently.
type channelLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *channelLocks) lock(id string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*sync.Mutex)
	}
	lk, ok := l.m[id]
	if !ok {
		lk = &sync.Mutex{}
		l.m[id] = lk
	}
	l.mu.Unlock()

	lk.Lock()
	return lk.Unlock
}
