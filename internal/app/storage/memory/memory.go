package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/payment_layer/internal/app/domain/channel"
	"github.com/R3E-Network/payment_layer/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu          sync.RWMutex
	nextID      int64
	channels    map[string]channel.Channel
	receipts    map[string][]channel.ReceiptRecord
	settlements map[string]channel.SettlementRecord
}

var _ storage.ChannelStore = (*Store)(nil)
var _ storage.ReceiptStore = (*Store)(nil)
var _ storage.SettlementStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:      1,
		channels:    make(map[string]channel.Channel),
		receipts:    make(map[string][]channel.ReceiptRecord),
		settlements: make(map[string]channel.SettlementRecord),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// ChannelStore implementation -------------------------------------------------

func (s *Store) CreateChannel(_ context.Context, ch channel.Channel) (channel.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.ID == "" {
		return channel.Channel{}, fmt.Errorf("channel id required")
	}
	if _, exists := s.channels[ch.ID]; exists {
		return channel.Channel{}, fmt.Errorf("channel %s: %w", ch.ID, storage.ErrConflict)
	}

	now := time.Now().UTC()
	ch.CreatedAt = now
	ch.UpdatedAt = now

	s.channels[ch.ID] = cloneChannel(ch)
	return cloneChannel(ch), nil
}

func (s *Store) GetChannel(_ context.Context, id string) (channel.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[id]
	if !ok {
		return channel.Channel{}, fmt.Errorf("channel %s: %w", id, storage.ErrNotFound)
	}
	return cloneChannel(ch), nil
}

func (s *Store) UpdateChannel(_ context.Context, ch channel.Channel) (channel.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.channels[ch.ID]
	if !ok {
		return channel.Channel{}, fmt.Errorf("channel %s: %w", ch.ID, storage.ErrNotFound)
	}

	ch.CreatedAt = original.CreatedAt
	ch.UpdatedAt = time.Now().UTC()

	s.channels[ch.ID] = cloneChannel(ch)
	return cloneChannel(ch), nil
}

func (s *Store) UpdateChannelCAS(_ context.Context, ch channel.Channel, expectedEpoch, expectedNonce uint64) (channel.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.channels[ch.ID]
	if !ok {
		return channel.Channel{}, fmt.Errorf("channel %s: %w", ch.ID, storage.ErrNotFound)
	}
	if original.Epoch != expectedEpoch || original.LastNonce != expectedNonce {
		return channel.Channel{}, fmt.Errorf("channel %s advanced concurrently: %w", ch.ID, storage.ErrConflict)
	}

	ch.CreatedAt = original.CreatedAt
	ch.UpdatedAt = time.Now().UTC()

	s.channels[ch.ID] = cloneChannel(ch)
	return cloneChannel(ch), nil
}

func (s *Store) ListChannels(_ context.Context) ([]channel.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]channel.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, cloneChannel(ch))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListUnsettledChannels(_ context.Context, minDelta *big.Int) ([]channel.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if minDelta == nil {
		minDelta = big.NewInt(1)
	}

	var out []channel.Channel
	for _, ch := range s.channels {
		if ch.State == channel.StateClosed {
			continue
		}
		if ch.LastNonce <= ch.SettledNonce {
			continue
		}
		if ch.UnsettledAmount().Cmp(minDelta) < 0 {
			continue
		}
		out = append(out, cloneChannel(ch))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ResetDailySpend(_ context.Context, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reset := 0
	for id, ch := range s.channels {
		if ch.SpentDay == day {
			continue
		}
		ch.SpentToday = new(big.Int)
		ch.SpentDay = day
		ch.UpdatedAt = time.Now().UTC()
		s.channels[id] = ch
		reset++
	}
	return reset, nil
}

// ReceiptStore implementation --------------------------------------------------

func (s *Store) CreateReceipt(_ context.Context, rec channel.ReceiptRecord) (channel.ReceiptRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = s.nextIDLocked()
	}
	rec.CreatedAt = time.Now().UTC()

	s.receipts[rec.ChannelID] = append(s.receipts[rec.ChannelID], cloneReceipt(rec))
	return cloneReceipt(rec), nil
}

func (s *Store) ListReceipts(_ context.Context, channelID string, limit int) ([]channel.ReceiptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.receipts[channelID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}

	// Newest first.
	out := make([]channel.ReceiptRecord, 0, limit)
	for i := len(all) - 1; i >= len(all)-limit; i-- {
		out = append(out, cloneReceipt(all[i]))
	}
	return out, nil
}

// SettlementStore implementation -----------------------------------------------

func (s *Store) CreateSettlement(_ context.Context, rec channel.SettlementRecord) (channel.SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = s.nextIDLocked()
	} else if _, exists := s.settlements[rec.ID]; exists {
		return channel.SettlementRecord{}, fmt.Errorf("settlement %s: %w", rec.ID, storage.ErrConflict)
	}

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	s.settlements[rec.ID] = cloneSettlement(rec)
	return cloneSettlement(rec), nil
}

func (s *Store) UpdateSettlement(_ context.Context, rec channel.SettlementRecord) (channel.SettlementRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.settlements[rec.ID]
	if !ok {
		return channel.SettlementRecord{}, fmt.Errorf("settlement %s: %w", rec.ID, storage.ErrNotFound)
	}

	rec.CreatedAt = original.CreatedAt
	rec.UpdatedAt = time.Now().UTC()

	s.settlements[rec.ID] = cloneSettlement(rec)
	return cloneSettlement(rec), nil
}

func (s *Store) GetSettlement(_ context.Context, id string) (channel.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.settlements[id]
	if !ok {
		return channel.SettlementRecord{}, fmt.Errorf("settlement %s: %w", id, storage.ErrNotFound)
	}
	return cloneSettlement(rec), nil
}

func (s *Store) ListSettlements(_ context.Context, channelID string) ([]channel.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []channel.SettlementRecord
	for _, rec := range s.settlements {
		if rec.ChannelID == channelID {
			out = append(out, cloneSettlement(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListPendingSettlements(_ context.Context) ([]channel.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []channel.SettlementRecord
	for _, rec := range s.settlements {
		if rec.Status == channel.SettlementPending || rec.Status == channel.SettlementSubmitted {
			out = append(out, cloneSettlement(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Clone helpers -----------------------------------------------------------------

func cloneChannel(ch channel.Channel) channel.Channel {
	return *(&ch).Clone()
}

func cloneReceipt(rec channel.ReceiptRecord) channel.ReceiptRecord {
	if rec.Accumulated != nil {
		rec.Accumulated = new(big.Int).Set(rec.Accumulated)
	}
	if rec.AmountDebited != nil {
		rec.AmountDebited = new(big.Int).Set(rec.AmountDebited)
	}
	return rec
}

func cloneSettlement(rec channel.SettlementRecord) channel.SettlementRecord {
	if rec.Amount != nil {
		rec.Amount = new(big.Int).Set(rec.Amount)
	}
	return rec
}
