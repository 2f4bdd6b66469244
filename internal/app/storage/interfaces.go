package storage

import (
	"context"
	"errors"
	"math/big"

	"github.com/R3E-Network/payment_layer/internal/app/domain/channel"
)

// ErrNotFound reports a missing record.
var ErrNotFound = errors.New("record not found")

// ErrConflict reports a failed compare-and-swap or duplicate create.
var ErrConflict = errors.New("record conflict")

// ChannelStore persists channel accounting records.
//
// UpdateChannelCAS is the ledger's commit primitive: the update applies only
// while the stored epoch and last accepted nonce still match the expected
// values, so concurrent writers cannot both advance the same channel.
type ChannelStore interface {
	CreateChannel(ctx context.Context, ch channel.Channel) (channel.Channel, error)
	GetChannel(ctx context.Context, id string) (channel.Channel, error)
	UpdateChannel(ctx context.Context, ch channel.Channel) (channel.Channel, error)
	UpdateChannelCAS(ctx context.Context, ch channel.Channel, expectedEpoch, expectedNonce uint64) (channel.Channel, error)
	ListChannels(ctx context.Context) ([]channel.Channel, error)
	ListUnsettledChannels(ctx context.Context, minDelta *big.Int) ([]channel.Channel, error)
	ResetDailySpend(ctx context.Context, day string) (int, error)
}

// ReceiptStore persists the audit row emitted for every voucher
// presentation.
type ReceiptStore interface {
	CreateReceipt(ctx context.Context, rec channel.ReceiptRecord) (channel.ReceiptRecord, error)
	ListReceipts(ctx context.Context, channelID string, limit int) ([]channel.ReceiptRecord, error)
}

// SettlementStore persists on-chain settlement attempts.
type SettlementStore interface {
	CreateSettlement(ctx context.Context, rec channel.SettlementRecord) (channel.SettlementRecord, error)
	UpdateSettlement(ctx context.Context, rec channel.SettlementRecord) (channel.SettlementRecord, error)
	GetSettlement(ctx context.Context, id string) (channel.SettlementRecord, error)
	ListSettlements(ctx context.Context, channelID string) ([]channel.SettlementRecord, error)
	ListPendingSettlements(ctx context.Context) ([]channel.SettlementRecord, error)
}
