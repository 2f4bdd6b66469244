// Package channel defines the payment channel domain model shared by the
// ledger, storage and settlement services.
package channel

import (
	"math/big"
	"time"
)

// State is the ledger's view of a channel.
type State string

// Channel states. Unknown channels become open on their first valid
// voucher; closed is terminal.
const (
	StateUnknown State = "unknown"
	StateOpen    State = "open"
	StateClosing State = "closing"
	StateClosed  State = "closed"
)

// Terminal reports whether the state admits no further vouchers.
func (s State) Terminal() bool {
	return s == StateClosed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateUnknown, StateOpen, StateClosing, StateClosed:
		return true
	}
	return false
}

// Channel is the payee-side accounting record for one payment channel
// epoch.
type Channel struct {
	ID            string
	Epoch         uint64
	PayerDID      string
	PayeeDID      string
	ChainID       uint64
	State         State
	LastNonce     uint64
	LastAmount    *big.Int
	LastVoucher   []byte // canonical encoding of the highest accepted voucher
	SettledNonce  uint64
	SettledAmount *big.Int
	SpentToday    *big.Int
	SpentDay      string // UTC day stamp, e.g. "2026-08-25"
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone returns a deep copy safe to hand across goroutines.
func (c *Channel) Clone() *Channel {
	if c == nil {
		return nil
	}
	out := *c
	out.LastAmount = cloneBig(c.LastAmount)
	out.SettledAmount = cloneBig(c.SettledAmount)
	out.SpentToday = cloneBig(c.SpentToday)
	if c.LastVoucher != nil {
		out.LastVoucher = append([]byte{}, c.LastVoucher...)
	}
	return &out
}

// UnsettledAmount returns how much accepted value has not reached the chain.
func (c *Channel) UnsettledAmount() *big.Int {
	last := c.LastAmount
	if last == nil {
		last = new(big.Int)
	}
	settled := c.SettledAmount
	if settled == nil {
		settled = new(big.Int)
	}
	delta := new(big.Int).Sub(last, settled)
	if delta.Sign() < 0 {
		return new(big.Int)
	}
	return delta
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// ReceiptRecord is the audit row persisted for every voucher presentation,
// accepted or rejected.
type ReceiptRecord struct {
	ID            string
	ChannelID     string
	Epoch         uint64
	Nonce         uint64
	VMIDFragment  string
	Accumulated   *big.Int
	AmountDebited *big.Int
	ErrorCode     uint32
	Message       string
	ServiceTxRef  string
	CreatedAt     time.Time
}

// SettlementStatus tracks one on-chain submission through its lifecycle.
type SettlementStatus string

// Settlement statuses.
const (
	SettlementPending   SettlementStatus = "pending"
	SettlementSubmitted SettlementStatus = "submitted"
	SettlementConfirmed SettlementStatus = "confirmed"
	SettlementFailed    SettlementStatus = "failed"
)

// SettlementRecord is the audit row for one settlement attempt batch.
type SettlementRecord struct {
	ID        string
	ChannelID string
	Kind      string // submit, close or dispute
	Nonce     uint64
	Amount    *big.Int
	TxID      string
	Status    SettlementStatus
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Settlement kinds.
const (
	SettleKindSubmit  = "submit"
	SettleKindClose   = "close"
	SettleKindDispute = "dispute"
)
