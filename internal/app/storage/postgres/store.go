// Package postgres implements the storage interfaces backed by PostgreSQL.
// Amounts are stored as NUMERIC so arbitrary-precision values survive the
// round trip.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/payment_layer/internal/app/domain/channel"
	"github.com/R3E-Network/payment_layer/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.ChannelStore = (*Store)(nil)
var _ storage.ReceiptStore = (*Store)(nil)
var _ storage.SettlementStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// channelRow mirrors the payment_channels table.
type channelRow struct {
	ID            string    `db:"id"`
	Epoch         int64     `db:"epoch"`
	PayerDID      string    `db:"payer_did"`
	PayeeDID      string    `db:"payee_did"`
	ChainID       int64     `db:"chain_id"`
	State         string    `db:"state"`
	LastNonce     int64     `db:"last_nonce"`
	LastAmount    string    `db:"last_amount"`
	LastVoucher   []byte    `db:"last_voucher"`
	SettledNonce  int64     `db:"settled_nonce"`
	SettledAmount string    `db:"settled_amount"`
	SpentToday    string    `db:"spent_today"`
	SpentDay      string    `db:"spent_day"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r channelRow) toDomain() (channel.Channel, error) {
	lastAmount, err := parseAmount(r.LastAmount)
	if err != nil {
		return channel.Channel{}, fmt.Errorf("channel %s last_amount: %w", r.ID, err)
	}
	settledAmount, err := parseAmount(r.SettledAmount)
	if err != nil {
		return channel.Channel{}, fmt.Errorf("channel %s settled_amount: %w", r.ID, err)
	}
	spentToday, err := parseAmount(r.SpentToday)
	if err != nil {
		return channel.Channel{}, fmt.Errorf("channel %s spent_today: %w", r.ID, err)
	}
	return channel.Channel{
		ID:            r.ID,
		Epoch:         uint64(r.Epoch),
		PayerDID:      r.PayerDID,
		PayeeDID:      r.PayeeDID,
		ChainID:       uint64(r.ChainID),
		State:         channel.State(r.State),
		LastNonce:     uint64(r.LastNonce),
		LastAmount:    lastAmount,
		LastVoucher:   r.LastVoucher,
		SettledNonce:  uint64(r.SettledNonce),
		SettledAmount: settledAmount,
		SpentToday:    spentToday,
		SpentDay:      r.SpentDay,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

const channelColumns = `id, epoch, payer_did, payee_did, chain_id, state, last_nonce, last_amount,
	last_voucher, settled_nonce, settled_amount, spent_today, spent_day, created_at, updated_at`

// --- ChannelStore -------------------------------------------------------------

func (s *Store) CreateChannel(ctx context.Context, ch channel.Channel) (channel.Channel, error) {
	if ch.ID == "" {
		return channel.Channel{}, fmt.Errorf("channel id required")
	}
	now := time.Now().UTC()
	ch.CreatedAt = now
	ch.UpdatedAt = now

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_channels (id, epoch, payer_did, payee_did, chain_id, state, last_nonce,
			last_amount, last_voucher, settled_nonce, settled_amount, spent_today, spent_day,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`, ch.ID, int64(ch.Epoch), ch.PayerDID, ch.PayeeDID, int64(ch.ChainID), string(ch.State),
		int64(ch.LastNonce), amountString(ch.LastAmount), ch.LastVoucher, int64(ch.SettledNonce),
		amountString(ch.SettledAmount), amountString(ch.SpentToday), ch.SpentDay,
		ch.CreatedAt, ch.UpdatedAt)
	if err != nil {
		return channel.Channel{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return channel.Channel{}, fmt.Errorf("channel %s: %w", ch.ID, storage.ErrConflict)
	}
	return ch, nil
}

func (s *Store) GetChannel(ctx context.Context, id string) (channel.Channel, error) {
	var row channelRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+channelColumns+`
		FROM payment_channels
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return channel.Channel{}, fmt.Errorf("channel %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return channel.Channel{}, err
	}
	return row.toDomain()
}

func (s *Store) UpdateChannel(ctx context.Context, ch channel.Channel) (channel.Channel, error) {
	ch.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE payment_channels
		SET epoch = $2, state = $3, last_nonce = $4, last_amount = $5, last_voucher = $6,
			settled_nonce = $7, settled_amount = $8, spent_today = $9, spent_day = $10,
			updated_at = $11
		WHERE id = $1
	`, ch.ID, int64(ch.Epoch), string(ch.State), int64(ch.LastNonce), amountString(ch.LastAmount),
		ch.LastVoucher, int64(ch.SettledNonce), amountString(ch.SettledAmount),
		amountString(ch.SpentToday), ch.SpentDay, ch.UpdatedAt)
	if err != nil {
		return channel.Channel{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return channel.Channel{}, fmt.Errorf("channel %s: %w", ch.ID, storage.ErrNotFound)
	}
	return ch, nil
}

func (s *Store) UpdateChannelCAS(ctx context.Context, ch channel.Channel, expectedEpoch, expectedNonce uint64) (channel.Channel, error) {
	ch.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE payment_channels
		SET epoch = $2, state = $3, last_nonce = $4, last_amount = $5, last_voucher = $6,
			settled_nonce = $7, settled_amount = $8, spent_today = $9, spent_day = $10,
			updated_at = $11
		WHERE id = $1 AND epoch = $12 AND last_nonce = $13
	`, ch.ID, int64(ch.Epoch), string(ch.State), int64(ch.LastNonce), amountString(ch.LastAmount),
		ch.LastVoucher, int64(ch.SettledNonce), amountString(ch.SettledAmount),
		amountString(ch.SpentToday), ch.SpentDay, ch.UpdatedAt,
		int64(expectedEpoch), int64(expectedNonce))
	if err != nil {
		return channel.Channel{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		if _, getErr := s.GetChannel(ctx, ch.ID); errors.Is(getErr, storage.ErrNotFound) {
			return channel.Channel{}, fmt.Errorf("channel %s: %w", ch.ID, storage.ErrNotFound)
		}
		return channel.Channel{}, fmt.Errorf("channel %s advanced concurrently: %w", ch.ID, storage.ErrConflict)
	}
	return ch, nil
}

func (s *Store) ListChannels(ctx context.Context) ([]channel.Channel, error) {
	var rows []channelRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+channelColumns+`
		FROM payment_channels
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	return channelsToDomain(rows)
}

func (s *Store) ListUnsettledChannels(ctx context.Context, minDelta *big.Int) ([]channel.Channel, error) {
	if minDelta == nil {
		minDelta = big.NewInt(1)
	}
	var rows []channelRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+channelColumns+`
		FROM payment_channels
		WHERE state <> 'closed'
		  AND last_nonce > settled_nonce
		  AND last_amount - settled_amount >= $1::numeric
		ORDER BY id
	`, minDelta.String())
	if err != nil {
		return nil, err
	}
	return channelsToDomain(rows)
}

func (s *Store) ResetDailySpend(ctx context.Context, day string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payment_channels
		SET spent_today = 0, spent_day = $1, updated_at = $2
		WHERE spent_day <> $1
	`, day, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func channelsToDomain(rows []channelRow) ([]channel.Channel, error) {
	out := make([]channel.Channel, 0, len(rows))
	for _, row := range rows {
		ch, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

// --- ReceiptStore -------------------------------------------------------------

type receiptRow struct {
	ID            string    `db:"id"`
	ChannelID     string    `db:"channel_id"`
	Epoch         int64     `db:"epoch"`
	Nonce         int64     `db:"nonce"`
	VMIDFragment  string    `db:"vm_id_fragment"`
	Accumulated   string    `db:"accumulated"`
	AmountDebited string    `db:"amount_debited"`
	ErrorCode     int64     `db:"error_code"`
	Message       string    `db:"message"`
	ServiceTxRef  string    `db:"service_tx_ref"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r receiptRow) toDomain() (channel.ReceiptRecord, error) {
	accumulated, err := parseAmount(r.Accumulated)
	if err != nil {
		return channel.ReceiptRecord{}, fmt.Errorf("receipt %s accumulated: %w", r.ID, err)
	}
	debited, err := parseAmount(r.AmountDebited)
	if err != nil {
		return channel.ReceiptRecord{}, fmt.Errorf("receipt %s amount_debited: %w", r.ID, err)
	}
	return channel.ReceiptRecord{
		ID:            r.ID,
		ChannelID:     r.ChannelID,
		Epoch:         uint64(r.Epoch),
		Nonce:         uint64(r.Nonce),
		VMIDFragment:  r.VMIDFragment,
		Accumulated:   accumulated,
		AmountDebited: debited,
		ErrorCode:     uint32(r.ErrorCode),
		Message:       r.Message,
		ServiceTxRef:  r.ServiceTxRef,
		CreatedAt:     r.CreatedAt,
	}, nil
}

func (s *Store) CreateReceipt(ctx context.Context, rec channel.ReceiptRecord) (channel.ReceiptRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_receipts (id, channel_id, epoch, nonce, vm_id_fragment, accumulated,
			amount_debited, error_code, message, service_tx_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.ID, rec.ChannelID, int64(rec.Epoch), int64(rec.Nonce), rec.VMIDFragment,
		amountString(rec.Accumulated), amountString(rec.AmountDebited), int64(rec.ErrorCode),
		rec.Message, rec.ServiceTxRef, rec.CreatedAt)
	if err != nil {
		return channel.ReceiptRecord{}, err
	}
	return rec, nil
}

func (s *Store) ListReceipts(ctx context.Context, channelID string, limit int) ([]channel.ReceiptRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []receiptRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, channel_id, epoch, nonce, vm_id_fragment, accumulated, amount_debited,
			error_code, message, service_tx_ref, created_at
		FROM payment_receipts
		WHERE channel_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, channelID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]channel.ReceiptRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// --- SettlementStore ----------------------------------------------------------

type settlementRow struct {
	ID        string    `db:"id"`
	ChannelID string    `db:"channel_id"`
	Kind      string    `db:"kind"`
	Nonce     int64     `db:"nonce"`
	Amount    string    `db:"amount"`
	TxID      string    `db:"tx_id"`
	Status    string    `db:"status"`
	Attempts  int       `db:"attempts"`
	LastError string    `db:"last_error"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r settlementRow) toDomain() (channel.SettlementRecord, error) {
	amount, err := parseAmount(r.Amount)
	if err != nil {
		return channel.SettlementRecord{}, fmt.Errorf("settlement %s amount: %w", r.ID, err)
	}
	return channel.SettlementRecord{
		ID:        r.ID,
		ChannelID: r.ChannelID,
		Kind:      r.Kind,
		Nonce:     uint64(r.Nonce),
		Amount:    amount,
		TxID:      r.TxID,
		Status:    channel.SettlementStatus(r.Status),
		Attempts:  r.Attempts,
		LastError: r.LastError,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

const settlementColumns = `id, channel_id, kind, nonce, amount, tx_id, status, attempts, last_error,
	created_at, updated_at`

func (s *Store) CreateSettlement(ctx context.Context, rec channel.SettlementRecord) (channel.SettlementRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_settlements (id, channel_id, kind, nonce, amount, tx_id, status,
			attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.ID, rec.ChannelID, rec.Kind, int64(rec.Nonce), amountString(rec.Amount), rec.TxID,
		string(rec.Status), rec.Attempts, rec.LastError, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return channel.SettlementRecord{}, err
	}
	return rec, nil
}

func (s *Store) UpdateSettlement(ctx context.Context, rec channel.SettlementRecord) (channel.SettlementRecord, error) {
	rec.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE payment_settlements
		SET nonce = $2, amount = $3, tx_id = $4, status = $5, attempts = $6, last_error = $7,
			updated_at = $8
		WHERE id = $1
	`, rec.ID, int64(rec.Nonce), amountString(rec.Amount), rec.TxID, string(rec.Status),
		rec.Attempts, rec.LastError, rec.UpdatedAt)
	if err != nil {
		return channel.SettlementRecord{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return channel.SettlementRecord{}, fmt.Errorf("settlement %s: %w", rec.ID, storage.ErrNotFound)
	}
	return rec, nil
}

func (s *Store) GetSettlement(ctx context.Context, id string) (channel.SettlementRecord, error) {
	var row settlementRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+settlementColumns+`
		FROM payment_settlements
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return channel.SettlementRecord{}, fmt.Errorf("settlement %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return channel.SettlementRecord{}, err
	}
	return row.toDomain()
}

func (s *Store) ListSettlements(ctx context.Context, channelID string) ([]channel.SettlementRecord, error) {
	var rows []settlementRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+settlementColumns+`
		FROM payment_settlements
		WHERE channel_id = $1
		ORDER BY created_at
	`, channelID)
	if err != nil {
		return nil, err
	}
	return settlementsToDomain(rows)
}

func (s *Store) ListPendingSettlements(ctx context.Context) ([]channel.SettlementRecord, error) {
	var rows []settlementRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+settlementColumns+`
		FROM payment_settlements
		WHERE status IN ('pending', 'submitted')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	return settlementsToDomain(rows)
}

func settlementsToDomain(rows []settlementRow) ([]channel.SettlementRecord, error) {
	out := make([]channel.SettlementRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// --- Amount helpers -------------------------------------------------------------

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric %q", s)
	}
	return v, nil
}
