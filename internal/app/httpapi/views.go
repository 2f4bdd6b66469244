package httpapi

import (
	"math/big"
	"time"

	"github.com/R3E-Network/payment_layer/internal/app/domain/channel"
)

// channelView is the JSON shape of a channel. Amounts render as decimal
// strings so consumers never truncate them to a float.
type channelView struct {
	ID              string    `json:"id"`
	Epoch           uint64    `json:"epoch"`
	PayerDID        string    `json:"payer_did"`
	PayeeDID        string    `json:"payee_did"`
	ChainID         uint64    `json:"chain_id"`
	State           string    `json:"state"`
	LastNonce       uint64    `json:"last_nonce"`
	LastAmount      string    `json:"last_amount"`
	SettledNonce    uint64    `json:"settled_nonce"`
	SettledAmount   string    `json:"settled_amount"`
	UnsettledAmount string    `json:"unsettled_amount"`
	SpentToday      string    `json:"spent_today"`
	SpentDay        string    `json:"spent_day,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type receiptView struct {
	ID            string    `json:"id"`
	ChannelID     string    `json:"channel_id"`
	Epoch         uint64    `json:"epoch"`
	Nonce         uint64    `json:"nonce"`
	VMIDFragment  string    `json:"vm_id_fragment,omitempty"`
	Accumulated   string    `json:"accumulated"`
	AmountDebited string    `json:"amount_debited"`
	ErrorCode     uint32    `json:"error_code"`
	Message       string    `json:"message,omitempty"`
	ServiceTxRef  string    `json:"service_tx_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type settlementView struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Kind      string    `json:"kind"`
	Nonce     uint64    `json:"nonce"`
	Amount    string    `json:"amount"`
	TxID      string    `json:"tx_id,omitempty"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func toChannelView(ch channel.Channel) channelView {
	return channelView{
		ID:              ch.ID,
		Epoch:           ch.Epoch,
		PayerDID:        ch.PayerDID,
		PayeeDID:        ch.PayeeDID,
		ChainID:         ch.ChainID,
		State:           string(ch.State),
		LastNonce:       ch.LastNonce,
		LastAmount:      amountString(ch.LastAmount),
		SettledNonce:    ch.SettledNonce,
		SettledAmount:   amountString(ch.SettledAmount),
		UnsettledAmount: ch.UnsettledAmount().String(),
		SpentToday:      amountString(ch.SpentToday),
		SpentDay:        ch.SpentDay,
		CreatedAt:       ch.CreatedAt,
		UpdatedAt:       ch.UpdatedAt,
	}
}

func toChannelViews(chs []channel.Channel) []channelView {
	out := make([]channelView, 0, len(chs))
	for _, ch := range chs {
		out = append(out, toChannelView(ch))
	}
	return out
}

func toReceiptView(rec channel.ReceiptRecord) receiptView {
	return receiptView{
		ID:            rec.ID,
		ChannelID:     rec.ChannelID,
		Epoch:         rec.Epoch,
		Nonce:         rec.Nonce,
		VMIDFragment:  rec.VMIDFragment,
		Accumulated:   amountString(rec.Accumulated),
		AmountDebited: amountString(rec.AmountDebited),
		ErrorCode:     rec.ErrorCode,
		Message:       rec.Message,
		ServiceTxRef:  rec.ServiceTxRef,
		CreatedAt:     rec.CreatedAt,
	}
}

func toReceiptViews(recs []channel.ReceiptRecord) []receiptView {
	out := make([]receiptView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toReceiptView(rec))
	}
	return out
}

func toSettlementView(rec channel.SettlementRecord) settlementView {
	return settlementView{
		ID:        rec.ID,
		ChannelID: rec.ChannelID,
		Kind:      rec.Kind,
		Nonce:     rec.Nonce,
		Amount:    amountString(rec.Amount),
		TxID:      rec.TxID,
		Status:    string(rec.Status),
		Attempts:  rec.Attempts,
		LastError: rec.LastError,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func toSettlementViews(recs []channel.SettlementRecord) []settlementView {
	out := make([]settlementView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toSettlementView(rec))
	}
	return out
}
