package chain

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/payment_layer/internal/app/domain/channel"
	"github.com/R3E-Network/payment_layer/internal/rav"
	"github.com/R3E-Network/payment_layer/pkg/logger"
)

// ErrChannelNotFound reports a channel id with no on-chain record.
var ErrChannelNotFound = errors.New("channel not found on chain")

// ErrExecutionFault reports an invocation the contract VM rejected. Faults
// are deterministic: resubmitting the same call cannot succeed.
var ErrExecutionFault = errors.New("contract execution faulted")

// ChannelStatus is the contract's channel lifecycle field.
type ChannelStatus uint8

// On-chain channel statuses.
const (
	StatusOpen    ChannelStatus = 0
	StatusClosing ChannelStatus = 1
	StatusClosed  ChannelStatus = 2
)

// ChannelState mirrors the on-chain channel record.
type ChannelState struct {
	ID            rav.ChannelID
	PayerDID      string
	PayeeDID      string
	Epoch         uint64
	Status        ChannelStatus
	SettledNonce  uint64
	SettledAmount *big.Int
	Deposit       *big.Int
}

// Contract notification names.
const (
	EventVoucherSubmitted = "VoucherSubmitted"
	EventChannelClosed    = "ChannelClosed"
	EventChannelDisputed  = "ChannelDisputed"
	EventChannelOpened    = "ChannelOpened"
)

// ContractConfig locates the payment channel contract and the relay signer.
type ContractConfig struct {
	// Hash is the deployed contract script hash.
	Hash string

	// RelayAddress is the node wallet account that signs and pays fees for
	// state-changing invocations. The node must hold this wallet open.
	RelayAddress string

	PollInterval time.Duration
	WaitTimeout  time.Duration
}

// PaymentContract binds the payment channel contract methods.
type PaymentContract struct {
	client       *Client
	hash         string
	relay        string
	pollInterval time.Duration
	waitTimeout  time.Duration
	log          *logger.Logger
}

// NewPaymentContract creates a contract binding on an RPC client.
func NewPaymentContract(client *Client, cfg ContractConfig, log *logger.Logger) (*PaymentContract, error) {
	if client == nil {
		return nil, fmt.Errorf("rpc client required")
	}
	if strings.TrimSpace(cfg.Hash) == "" {
		return nil, fmt.Errorf("contract hash required")
	}
	if strings.TrimSpace(cfg.RelayAddress) == "" {
		return nil, fmt.Errorf("relay address required")
	}
	if log == nil {
		log = logger.NewDefault("chain")
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	wait := cfg.WaitTimeout
	if wait <= 0 {
		wait = DefaultTxWaitTimeout
	}
	return &PaymentContract{
		client:       client,
		hash:         cfg.Hash,
		relay:        cfg.RelayAddress,
		pollInterval: poll,
		waitTimeout:  wait,
		log:          log,
	}, nil
}

// ChannelState reads the on-chain channel record.
func (p *PaymentContract) ChannelState(ctx context.Context, id rav.ChannelID) (*ChannelState, error) {
	result, err := p.client.InvokeFunction(ctx, p.hash, "getChannel", []ContractParam{
		NewByteArrayParam(id[:]),
	})
	if err != nil {
		return nil, fmt.Errorf("getChannel: %w", err)
	}
	if result.State != "HALT" {
		return nil, fmt.Errorf("getChannel faulted: %s", result.Exception)
	}
	if len(result.Stack) == 0 {
		return nil, fmt.Errorf("getChannel returned empty stack")
	}
	if result.Stack[0].Type == "Null" {
		return nil, ErrChannelNotFound
	}

	items, err := ParseArray(result.Stack[0])
	if err != nil {
		return nil, fmt.Errorf("getChannel result: %w", err)
	}
	if len(items) < 7 {
		return nil, fmt.Errorf("getChannel result has %d fields, want 7", len(items))
	}

	payer, err := ParseString(items[0])
	if err != nil {
		return nil, fmt.Errorf("parse payer: %w", err)
	}
	payee, err := ParseString(items[1])
	if err != nil {
		return nil, fmt.Errorf("parse payee: %w", err)
	}
	epoch, err := ParseInteger(items[2])
	if err != nil {
		return nil, fmt.Errorf("parse epoch: %w", err)
	}
	status, err := ParseInteger(items[3])
	if err != nil {
		return nil, fmt.Errorf("parse status: %w", err)
	}
	settledNonce, err := ParseInteger(items[4])
	if err != nil {
		return nil, fmt.Errorf("parse settledNonce: %w", err)
	}
	settledAmount, err := ParseInteger(items[5])
	if err != nil {
		return nil, fmt.Errorf("parse settledAmount: %w", err)
	}
	deposit, err := ParseInteger(items[6])
	if err != nil {
		return nil, fmt.Errorf("parse deposit: %w", err)
	}

	return &ChannelState{
		ID:            id,
		PayerDID:      payer,
		PayeeDID:      payee,
		Epoch:         epoch.Uint64(),
		Status:        ChannelStatus(status.Uint64()),
		SettledNonce:  settledNonce.Uint64(),
		SettledAmount: settledAmount,
		Deposit:       deposit,
	}, nil
}

// LookupChannel adapts the on-chain record to a ledger channel. An on-chain
// open channel starts as unknown on the ledger side until its first voucher.
func (p *PaymentContract) LookupChannel(ctx context.Context, id rav.ChannelID) (channel.Channel, error) {
	state, err := p.ChannelState(ctx, id)
	if err != nil {
		return channel.Channel{}, err
	}

	ledgerState := channel.StateUnknown
	switch state.Status {
	case StatusClosing:
		ledgerState = channel.StateClosing
	case StatusClosed:
		ledgerState = channel.StateClosed
	}

	return channel.Channel{
		ID:            id.String(),
		Epoch:         state.Epoch,
		PayerDID:      state.PayerDID,
		PayeeDID:      state.PayeeDID,
		ChainID:       uint64(p.client.NetworkID()),
		State:         ledgerState,
		SettledNonce:  state.SettledNonce,
		SettledAmount: state.SettledAmount,
	}, nil
}

// SubmitVoucher presents the voucher to the contract for on-chain crediting
// and returns the relayed transaction hash.
func (p *PaymentContract) SubmitVoucher(ctx context.Context, signed *rav.SignedSubRAV) (string, error) {
	txID, appLog, err := p.invokeWrite(ctx, "submitVoucher", voucherParams(signed))
	if err != nil {
		return "", err
	}
	if n, ok := findEvent(appLog, p.hash, EventVoucherSubmitted); ok {
		p.log.WithFields(map[string]interface{}{
			"channel": signed.ChannelID.String(),
			"nonce":   eventNonce(n),
			"tx":      txID,
		}).Info("voucher credited on chain")
	}
	return txID, nil
}

// CloseChannel initiates cooperative close for the channel.
func (p *PaymentContract) CloseChannel(ctx context.Context, id rav.ChannelID) (string, error) {
	txID, _, err := p.invokeWrite(ctx, "closeChannel", []ContractParam{
		NewByteArrayParam(id[:]),
	})
	return txID, err
}

// DisputeChannel presents the payee's highest voucher against a stale close.
func (p *PaymentContract) DisputeChannel(ctx context.Context, signed *rav.SignedSubRAV) (string, error) {
	txID, _, err := p.invokeWrite(ctx, "disputeChannel", voucherParams(signed))
	return txID, err
}

// OpenChannel registers a channel between the two parties with an initial
// deposit and returns the derived channel id with the transaction hash.
func (p *PaymentContract) OpenChannel(ctx context.Context, payerDID, payeeDID string, deposit *big.Int) (rav.ChannelID, string, error) {
	id := rav.DeriveChannelID(uint64(p.client.NetworkID()), payerDID, payeeDID)
	txID, _, err := p.invokeWrite(ctx, "openChannel", []ContractParam{
		NewByteArrayParam(id[:]),
		NewStringParam(payerDID),
		NewStringParam(payeeDID),
		NewIntegerParam(deposit),
	})
	if err != nil {
		return rav.ChannelID{}, "", err
	}
	return id, txID, nil
}

func voucherParams(signed *rav.SignedSubRAV) []ContractParam {
	return []ContractParam{
		NewByteArrayParam(signed.ChannelID[:]),
		NewIntegerParam(new(big.Int).SetUint64(signed.ChannelEpoch)),
		NewIntegerParam(signed.Amount()),
		NewIntegerParam(new(big.Int).SetUint64(signed.Nonce)),
		NewStringParam(signed.VMIDFragment),
		NewByteArrayParam(signed.Signature),
	}
}

// invokeWrite relays a state-changing invocation through the node wallet and
// waits for its execution.
func (p *PaymentContract) invokeWrite(ctx context.Context, method string, params []ContractParam) (string, *ApplicationLog, error) {
	result, err := p.client.InvokeFunctionSigned(ctx, p.hash, method, params, Signer{
		Account: p.relay,
		Scopes:  CalledByEntry,
	})
	if err != nil {
		return "", nil, fmt.Errorf("invoke %s: %w", method, err)
	}
	if result.State != "HALT" {
		return "", nil, fmt.Errorf("%s rejected: %s: %w", method, result.Exception, ErrExecutionFault)
	}
	if result.Tx == "" {
		return "", nil, fmt.Errorf("%s not relayed: node returned no transaction", method)
	}

	wctx, cancel := context.WithTimeout(ctx, p.waitTimeout)
	defer cancel()

	appLog, err := p.client.WaitForApplicationLog(wctx, result.Tx, p.pollInterval)
	if err != nil {
		return result.Tx, nil, fmt.Errorf("wait for %s execution: %w", method, err)
	}
	if len(appLog.Executions) > 0 && appLog.Executions[0].VMState != "HALT" {
		return result.Tx, appLog, fmt.Errorf("%s execution: vm state %s: %w", method, appLog.Executions[0].VMState, ErrExecutionFault)
	}
	return result.Tx, appLog, nil
}

func findEvent(appLog *ApplicationLog, contract, name string) (Notification, bool) {
	if appLog == nil {
		return Notification{}, false
	}
	for _, exec := range appLog.Executions {
		for _, n := range exec.Notifications {
			if n.EventName == name && strings.EqualFold(n.Contract, contract) {
				return n, true
			}
		}
	}
	return Notification{}, false
}

// eventNonce pulls the nonce out of a voucher notification. The state value
// is a stack item array [channelId, amount, nonce]; integers arrive as
// decimal strings.
func eventNonce(n Notification) uint64 {
	return gjson.GetBytes(n.State.Value, "2.value").Uint()
}

// EventChannelID pulls the channel id out of a contract notification.
func EventChannelID(n Notification) (rav.ChannelID, bool) {
	encoded := gjson.GetBytes(n.State.Value, "0.value").String()
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != rav.ChannelIDSize {
		return rav.ChannelID{}, false
	}
	var id rav.ChannelID
	copy(id[:], raw)
	return id, true
}
