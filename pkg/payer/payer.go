// Package payer implements the paying side of the channel protocol: voucher
// issuance from locally tracked channel state, receipt reconciliation,
// per-host client registries and an http.RoundTripper that attaches a
// voucher to every outgoing request.
package payer

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/R3E-Network/payment_layer/internal/rav"
	"github.com/R3E-Network/payment_layer/pkg/logger"
)

// Issuance and reconciliation failures the caller can test for.
var (
	ErrUnknownChannel      = errors.New("payer: unknown channel")
	ErrEpochRegression     = errors.New("payer: channel epoch must not decrease")
	ErrBadReceiptSignature = errors.New("payer: receipt signature invalid")
	ErrReceiptMismatch     = errors.New("payer: receipt does not match an issued voucher")
)

// Signer is the payer's signing identity. Vouchers are signed with the
// private key and name the DID document fragment the payee should verify
// against.
type Signer struct {
	DID        string
	VMFragment string
	PrivateKey ed25519.PrivateKey
}

// Validate checks the signer is usable.
func (s Signer) Validate() error {
	if s.DID == "" {
		return fmt.Errorf("payer DID is required")
	}
	if s.VMFragment == "" {
		return fmt.Errorf("payer key fragment is required")
	}
	if len(s.PrivateKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("payer private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(s.PrivateKey))
	}
	return nil
}

// Sign produces the detached signature over the voucher's canonical
// encoding.
func (s Signer) Sign(v *rav.SubRAV) (*rav.SignedSubRAV, error) {
	payload, err := v.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("encode voucher: %w", err)
	}
	return &rav.SignedSubRAV{
		SubRAV:    *v,
		Signature: ed25519.Sign(s.PrivateKey, payload),
	}, nil
}

// Options configures a payer client.
type Options struct {
	Signer  Signer
	ChainID uint64

	// PayeeKey verifies receipt signatures during reconciliation. Nil
	// skips the signature check.
	PayeeKey ed25519.PublicKey

	Log *logger.Logger
}

// channelState is the locally tracked issuance state for one channel. The
// mutex serializes issuance so two vouchers can never carry the same nonce.
type channelState struct {
	mu sync.Mutex

	epoch      uint64
	lastNonce  uint64
	lastAmount *big.Int

	confirmedNonce  uint64
	confirmedAmount *big.Int
}

// Client issues vouchers for the channels it tracks. The last issued
// voucher is the only trusted source of the next nonce and amount; nothing
// read from the network ever moves issuance state forward.
type Client struct {
	signer   Signer
	chainID  uint64
	payeeKey ed25519.PublicKey
	log      *logger.Logger

	mu       sync.Mutex
	channels map[rav.ChannelID]*channelState
}

// NewClient builds a payer client.
func NewClient(opts Options) (*Client, error) {
	if err := opts.Signer.Validate(); err != nil {
		return nil, err
	}
	if opts.ChainID == 0 {
		return nil, fmt.Errorf("chain ID is required")
	}
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("payer")
	}
	return &Client{
		signer:   opts.Signer,
		chainID:  opts.ChainID,
		payeeKey: opts.PayeeKey,
		log:      log,
		channels: make(map[rav.ChannelID]*channelState),
	}, nil
}

// DID returns the payer identity the client signs as.
func (c *Client) DID() string {
	return c.signer.DID
}

// Bind tracks a channel at the given epoch. Rebinding at a higher epoch
// resets issuance to the synthetic zero voucher for the new generation;
// rebinding at the current epoch is a no-op.
func (c *Client) Bind(channelID rav.ChannelID, epoch uint64) error {
	if epoch == 0 {
		return fmt.Errorf("payer: epoch must be positive")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.channels[channelID]
	if !ok {
		c.channels[channelID] = newChannelState(epoch)
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	switch {
	case epoch < st.epoch:
		return fmt.Errorf("%w: have %d, got %d", ErrEpochRegression, st.epoch, epoch)
	case epoch > st.epoch:
		st.epoch = epoch
		st.lastNonce = 0
		st.lastAmount = new(big.Int)
		st.confirmedNonce = 0
		st.confirmedAmount = new(big.Int)
	}
	return nil
}

func newChannelState(epoch uint64) *channelState {
	return &channelState{
		epoch:           epoch,
		lastAmount:      new(big.Int),
		confirmedAmount: new(big.Int),
	}
}

// state returns the tracked channel, creating it at epoch 1 when unseen.
func (c *Client) state(channelID rav.ChannelID) *channelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.channels[channelID]
	if !ok {
		st = newChannelState(1)
		c.channels[channelID] = st
	}
	return st
}

// IssueVoucher signs the next voucher on the channel, authorizing price on
// top of everything issued before. The new voucher becomes the channel's
// last-issued state before it is returned, so concurrent callers on the
// same channel serialize and can never observe the same nonce. A channel
// never bound before issues against epoch 1 from the synthetic zero
// voucher.
func (c *Client) IssueVoucher(channelID rav.ChannelID, price *big.Int) (*rav.SignedSubRAV, error) {
	if price == nil || price.Sign() < 0 {
		return nil, fmt.Errorf("payer: price must be non-negative")
	}
	st := c.state(channelID)

	st.mu.Lock()
	defer st.mu.Unlock()

	voucher := &rav.SubRAV{
		Version:           rav.Version1,
		ChainID:           c.chainID,
		ChannelID:         channelID,
		ChannelEpoch:      st.epoch,
		VMIDFragment:      c.signer.VMFragment,
		AccumulatedAmount: new(big.Int).Add(st.lastAmount, price),
		Nonce:             st.lastNonce + 1,
	}
	signed, err := c.signer.Sign(voucher)
	if err != nil {
		return nil, err
	}

	st.lastNonce = voucher.Nonce
	st.lastAmount = voucher.AccumulatedAmount
	return signed, nil
}

// LastIssued returns a copy of the highest voucher fields issued on the
// channel, reporting false when nothing has been issued.
func (c *Client) LastIssued(channelID rav.ChannelID) (nonce uint64, amount *big.Int, ok bool) {
	c.mu.Lock()
	st, tracked := c.channels[channelID]
	c.mu.Unlock()
	if !tracked {
		return 0, nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.lastNonce == 0 {
		return 0, nil, false
	}
	return st.lastNonce, new(big.Int).Set(st.lastAmount), true
}

// Confirmed returns the highest voucher state the payee has acknowledged.
func (c *Client) Confirmed(channelID rav.ChannelID) (nonce uint64, amount *big.Int, ok bool) {
	c.mu.Lock()
	st, tracked := c.channels[channelID]
	c.mu.Unlock()
	if !tracked {
		return 0, nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.confirmedNonce == 0 {
		return 0, nil, false
	}
	return st.confirmedNonce, new(big.Int).Set(st.confirmedAmount), true
}

// Reconcile records a payee receipt against local issuance state. The
// receipt signature is verified when a payee key is configured, and the
// echoed voucher must be one this client issued. Rejection receipts are
// recorded in the logs but are not an error; the receipt's code tells the
// caller why the voucher was refused.
func (c *Client) Reconcile(receipt *rav.SignedReceipt) error {
	if receipt == nil {
		return fmt.Errorf("payer: nil receipt")
	}
	if c.payeeKey != nil {
		payload, err := receipt.SigningBytes()
		if err != nil {
			return fmt.Errorf("encode receipt: %w", err)
		}
		if !ed25519.Verify(c.payeeKey, payload, receipt.Signature) {
			return ErrBadReceiptSignature
		}
	}

	if !receipt.Accepted() {
		c.log.WithFields(map[string]interface{}{
			"channel_id": receipt.ChannelID.String(),
			"nonce":      receipt.Nonce,
			"code":       receipt.ErrorCode,
			"message":    receipt.Message,
		}).Warn("voucher rejected by payee")
		return nil
	}

	c.mu.Lock()
	st, tracked := c.channels[receipt.ChannelID]
	c.mu.Unlock()
	if !tracked {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, receipt.ChannelID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if receipt.ChannelEpoch != st.epoch {
		return fmt.Errorf("%w: receipt epoch %d, tracking %d", ErrReceiptMismatch, receipt.ChannelEpoch, st.epoch)
	}
	if receipt.Nonce > st.lastNonce {
		return fmt.Errorf("%w: receipt nonce %d exceeds last issued %d", ErrReceiptMismatch, receipt.Nonce, st.lastNonce)
	}
	if receipt.Nonce > st.confirmedNonce {
		st.confirmedNonce = receipt.Nonce
		st.confirmedAmount = new(big.Int).Set(receipt.AccumulatedAmount())
	}
	return nil
}
