package rav

import (
	"fmt"
	"math/big"
	"unicode/utf8"
)

// Receipt is the payee's acknowledgment of one voucher presentation. It
// echoes the voucher fields as presented, reports the amount debited for the
// request, and carries a zero error code exactly when the voucher was
// accepted. Rejected presentations produce receipts too; a malformed header
// produces a receipt with zeroed voucher fields.
type Receipt struct {
	Version       uint8
	ChainID       uint64
	ChannelID     ChannelID
	ChannelEpoch  uint64
	VMIDFragment  string
	Accumulated   *big.Int
	Nonce         uint64
	AmountDebited *big.Int
	ServiceTxRef  string
	ErrorCode     uint32
	Message       string
}

// SignedReceipt couples a receipt with the payee's detached signature.
type SignedReceipt struct {
	Receipt
	Signature []byte
}

// Accepted reports whether the receipt acknowledges an accepted voucher.
func (r *Receipt) Accepted() bool {
	return r.ErrorCode == 0
}

// AccumulatedAmount returns the echoed accumulated amount, nil-safe.
func (r *Receipt) AccumulatedAmount() *big.Int {
	if r.Accumulated == nil {
		return new(big.Int)
	}
	return r.Accumulated
}

// Debited returns the amount debited, nil-safe.
func (r *Receipt) Debited() *big.Int {
	if r.AmountDebited == nil {
		return new(big.Int)
	}
	return r.AmountDebited
}

func (r *Receipt) validate() error {
	if r.Version != Version1 {
		return fmt.Errorf("version %d: %w", r.Version, ErrUnsupportedVersion)
	}
	if len(r.VMIDFragment) > MaxFragmentLen {
		return fmt.Errorf("key fragment exceeds %d bytes: %w", MaxFragmentLen, ErrMalformed)
	}
	if len(r.ServiceTxRef) > MaxTxRefLen {
		return fmt.Errorf("tx ref exceeds %d bytes: %w", MaxTxRefLen, ErrMalformed)
	}
	if len(r.Message) > MaxMessageLen {
		return fmt.Errorf("message exceeds %d bytes: %w", MaxMessageLen, ErrMalformed)
	}
	if !utf8.ValidString(r.Message) {
		return fmt.Errorf("message is not valid UTF-8: %w", ErrMalformed)
	}
	for _, v := range []*big.Int{r.Accumulated, r.AmountDebited} {
		if v == nil {
			continue
		}
		if v.Sign() < 0 {
			return fmt.Errorf("negative amount: %w", ErrMalformed)
		}
		if len(v.Bytes()) > MaxAmountBytes {
			return fmt.Errorf("amount exceeds %d bytes: %w", MaxAmountBytes, ErrMalformed)
		}
	}
	return nil
}

// SigningBytes returns the canonical encoding of the receipt fields. The
// payee signature is computed over exactly these bytes.
func (r *Receipt) SigningBytes() ([]byte, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	w := newWriter()
	w.u8(r.Version)
	w.u64(r.ChainID)
	w.raw(r.ChannelID[:])
	w.u64(r.ChannelEpoch)
	w.bytes8([]byte(r.VMIDFragment))
	w.bigInt(r.AccumulatedAmount())
	w.u64(r.Nonce)
	w.bigInt(r.Debited())
	w.bytes8([]byte(r.ServiceTxRef))
	w.u32(r.ErrorCode)
	w.bytes16([]byte(r.Message))
	return w.finish(), nil
}

// EncodeSignedReceipt serializes a signed receipt.
func EncodeSignedReceipt(sr *SignedReceipt) ([]byte, error) {
	payload, err := sr.SigningBytes()
	if err != nil {
		return nil, err
	}
	if len(sr.Signature) != SignatureSize {
		return nil, fmt.Errorf("signature must be %d bytes, got %d: %w", SignatureSize, len(sr.Signature), ErrMalformed)
	}
	w := newWriter()
	w.raw(payload)
	w.bytes16(sr.Signature)
	return w.finish(), nil
}

// DecodeSignedReceipt parses a signed receipt under the same canonical form
// rules as vouchers.
func DecodeSignedReceipt(data []byte) (*SignedReceipt, error) {
	r := newReader(data)

	version, err := r.u8()
	if err != nil {
		return nil, err
	}
	if version != Version1 {
		return nil, fmt.Errorf("version %d: %w", version, ErrUnsupportedVersion)
	}

	out := &SignedReceipt{Receipt: Receipt{Version: version}}
	if out.ChainID, err = r.u64(); err != nil {
		return nil, err
	}
	channelID, err := r.take(ChannelIDSize)
	if err != nil {
		return nil, err
	}
	copy(out.ChannelID[:], channelID)
	if out.ChannelEpoch, err = r.u64(); err != nil {
		return nil, err
	}

	fragment, err := r.bytes8()
	if err != nil {
		return nil, err
	}
	out.VMIDFragment = string(fragment)

	if out.Accumulated, err = r.bigInt(); err != nil {
		return nil, err
	}
	if out.Nonce, err = r.u64(); err != nil {
		return nil, err
	}
	if out.AmountDebited, err = r.bigInt(); err != nil {
		return nil, err
	}

	txRef, err := r.bytes8()
	if err != nil {
		return nil, err
	}
	out.ServiceTxRef = string(txRef)

	if out.ErrorCode, err = r.u32(); err != nil {
		return nil, err
	}

	message, err := r.bytes16()
	if err != nil {
		return nil, err
	}
	out.Message = string(message)

	sig, err := r.bytes16()
	if err != nil {
		return nil, err
	}
	if len(sig) != SignatureSize {
		return nil, fmt.Errorf("signature must be %d bytes, got %d: %w", SignatureSize, len(sig), ErrMalformed)
	}
	out.Signature = sig

	if err := r.done(); err != nil {
		return nil, err
	}
	if err := out.validate(); err != nil {
		return nil, err
	}
	return out, nil
}
