// Package rav implements the wire encoding of Sub-channel Receipt And
// Voucher (SubRAV) payloads and billing receipts.
//
// The encoding is canonical: field order is fixed, integers are big endian,
// variable-length fields carry explicit length prefixes and big integers are
// encoded with their minimal byte representation. Two distinct payloads can
// never encode to the same bytes, and decoding rejects any input that the
// encoder could not have produced.
package rav

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"unicode/utf8"
)

// Version1 is the only SubRAV version currently understood.
const Version1 uint8 = 1

// Field size limits. Oversized fields are rejected on both encode and
// decode.
const (
	MaxFragmentLen = 255
	MaxAmountBytes = 64
	MaxMessageLen  = 1024
	MaxTxRefLen    = 255
)

// SignatureSize is the detached signature length for version 1 payloads.
const SignatureSize = ed25519.SignatureSize

// ErrMalformed is wrapped by every decode failure.
var ErrMalformed = errors.New("malformed payment payload")

// ErrUnsupportedVersion rejects payloads from a protocol version this
// implementation does not understand. It wraps ErrMalformed.
var ErrUnsupportedVersion = fmt.Errorf("unsupported version: %w", ErrMalformed)

// SubRAV is one off-chain voucher: the payer's signed claim that the
// accumulated amount is owed on the channel as of the given nonce.
type SubRAV struct {
	Version           uint8
	ChainID           uint64
	ChannelID         ChannelID
	ChannelEpoch      uint64
	VMIDFragment      string
	AccumulatedAmount *big.Int
	Nonce             uint64
}

// SignedSubRAV couples a voucher with its detached payer signature.
type SignedSubRAV struct {
	SubRAV
	Signature []byte
}

// Amount returns the accumulated amount, treating nil as zero.
func (s *SubRAV) Amount() *big.Int {
	if s.AccumulatedAmount == nil {
		return new(big.Int)
	}
	return s.AccumulatedAmount
}

// Validate checks field ranges without touching the signature.
func (s *SubRAV) Validate() error {
	if s.Version != Version1 {
		return fmt.Errorf("version %d: %w", s.Version, ErrUnsupportedVersion)
	}
	if len(s.VMIDFragment) == 0 {
		return fmt.Errorf("empty key fragment: %w", ErrMalformed)
	}
	if len(s.VMIDFragment) > MaxFragmentLen {
		return fmt.Errorf("key fragment exceeds %d bytes: %w", MaxFragmentLen, ErrMalformed)
	}
	if !utf8.ValidString(s.VMIDFragment) {
		return fmt.Errorf("key fragment is not valid UTF-8: %w", ErrMalformed)
	}
	if s.AccumulatedAmount != nil && s.AccumulatedAmount.Sign() < 0 {
		return fmt.Errorf("negative accumulated amount: %w", ErrMalformed)
	}
	if len(s.Amount().Bytes()) > MaxAmountBytes {
		return fmt.Errorf("accumulated amount exceeds %d bytes: %w", MaxAmountBytes, ErrMalformed)
	}
	return nil
}

// SigningBytes returns the canonical encoding of the voucher fields. The
// detached signature is computed over exactly these bytes.
func (s *SubRAV) SigningBytes() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	w := newWriter()
	w.u8(s.Version)
	w.u64(s.ChainID)
	w.raw(s.ChannelID[:])
	w.u64(s.ChannelEpoch)
	w.bytes8([]byte(s.VMIDFragment))
	w.bigInt(s.Amount())
	w.u64(s.Nonce)
	return w.finish(), nil
}

// Equal reports whether two vouchers carry identical fields.
func (s *SubRAV) Equal(other *SubRAV) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.Version == other.Version &&
		s.ChainID == other.ChainID &&
		s.ChannelID == other.ChannelID &&
		s.ChannelEpoch == other.ChannelEpoch &&
		s.VMIDFragment == other.VMIDFragment &&
		s.Amount().Cmp(other.Amount()) == 0 &&
		s.Nonce == other.Nonce
}

// EncodeSigned serializes a signed voucher.
func EncodeSigned(sr *SignedSubRAV) ([]byte, error) {
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

// DecodeSigned parses a signed voucher, enforcing canonical form. Trailing
// bytes, truncated fields, non-minimal integers and unknown versions are all
// rejected.
func DecodeSigned(data []byte) (*SignedSubRAV, error) {
	r := newReader(data)

	version, err := r.u8()
	if err != nil {
		return nil, err
	}
	if version != Version1 {
		return nil, fmt.Errorf("version %d: %w", version, ErrUnsupportedVersion)
	}

	sr := &SignedSubRAV{SubRAV: SubRAV{Version: version}}
	if sr.ChainID, err = r.u64(); err != nil {
		return nil, err
	}
	channelID, err := r.take(ChannelIDSize)
	if err != nil {
		return nil, err
	}
	copy(sr.ChannelID[:], channelID)
	if sr.ChannelEpoch, err = r.u64(); err != nil {
		return nil, err
	}

	fragment, err := r.bytes8()
	if err != nil {
		return nil, err
	}
	sr.VMIDFragment = string(fragment)

	if sr.AccumulatedAmount, err = r.bigInt(); err != nil {
		return nil, err
	}
	if sr.Nonce, err = r.u64(); err != nil {
		return nil, err
	}

	sig, err := r.bytes16()
	if err != nil {
		return nil, err
	}
	if len(sig) != SignatureSize {
		return nil, fmt.Errorf("signature must be %d bytes, got %d: %w", SignatureSize, len(sig), ErrMalformed)
	}
	sr.Signature = sig

	if err := r.done(); err != nil {
		return nil, err
	}
	if err := sr.Validate(); err != nil {
		return nil, err
	}
	return sr, nil
}

// ============================================================================
// Canonical readers and writers
// ============================================================================

type writer struct {
	buf bytes.Buffer
}

func newWriter() *writer { return &writer{} }

func (w *writer) u8(v uint8)    { w.buf.WriteByte(v) }
func (w *writer) raw(b []byte)  { w.buf.Write(b) }
func (w *writer) finish() []byte { return w.buf.Bytes() }

func (w *writer) u16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) bytes8(b []byte) {
	w.u8(uint8(len(b)))
	w.buf.Write(b)
}

func (w *writer) bytes16(b []byte) {
	w.u16(uint16(len(b)))
	w.buf.Write(b)
}

// bigInt writes the minimal big-endian representation. big.Int.Bytes never
// emits leading zeros, which keeps the encoding canonical; zero encodes as a
// zero-length field.
func (w *writer) bigInt(v *big.Int) {
	w.bytes16(v.Bytes())
}

type reader struct {
	buf []byte
	off int
}

func newReader(buf []byte) *reader { return &reader{buf: buf} }

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, fmt.Errorf("truncated at offset %d: %w", r.off, ErrMalformed)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) bytes8() ([]byte, error) {
	n, err := r.u8()
	if err != nil {
		return nil, err
	}
	return r.take(int(n))
}

func (r *reader) bytes16() ([]byte, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	return r.take(int(n))
}

// bigInt reads a length-prefixed big integer and rejects non-minimal
// encodings.
func (r *reader) bigInt() (*big.Int, error) {
	b, err := r.bytes16()
	if err != nil {
		return nil, err
	}
	if len(b) > MaxAmountBytes {
		return nil, fmt.Errorf("amount exceeds %d bytes: %w", MaxAmountBytes, ErrMalformed)
	}
	if len(b) > 0 && b[0] == 0 {
		return nil, fmt.Errorf("non-minimal amount encoding: %w", ErrMalformed)
	}
	return new(big.Int).SetBytes(b), nil
}

// done fails if any input remains unconsumed.
func (r *reader) done() error {
	if r.off != len(r.buf) {
		return fmt.Errorf("%d trailing bytes: %w", len(r.buf)-r.off, ErrMalformed)
	}
	return nil
}
