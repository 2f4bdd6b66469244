package rav

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"math/big"
	"strings"
	"testing"
)

func testVoucher(t *testing.T) *SignedSubRAV {
	t.Helper()
	sub := SubRAV{
		Version:           Version1,
		ChainID:           4,
		ChannelID:         DeriveChannelID(4, "did:neo:payer", "did:neo:payee"),
		ChannelEpoch:      2,
		VMIDFragment:      "key-1",
		AccumulatedAmount: big.NewInt(1500),
		Nonce:             7,
	}
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payload, err := sub.SigningBytes()
	if err != nil {
		t.Fatalf("signing bytes: %v", err)
	}
	return &SignedSubRAV{SubRAV: sub, Signature: ed25519.Sign(priv, payload)}
}

func TestSignedVoucherRoundTrip(t *testing.T) {
	maxAmount := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 8*MaxAmountBytes), big.NewInt(1))

	cases := []struct {
		name   string
		mutate func(*SubRAV)
	}{
		{"typical", func(s *SubRAV) {}},
		{"zero amount", func(s *SubRAV) { s.AccumulatedAmount = new(big.Int) }},
		{"nil amount", func(s *SubRAV) { s.AccumulatedAmount = nil }},
		{"max amount", func(s *SubRAV) { s.AccumulatedAmount = maxAmount }},
		{"max nonce", func(s *SubRAV) { s.Nonce = ^uint64(0) }},
		{"max epoch", func(s *SubRAV) { s.ChannelEpoch = ^uint64(0) }},
		{"max fragment", func(s *SubRAV) { s.VMIDFragment = strings.Repeat("k", MaxFragmentLen) }},
		{"unicode fragment", func(s *SubRAV) { s.VMIDFragment = "clé-signature" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sr := testVoucher(t)
			tc.mutate(&sr.SubRAV)

			encoded, err := EncodeSigned(sr)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			decoded, err := DecodeSigned(encoded)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !decoded.SubRAV.Equal(&sr.SubRAV) {
				t.Fatalf("round trip mismatch: got %+v want %+v", decoded.SubRAV, sr.SubRAV)
			}
			if !bytes.Equal(decoded.Signature, sr.Signature) {
				t.Fatal("signature altered in round trip")
			}

			again, err := EncodeSigned(decoded)
			if err != nil {
				t.Fatalf("re-encode: %v", err)
			}
			if !bytes.Equal(encoded, again) {
				t.Fatal("encoding is not deterministic")
			}
		})
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	sr := testVoucher(t)
	value, err := EncodeSignedHeader(sr)
	if err != nil {
		t.Fatalf("encode header: %v", err)
	}
	if strings.ContainsAny(value, "+/=") {
		t.Fatalf("header value %q is not unpadded base64url", value)
	}
	decoded, err := DecodeSignedHeader(value)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if !decoded.SubRAV.Equal(&sr.SubRAV) {
		t.Fatal("header round trip mismatch")
	}

	if _, err := DecodeSignedHeader("!!not-base64!!"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestEncodingInjective(t *testing.T) {
	base := testVoucher(t)
	mutations := []func(*SubRAV){
		func(s *SubRAV) { s.ChainID++ },
		func(s *SubRAV) { s.ChannelID[0] ^= 0xff },
		func(s *SubRAV) { s.ChannelEpoch++ },
		func(s *SubRAV) { s.VMIDFragment = s.VMIDFragment + "x" },
		func(s *SubRAV) { s.AccumulatedAmount = new(big.Int).Add(s.Amount(), big.NewInt(1)) },
		func(s *SubRAV) { s.Nonce++ },
	}

	seen := map[string]string{}
	record := func(name string, s *SubRAV) {
		payload, err := s.SigningBytes()
		if err != nil {
			t.Fatalf("%s: signing bytes: %v", name, err)
		}
		if prev, dup := seen[string(payload)]; dup {
			t.Fatalf("%s and %s encode identically", prev, name)
		}
		seen[string(payload)] = name
	}

	record("base", &base.SubRAV)
	for i, mutate := range mutations {
		sub := base.SubRAV
		if base.AccumulatedAmount != nil {
			sub.AccumulatedAmount = new(big.Int).Set(base.AccumulatedAmount)
		}
		mutate(&sub)
		record(string(rune('a'+i)), &sub)
	}
}

func TestDecodeRejectsTruncation(t *testing.T) {
	encoded, err := EncodeSigned(testVoucher(t))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for n := 0; n < len(encoded); n++ {
		if _, err := DecodeSigned(encoded[:n]); !errors.Is(err, ErrMalformed) {
			t.Fatalf("truncation to %d bytes accepted", n)
		}
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	encoded, err := EncodeSigned(testVoucher(t))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeSigned(append(encoded, 0x00)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("trailing byte accepted: %v", err)
	}
}

func TestDecodeRejectsNonMinimalAmount(t *testing.T) {
	sr := testVoucher(t)
	sr.AccumulatedAmount = big.NewInt(0x0102)
	encoded, err := EncodeSigned(sr)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Amount 0x0102 encodes as len=2 bytes 01 02. Widen it to len=3 bytes
	// 00 01 02, which decodes to the same value but is non-minimal.
	idx := bytes.Index(encoded, []byte{0x00, 0x02, 0x01, 0x02})
	if idx < 0 {
		t.Fatal("amount field not found in encoding")
	}
	padded := append([]byte{}, encoded[:idx]...)
	padded = append(padded, 0x00, 0x03, 0x00, 0x01, 0x02)
	padded = append(padded, encoded[idx+4:]...)

	if _, err := DecodeSigned(padded); !errors.Is(err, ErrMalformed) {
		t.Fatalf("non-minimal amount accepted: %v", err)
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	encoded, err := EncodeSigned(testVoucher(t))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	encoded[0] = 9
	_, err = DecodeSigned(encoded)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected unsupported version, got %v", err)
	}
	if !errors.Is(err, ErrMalformed) {
		t.Fatal("unsupported version should still classify as malformed")
	}
}

func TestEncodeValidation(t *testing.T) {
	sr := testVoucher(t)
	sr.VMIDFragment = strings.Repeat("k", MaxFragmentLen+1)
	if _, err := EncodeSigned(sr); !errors.Is(err, ErrMalformed) {
		t.Fatal("oversized fragment accepted")
	}

	sr = testVoucher(t)
	sr.AccumulatedAmount = big.NewInt(-1)
	if _, err := EncodeSigned(sr); !errors.Is(err, ErrMalformed) {
		t.Fatal("negative amount accepted")
	}

	sr = testVoucher(t)
	sr.Signature = sr.Signature[:10]
	if _, err := EncodeSigned(sr); !errors.Is(err, ErrMalformed) {
		t.Fatal("short signature accepted")
	}
}

func TestReceiptRoundTrip(t *testing.T) {
	voucher := testVoucher(t)
	receipt := Receipt{
		Version:       Version1,
		ChainID:       voucher.ChainID,
		ChannelID:     voucher.ChannelID,
		ChannelEpoch:  voucher.ChannelEpoch,
		VMIDFragment:  voucher.VMIDFragment,
		Accumulated:   voucher.Amount(),
		Nonce:         voucher.Nonce,
		AmountDebited: big.NewInt(100),
		ServiceTxRef:  "b1946ac9-2d2c-4a4a-9d3e-91d9f9f1a7eb",
		ErrorCode:     0,
		Message:       "",
	}
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payload, err := receipt.SigningBytes()
	if err != nil {
		t.Fatalf("signing bytes: %v", err)
	}
	signed := &SignedReceipt{Receipt: receipt, Signature: ed25519.Sign(priv, payload)}

	value, err := EncodeReceiptHeader(signed)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeReceiptHeader(value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Accepted() {
		t.Fatal("accepted receipt decoded as rejected")
	}
	if decoded.ServiceTxRef != receipt.ServiceTxRef {
		t.Fatalf("tx ref mismatch: %s", decoded.ServiceTxRef)
	}
	if decoded.Debited().Cmp(receipt.AmountDebited) != 0 {
		t.Fatalf("debit mismatch: %s", decoded.Debited())
	}
}

func TestRejectionReceiptAllowsEmptyEcho(t *testing.T) {
	receipt := Receipt{
		Version:   Version1,
		ErrorCode: 8,
		Message:   "payment header is malformed",
	}
	payload, err := receipt.SigningBytes()
	if err != nil {
		t.Fatalf("signing bytes: %v", err)
	}
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signed := &SignedReceipt{Receipt: receipt, Signature: ed25519.Sign(priv, payload)}
	encoded, err := EncodeSignedReceipt(signed)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeSignedReceipt(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Accepted() {
		t.Fatal("rejection receipt decoded as accepted")
	}
	if decoded.Message != receipt.Message {
		t.Fatalf("message mismatch: %q", decoded.Message)
	}
}

func TestChannelID(t *testing.T) {
	a := DeriveChannelID(4, "did:neo:payer", "did:neo:payee")
	b := DeriveChannelID(4, "did:neo:payer", "did:neo:payee")
	if a != b {
		t.Fatal("derivation is not deterministic")
	}
	if DeriveChannelID(5, "did:neo:payer", "did:neo:payee") == a {
		t.Fatal("chain id not bound into channel id")
	}
	if DeriveChannelID(4, "did:neo:payee", "did:neo:payer") == a {
		t.Fatal("party order not bound into channel id")
	}

	parsed, err := ParseChannelID(a.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != a {
		t.Fatal("string round trip mismatch")
	}

	if _, err := ParseChannelID("0x1234"); !errors.Is(err, ErrMalformed) {
		t.Fatal("short channel id accepted")
	}
}
