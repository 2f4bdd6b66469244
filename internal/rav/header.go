package rav

import (
	"encoding/base64"
	"fmt"
)

// HTTP headers carrying vouchers and receipts. Values are unpadded
// URL-safe base64 of the binary encoding.
const (
	VoucherHeader = "X-Payment-Voucher"
	ReceiptHeader = "X-Payment-Receipt"
)

var headerEncoding = base64.RawURLEncoding

// EncodeSignedHeader renders a signed voucher as a header value.
func EncodeSignedHeader(sr *SignedSubRAV) (string, error) {
	raw, err := EncodeSigned(sr)
	if err != nil {
		return "", err
	}
	return headerEncoding.EncodeToString(raw), nil
}

// DecodeSignedHeader parses a voucher header value.
func DecodeSignedHeader(value string) (*SignedSubRAV, error) {
	raw, err := headerEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("header is not base64url: %w", ErrMalformed)
	}
	return DecodeSigned(raw)
}

// EncodeReceiptHeader renders a signed receipt as a header value.
func EncodeReceiptHeader(sr *SignedReceipt) (string, error) {
	raw, err := EncodeSignedReceipt(sr)
	if err != nil {
		return "", err
	}
	return headerEncoding.EncodeToString(raw), nil
}

// DecodeReceiptHeader parses a receipt header value.
func DecodeReceiptHeader(value string) (*SignedReceipt, error) {
	raw, err := headerEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("header is not base64url: %w", ErrMalformed)
	}
	return DecodeSignedReceipt(raw)
}
