// Package errors defines the coded error type shared by the payment layer
// services and the HTTP surface.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a failure class. Codes are stable: they appear in
// billing receipts, API responses and logs.
type ErrorCode string

const (
	// Voucher verification codes.
	ErrCodeAuthFailed       ErrorCode = "AUTH_FAILED"
	ErrCodeBadSignature     ErrorCode = "BAD_SIGNATURE"
	ErrCodeEpochMismatch    ErrorCode = "EPOCH_MISMATCH"
	ErrCodeChannelClosed    ErrorCode = "CHANNEL_CLOSED"
	ErrCodeReplayedOrStale  ErrorCode = "REPLAYED_OR_STALE"
	ErrCodeAmountRegression ErrorCode = "AMOUNT_REGRESSION"
	ErrCodeInsufficient     ErrorCode = "INSUFFICIENT_AMOUNT"
	ErrCodeMalformedHeader  ErrorCode = "MALFORMED_HEADER"
	ErrCodePaymentRequired  ErrorCode = "PAYMENT_REQUIRED"
	ErrCodeLimitExceeded    ErrorCode = "LIMIT_EXCEEDED"

	// Settlement and operator codes.
	ErrCodeSettlementFailed ErrorCode = "SETTLEMENT_FAILED"

	// Generic service codes.
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeRateLimit    ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeUpstream     ErrorCode = "UPSTREAM_UNAVAILABLE"
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
)

// receiptCodes maps error codes to the numeric form carried inside billing
// receipts. Zero is reserved for accepted vouchers.
var receiptCodes = map[ErrorCode]uint32{
	ErrCodeAuthFailed:       1,
	ErrCodeBadSignature:     2,
	ErrCodeEpochMismatch:    3,
	ErrCodeChannelClosed:    4,
	ErrCodeReplayedOrStale:  5,
	ErrCodeAmountRegression: 6,
	ErrCodeInsufficient:     7,
	ErrCodeMalformedHeader:  8,
	ErrCodePaymentRequired:  9,
	ErrCodeLimitExceeded:    10,
	ErrCodeSettlementFailed: 11,
}

// Numeric returns the receipt wire code for c, or the generic internal code
// when c has no protocol mapping.
func (c ErrorCode) Numeric() uint32 {
	if n, ok := receiptCodes[c]; ok {
		return n
	}
	return 99
}

// CodeFromNumeric is the inverse of Numeric for known protocol codes.
func CodeFromNumeric(n uint32) (ErrorCode, bool) {
	for code, num := range receiptCodes {
		if num == n {
			return code, true
		}
	}
	return "", false
}

// ServiceError is the error type surfaced by payment layer services.
type ServiceError struct {
	Code       ErrorCode
	HTTPStatus int
	Message    string
	Details    map[string]interface{}
	Err        error
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a key/value pair and returns the error for chaining.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New builds a ServiceError with an explicit code and status.
func New(code ErrorCode, status int, message string, err error) *ServiceError {
	return &ServiceError{Code: code, HTTPStatus: status, Message: message, Err: err}
}

// GetServiceError returns the ServiceError in err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}

// AuthFailed covers identity resolution failures: unknown DID, resolution
// timeout, or a key that is not payment-authorized.
func AuthFailed(message string, err error) *ServiceError {
	return New(ErrCodeAuthFailed, http.StatusUnauthorized, message, err)
}

// BadSignature covers cryptographic verification failures.
func BadSignature(message string) *ServiceError {
	return New(ErrCodeBadSignature, http.StatusUnauthorized, message, nil)
}

// EpochMismatch rejects vouchers issued against a superseded channel epoch.
func EpochMismatch(voucherEpoch, channelEpoch uint64) *ServiceError {
	return New(ErrCodeEpochMismatch, http.StatusConflict, "voucher epoch does not match channel epoch", nil).
		WithDetails("voucherEpoch", voucherEpoch).
		WithDetails("channelEpoch", channelEpoch)
}

// ChannelClosed rejects vouchers for channels in a terminal state.
func ChannelClosed(channelID string) *ServiceError {
	return New(ErrCodeChannelClosed, http.StatusGone, "channel is closed", nil).
		WithDetails("channelId", channelID)
}

// ReplayedOrStale rejects vouchers whose nonce does not advance.
func ReplayedOrStale(nonce, lastNonce uint64) *ServiceError {
	return New(ErrCodeReplayedOrStale, http.StatusConflict, "voucher nonce does not advance", nil).
		WithDetails("nonce", nonce).
		WithDetails("lastNonce", lastNonce)
}

// AmountRegression rejects vouchers whose accumulated amount shrank.
func AmountRegression(message string) *ServiceError {
	return New(ErrCodeAmountRegression, http.StatusConflict, message, nil)
}

// InsufficientAmount rejects vouchers whose delta does not cover the price.
func InsufficientAmount(message string) *ServiceError {
	return New(ErrCodeInsufficient, http.StatusPaymentRequired, message, nil)
}

// MalformedHeader rejects inputs that do not decode.
func MalformedHeader(err error) *ServiceError {
	return New(ErrCodeMalformedHeader, http.StatusBadRequest, "payment header is malformed", err)
}

// PaymentRequired rejects unvouchered requests when the free tier is off.
func PaymentRequired() *ServiceError {
	return New(ErrCodePaymentRequired, http.StatusPaymentRequired, "payment voucher required", nil)
}

// LimitExceeded rejects vouchers that would exceed a spending cap.
func LimitExceeded(message string) *ServiceError {
	return New(ErrCodeLimitExceeded, http.StatusTooManyRequests, message, nil)
}

// SettlementFailed reports an on-chain submission failure.
func SettlementFailed(message string, err error) *ServiceError {
	return New(ErrCodeSettlementFailed, http.StatusBadGateway, message, err)
}

// InvalidToken reports an unusable operator credential.
func InvalidToken(err error) *ServiceError {
	return New(ErrCodeInvalidToken, http.StatusUnauthorized, "Invalid or expired token", err)
}

// Unauthorized reports a missing or insufficient credential.
func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "Unauthorized"
	}
	return New(ErrCodeUnauthorized, http.StatusUnauthorized, message, nil)
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, http.StatusNotFound, fmt.Sprintf("%s not found", resource), nil).
		WithDetails("id", id)
}

// InvalidInput reports a request that fails validation.
func InvalidInput(message string) *ServiceError {
	return New(ErrCodeInvalidInput, http.StatusBadRequest, message, nil)
}

// UpstreamUnavailable reports a billed backend that could not be reached.
func UpstreamUnavailable(err error) *ServiceError {
	return New(ErrCodeUpstream, http.StatusBadGateway, "upstream unavailable", err)
}

// RateLimitExceeded reports request throttling.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(ErrCodeRateLimit, http.StatusTooManyRequests, "Rate limit exceeded", nil).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Internal reports an unexpected failure.
func Internal(message string, err error) *ServiceError {
	return New(ErrCodeInternal, http.StatusInternalServerError, message, err)
}
