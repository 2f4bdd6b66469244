package middleware

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/R3E-Network/payment_layer/internal/app/domain/channel"
	"github.com/R3E-Network/payment_layer/internal/app/services/billing"
	"github.com/R3E-Network/payment_layer/internal/app/services/pricing"
	"github.com/R3E-Network/payment_layer/internal/app/storage/memory"
	"github.com/R3E-Network/payment_layer/internal/did"
	"github.com/R3E-Network/payment_layer/internal/errors"
	"github.com/R3E-Network/payment_layer/internal/httputil"
	"github.com/R3E-Network/payment_layer/internal/logging"
	"github.com/R3E-Network/payment_layer/internal/rav"
	"github.com/R3E-Network/payment_layer/pkg/logger"
)

const (
	testChain    = uint64(860833102)
	testPayerDID = "did:neo:payer-1"
	testPayeeDID = "did:neo:payee-1"
	testFragment = "pay-1"
)

func quietRequestLog() *logging.Logger {
	l := logging.NewLogger("error", false)
	l.SetOutput(io.Discard)
	return l
}

func quietServiceLog() *logger.Logger {
	return logger.New("middleware-test", logger.Config{Level: "error", Output: io.Discard})
}

type billingFixture struct {
	mw        *BillingMiddleware
	payerKey  ed25519.PrivateKey
	channelID rav.ChannelID
}

func newBillingFixture(t *testing.T, priceOpts pricing.Options) *billingFixture {
	t.Helper()

	payerPub, payerKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate payer key: %v", err)
	}
	_, payeeKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate payee key: %v", err)
	}

	doc := &did.Document{
		ID: testPayerDID,
		VerificationMethod: []did.VerificationMethod{{
			ID:                 testPayerDID + "#" + testFragment,
			Type:               did.KeyTypeEd25519,
			Controller:         testPayerDID,
			PublicKeyMultibase: did.EncodeEd25519Multibase(payerPub),
		}},
		CapabilityInvocation: []string{testPayerDID + "#" + testFragment},
	}
	resolver := did.ResolverFunc(func(ctx context.Context, id string) (*did.Document, error) {
		if id == testPayerDID {
			return doc, nil
		}
		return nil, did.ErrNotFound
	})

	store := memory.New()
	channelID := rav.DeriveChannelID(testChain, testPayerDID, testPayeeDID)
	if _, err := store.CreateChannel(context.Background(), channel.Channel{
		ID:       channelID.String(),
		Epoch:    1,
		PayerDID: testPayerDID,
		PayeeDID: testPayeeDID,
		ChainID:  testChain,
		State:    channel.StateUnknown,
	}); err != nil {
		t.Fatalf("seed channel: %v", err)
	}

	ledger, err := billing.New(billing.Options{
		Channels: store,
		Receipts: store,
		Resolver: resolver,
		Identity: billing.Identity{DID: testPayeeDID, VMFragment: "srv-1", PrivateKey: payeeKey},
		ChainID:  testChain,
		Log:      quietServiceLog(),
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	pricer, err := pricing.New(priceOpts, quietServiceLog())
	if err != nil {
		t.Fatalf("new pricer: %v", err)
	}

	return &billingFixture{
		mw:        NewBillingMiddleware(ledger, pricer, quietRequestLog()),
		payerKey:  payerKey,
		channelID: channelID,
	}
}

func (f *billingFixture) voucherHeader(t *testing.T, nonce uint64, amount int64) string {
	t.Helper()
	v := rav.SubRAV{
		Version:           rav.Version1,
		ChainID:           testChain,
		ChannelID:         f.channelID,
		ChannelEpoch:      1,
		VMIDFragment:      testFragment,
		AccumulatedAmount: big.NewInt(amount),
		Nonce:             nonce,
	}
	payload, err := v.SigningBytes()
	if err != nil {
		t.Fatalf("voucher signing bytes: %v", err)
	}
	signed := &rav.SignedSubRAV{SubRAV: v, Signature: ed25519.Sign(f.payerKey, payload)}
	value, err := rav.EncodeSignedHeader(signed)
	if err != nil {
		t.Fatalf("encode voucher header: %v", err)
	}
	return value
}

func decodeReceiptHeader(t *testing.T, rec *httptest.ResponseRecorder) *rav.SignedReceipt {
	t.Helper()
	value := rec.Header().Get(rav.ReceiptHeader)
	if value == "" {
		t.Fatalf("expected %s header", rav.ReceiptHeader)
	}
	receipt, err := rav.DecodeReceiptHeader(value)
	if err != nil {
		t.Fatalf("decode receipt header: %v", err)
	}
	return receipt
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) httputil.ErrorBody {
	t.Helper()
	var body httputil.ErrorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestBillingAcceptsVoucher(t *testing.T) {
	f := newBillingFixture(t, pricing.Options{
		Rules: []pricing.Rule{{PathPrefix: "/", Price: big.NewInt(100)}},
	})

	var gotChannel string
	handler := f.mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotChannel = logging.GetChannelID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/data", nil)
	req.Header.Set(rav.VoucherHeader, f.voucherHeader(t, 1, 100))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotChannel != f.channelID.String() {
		t.Fatalf("expected channel %s in context, got %q", f.channelID, gotChannel)
	}

	receipt := decodeReceiptHeader(t, rec)
	if !receipt.Accepted() {
		t.Fatalf("expected accepted receipt, got code %d (%s)", receipt.ErrorCode, receipt.Message)
	}
	if receipt.Nonce != 1 || receipt.Debited().Int64() != 100 {
		t.Fatalf("receipt nonce=%d debited=%v", receipt.Nonce, receipt.AmountDebited)
	}
	if receipt.ChannelID != f.channelID {
		t.Fatalf("receipt channel %s, want %s", receipt.ChannelID, f.channelID)
	}
}

func TestBillingFreeTierServesUnvoucheredRequests(t *testing.T) {
	f := newBillingFixture(t, pricing.Options{FreeTier: true})

	called := false
	handler := f.mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/data", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || !called {
		t.Fatalf("expected free-tier pass, got %d (called=%v)", rec.Code, called)
	}
	if rec.Header().Get(rav.ReceiptHeader) != "" {
		t.Fatal("unbilled request must not carry a receipt")
	}
}

func TestBillingRequiresVoucherWhenFreeTierOff(t *testing.T) {
	f := newBillingFixture(t, pricing.Options{
		Rules: []pricing.Rule{{PathPrefix: "/", Price: big.NewInt(100)}},
	})

	handler := f.mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without payment")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/data", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
	if rec.Header().Get(rav.ReceiptHeader) != "" {
		t.Fatal("no voucher was presented, so no receipt is owed")
	}
	body := decodeErrorBody(t, rec)
	if body.Error.Code != string(errors.ErrCodePaymentRequired) {
		t.Fatalf("expected %s, got %s", errors.ErrCodePaymentRequired, body.Error.Code)
	}
}

func TestBillingMalformedVoucherGetsSignedRejection(t *testing.T) {
	f := newBillingFixture(t, pricing.Options{
		Rules: []pricing.Rule{{PathPrefix: "/", Price: big.NewInt(100)}},
	})

	handler := f.mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run on malformed payment")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/data", nil)
	req.Header.Set(rav.VoucherHeader, "!!not-base64!!")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decodeErrorBody(t, rec)
	if body.Error.Code != string(errors.ErrCodeMalformedHeader) {
		t.Fatalf("expected %s, got %s", errors.ErrCodeMalformedHeader, body.Error.Code)
	}

	receipt := decodeReceiptHeader(t, rec)
	if receipt.Accepted() {
		t.Fatal("malformed header must produce a rejection receipt")
	}
	if receipt.ErrorCode != errors.ErrCodeMalformedHeader.Numeric() {
		t.Fatalf("receipt code %d, want %d", receipt.ErrorCode, errors.ErrCodeMalformedHeader.Numeric())
	}
}

func TestBillingRejectionCarriesReceipt(t *testing.T) {
	f := newBillingFixture(t, pricing.Options{
		Rules: []pricing.Rule{{PathPrefix: "/", Price: big.NewInt(100)}},
	})

	handler := f.mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run on an underfunded voucher")
	}))

	// Accumulated amount only covers half the price.
	req := httptest.NewRequest(http.MethodGet, "/v1/data", nil)
	req.Header.Set(rav.VoucherHeader, f.voucherHeader(t, 1, 50))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
	body := decodeErrorBody(t, rec)
	if body.Error.Code != string(errors.ErrCodeInsufficient) {
		t.Fatalf("expected %s, got %s", errors.ErrCodeInsufficient, body.Error.Code)
	}

	receipt := decodeReceiptHeader(t, rec)
	if receipt.ErrorCode != errors.ErrCodeInsufficient.Numeric() {
		t.Fatalf("receipt code %d, want %d", receipt.ErrorCode, errors.ErrCodeInsufficient.Numeric())
	}
	if receipt.Nonce != 1 {
		t.Fatalf("rejection receipt echoes the voucher nonce, got %d", receipt.Nonce)
	}
}

func TestBillingZeroPriceStillRequiresValidVoucher(t *testing.T) {
	f := newBillingFixture(t, pricing.Options{})

	handler := f.mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Default price is zero, so an unchanged accumulated amount clears.
	req := httptest.NewRequest(http.MethodGet, "/v1/data", nil)
	req.Header.Set(rav.VoucherHeader, f.voucherHeader(t, 1, 0))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	receipt := decodeReceiptHeader(t, rec)
	if !receipt.Accepted() || receipt.Debited().Sign() != 0 {
		t.Fatalf("expected zero-debit acceptance, got code=%d debited=%v", receipt.ErrorCode, receipt.AmountDebited)
	}
}
