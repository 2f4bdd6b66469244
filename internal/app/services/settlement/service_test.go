package settlement

import (
	"context"
	"crypto/ed25519"
	stderrors "errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"testing"

	"github.com/R3E-Network/payment_layer/internal/app/domain/channel"
	"github.com/R3E-Network/payment_layer/internal/app/services/billing"
	"github.com/R3E-Network/payment_layer/internal/app/storage/memory"
	"github.com/R3E-Network/payment_layer/internal/chain"
	"github.com/R3E-Network/payment_layer/internal/did"
	"github.com/R3E-Network/payment_layer/internal/errors"
	"github.com/R3E-Network/payment_layer/internal/rav"
	"github.com/R3E-Network/payment_layer/pkg/logger"
)

const (
	testChain    = uint64(860833102)
	testPayerDID = "did:neo:payer"
	testPayeeDID = "did:neo:payee"
	testFragment = "pay-1"
)

// contractStub mimics the payment contract: submissions advance its settled
// mark, close flips its status.
type contractStub struct {
	mu    sync.Mutex
	state chain.ChannelState

	stateErr   error
	submitErr  error
	closeErr   error
	disputeErr error

	submitCalls  int
	closeCalls   int
	disputeCalls int

	submits  []*rav.SignedSubRAV
	disputes []*rav.SignedSubRAV
}

func (c *contractStub) ChannelState(_ context.Context, id rav.ChannelID) (*chain.ChannelState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stateErr != nil {
		return nil, c.stateErr
	}
	st := c.state
	st.ID = id
	if st.SettledAmount != nil {
		st.SettledAmount = new(big.Int).Set(st.SettledAmount)
	}
	return &st, nil
}

func (c *contractStub) SubmitVoucher(_ context.Context, signed *rav.SignedSubRAV) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitCalls++
	if c.submitErr != nil {
		return "", c.submitErr
	}
	c.submits = append(c.submits, signed)
	c.state.SettledNonce = signed.Nonce
	c.state.SettledAmount = new(big.Int).Set(signed.Amount())
	return fmt.Sprintf("0xsubmit%d", c.submitCalls), nil
}

func (c *contractStub) CloseChannel(_ context.Context, _ rav.ChannelID) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if c.closeErr != nil {
		return "", c.closeErr
	}
	c.state.Status = chain.StatusClosed
	return fmt.Sprintf("0xclose%d", c.closeCalls), nil
}

func (c *contractStub) DisputeChannel(_ context.Context, signed *rav.SignedSubRAV) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disputeCalls++
	if c.disputeErr != nil {
		return "", c.disputeErr
	}
	c.disputes = append(c.disputes, signed)
	c.state.Status = chain.StatusClosing
	c.state.SettledNonce = signed.Nonce
	c.state.SettledAmount = new(big.Int).Set(signed.Amount())
	return fmt.Sprintf("0xdispute%d", c.disputeCalls), nil
}

func (c *contractStub) setSubmitErr(err error) {
	c.mu.Lock()
	c.submitErr = err
	c.mu.Unlock()
}

func (c *contractStub) setCloseErr(err error) {
	c.mu.Lock()
	c.closeErr = err
	c.mu.Unlock()
}

type fixture struct {
	svc      *Service
	ledger   *billing.Service
	store    *memory.Store
	contract *contractStub
	id       string
}

// newFixture seeds one open channel with an accepted voucher at nonce 5 for
// amount 500 and a contract stub whose on-chain record has settled nothing.
func newFixture(t *testing.T, seed func(*channel.Channel), stub *contractStub) *fixture {
	t.Helper()

	store := memory.New()
	_, payeeKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate payee key: %v", err)
	}
	ledger, err := billing.New(billing.Options{
		Channels: store,
		Receipts: store,
		Resolver: did.ResolverFunc(func(context.Context, string) (*did.Document, error) {
			return nil, did.ErrNotFound
		}),
		Identity: billing.Identity{DID: testPayeeDID, VMFragment: "svc-1", PrivateKey: payeeKey},
		ChainID:  testChain,
		Log:      quietLog(),
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	chID := rav.DeriveChannelID(testChain, testPayerDID, testPayeeDID)
	ch := channel.Channel{
		ID:          chID.String(),
		Epoch:       1,
		PayerDID:    testPayerDID,
		PayeeDID:    testPayeeDID,
		ChainID:     testChain,
		State:       channel.StateOpen,
		LastNonce:   5,
		LastAmount:  big.NewInt(500),
		LastVoucher: encodeVoucher(t, chID, 5, 500),
	}
	if seed != nil {
		seed(&ch)
	}
	if _, err := store.CreateChannel(context.Background(), ch); err != nil {
		t.Fatalf("seed channel: %v", err)
	}

	if stub == nil {
		stub = &contractStub{}
	}
	if stub.state.Epoch == 0 {
		stub.state = chain.ChannelState{
			PayerDID:      testPayerDID,
			PayeeDID:      testPayeeDID,
			Epoch:         1,
			Status:        chain.StatusOpen,
			SettledAmount: big.NewInt(0),
			Deposit:       big.NewInt(100000),
		}
	}

	svc, err := New(Options{Ledger: ledger, Records: store, Contract: stub, Log: quietLog()})
	if err != nil {
		t.Fatalf("new settlement service: %v", err)
	}
	return &fixture{svc: svc, ledger: ledger, store: store, contract: stub, id: ch.ID}
}

func encodeVoucher(t *testing.T, id rav.ChannelID, nonce uint64, amount int64) []byte {
	t.Helper()
	raw, err := rav.EncodeSigned(&rav.SignedSubRAV{
		SubRAV: rav.SubRAV{
			Version:           rav.Version1,
			ChainID:           testChain,
			ChannelID:         id,
			ChannelEpoch:      1,
			VMIDFragment:      testFragment,
			AccumulatedAmount: big.NewInt(amount),
			Nonce:             nonce,
		},
		Signature: make([]byte, rav.SignatureSize),
	})
	if err != nil {
		t.Fatalf("encode voucher: %v", err)
	}
	return raw
}

func quietLog() *logger.Logger {
	log := logger.NewDefault("settlement-test")
	log.SetOutput(io.Discard)
	return log
}

func wantCode(t *testing.T, err error, code errors.ErrorCode) {
	t.Helper()
	se := errors.GetServiceError(err)
	if se == nil || se.Code != code {
		t.Fatalf("expected %s, got %v", code, err)
	}
}

func (f *fixture) mustChannel(t *testing.T) channel.Channel {
	t.Helper()
	ch, err := f.store.GetChannel(context.Background(), f.id)
	if err != nil {
		t.Fatalf("load channel: %v", err)
	}
	return ch
}

func (f *fixture) mustRecords(t *testing.T) []channel.SettlementRecord {
	t.Helper()
	recs, err := f.svc.ListRecords(context.Background(), f.id)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	return recs
}

func TestSubmitLatestCreditsChain(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec, err := f.svc.SubmitLatest(context.Background(), f.id)
	if err != nil {
		t.Fatalf("submit latest: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a settlement record")
	}
	if rec.Status != channel.SettlementConfirmed {
		t.Fatalf("record status = %s, want confirmed", rec.Status)
	}
	if rec.TxID == "" || rec.Nonce != 5 || rec.Amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", rec.Attempts)
	}
	if len(f.contract.submits) != 1 || f.contract.submits[0].Nonce != 5 {
		t.Fatalf("contract received %d submissions", len(f.contract.submits))
	}

	ch := f.mustChannel(t)
	if ch.SettledNonce != 5 || ch.SettledAmount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("ledger settled mark = %d/%s", ch.SettledNonce, ch.SettledAmount)
	}
}

func TestSubmitLatestNoOpWhenChainCurrent(t *testing.T) {
	stub := &contractStub{state: chain.ChannelState{
		Epoch:         1,
		Status:        chain.StatusOpen,
		SettledNonce:  5,
		SettledAmount: big.NewInt(500),
	}}
	f := newFixture(t, nil, stub)

	rec, err := f.svc.SubmitLatest(context.Background(), f.id)
	if err != nil {
		t.Fatalf("submit latest: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected no-op, got record %+v", rec)
	}
	if f.contract.submitCalls != 0 {
		t.Fatal("no-op must not touch the contract")
	}

	ch := f.mustChannel(t)
	if ch.SettledNonce != 5 || ch.SettledAmount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("settled mark not synced: %d/%s", ch.SettledNonce, ch.SettledAmount)
	}
}

func TestSubmitLatestIdempotentResubmit(t *testing.T) {
	f := newFixture(t, nil, nil)

	if _, err := f.svc.SubmitLatest(context.Background(), f.id); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	rec, err := f.svc.SubmitLatest(context.Background(), f.id)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if rec != nil {
		t.Fatalf("resubmit of settled voucher must be a no-op, got %+v", rec)
	}
	if f.contract.submitCalls != 1 {
		t.Fatalf("contract submitted %d times, want 1", f.contract.submitCalls)
	}
}

func TestSubmitLatestTransientFailureRetries(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.contract.setSubmitErr(stderrors.New("rpc: connection refused"))

	_, err := f.svc.SubmitLatest(context.Background(), f.id)
	wantCode(t, err, errors.ErrCodeSettlementFailed)

	recs := f.mustRecords(t)
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	pending := recs[0]
	if pending.Status != channel.SettlementPending || pending.Attempts != 1 {
		t.Fatalf("failed attempt should stay pending: %+v", pending)
	}
	if pending.LastError == "" {
		t.Fatal("pending record should carry the failure cause")
	}

	f.contract.setSubmitErr(nil)
	rec, err := f.svc.SubmitLatest(context.Background(), f.id)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if rec.ID != pending.ID {
		t.Fatalf("retry must reuse the pending record: %s vs %s", rec.ID, pending.ID)
	}
	if rec.Status != channel.SettlementConfirmed || rec.Attempts != 2 {
		t.Fatalf("retry outcome: %+v", rec)
	}
	if rec.LastError != "" {
		t.Fatal("confirmed record should clear the failure cause")
	}
}

func TestSubmitLatestFaultMarksFailed(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.contract.setSubmitErr(fmt.Errorf("submitVoucher rejected: channel disputed: %w", chain.ErrExecutionFault))

	_, err := f.svc.SubmitLatest(context.Background(), f.id)
	wantCode(t, err, errors.ErrCodeSettlementFailed)

	recs := f.mustRecords(t)
	if len(recs) != 1 || recs[0].Status != channel.SettlementFailed {
		t.Fatalf("fault should mark the record failed: %+v", recs)
	}

	// A later operator retry starts a fresh attempt; the faulted record is
	// terminal audit state.
	f.contract.setSubmitErr(nil)
	rec, err := f.svc.SubmitLatest(context.Background(), f.id)
	if err != nil {
		t.Fatalf("fresh submit: %v", err)
	}
	if rec.ID == recs[0].ID {
		t.Fatal("faulted record must not be reused")
	}
	if got := f.mustRecords(t); len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
}

func TestSubmitLatestEpochMismatch(t *testing.T) {
	stub := &contractStub{state: chain.ChannelState{
		Epoch:         2,
		Status:        chain.StatusOpen,
		SettledAmount: big.NewInt(0),
	}}
	f := newFixture(t, nil, stub)

	_, err := f.svc.SubmitLatest(context.Background(), f.id)
	wantCode(t, err, errors.ErrCodeSettlementFailed)
	if f.contract.submitCalls != 0 {
		t.Fatal("epoch mismatch must not submit")
	}
}

func TestSubmitLatestRequiresVoucher(t *testing.T) {
	f := newFixture(t, func(ch *channel.Channel) {
		ch.LastVoucher = nil
		ch.LastNonce = 0
		ch.LastAmount = nil
		ch.State = channel.StateUnknown
	}, nil)

	_, err := f.svc.SubmitLatest(context.Background(), f.id)
	wantCode(t, err, errors.ErrCodeInvalidInput)
}

func TestSubmitLatestUnknownChannel(t *testing.T) {
	f := newFixture(t, nil, nil)

	ghost := rav.DeriveChannelID(testChain, "did:neo:ghost", testPayeeDID)
	_, err := f.svc.SubmitLatest(context.Background(), ghost.String())
	wantCode(t, err, errors.ErrCodeNotFound)
}

func TestCloseSubmitsUnsettledThenCloses(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec, err := f.svc.Close(context.Background(), f.id)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if rec == nil || rec.Kind != channel.SettleKindClose || rec.Status != channel.SettlementConfirmed {
		t.Fatalf("unexpected close record %+v", rec)
	}
	if f.contract.submitCalls != 1 {
		t.Fatalf("close must settle outstanding credit first, submits = %d", f.contract.submitCalls)
	}
	if f.contract.closeCalls != 1 {
		t.Fatalf("close calls = %d, want 1", f.contract.closeCalls)
	}

	ch := f.mustChannel(t)
	if ch.State != channel.StateClosed {
		t.Fatalf("channel state = %s, want closed", ch.State)
	}
	if ch.SettledNonce != 5 {
		t.Fatalf("settled nonce = %d, want 5", ch.SettledNonce)
	}

	recs := f.mustRecords(t)
	if len(recs) != 2 {
		t.Fatalf("expected submit + close records, got %d", len(recs))
	}
	for _, r := range recs {
		if r.Status != channel.SettlementConfirmed {
			t.Fatalf("record %s/%s not confirmed", r.Kind, r.Status)
		}
	}
}

func TestCloseObservesCounterpartyClose(t *testing.T) {
	stub := &contractStub{state: chain.ChannelState{
		Epoch:         1,
		Status:        chain.StatusClosed,
		SettledNonce:  5,
		SettledAmount: big.NewInt(500),
	}}
	f := newFixture(t, nil, stub)

	rec, err := f.svc.Close(context.Background(), f.id)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if rec != nil {
		t.Fatalf("observed close should not submit, got %+v", rec)
	}
	if f.contract.closeCalls != 0 || f.contract.submitCalls != 0 {
		t.Fatal("already-closed channel must not be touched")
	}

	ch := f.mustChannel(t)
	if ch.State != channel.StateClosed || ch.SettledNonce != 5 {
		t.Fatalf("ledger not synced: %s settled %d", ch.State, ch.SettledNonce)
	}
}

func TestCloseRetryAfterChainFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.contract.setCloseErr(stderrors.New("rpc timeout"))

	_, err := f.svc.Close(context.Background(), f.id)
	wantCode(t, err, errors.ErrCodeSettlementFailed)

	ch := f.mustChannel(t)
	if ch.State != channel.StateClosing {
		t.Fatalf("interrupted close should leave the channel closing, got %s", ch.State)
	}
	var pendingClose *channel.SettlementRecord
	for _, r := range f.mustRecords(t) {
		if r.Kind == channel.SettleKindClose {
			r := r
			pendingClose = &r
		}
	}
	if pendingClose == nil || pendingClose.Status != channel.SettlementPending {
		t.Fatalf("expected a pending close record, got %+v", pendingClose)
	}

	f.contract.setCloseErr(nil)
	rec, err := f.svc.Close(context.Background(), f.id)
	if err != nil {
		t.Fatalf("close retry: %v", err)
	}
	if rec.ID != pendingClose.ID {
		t.Fatal("close retry must reuse the pending record")
	}
	if f.contract.closeCalls != 2 {
		t.Fatalf("close calls = %d, want 2", f.contract.closeCalls)
	}
	if got := f.mustChannel(t).State; got != channel.StateClosed {
		t.Fatalf("channel state = %s, want closed", got)
	}
}

func TestCloseIsIdempotentOnceClosed(t *testing.T) {
	f := newFixture(t, nil, nil)

	if _, err := f.svc.Close(context.Background(), f.id); err != nil {
		t.Fatalf("close: %v", err)
	}
	rec, err := f.svc.Close(context.Background(), f.id)
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
	if rec != nil {
		t.Fatalf("closed channel close should be a no-op, got %+v", rec)
	}
	if f.contract.closeCalls != 1 {
		t.Fatalf("close calls = %d, want 1", f.contract.closeCalls)
	}
}

func TestDisputePresentsHighestVoucher(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec, err := f.svc.Dispute(context.Background(), f.id)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if rec == nil || rec.Kind != channel.SettleKindDispute || rec.Status != channel.SettlementConfirmed {
		t.Fatalf("unexpected dispute record %+v", rec)
	}
	if len(f.contract.disputes) != 1 || f.contract.disputes[0].Nonce != 5 {
		t.Fatalf("contract should receive the nonce-5 voucher, got %+v", f.contract.disputes)
	}

	ch := f.mustChannel(t)
	if ch.State != channel.StateClosing {
		t.Fatalf("disputed channel should be closing, got %s", ch.State)
	}
	if ch.SettledNonce != 5 || ch.SettledAmount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("settled mark = %d/%s", ch.SettledNonce, ch.SettledAmount)
	}
}

func TestDisputeRequiresVoucher(t *testing.T) {
	f := newFixture(t, func(ch *channel.Channel) {
		ch.LastVoucher = nil
		ch.LastNonce = 0
		ch.LastAmount = nil
	}, nil)

	_, err := f.svc.Dispute(context.Background(), f.id)
	wantCode(t, err, errors.ErrCodeInvalidInput)
}
