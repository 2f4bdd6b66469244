package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/R3E-Network/payment_layer/internal/rav"
	"github.com/R3E-Network/payment_layer/pkg/logger"
)

const (
	testContractHash = "0x5a3c1e7ab8f042c2a52c9b3b7c8d1f0e9a6b5c4d"
	testRelay        = "NRelayAddressXXXXXXXXXXXXXXXXXXXXX"
)

type rpcStub struct {
	mu      sync.Mutex
	calls   []RPCRequest
	handler func(req RPCRequest) (interface{}, *RPCError)
}

func (s *rpcStub) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	result, rpcErr := s.handler(req)
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *rpcStub) callsFor(method string) []RPCRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RPCRequest
	for _, c := range s.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func newTestContract(t *testing.T, stub *rpcStub) *PaymentContract {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(stub.serve))
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{RPCURL: srv.URL, NetworkID: 860833102, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	log := logger.New("chain-test", logger.Config{Level: "error", Output: io.Discard})
	contract, err := NewPaymentContract(client, ContractConfig{
		Hash:         testContractHash,
		RelayAddress: testRelay,
		PollInterval: 5 * time.Millisecond,
		WaitTimeout:  2 * time.Second,
	}, log)
	if err != nil {
		t.Fatalf("new contract: %v", err)
	}
	return contract
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func stackInt(v string) map[string]interface{} {
	return map[string]interface{}{"type": "Integer", "value": v}
}

func stackBytes(b []byte) map[string]interface{} {
	return map[string]interface{}{"type": "ByteString", "value": base64.StdEncoding.EncodeToString(b)}
}

func channelRecord(payer, payee string) map[string]interface{} {
	return map[string]interface{}{
		"type": "Array",
		"value": []interface{}{
			map[string]interface{}{"type": "ByteString", "value": b64(payer)},
			map[string]interface{}{"type": "ByteString", "value": b64(payee)},
			stackInt("3"),
			stackInt("1"),
			stackInt("7"),
			stackInt("700"),
			stackInt("100000"),
		},
	}
}

func TestCallSurfacesRPCError(t *testing.T) {
	stub := &rpcStub{handler: func(req RPCRequest) (interface{}, *RPCError) {
		return nil, &RPCError{Code: -32601, Message: "method not found"}
	}}
	contract := newTestContract(t, stub)

	_, err := contract.client.GetBlockCount(context.Background())
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Fatalf("expected RPCError -32601, got %v", err)
	}
}

func TestChannelStateParsesRecord(t *testing.T) {
	stub := &rpcStub{handler: func(req RPCRequest) (interface{}, *RPCError) {
		return map[string]interface{}{
			"state":       "HALT",
			"gasconsumed": "202812",
			"stack":       []interface{}{channelRecord("did:neo:payer", "did:neo:payee")},
		}, nil
	}}
	contract := newTestContract(t, stub)

	var id rav.ChannelID
	id[0] = 0x11
	state, err := contract.ChannelState(context.Background(), id)
	if err != nil {
		t.Fatalf("channel state: %v", err)
	}
	if state.PayerDID != "did:neo:payer" || state.PayeeDID != "did:neo:payee" {
		t.Fatalf("parties: %q %q", state.PayerDID, state.PayeeDID)
	}
	if state.Epoch != 3 || state.Status != StatusClosing {
		t.Fatalf("epoch=%d status=%d", state.Epoch, state.Status)
	}
	if state.SettledNonce != 7 || state.SettledAmount.Int64() != 700 || state.Deposit.Int64() != 100000 {
		t.Fatalf("settlement fields: %+v", state)
	}

	calls := stub.callsFor("invokefunction")
	if len(calls) != 1 {
		t.Fatalf("expected 1 invokefunction call, got %d", len(calls))
	}
	if calls[0].Params[0] != testContractHash || calls[0].Params[1] != "getChannel" {
		t.Fatalf("invoke params: %v", calls[0].Params)
	}
}

func TestChannelStateNotFound(t *testing.T) {
	stub := &rpcStub{handler: func(req RPCRequest) (interface{}, *RPCError) {
		return map[string]interface{}{
			"state": "HALT",
			"stack": []interface{}{map[string]interface{}{"type": "Null", "value": nil}},
		}, nil
	}}
	contract := newTestContract(t, stub)

	_, err := contract.ChannelState(context.Background(), rav.ChannelID{})
	if !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
}

func TestLookupChannelMapsLedgerState(t *testing.T) {
	stub := &rpcStub{handler: func(req RPCRequest) (interface{}, *RPCError) {
		return map[string]interface{}{
			"state":       "HALT",
			"gasconsumed": "1",
			"stack":       []interface{}{channelRecord("did:neo:payer", "did:neo:payee")},
		}, nil
	}}
	contract := newTestContract(t, stub)

	var id rav.ChannelID
	id[0] = 0x22
	ch, err := contract.LookupChannel(context.Background(), id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ch.ID != id.String() || ch.ChainID != 860833102 {
		t.Fatalf("channel mapping: %+v", ch)
	}
	if ch.State != "closing" {
		t.Fatalf("ledger state = %s, want closing", ch.State)
	}
}

func TestSubmitVoucherRelaysAndWaits(t *testing.T) {
	txHash := "0xdeadbeef"
	var logPolls int

	stub := &rpcStub{}
	stub.handler = func(req RPCRequest) (interface{}, *RPCError) {
		switch req.Method {
		case "invokefunction":
			return map[string]interface{}{
				"state": "HALT",
				"stack": []interface{}{stackInt("1")},
				"tx":    txHash,
			}, nil
		case "getapplicationlog":
			logPolls++
			if logPolls == 1 {
				return nil, &RPCError{Code: -100, Message: "Unknown transaction"}
			}
			return map[string]interface{}{
				"txid": txHash,
				"executions": []interface{}{map[string]interface{}{
					"trigger": "Application",
					"vmstate": "HALT",
					"notifications": []interface{}{map[string]interface{}{
						"contract":  testContractHash,
						"eventname": EventVoucherSubmitted,
						"state": map[string]interface{}{
							"type": "Array",
							"value": []interface{}{
								stackBytes(make([]byte, rav.ChannelIDSize)),
								stackInt("500"),
								stackInt("9"),
							},
						},
					}},
				}},
			}, nil
		default:
			return nil, &RPCError{Code: -32601, Message: "method not found"}
		}
	}
	contract := newTestContract(t, stub)

	signed := testSignedVoucher()
	got, err := contract.SubmitVoucher(context.Background(), signed)
	if err != nil {
		t.Fatalf("submit voucher: %v", err)
	}
	if got != txHash {
		t.Fatalf("tx hash = %q, want %q", got, txHash)
	}
	if logPolls < 2 {
		t.Fatalf("expected retried log polls, got %d", logPolls)
	}

	invokes := stub.callsFor("invokefunction")
	if len(invokes) != 1 {
		t.Fatalf("expected 1 invoke, got %d", len(invokes))
	}
	if invokes[0].Params[1] != "submitVoucher" {
		t.Fatalf("method = %v", invokes[0].Params[1])
	}
	if len(invokes[0].Params) != 4 {
		t.Fatalf("signed invoke must carry signers, params = %v", invokes[0].Params)
	}
}

func TestInvokeWriteFaultSurfacesException(t *testing.T) {
	stub := &rpcStub{handler: func(req RPCRequest) (interface{}, *RPCError) {
		return map[string]interface{}{
			"state":     "FAULT",
			"exception": "channel already closed",
			"stack":     []interface{}{},
		}, nil
	}}
	contract := newTestContract(t, stub)

	_, err := contract.CloseChannel(context.Background(), rav.ChannelID{})
	if err == nil || !strings.Contains(err.Error(), "channel already closed") {
		t.Fatalf("expected fault exception, got %v", err)
	}
	if !errors.Is(err, ErrExecutionFault) {
		t.Fatalf("fault should map to ErrExecutionFault, got %v", err)
	}
}

func TestInvokeWriteRequiresRelayedTx(t *testing.T) {
	stub := &rpcStub{handler: func(req RPCRequest) (interface{}, *RPCError) {
		return map[string]interface{}{
			"state": "HALT",
			"stack": []interface{}{stackInt("1")},
		}, nil
	}}
	contract := newTestContract(t, stub)

	_, err := contract.CloseChannel(context.Background(), rav.ChannelID{})
	if err == nil || !strings.Contains(err.Error(), "no transaction") {
		t.Fatalf("expected relay error, got %v", err)
	}
}

func TestOpenChannelDerivesID(t *testing.T) {
	txHash := "0xfeed"
	stub := &rpcStub{}
	stub.handler = func(req RPCRequest) (interface{}, *RPCError) {
		switch req.Method {
		case "invokefunction":
			return map[string]interface{}{
				"state": "HALT",
				"stack": []interface{}{stackInt("1")},
				"tx":    txHash,
			}, nil
		case "getapplicationlog":
			return map[string]interface{}{
				"txid":       txHash,
				"executions": []interface{}{map[string]interface{}{"vmstate": "HALT"}},
			}, nil
		default:
			return nil, &RPCError{Code: -32601, Message: "method not found"}
		}
	}
	contract := newTestContract(t, stub)

	id, tx, err := contract.OpenChannel(context.Background(), "did:neo:payer", "did:neo:payee", nil)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	if tx != txHash {
		t.Fatalf("tx = %q", tx)
	}
	want := rav.DeriveChannelID(860833102, "did:neo:payer", "did:neo:payee")
	if id != want {
		t.Fatalf("derived id %s, want %s", id, want)
	}
}

func TestEventChannelIDDecodes(t *testing.T) {
	var id rav.ChannelID
	id[31] = 0x7F

	state, _ := json.Marshal([]interface{}{
		stackBytes(id[:]),
		stackInt("500"),
		stackInt("9"),
	})
	n := Notification{
		Contract:  testContractHash,
		EventName: EventVoucherSubmitted,
		State:     StackItem{Type: "Array", Value: state},
	}

	got, ok := EventChannelID(n)
	if !ok || got != id {
		t.Fatalf("event channel id = %v ok=%v", got, ok)
	}
	if eventNonce(n) != 9 {
		t.Fatalf("event nonce = %d", eventNonce(n))
	}
}

func testSignedVoucher() *rav.SignedSubRAV {
	var id rav.ChannelID
	id[0] = 0x42
	v := rav.SubRAV{
		Version:      rav.Version1,
		ChainID:      860833102,
		ChannelID:    id,
		ChannelEpoch: 1,
		VMIDFragment: "pay-1",
		Nonce:        9,
	}
	return &rav.SignedSubRAV{SubRAV: v, Signature: make([]byte, rav.SignatureSize)}
}

