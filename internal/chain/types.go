package chain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
)

// RPCRequest is a JSON-RPC request.
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// RPCResponse is a JSON-RPC response.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// InvokeResult is the result of invokefunction. Tx is populated when the
// node signed and relayed the invocation.
type InvokeResult struct {
	Script      string      `json:"script"`
	State       string      `json:"state"`
	GasConsumed string      `json:"gasconsumed"`
	Exception   string      `json:"exception,omitempty"`
	Stack       []StackItem `json:"stack"`
	Tx          string      `json:"tx,omitempty"`
}

// StackItem is a Neo VM stack item.
type StackItem struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// ApplicationLog is the application log for a transaction.
type ApplicationLog struct {
	TxID       string      `json:"txid"`
	Executions []Execution `json:"executions"`
}

// Execution is a single execution in the application log.
type Execution struct {
	Trigger       string         `json:"trigger"`
	VMState       string         `json:"vmstate"`
	GasConsumed   string         `json:"gasconsumed"`
	Stack         []StackItem    `json:"stack"`
	Notifications []Notification `json:"notifications"`
}

// Notification is a contract notification.
type Notification struct {
	Contract  string    `json:"contract"`
	EventName string    `json:"eventname"`
	State     StackItem `json:"state"`
}

// TxResult carries the outcome of a relayed invocation.
type TxResult struct {
	TxHash  string
	VMState string
	AppLog  *ApplicationLog
}

// Signer scopes a transaction signature.
type Signer struct {
	Account string `json:"account"`
	Scopes  string `json:"scopes"`
}

// CalledByEntry restricts the witness to direct entry-script calls.
const CalledByEntry = "CalledByEntry"

// ContractParam is an invokefunction argument.
type ContractParam struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// NewStringParam wraps a string argument.
func NewStringParam(v string) ContractParam {
	return ContractParam{Type: "String", Value: v}
}

// NewIntegerParam wraps an integer argument. The node expects the decimal
// string form.
func NewIntegerParam(v *big.Int) ContractParam {
	if v == nil {
		v = new(big.Int)
	}
	return ContractParam{Type: "Integer", Value: v.String()}
}

// NewByteArrayParam wraps a byte slice argument, base64 per Neo RPC.
func NewByteArrayParam(v []byte) ContractParam {
	return ContractParam{Type: "ByteArray", Value: base64.StdEncoding.EncodeToString(v)}
}

// NewBoolParam wraps a boolean argument.
func NewBoolParam(v bool) ContractParam {
	return ContractParam{Type: "Boolean", Value: v}
}

// NewArrayParam wraps a nested parameter list.
func NewArrayParam(items []ContractParam) ContractParam {
	return ContractParam{Type: "Array", Value: items}
}
