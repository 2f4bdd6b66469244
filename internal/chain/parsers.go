package chain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
)

// Stack item parsers. Neo N3 nodes return ByteString and Buffer values
// base64-encoded and Integer values as decimal strings.

// ParseArray extracts the elements of an Array or Struct stack item.
func ParseArray(item StackItem) ([]StackItem, error) {
	if item.Type != "Array" && item.Type != "Struct" {
		return nil, fmt.Errorf("expected Array or Struct, got %s", item.Type)
	}

	var items []StackItem
	if err := json.Unmarshal(item.Value, &items); err != nil {
		return nil, fmt.Errorf("unmarshal array: %w", err)
	}
	return items, nil
}

// ParseByteArray decodes a ByteString or Buffer stack item.
func ParseByteArray(item StackItem) ([]byte, error) {
	if item.Type == "ByteString" || item.Type == "Buffer" {
		var value string
		if err := json.Unmarshal(item.Value, &value); err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(value)
	}
	if item.Type == "Null" {
		return nil, nil
	}
	return nil, fmt.Errorf("unexpected type: %s", item.Type)
}

// ParseString decodes a ByteString or Buffer stack item as UTF-8 text.
func ParseString(item StackItem) (string, error) {
	raw, err := ParseByteArray(item)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ParseInteger decodes an Integer stack item.
func ParseInteger(item StackItem) (*big.Int, error) {
	if item.Type != "Integer" {
		return nil, fmt.Errorf("unexpected type: %s", item.Type)
	}
	var value string
	if err := json.Unmarshal(item.Value, &value); err != nil {
		return nil, err
	}
	n, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", value)
	}
	return n, nil
}

// ParseBoolean decodes a Boolean stack item.
func ParseBoolean(item StackItem) (bool, error) {
	if item.Type != "Boolean" {
		return false, fmt.Errorf("unexpected type: %s", item.Type)
	}
	var value bool
	if err := json.Unmarshal(item.Value, &value); err != nil {
		return false, err
	}
	return value, nil
}
