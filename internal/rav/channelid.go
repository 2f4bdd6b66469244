package rav

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ChannelIDSize is the byte length of a channel identifier.
const ChannelIDSize = 32

// ChannelID identifies one payment channel on the settlement chain.
type ChannelID [ChannelIDSize]byte

// String renders the identifier as 0x-prefixed lowercase hex.
func (c ChannelID) String() string {
	return "0x" + hex.EncodeToString(c[:])
}

// IsZero reports whether the identifier is unset.
func (c ChannelID) IsZero() bool {
	return c == ChannelID{}
}

// ParseChannelID parses a 0x-prefixed 64-digit hex channel identifier.
func ParseChannelID(s string) (ChannelID, error) {
	var id ChannelID
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(s) != ChannelIDSize*2 {
		return id, fmt.Errorf("channel id must be %d hex digits: %w", ChannelIDSize*2, ErrMalformed)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("channel id is not hex: %w", ErrMalformed)
	}
	copy(id[:], b)
	return id, nil
}

// DeriveChannelID computes the deterministic channel identifier for a
// payer/payee pair on a chain: SHA3-256 over the length-prefixed tuple. Both
// sides derive the same identifier without coordination.
func DeriveChannelID(chainID uint64, payerDID, payeeDID string) ChannelID {
	h := sha3.New256()

	var chain [8]byte
	binary.BigEndian.PutUint64(chain[:], chainID)
	h.Write(chain[:])

	for _, did := range []string{payerDID, payeeDID} {
		var n [2]byte
		binary.BigEndian.PutUint16(n[:], uint16(len(did)))
		h.Write(n[:])
		h.Write([]byte(did))
	}

	var id ChannelID
	copy(id[:], h.Sum(nil))
	return id
}
