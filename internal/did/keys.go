package did

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/joeqian10/neo3-gogogo/crypto"
)

// ed25519Multicodec is the multicodec prefix for ed25519 public keys.
var ed25519Multicodec = []byte{0xed, 0x01}

// EncodeEd25519Multibase renders an ed25519 public key in multibase form:
// 'z' followed by base58btc of the multicodec-prefixed key bytes.
func EncodeEd25519Multibase(pub ed25519.PublicKey) string {
	raw := make([]byte, 0, len(ed25519Multicodec)+len(pub))
	raw = append(raw, ed25519Multicodec...)
	raw = append(raw, pub...)
	return "z" + crypto.Encode(raw)
}

// DecodeEd25519Multibase parses a multibase ed25519 public key.
func DecodeEd25519Multibase(s string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(s, "z") {
		return nil, fmt.Errorf("unsupported multibase prefix in %q", truncateKey(s))
	}
	raw, err := crypto.Decode(s[1:])
	if err != nil {
		return nil, fmt.Errorf("decode base58 key: %w", err)
	}
	if len(raw) != len(ed25519Multicodec)+ed25519.PublicKeySize {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(raw), len(ed25519Multicodec)+ed25519.PublicKeySize)
	}
	if raw[0] != ed25519Multicodec[0] || raw[1] != ed25519Multicodec[1] {
		return nil, fmt.Errorf("key multicodec 0x%02x%02x is not ed25519", raw[0], raw[1])
	}
	return ed25519.PublicKey(raw[2:]), nil
}

func truncateKey(s string) string {
	if len(s) > 12 {
		return s[:12] + "..."
	}
	return s
}
