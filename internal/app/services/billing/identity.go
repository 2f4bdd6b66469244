package billing

import (
	"crypto/ed25519"
	"fmt"

	"github.com/R3E-Network/payment_layer/internal/rav"
)

// Identity is the payee's signing identity. Every receipt the ledger emits
// is signed with the private key so payers can verify receipts against the
// payee's DID document.
type Identity struct {
	DID        string
	VMFragment string
	PrivateKey ed25519.PrivateKey
}

// Validate checks the identity is usable for signing.
func (id Identity) Validate() error {
	if id.DID == "" {
		return fmt.Errorf("payee DID is required")
	}
	if id.VMFragment == "" {
		return fmt.Errorf("payee key fragment is required")
	}
	if len(id.PrivateKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("payee private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(id.PrivateKey))
	}
	return nil
}

// PublicKey returns the verifying half of the identity key.
func (id Identity) PublicKey() ed25519.PublicKey {
	return id.PrivateKey.Public().(ed25519.PublicKey)
}

// SignReceipt signs the canonical encoding of the receipt.
func (id Identity) SignReceipt(r *rav.Receipt) (*rav.SignedReceipt, error) {
	payload, err := r.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("encode receipt: %w", err)
	}
	return &rav.SignedReceipt{
		Receipt:   *r,
		Signature: ed25519.Sign(id.PrivateKey, payload),
	}, nil
}
