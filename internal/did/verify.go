package did

import (
	"crypto/ed25519"
	"fmt"

	"github.com/R3E-Network/payment_layer/internal/errors"
)

// DefaultPaymentRelationships lists the verification relationships whose
// keys may sign vouchers when no allow-list is configured.
var DefaultPaymentRelationships = []string{RelCapabilityInvocation}

// VerifyVoucherSignature checks that the named key exists in the document,
// is authorized for payments under one of the allowed relationships, and
// produced the given signature over payload. It performs no I/O.
//
// A missing or unauthorized key is an authorization failure; a present,
// authorized key with a wrong signature is a signature failure.
func VerifyVoucherSignature(doc *Document, vmIDFragment string, allowedRels []string, payload, signature []byte) error {
	if doc == nil {
		return errors.AuthFailed("payer document unavailable", nil)
	}
	if len(allowedRels) == 0 {
		allowedRels = DefaultPaymentRelationships
	}

	method, ok := doc.Method(vmIDFragment)
	if !ok {
		return errors.AuthFailed(fmt.Sprintf("verification method %q not found in %s", vmIDFragment, doc.ID), nil)
	}

	authorized := false
	for _, rel := range allowedRels {
		if doc.HasRelationship(rel, vmIDFragment) {
			authorized = true
			break
		}
	}
	if !authorized {
		return errors.AuthFailed(fmt.Sprintf("key %q is not payment-authorized", vmIDFragment), nil).
			WithDetails("allowedRelationships", allowedRels)
	}

	pub, err := method.PublicKey()
	if err != nil {
		return errors.AuthFailed("unusable verification method", err)
	}
	if len(signature) != ed25519.SignatureSize {
		return errors.BadSignature(fmt.Sprintf("signature is %d bytes, want %d", len(signature), ed25519.SignatureSize))
	}
	if !ed25519.Verify(pub, payload, signature) {
		return errors.BadSignature("voucher signature verification failed")
	}
	return nil
}
