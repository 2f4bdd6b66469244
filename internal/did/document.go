// Package did models DID documents and provides resolution, caching and
// voucher signature verification for payer identities.
package did

import (
	"crypto/ed25519"
	"fmt"
	"strings"
)

// Verification method types accepted for voucher signatures.
const (
	KeyTypeEd25519 = "Ed25519VerificationKey2020"
	KeyTypeMulti   = "Multikey"
)

// Verification relationship names as they appear in DID documents.
const (
	RelAuthentication       = "authentication"
	RelAssertionMethod      = "assertionMethod"
	RelCapabilityInvocation = "capabilityInvocation"
	RelCapabilityDelegation = "capabilityDelegation"
	RelKeyAgreement         = "keyAgreement"
)

// VerificationMethod is one key entry in a DID document.
type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

// Document is a W3C DID document reduced to the fields the payment layer
// uses: key material and verification relationships.
type Document struct {
	ID                   string               `json:"id"`
	Controller           []string             `json:"controller,omitempty"`
	VerificationMethod   []VerificationMethod `json:"verificationMethod"`
	Authentication       []string             `json:"authentication,omitempty"`
	AssertionMethod      []string             `json:"assertionMethod,omitempty"`
	CapabilityInvocation []string             `json:"capabilityInvocation,omitempty"`
	CapabilityDelegation []string             `json:"capabilityDelegation,omitempty"`
	KeyAgreement         []string             `json:"keyAgreement,omitempty"`
}

// Fragment normalizes a verification method reference to its bare fragment:
// "did:neo:abc#key-1" and "#key-1" both become "key-1".
func Fragment(ref string) string {
	if i := strings.LastIndex(ref, "#"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// Method returns the verification method with the given fragment.
func (d *Document) Method(fragment string) (*VerificationMethod, bool) {
	fragment = Fragment(fragment)
	for i := range d.VerificationMethod {
		if Fragment(d.VerificationMethod[i].ID) == fragment {
			return &d.VerificationMethod[i], true
		}
	}
	return nil, false
}

// relationship returns the reference list for a named relationship.
func (d *Document) relationship(name string) []string {
	switch name {
	case RelAuthentication:
		return d.Authentication
	case RelAssertionMethod:
		return d.AssertionMethod
	case RelCapabilityInvocation:
		return d.CapabilityInvocation
	case RelCapabilityDelegation:
		return d.CapabilityDelegation
	case RelKeyAgreement:
		return d.KeyAgreement
	}
	return nil
}

// HasRelationship reports whether the method fragment is listed under the
// named verification relationship.
func (d *Document) HasRelationship(name, fragment string) bool {
	fragment = Fragment(fragment)
	for _, ref := range d.relationship(name) {
		if Fragment(ref) == fragment {
			return true
		}
	}
	return false
}

// PublicKey extracts the ed25519 public key from a verification method.
func (m *VerificationMethod) PublicKey() (ed25519.PublicKey, error) {
	switch m.Type {
	case KeyTypeEd25519, KeyTypeMulti:
	default:
		return nil, fmt.Errorf("unsupported verification method type %q", m.Type)
	}
	return DecodeEd25519Multibase(m.PublicKeyMultibase)
}
