package did

import (
	"context"
	"errors"
)

// ErrNotFound reports that the upstream confirmed the identity does not
// exist. It is distinct from transient resolution failures.
var ErrNotFound = errors.New("did not found")

// Resolver fetches DID documents. Resolve blocks until the document is
// available, the upstream confirms absence (ErrNotFound), or ctx is done.
type Resolver interface {
	Resolve(ctx context.Context, did string) (*Document, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, did string) (*Document, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, did string) (*Document, error) {
	return f(ctx, did)
}
