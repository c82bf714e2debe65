// Package did resolves Decentralized Identifiers to verification keys.
// The capability engine depends only on the Resolver interface, per
// spec.md §9 ("Pluggable DID resolution"); smart-contract-backed
// orbit-manifest resolution is treated as an opaque external collaborator
// and is out of this package's scope.
package did

import (
	"context"
	"fmt"
	"strings"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
)

// Document is the minimal shape the capability engine needs: a set of
// verification methods (public keys) a signature can be checked against.
type Document struct {
	ID                 string
	VerificationMethod map[string]atcrypto.PublicKey
}

// Resolver resolves a DID to its document.
type Resolver interface {
	Resolve(ctx context.Context, did string) (*Document, error)
}

// KeyResolver resolves did:key identifiers by decoding the public key
// directly from the identifier — no network round trip, since a did:key
// is self-describing. This is the default resolver a Kepler host needs
// for orbit controllers and capability issuers/audiences expressed as
// did:key.
type KeyResolver struct{}

func NewKeyResolver() *KeyResolver { return &KeyResolver{} }

func (KeyResolver) Resolve(ctx context.Context, did string) (*Document, error) {
	if !strings.HasPrefix(did, "did:key:") {
		return nil, fmt.Errorf("did:key resolver cannot resolve %q", did)
	}

	pub, err := atcrypto.ParsePublicDIDKey(did)
	if err != nil {
		return nil, fmt.Errorf("failed to parse did:key %q: %w", did, err)
	}

	return &Document{
		ID: did,
		VerificationMethod: map[string]atcrypto.PublicKey{
			"#atproto": pub,
		},
	}, nil
}

// Chain tries each resolver in order, returning the first success. It
// lets a host combine the zero-network-cost KeyResolver with a
// did:web/did:pkh/did:plc resolver for identifiers that need one,
// without the capability engine knowing the difference.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, did string) (*Document, error) {
	var lastErr error
	for _, r := range c {
		doc, err := r.Resolve(ctx, did)
		if err == nil {
			return doc, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no resolver configured")
	}
	return nil, fmt.Errorf("failed to resolve %q: %w", did, lastErr)
}
