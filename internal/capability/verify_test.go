package capability

import (
	"context"
	"testing"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/stretchr/testify/require"

	"github.com/kepler-host/kepler/internal/did"
	"github.com/kepler-host/kepler/internal/index"
)

type testSigner struct {
	priv *atcrypto.PrivateKeyK256
	did  string
}

func newTestSigner(t *testing.T) testSigner {
	t.Helper()
	priv, err := atcrypto.GeneratePrivateKeyK256()
	require.NoError(t, err)
	pub, err := priv.PublicKey()
	require.NoError(t, err)
	return testSigner{priv: priv, did: pub.DIDKey()}
}

func (s testSigner) sign(payload []byte) []byte {
	sig, err := s.priv.HashAndSign(payload)
	if err != nil {
		panic(err)
	}
	return sig
}

func newTestEngine(t *testing.T) (*Engine, *index.Store) {
	t.Helper()
	store, err := index.Open(context.Background(), "sqlite::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return NewEngine(did.Chain{did.NewKeyResolver()}, store), store
}

// signedRootCapability builds and persists a root capability issued by
// controller, returning the stored row.
func signedRootCapability(t *testing.T, store *index.Store, controller testSigner, audience string, resources []Resource) *index.StoredCapability {
	t.Helper()
	c := &Capability{
		IssuerDID:   controller.did,
		AudienceDID: audience,
		Resources:   resources,
		Proof:       Proof{VerificationMethod: controller.did + "#atproto"},
	}
	payload, err := c.CanonicalBytes()
	require.NoError(t, err)
	c.Proof.Signature = controller.sign(payload)
	assignCID(t, c)

	require.NoError(t, store.WithTx(context.Background(), func(ctx context.Context, tx *index.Tx) error {
		return tx.PutCapability(ctx, c)
	}))

	return &index.StoredCapability{Capability: *c}
}

// delegatedCapability builds and persists a capability issued by issuer
// (who must be the audience of parent) to audience.
func delegatedCapability(t *testing.T, store *index.Store, issuer testSigner, parent *index.StoredCapability, audience string, resources []Resource) *index.StoredCapability {
	t.Helper()
	parentCID := parent.CID
	c := &Capability{
		IssuerDID:   issuer.did,
		AudienceDID: audience,
		Resources:   resources,
		Proof:       Proof{ParentCID: &parentCID, VerificationMethod: issuer.did + "#atproto"},
	}
	payload, err := c.CanonicalBytes()
	require.NoError(t, err)
	c.Proof.Signature = issuer.sign(payload)
	assignCID(t, c)

	require.NoError(t, store.WithTx(context.Background(), func(ctx context.Context, tx *index.Tx) error {
		return tx.PutCapability(ctx, c)
	}))

	return &index.StoredCapability{Capability: *c}
}

// assignCID derives c's CID the same way DecodeCapability does, from its
// canonical signing bytes — capabilities built directly in tests (rather
// than decoded off the wire) need it set explicitly before PutCapability.
func assignCID(t *testing.T, c *Capability) {
	t.Helper()
	body, err := EncodeCapability(c)
	require.NoError(t, err)
	decoded, err := DecodeCapability(body)
	require.NoError(t, err)
	c.CID = decoded.CID
}

func TestVerifyDelegationAcceptsRootIssuedByController(t *testing.T) {
	engine, store := newTestEngine(t)
	controller := newTestSigner(t)

	root := signedRootCapability(t, store, controller, "did:key:zaudience",
		[]Resource{{OrbitID: "orbit1", Actions: []Action{Read, Write, Delegate}, KeyPattern: "*"}})

	err := store.WithTx(context.Background(), func(ctx context.Context, tx *index.Tx) error {
		return engine.VerifyDelegation(ctx, tx, root, controller.did)
	})
	require.NoError(t, err)
}

func TestVerifyDelegationRejectsRevoked(t *testing.T) {
	engine, store := newTestEngine(t)
	controller := newTestSigner(t)

	root := signedRootCapability(t, store, controller, "did:key:zaudience",
		[]Resource{{OrbitID: "orbit1", Actions: []Action{Read}, KeyPattern: "*"}})

	require.NoError(t, store.WithTx(context.Background(), func(ctx context.Context, tx *index.Tx) error {
		return tx.RevokeCapability(ctx, root.CID, time.Now())
	}))

	err := store.WithTx(context.Background(), func(ctx context.Context, tx *index.Tx) error {
		stored, err := tx.GetCapability(ctx, root.CID)
		if err != nil {
			return err
		}
		return engine.VerifyDelegation(ctx, tx, stored, controller.did)
	})
	require.ErrorIs(t, err, ErrRevoked)
}

func TestInvalidateChainInvalidatesDescendants(t *testing.T) {
	engine, store := newTestEngine(t)
	controller := newTestSigner(t)
	mid := newTestSigner(t)

	root := signedRootCapability(t, store, controller, mid.did,
		[]Resource{{OrbitID: "orbit1", Actions: []Action{Read, Delegate}, KeyPattern: "*"}})
	child := delegatedCapability(t, store, mid, root, "did:key:zleaf",
		[]Resource{{OrbitID: "orbit1", Actions: []Action{Read}, KeyPattern: "*"}})

	// Prime the cache for both root and child.
	err := store.WithTx(context.Background(), func(ctx context.Context, tx *index.Tx) error {
		stored, err := tx.GetCapability(ctx, child.CID)
		if err != nil {
			return err
		}
		return engine.VerifyDelegation(ctx, tx, stored, controller.did)
	})
	require.NoError(t, err)

	if _, ok := engine.cached(root.CID); !ok {
		t.Fatal("expected root's verification result to be cached")
	}
	if _, ok := engine.cached(child.CID); !ok {
		t.Fatal("expected child's verification result to be cached")
	}

	require.NoError(t, store.WithTx(context.Background(), func(ctx context.Context, tx *index.Tx) error {
		if err := tx.RevokeCapability(ctx, root.CID, time.Now()); err != nil {
			return err
		}
		return engine.InvalidateChain(ctx, tx, root.CID)
	}))

	if _, ok := engine.cached(root.CID); ok {
		t.Fatal("root's cache entry must be dropped on its own revocation")
	}
	if _, ok := engine.cached(child.CID); ok {
		t.Fatal("child's cache entry must be dropped too: it was verified valid before the ancestor was revoked")
	}

	err = store.WithTx(context.Background(), func(ctx context.Context, tx *index.Tx) error {
		stored, err := tx.GetCapability(ctx, child.CID)
		if err != nil {
			return err
		}
		return engine.VerifyDelegation(ctx, tx, stored, controller.did)
	})
	require.ErrorIs(t, err, ErrRevoked, "re-verifying the child must now see the ancestor's revocation, not a stale cache hit")
}

func TestVerifyRevocationAcceptsAncestorIssuer(t *testing.T) {
	engine, store := newTestEngine(t)
	controller := newTestSigner(t)
	mid := newTestSigner(t)

	root := signedRootCapability(t, store, controller, mid.did,
		[]Resource{{OrbitID: "orbit1", Actions: []Action{Read, Delegate}, KeyPattern: "*"}})
	child := delegatedCapability(t, store, mid, root, "did:key:zleaf",
		[]Resource{{OrbitID: "orbit1", Actions: []Action{Read}, KeyPattern: "*"}})

	rev := &Revocation{IssuerDID: controller.did, TargetCID: child.CID, VerificationMethod: controller.did + "#atproto"}
	payload, err := rev.CanonicalBytes()
	require.NoError(t, err)
	rev.Signature = controller.sign(payload)

	err = store.WithTx(context.Background(), func(ctx context.Context, tx *index.Tx) error {
		return engine.VerifyRevocation(ctx, tx, rev)
	})
	require.NoError(t, err, "the root issuer, an ancestor of child, may revoke it")
}

func TestVerifyRevocationRejectsUnrelatedSigner(t *testing.T) {
	engine, store := newTestEngine(t)
	controller := newTestSigner(t)
	stranger := newTestSigner(t)

	root := signedRootCapability(t, store, controller, "did:key:zaudience",
		[]Resource{{OrbitID: "orbit1", Actions: []Action{Read}, KeyPattern: "*"}})

	rev := &Revocation{IssuerDID: stranger.did, TargetCID: root.CID, VerificationMethod: stranger.did + "#atproto"}
	payload, err := rev.CanonicalBytes()
	require.NoError(t, err)
	rev.Signature = stranger.sign(payload)

	err = store.WithTx(context.Background(), func(ctx context.Context, tx *index.Tx) error {
		return engine.VerifyRevocation(ctx, tx, rev)
	})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyRevocationRejectsBadSignature(t *testing.T) {
	engine, store := newTestEngine(t)
	controller := newTestSigner(t)

	root := signedRootCapability(t, store, controller, "did:key:zaudience",
		[]Resource{{OrbitID: "orbit1", Actions: []Action{Read}, KeyPattern: "*"}})

	rev := &Revocation{
		IssuerDID:          controller.did,
		TargetCID:          root.CID,
		VerificationMethod: controller.did + "#atproto",
		Signature:          []byte{1, 2, 3},
	}

	err := store.WithTx(context.Background(), func(ctx context.Context, tx *index.Tx) error {
		return engine.VerifyRevocation(ctx, tx, rev)
	})
	require.ErrorIs(t, err, ErrUnauthorized)
}
