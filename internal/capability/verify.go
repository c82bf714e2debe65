package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gocid "github.com/ipfs/go-cid"

	"github.com/kepler-host/kepler/internal/did"
	"github.com/kepler-host/kepler/internal/index"
)

var (
	ErrUnauthorized = errors.New("capability: unauthorized")
	ErrForbidden    = errors.New("capability: forbidden")
	ErrRevoked      = errors.New("capability: revoked")
)

// Engine verifies delegations and invocations against the capability
// graph persisted in the index store, per spec.md §4.5.
type Engine struct {
	resolver did.Resolver
	store    *index.Store

	cacheMu sync.Mutex
	cache   map[gocid.Cid]error // nil = verified valid
}

func NewEngine(resolver did.Resolver, store *index.Store) *Engine {
	return &Engine{
		resolver: resolver,
		store:    store,
		cache:    make(map[gocid.Cid]error),
	}
}

// InvalidateChain drops cached verification results for c and every
// descendant, called whenever a capability is revoked (spec.md §4.5:
// "cache entries are invalidated when any ancestor is revoked"). A
// single-CID delete is not enough: VerifyDelegation short-circuits on a
// cache hit before it ever re-reads RevokedAt, so a cached "valid"
// result for a descendant would outlive its ancestor's revocation
// unless the whole downstream subtree is walked and dropped too.
func (e *Engine) InvalidateChain(ctx context.Context, tx *index.Tx, c gocid.Cid) error {
	e.forget(c)

	children, err := tx.ListChildren(ctx, c.String())
	if err != nil {
		return fmt.Errorf("failed to list children of %s for cache invalidation: %w", c, err)
	}
	for _, childStr := range children {
		child, err := gocid.Decode(childStr)
		if err != nil {
			return fmt.Errorf("failed to decode child cid %q: %w", childStr, err)
		}
		if err := e.InvalidateChain(ctx, tx, child); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) forget(c gocid.Cid) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	delete(e.cache, c)
}

func (e *Engine) cached(c gocid.Cid) (error, bool) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	err, ok := e.cache[c]
	return err, ok
}

func (e *Engine) remember(c gocid.Cid, err error) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.cache[c] = err
}

// VerifyDelegation verifies capability c per spec.md §4.5 steps 1-6,
// recursively validating its ancestry. orbitControllerDID is the
// current controller of the orbit the capability targets, used to
// validate root capabilities.
func (e *Engine) VerifyDelegation(ctx context.Context, tx *index.Tx, c *index.StoredCapability, orbitControllerDID string) error {
	if cached, ok := e.cached(c.CID); ok {
		return cached
	}

	err := e.verifyDelegationUncached(ctx, tx, c, orbitControllerDID)
	e.remember(c.CID, err)
	return err
}

func (e *Engine) verifyDelegationUncached(ctx context.Context, tx *index.Tx, c *index.StoredCapability, orbitControllerDID string) error {
	if c.RevokedAt != nil {
		return fmt.Errorf("%w: capability %s revoked at %s", ErrRevoked, c.CID, c.RevokedAt)
	}

	if err := e.verifySignature(ctx, &c.Capability); err != nil {
		return fmt.Errorf("%w: %s", ErrUnauthorized, err)
	}

	now := time.Now()
	if c.Caveats.NotBefore != nil && now.Before(*c.Caveats.NotBefore) {
		return fmt.Errorf("%w: capability %s not yet valid", ErrUnauthorized, c.CID)
	}
	if c.Caveats.NotAfter != nil && now.After(*c.Caveats.NotAfter) {
		return fmt.Errorf("%w: capability %s expired", ErrUnauthorized, c.CID)
	}

	if c.IsRoot() {
		if c.IssuerDID != orbitControllerDID {
			return fmt.Errorf("%w: root capability issuer %s is not orbit controller %s", ErrUnauthorized, c.IssuerDID, orbitControllerDID)
		}
		return nil
	}

	parent, err := tx.GetCapability(ctx, *c.Proof.ParentCID)
	if err != nil {
		return fmt.Errorf("%w: failed to load parent capability: %s", ErrUnauthorized, err)
	}

	if c.IssuerDID != parent.AudienceDID {
		return fmt.Errorf("%w: capability %s issuer does not match parent audience", ErrUnauthorized, c.CID)
	}
	if !ResourcesSubsume(parent.Resources, c.Resources) {
		return fmt.Errorf("%w: capability %s resources exceed parent", ErrForbidden, c.CID)
	}
	if !parent.Caveats.Subsumes(c.Caveats) {
		return fmt.Errorf("%w: capability %s caveats exceed parent", ErrForbidden, c.CID)
	}

	return e.VerifyDelegation(ctx, tx, parent, orbitControllerDID)
}

func (e *Engine) verifySignature(ctx context.Context, c *Capability) error {
	doc, err := e.resolver.Resolve(ctx, c.IssuerDID)
	if err != nil {
		return fmt.Errorf("failed to resolve issuer did %q: %w", c.IssuerDID, err)
	}

	pub, ok := doc.VerificationMethod[c.Proof.VerificationMethod]
	if !ok {
		return fmt.Errorf("verification method %q not found in %q's did document", c.Proof.VerificationMethod, c.IssuerDID)
	}

	payload, err := c.CanonicalBytes()
	if err != nil {
		return err
	}

	if err := pub.HashAndVerify(payload, c.Proof.Signature); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// VerifyInvocation verifies invocation i against the capability it
// names, per spec.md §4.5. bodyHash is the streaming hash computed by
// the staging area for mutating actions with a body; pass nil for
// actions without a body. On success, the invocation's nonce has
// already been recorded in nonce_seen within tx.
func (e *Engine) VerifyInvocation(ctx context.Context, tx *index.Tx, i *Invocation, orbitControllerDID string, bodyHash []byte) (*index.StoredCapability, error) {
	cap, err := tx.GetCapability(ctx, i.CapabilityCID)
	if err != nil {
		return nil, fmt.Errorf("%w: capability %s not found: %s", ErrUnauthorized, i.CapabilityCID, err)
	}

	if err := e.VerifyDelegation(ctx, tx, cap, orbitControllerDID); err != nil {
		return nil, err
	}

	if err := e.verifyInvocationSignature(ctx, i, cap); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, err)
	}

	if i.InvokerDID != cap.AudienceDID {
		return nil, fmt.Errorf("%w: invoker %s does not match capability audience %s", ErrUnauthorized, i.InvokerDID, cap.AudienceDID)
	}

	if !cap.Authorizes(i.Action, i.TargetKey) {
		return nil, fmt.Errorf("%w: action %s on %q not permitted by capability %s", ErrForbidden, i.Action, i.TargetKey, cap.CID)
	}

	now := time.Now()
	notBefore := i.NotBefore
	if cap.Caveats.NotBefore != nil && cap.Caveats.NotBefore.After(notBefore) {
		notBefore = *cap.Caveats.NotBefore
	}
	expiry := i.Expiry
	if cap.Caveats.NotAfter != nil && cap.Caveats.NotAfter.Before(expiry) {
		expiry = *cap.Caveats.NotAfter
	}
	if now.Before(notBefore) || now.After(expiry) {
		return nil, fmt.Errorf("%w: invocation outside validity window", ErrUnauthorized)
	}

	seen, err := tx.NonceSeen(ctx, cap.OrbitID(), i.Nonce)
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, fmt.Errorf("%w: nonce %s already used (replay)", ErrUnauthorized, i.Nonce)
	}
	if err := tx.MarkNonceSeen(ctx, cap.OrbitID(), i.Nonce, now); err != nil {
		return nil, err
	}

	if len(i.BodyHash) > 0 {
		if len(bodyHash) == 0 || !bytesEqual(i.BodyHash, bodyHash) {
			return nil, fmt.Errorf("%w: body hash mismatch", ErrUnauthorized)
		}
	}

	return cap, nil
}

func (e *Engine) verifyInvocationSignature(ctx context.Context, i *Invocation, cap *index.StoredCapability) error {
	doc, err := e.resolver.Resolve(ctx, i.InvokerDID)
	if err != nil {
		return fmt.Errorf("failed to resolve invoker did %q: %w", i.InvokerDID, err)
	}
	pub, ok := doc.VerificationMethod[i.VerificationMethod]
	if !ok {
		return fmt.Errorf("verification method %q not found in %q's did document", i.VerificationMethod, i.InvokerDID)
	}
	payload, err := i.CanonicalBytes()
	if err != nil {
		return err
	}
	if err := pub.HashAndVerify(payload, i.Signature); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// VerifyRevocation checks that rev is validly signed by the issuer of
// its target capability or any ancestor of that capability, per
// spec.md §4.5's revocation definition. It does not itself mark
// anything revoked or touch the verification cache — callers apply
// tx.RevokeCapability and InvalidateChain once this returns nil.
func (e *Engine) VerifyRevocation(ctx context.Context, tx *index.Tx, rev *Revocation) error {
	target, err := tx.GetCapability(ctx, rev.TargetCID)
	if err != nil {
		return fmt.Errorf("%w: revocation target %s not found: %s", ErrUnauthorized, rev.TargetCID, err)
	}

	authorized := false
	for c := target; ; {
		if c.IssuerDID == rev.IssuerDID {
			authorized = true
			break
		}
		if c.IsRoot() {
			break
		}
		parent, err := tx.GetCapability(ctx, *c.Proof.ParentCID)
		if err != nil {
			return fmt.Errorf("%w: failed to load ancestor capability: %s", ErrUnauthorized, err)
		}
		c = parent
	}
	if !authorized {
		return fmt.Errorf("%w: %s is not the issuer of %s or any ancestor", ErrUnauthorized, rev.IssuerDID, rev.TargetCID)
	}

	doc, err := e.resolver.Resolve(ctx, rev.IssuerDID)
	if err != nil {
		return fmt.Errorf("failed to resolve revocation issuer did %q: %w", rev.IssuerDID, err)
	}
	pub, ok := doc.VerificationMethod[rev.VerificationMethod]
	if !ok {
		return fmt.Errorf("verification method %q not found in %q's did document", rev.VerificationMethod, rev.IssuerDID)
	}
	payload, err := rev.CanonicalBytes()
	if err != nil {
		return err
	}
	if err := pub.HashAndVerify(payload, rev.Signature); err != nil {
		return fmt.Errorf("%w: revocation signature verification failed: %s", ErrUnauthorized, err)
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
