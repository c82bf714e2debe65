// Package capability implements delegation chains and one-shot
// invocations rooted in a DID controller, per spec.md §4.5.
package capability

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
)

// Action is a primitive element of the action lattice spec.md §4.5
// names: {read, write, list, delete, delegate}.
type Action string

const (
	Read     Action = "read"
	Write    Action = "write"
	List     Action = "list"
	Delete   Action = "delete"
	Delegate Action = "delegate"
)

func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case Read, Write, List, Delete, Delegate:
		return Action(s), nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// Resource names the orbit and (action-set, key-pattern) a capability
// grants rights over. KeyPattern is either an exact key, a prefix
// wildcard ("prefix/*"), or "*" for the whole orbit namespace.
type Resource struct {
	OrbitID    string   `json:"orbit_id"`
	Actions    []Action `json:"actions"`
	KeyPattern string   `json:"key_pattern"`
}

// Caveats bound a capability's validity window and, optionally, pin it
// to a single nonce.
type Caveats struct {
	NotBefore *time.Time `json:"not_before,omitempty"`
	NotAfter  *time.Time `json:"not_after,omitempty"`
	Nonce     string     `json:"nonce,omitempty"`
}

// Proof carries the signature and the pointer into the chain's parent.
type Proof struct {
	ParentCID          *cid.Cid `json:"parent_cid,omitempty"`
	VerificationMethod string   `json:"verification_method"`
	Signature          []byte   `json:"signature"`
}

// Capability is a signed delegation statement, spec.md §3.
type Capability struct {
	CID         cid.Cid    `json:"-"`
	IssuerDID   string     `json:"issuer_did"`
	AudienceDID string     `json:"audience_did"`
	Resources   []Resource `json:"resources"`
	Caveats     Caveats    `json:"caveats"`
	Proof       Proof      `json:"proof"`
}

// IsRoot reports whether this capability has no parent.
func (c *Capability) IsRoot() bool {
	return c.Proof.ParentCID == nil
}

// Authorizes reports whether one of c's resources grants action over
// key. An empty key matches any resource granting action, the same
// convention an invocation's empty TargetKey uses to mean "the action
// itself, not scoped to one key" (spec.md §4.7's get_by_cid: "gated by
// read capability on the orbit", not on a specific key pattern).
func (c *Capability) Authorizes(action Action, key string) bool {
	orbitID := c.OrbitID()
	for _, r := range c.Resources {
		if r.OrbitID != orbitID {
			continue
		}
		if containsAction(r.Actions, action) && (key == "" || r.MatchesKey(key)) {
			return true
		}
	}
	return false
}

// OrbitID returns the orbit this capability's resources are scoped to.
// A capability's resources MUST all name the same orbit (enforced at
// decode time); returns "" if Resources is empty.
func (c *Capability) OrbitID() string {
	if len(c.Resources) == 0 {
		return ""
	}
	return c.Resources[0].OrbitID
}

// signingPayload is the canonical, deterministic encoding a capability
// is signed over: JSON with fixed struct field order, excluding the
// signature itself. Go's json.Marshal of a struct is already
// deterministic (declaration order), the same determinism the
// teacher's service-auth JWT relies on for its header.payload encoding.
type signingPayload struct {
	IssuerDID   string     `json:"issuer_did"`
	AudienceDID string     `json:"audience_did"`
	Resources   []Resource `json:"resources"`
	Caveats     Caveats    `json:"caveats"`
	ParentCID   *cid.Cid   `json:"parent_cid,omitempty"`
}

// CanonicalBytes returns the bytes a capability's signature is computed
// over.
func (c *Capability) CanonicalBytes() ([]byte, error) {
	payload := signingPayload{
		IssuerDID:   c.IssuerDID,
		AudienceDID: c.AudienceDID,
		Resources:   c.Resources,
		Caveats:     c.Caveats,
		ParentCID:   c.Proof.ParentCID,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal capability signing payload: %w", err)
	}
	return b, nil
}

// Invocation is a one-shot signed instruction to execute one action
// under one capability, spec.md §3.
type Invocation struct {
	InvokerDID    string    `json:"invoker_did"`
	CapabilityCID cid.Cid   `json:"capability_cid"`
	Action        Action    `json:"action"`
	TargetKey     string    `json:"target_key,omitempty"`
	BodyHash      []byte    `json:"body_hash,omitempty"`
	Nonce         string    `json:"nonce"`
	NotBefore     time.Time `json:"not_before"`
	Expiry        time.Time `json:"expiry"`

	VerificationMethod string `json:"verification_method"`
	Signature          []byte `json:"signature"`
}

type invocationSigningPayload struct {
	InvokerDID    string    `json:"invoker_did"`
	CapabilityCID cid.Cid   `json:"capability_cid"`
	Action        Action    `json:"action"`
	TargetKey     string    `json:"target_key,omitempty"`
	BodyHash      []byte    `json:"body_hash,omitempty"`
	Nonce         string    `json:"nonce"`
	NotBefore     time.Time `json:"not_before"`
	Expiry        time.Time `json:"expiry"`
}

func (i *Invocation) CanonicalBytes() ([]byte, error) {
	payload := invocationSigningPayload{
		InvokerDID:    i.InvokerDID,
		CapabilityCID: i.CapabilityCID,
		Action:        i.Action,
		TargetKey:     i.TargetKey,
		BodyHash:      i.BodyHash,
		Nonce:         i.Nonce,
		NotBefore:     i.NotBefore,
		Expiry:        i.Expiry,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invocation signing payload: %w", err)
	}
	return b, nil
}

// Revocation is a signed statement naming a descendant capability to
// revoke, spec.md §4.5: "a signed statement from an ancestor
// capability's issuer naming a descendant CID". IssuerDID must match
// the issuer of TargetCID or one of its ancestors; the engine walks
// that chain before trusting the signature.
type Revocation struct {
	IssuerDID          string  `json:"issuer_did"`
	TargetCID          cid.Cid `json:"target_cid"`
	VerificationMethod string  `json:"verification_method"`
	Signature          []byte  `json:"signature"`
}

type revocationSigningPayload struct {
	IssuerDID string  `json:"issuer_did"`
	TargetCID cid.Cid `json:"target_cid"`
}

// CanonicalBytes returns the bytes a revocation's signature is computed
// over.
func (r *Revocation) CanonicalBytes() ([]byte, error) {
	payload := revocationSigningPayload{
		IssuerDID: r.IssuerDID,
		TargetCID: r.TargetCID,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal revocation signing payload: %w", err)
	}
	return b, nil
}
