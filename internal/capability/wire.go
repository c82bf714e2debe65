package capability

import (
	"encoding/json"
	"fmt"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// wireCapability is the JSON shape a /delegate request body decodes
// into: the same fields signingPayload covers, plus the proof.
type wireCapability struct {
	IssuerDID   string     `json:"issuer_did"`
	AudienceDID string     `json:"audience_did"`
	Resources   []Resource `json:"resources"`
	Caveats     Caveats    `json:"caveats"`
	Proof       Proof      `json:"proof"`
}

// DecodeCapability parses a /delegate request body and derives the
// capability's CID from its canonical signing bytes — capabilities are
// content-addressed the same way objects are, so a capability's CID is
// never carried on the wire, only recomputed.
func DecodeCapability(body []byte) (*Capability, error) {
	var w wireCapability
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal capability: %w", err)
	}
	if len(w.Resources) == 0 {
		return nil, fmt.Errorf("capability must name at least one resource")
	}
	orbit := w.Resources[0].OrbitID
	for _, r := range w.Resources {
		if r.OrbitID != orbit {
			return nil, fmt.Errorf("all resources in a capability must name the same orbit")
		}
	}

	c := &Capability{
		IssuerDID:   w.IssuerDID,
		AudienceDID: w.AudienceDID,
		Resources:   w.Resources,
		Caveats:     w.Caveats,
		Proof:       w.Proof,
	}

	payload, err := c.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	sum, err := multihash.Sum(payload, multihash.SHA2_256, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to hash capability payload: %w", err)
	}
	c.CID = gocid.NewCidV1(gocid.DagCBOR, sum)

	return c, nil
}

// EncodeCapability renders c back to the wire JSON shape DecodeCapability
// expects, used by peer-to-peer delegation forwarding and tests.
func EncodeCapability(c *Capability) ([]byte, error) {
	w := wireCapability{
		IssuerDID:   c.IssuerDID,
		AudienceDID: c.AudienceDID,
		Resources:   c.Resources,
		Caveats:     c.Caveats,
		Proof:       c.Proof,
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal capability: %w", err)
	}
	return b, nil
}

// wireRevocation is the JSON shape a /revoke request body decodes into.
// Unlike a capability, a revocation is not itself content-addressed —
// it names a target CID rather than being identified by one.
type wireRevocation struct {
	IssuerDID          string `json:"issuer_did"`
	TargetCID          string `json:"target_cid"`
	VerificationMethod string `json:"verification_method"`
	Signature          []byte `json:"signature"`
}

// DecodeRevocation parses a /revoke request body.
func DecodeRevocation(body []byte) (*Revocation, error) {
	var w wireRevocation
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal revocation: %w", err)
	}
	target, err := gocid.Decode(w.TargetCID)
	if err != nil {
		return nil, fmt.Errorf("failed to decode revocation target_cid: %w", err)
	}
	return &Revocation{
		IssuerDID:          w.IssuerDID,
		TargetCID:          target,
		VerificationMethod: w.VerificationMethod,
		Signature:          w.Signature,
	}, nil
}

// EncodeRevocation renders r back to the wire JSON shape DecodeRevocation
// expects.
func EncodeRevocation(r *Revocation) ([]byte, error) {
	w := wireRevocation{
		IssuerDID:          r.IssuerDID,
		TargetCID:          r.TargetCID.String(),
		VerificationMethod: r.VerificationMethod,
		Signature:          r.Signature,
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal revocation: %w", err)
	}
	return b, nil
}
