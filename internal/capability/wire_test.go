package capability

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeCapabilityRoundTrip(t *testing.T) {
	c := &Capability{
		IssuerDID:   "did:key:zissuer",
		AudienceDID: "did:key:zaudience",
		Resources: []Resource{
			{OrbitID: "orbit1", Actions: []Action{Read, Write}, KeyPattern: "docs/*"},
		},
		Caveats: Caveats{Nonce: "root"},
		Proof:   Proof{VerificationMethod: "did:key:zissuer#zissuer", Signature: []byte{9, 9, 9}},
	}

	body, err := EncodeCapability(c)
	require.NoError(t, err)

	decoded, err := DecodeCapability(body)
	require.NoError(t, err)
	require.Equal(t, c.IssuerDID, decoded.IssuerDID)
	require.Equal(t, c.AudienceDID, decoded.AudienceDID)
	require.Equal(t, c.Resources, decoded.Resources)
	require.Equal(t, c.Caveats, decoded.Caveats)
	require.True(t, decoded.CID.Defined(), "DecodeCapability must always derive a CID")
	require.Equal(t, "orbit1", decoded.OrbitID())
}

func TestDecodeCapabilityDerivesSameCIDForSameContent(t *testing.T) {
	body := []byte(`{
		"issuer_did": "did:key:zissuer",
		"audience_did": "did:key:zaudience",
		"resources": [{"orbit_id": "orbit1", "actions": ["read"], "key_pattern": "*"}],
		"caveats": {},
		"proof": {"verification_method": "did:key:zissuer#zissuer", "signature": "CQkJ"}
	}`)

	a, err := DecodeCapability(body)
	require.NoError(t, err)
	b, err := DecodeCapability(body)
	require.NoError(t, err)
	require.True(t, a.CID.Equals(b.CID), "identical wire bodies must derive identical CIDs")
}

func TestDecodeCapabilityRejectsMixedOrbits(t *testing.T) {
	body := []byte(`{
		"issuer_did": "did:key:zissuer",
		"audience_did": "did:key:zaudience",
		"resources": [
			{"orbit_id": "orbit1", "actions": ["read"], "key_pattern": "*"},
			{"orbit_id": "orbit2", "actions": ["read"], "key_pattern": "*"}
		],
		"caveats": {},
		"proof": {"verification_method": "did:key:zissuer#zissuer", "signature": "CQkJ"}
	}`)

	_, err := DecodeCapability(body)
	require.Error(t, err)
}

func TestDecodeCapabilityRejectsNoResources(t *testing.T) {
	_, err := DecodeCapability([]byte(`{"issuer_did":"did:key:z1","audience_did":"did:key:z2","resources":[],"caveats":{},"proof":{}}`))
	require.Error(t, err)
}
