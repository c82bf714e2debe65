package capability

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// tokenHeader mirrors the header segment of a compact JWS: it names the
// algorithm and declares this as an invocation token rather than a
// generic JWT, so a host can reject the wrong kind of bearer token
// early.
type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// EncodeToken renders i as the compact, three-segment token spec.md §6
// carries in the invocation header: base64url(header) + "." +
// base64url(payload) + "." + base64url(signature), the same shape the
// ambient stack uses for its own service-auth tokens.
func EncodeToken(i *Invocation) (string, error) {
	if len(i.Signature) == 0 {
		return "", fmt.Errorf("cannot encode an unsigned invocation")
	}

	headerJSON, err := json.Marshal(tokenHeader{Alg: "ES256K", Typ: "kepler-invocation"})
	if err != nil {
		return "", fmt.Errorf("failed to marshal token header: %w", err)
	}
	encodedHeader := base64.RawURLEncoding.EncodeToString(headerJSON)

	payloadJSON, err := i.CanonicalBytes()
	if err != nil {
		return "", err
	}
	encodedPayload := base64.RawURLEncoding.EncodeToString(payloadJSON)

	encodedExtra, err := json.Marshal(tokenExtra{
		VerificationMethod: i.VerificationMethod,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal token extra: %w", err)
	}
	encodedExtraStr := base64.RawURLEncoding.EncodeToString(encodedExtra)

	encodedSig := strings.TrimRight(base64.RawURLEncoding.EncodeToString(i.Signature), "=")

	return encodedHeader + "." + encodedPayload + "." + encodedExtraStr + "." + encodedSig, nil
}

// tokenExtra carries fields that ride alongside the signed payload but
// aren't themselves part of the signature: the verification method ID
// tells a verifier which key in the invoker's DID document to check
// against.
type tokenExtra struct {
	VerificationMethod string `json:"verification_method"`
}

// DecodeToken parses a token produced by EncodeToken back into an
// Invocation. The caller MUST still run it through the capability
// engine's VerifyInvocation; decoding alone performs no authorization.
func DecodeToken(token string) (*Invocation, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return nil, fmt.Errorf("malformed invocation token: expected 4 segments, got %d", len(parts))
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("failed to decode token header: %w", err)
	}
	var header tokenHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token header: %w", err)
	}
	if header.Typ != "kepler-invocation" {
		return nil, fmt.Errorf("unexpected token type %q", header.Typ)
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("failed to decode token payload: %w", err)
	}
	var payload invocationSigningPayload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token payload: %w", err)
	}

	extraJSON, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("failed to decode token extra: %w", err)
	}
	var extra tokenExtra
	if err := json.Unmarshal(extraJSON, &extra); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token extra: %w", err)
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("failed to decode token signature: %w", err)
	}

	return &Invocation{
		InvokerDID:         payload.InvokerDID,
		CapabilityCID:      payload.CapabilityCID,
		Action:             payload.Action,
		TargetKey:          payload.TargetKey,
		BodyHash:           payload.BodyHash,
		Nonce:              payload.Nonce,
		NotBefore:          payload.NotBefore,
		Expiry:             payload.Expiry,
		VerificationMethod: extra.VerificationMethod,
		Signature:          sig,
	}, nil
}
