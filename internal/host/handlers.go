package host

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	gocid "github.com/ipfs/go-cid"

	"github.com/kepler-host/kepler/internal/capability"
	"github.com/kepler-host/kepler/internal/codec"
	"github.com/kepler-host/kepler/internal/index"
	"github.com/kepler-host/kepler/internal/object"
	"github.com/kepler-host/kepler/internal/staging"
)

func (s *server) jsonOK(w http.ResponseWriter, resp any) {
	s.jsonWithCode(w, http.StatusOK, resp)
}

func (s *server) jsonWithCode(w http.ResponseWriter, code int, resp any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("failed to json encode response", "err", err)
	}
}

func (s *server) errorResponse(w http.ResponseWriter, err error) {
	type response struct {
		Err string `json:"msg"`
	}
	s.jsonWithCode(w, statusFor(err), &response{Err: err.Error()})
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.jsonOK(w, map[string]string{"status": "ok"})
}

// hostInfoResponse is the body spec.md §4.8 names for GET /hostInfo:
// host id plus supported codecs.
type hostInfoResponse struct {
	HostDID         string   `json:"host_did"`
	SupportedCodecs []string `json:"supported_codecs"`
	ProtocolVersion int      `json:"protocol_version"`
}

func (s *server) handleHostInfo(w http.ResponseWriter, r *http.Request) {
	s.jsonOK(w, &hostInfoResponse{
		HostDID:         s.hostDID,
		SupportedCodecs: []string{codec.Raw.String(), codec.DagCBOR.String(), codec.DagJSON.String(), codec.MsgPack.String()},
		ProtocolVersion: 1,
	})
}

// handlePeerGenerate returns the host's derived public key identifier,
// spec.md §4.8's "/peer/generate".
func (s *server) handlePeerGenerate(w http.ResponseWriter, r *http.Request) {
	if len(s.hostPrivKey) == 0 {
		s.errorResponse(w, fmt.Errorf("host has no configured peer key"))
		return
	}
	priv, err := atcrypto.ParsePrivateBytesK256(s.hostPrivKey)
	if err != nil {
		s.errorResponse(w, fmt.Errorf("failed to parse host peer key: %w", err))
		return
	}
	pub, err := priv.PublicKey()
	if err != nil {
		s.errorResponse(w, fmt.Errorf("failed to derive peer public key: %w", err))
		return
	}
	s.jsonOK(w, map[string]string{"did": pub.DIDKey()})
}

// handleDelegate implements POST /delegate, spec.md §4.8: body is an
// encoded capability (root or descendant); it is verified and persisted.
func (s *server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.errorResponse(w, fmt.Errorf("%w: failed to read request body: %s", errMalformedRequest, err))
		return
	}

	c, err := capability.DecodeCapability(body)
	if err != nil {
		s.errorResponse(w, fmt.Errorf("%w: %s", errMalformedRequest, err))
		return
	}

	orbitID := c.OrbitID()
	if orbitID == "" {
		s.errorResponse(w, fmt.Errorf("%w: capability names no orbit", errMalformedRequest))
		return
	}

	handle, err := s.orbits.Acquire(ctx, orbitID, c.IssuerDID)
	if err != nil {
		s.errorResponse(w, fmt.Errorf("%w: %s", errResourceExhausted, err))
		return
	}
	defer s.orbits.Release(handle)

	err = s.store.WithTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		stored := &index.StoredCapability{Capability: *c}
		if err := s.engine.VerifyDelegation(ctx, tx, stored, handle.ControllerDID); err != nil {
			return err
		}
		return tx.PutCapability(ctx, c)
	})
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	s.jsonOK(w, map[string]string{"cid": c.CID.String()})
}

// handleRevoke implements POST /revoke, spec.md §4.5: the body is a
// signed statement from an ancestor capability's issuer naming a
// descendant CID to revoke. Revocation cascades to every descendant of
// the named capability, and cached verification results for the whole
// subtree are dropped so a cached delegation check can't outlive it.
func (s *server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.errorResponse(w, fmt.Errorf("%w: failed to read request body: %s", errMalformedRequest, err))
		return
	}

	rev, err := capability.DecodeRevocation(body)
	if err != nil {
		s.errorResponse(w, fmt.Errorf("%w: %s", errMalformedRequest, err))
		return
	}

	var orbitID string
	err = s.store.WithReadTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		c, err := tx.GetCapability(ctx, rev.TargetCID)
		if err != nil {
			return err
		}
		orbitID = c.OrbitID()
		return nil
	})
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	handle, err := s.orbits.Acquire(ctx, orbitID, "")
	if err != nil {
		s.errorResponse(w, fmt.Errorf("%w: %s", errResourceExhausted, err))
		return
	}
	defer s.orbits.Release(handle)

	err = s.store.WithTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		if err := s.engine.VerifyRevocation(ctx, tx, rev); err != nil {
			return err
		}
		if err := tx.RevokeCapability(ctx, rev.TargetCID, time.Now()); err != nil {
			return err
		}
		return s.engine.InvalidateChain(ctx, tx, rev.TargetCID)
	})
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	s.jsonOK(w, map[string]string{"status": "ok"})
}

// handleInvoke implements POST /invoke, spec.md §4.8: the invocation
// token is carried as a structured header; the body is the payload for
// put, empty otherwise.
func (s *server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := r.Header.Get("Kepler-Invocation")
	if token == "" {
		s.errorResponse(w, fmt.Errorf("%w: missing Kepler-Invocation header", errMalformedRequest))
		return
	}
	inv, err := capability.DecodeToken(token)
	if err != nil {
		s.errorResponse(w, fmt.Errorf("%w: %s", errMalformedRequest, err))
		return
	}

	var orbitID string
	err = s.store.WithReadTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		c, err := tx.GetCapability(ctx, inv.CapabilityCID)
		if err != nil {
			return err
		}
		orbitID = c.OrbitID()
		return nil
	})
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	handle, err := s.orbits.Acquire(ctx, orbitID, "")
	if err != nil {
		s.errorResponse(w, fmt.Errorf("%w: %s", errResourceExhausted, err))
		return
	}
	defer s.orbits.Release(handle)

	var bodyHash []byte
	var staged *staging.Resource
	var stagedKind codec.Kind
	var batchParts []object.BatchPart
	isBatch := inv.Action == capability.Write && codec.IsMultipart(r.Header.Get("Content-Type"))
	if isBatch {
		parts, err := s.stageBatchParts(ctx, r)
		if err != nil {
			s.errorResponse(w, err)
			return
		}
		defer func() {
			for _, p := range parts {
				_ = p.Resource.Close() //nolint:errcheck
			}
		}()
		batchParts = parts
	} else if inv.Action == capability.Write {
		kind, err := codec.ContentTypeKind(r.Header.Get("Content-Type"))
		if err != nil {
			s.errorResponse(w, fmt.Errorf("%w: %s", errMalformedRequest, err))
			return
		}
		res, err := s.staging.Stage(ctx, kind, s.stagingLimit, r.Body)
		if err != nil {
			s.errorResponse(w, err)
			return
		}
		defer res.Close() //nolint:errcheck
		staged = res
		stagedKind = kind
		bodyHash = res.CID.Hash()
	}

	var storedCap *index.StoredCapability
	err = s.store.WithTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		c, err := s.engine.VerifyInvocation(ctx, tx, inv, handle.ControllerDID, bodyHash)
		if err != nil {
			return err
		}
		storedCap = c
		return nil
	})
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	switch inv.Action {
	case capability.Write:
		if isBatch {
			s.writeBatchResponse(ctx, w, orbitID, storedCap, batchParts)
			return
		}
		c, err := s.objects.Put(ctx, s.staging, orbitID, inv.TargetKey, stagedKind, staged)
		if err != nil {
			s.errorResponse(w, err)
			return
		}
		s.jsonOK(w, map[string]string{"cid": c.String()})
	case capability.Read:
		c, data, err := s.objects.Get(ctx, orbitID, inv.TargetKey)
		if err != nil {
			s.errorResponse(w, err)
			return
		}
		w.Header().Set("X-Kepler-Cid", c.String())
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case capability.List:
		versions, err := s.objects.List(ctx, orbitID, inv.TargetKey, 0)
		if err != nil {
			s.errorResponse(w, err)
			return
		}
		s.jsonOK(w, versions)
	case capability.Delete:
		if err := s.objects.Delete(ctx, orbitID, inv.TargetKey); err != nil {
			s.errorResponse(w, err)
			return
		}
		s.jsonOK(w, map[string]string{"status": "ok"})
	default:
		s.errorResponse(w, fmt.Errorf("%w: unsupported invocation action %q", errMalformedRequest, inv.Action))
	}
}

// handleLegacyGet implements the optional GET /{orbit}/{cid} path,
// spec.md §4.8: a raw content-addressed fetch, routed through the same
// invocation verification as /invoke but dispatched to GetByCID rather
// than the key index, since the path carries a CID, not a user key.
func (s *server) handleLegacyGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cidStr := r.PathValue("cid")
	targetCID, err := gocid.Decode(cidStr)
	if err != nil {
		s.errorResponse(w, fmt.Errorf("%w: invalid cid %q: %s", errMalformedRequest, cidStr, err))
		return
	}

	token := r.Header.Get("Kepler-Invocation")
	if token == "" {
		s.errorResponse(w, fmt.Errorf("%w: missing Kepler-Invocation header", errMalformedRequest))
		return
	}
	inv, err := capability.DecodeToken(token)
	if err != nil {
		s.errorResponse(w, fmt.Errorf("%w: %s", errMalformedRequest, err))
		return
	}
	if inv.Action != capability.Read {
		s.errorResponse(w, fmt.Errorf("%w: get_by_cid requires a read invocation", errMalformedRequest))
		return
	}

	var orbitID string
	err = s.store.WithReadTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		c, err := tx.GetCapability(ctx, inv.CapabilityCID)
		if err != nil {
			return err
		}
		orbitID = c.OrbitID()
		return nil
	})
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if pathOrbit := r.PathValue("orbit"); pathOrbit != "" && pathOrbit != orbitID {
		s.errorResponse(w, fmt.Errorf("%w: path orbit %q does not match capability's orbit %q", errMalformedRequest, pathOrbit, orbitID))
		return
	}

	handle, err := s.orbits.Acquire(ctx, orbitID, "")
	if err != nil {
		s.errorResponse(w, fmt.Errorf("%w: %s", errResourceExhausted, err))
		return
	}
	defer s.orbits.Release(handle)

	err = s.store.WithTx(ctx, func(ctx context.Context, tx *index.Tx) error {
		_, err := s.engine.VerifyInvocation(ctx, tx, inv, handle.ControllerDID, nil)
		return err
	})
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	data, err := s.objects.GetByCID(ctx, targetCID)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	w.Header().Set("X-Kepler-Cid", targetCID.String())
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// The remaining legacy direct paths spec.md §4.8 calls out as optional
// are not wired up independently of /invoke: a client hitting them
// still needs a valid Kepler-Invocation header naming a user key, so
// they're aliases rather than a separate code path.
func (s *server) handleLegacyList(w http.ResponseWriter, r *http.Request) {
	s.handleInvoke(w, r)
}

func (s *server) handleLegacyPut(w http.ResponseWriter, r *http.Request) {
	s.handleInvoke(w, r)
}

// stageBatchParts parses a put_batch multipart/form-data body, staging
// each part under its codec and returning the parts that were staged
// successfully so far even on error — callers must still close them.
func (s *server) stageBatchParts(ctx context.Context, r *http.Request) ([]object.BatchPart, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errMalformedRequest, err)
	}

	var parts []object.BatchPart
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return parts, fmt.Errorf("%w: failed to read multipart part: %s", errMalformedRequest, err)
		}

		kind, err := codec.ContentTypeKind(part.Header.Get("Content-Type"))
		if err != nil {
			return parts, fmt.Errorf("%w: %s", errMalformedRequest, err)
		}

		res, err := s.staging.Stage(ctx, kind, s.stagingLimit, part)
		if err != nil {
			return parts, err
		}
		parts = append(parts, object.BatchPart{Key: part.FormName(), Kind: kind, Resource: res})
	}
	return parts, nil
}

// writeBatchResponse authorizes each staged part against storedCap, commits
// the authorized ones via PutBatch, and writes spec.md §4.4's
// newline-delimited response: one line per input part, in order, empty
// for any part that was unauthorized or failed to commit.
func (s *server) writeBatchResponse(ctx context.Context, w http.ResponseWriter, orbitID string, storedCap *index.StoredCapability, parts []object.BatchPart) {
	authorized := make([]object.BatchPart, 0, len(parts))
	unauthorized := make(map[string]bool)
	for _, p := range parts {
		if storedCap.Authorizes(capability.Write, p.Key) {
			authorized = append(authorized, p)
		} else {
			unauthorized[p.Key] = true
		}
	}

	results := s.objects.PutBatch(ctx, s.staging, orbitID, authorized)
	byKey := make(map[string]object.PartResult, len(results))
	for _, r := range results {
		byKey[r.Key] = r
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for _, p := range parts {
		if unauthorized[p.Key] {
			s.log.Error("put_batch: part not authorized", "key", p.Key)
			fmt.Fprintln(w)
			continue
		}
		r := byKey[p.Key]
		if r.Err != nil {
			s.log.Error("put_batch: part failed", "key", r.Key, "err", r.Err)
			fmt.Fprintln(w)
			continue
		}
		fmt.Fprintln(w, r.CID.String())
	}
}
