package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gocid "github.com/ipfs/go-cid"

	"github.com/kepler-host/kepler/internal/capability"
)

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// Tx scopes a set of index-store writes to one SQL transaction, per
// spec.md §4.2 ("All writes occur inside a single transaction per
// external operation").
type Tx struct {
	tx      *sql.Tx
	ph      func(i int) string
	dialect dialect
}

// WithTx runs fn inside a single read-write transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	_, err := transaction(ctx, s, func(ctx context.Context, sqltx *sql.Tx) (struct{}, error) {
		return struct{}{}, fn(ctx, &Tx{tx: sqltx, ph: s.placeholder, dialect: s.dialect})
	})
	return err
}

// WithReadTx runs fn inside a read-only transaction, giving callers the
// same snapshot-isolation guarantee spec.md §5 promises readers.
func (s *Store) WithReadTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	_, err := readTransaction(ctx, s, func(ctx context.Context, sqltx *sql.Tx) (struct{}, error) {
		return struct{}{}, fn(ctx, &Tx{tx: sqltx, ph: s.placeholder, dialect: s.dialect})
	})
	return err
}

// --- orbit ---

func (tx *Tx) CreateOrbit(ctx context.Context, id, controllerDID string, now time.Time) error {
	q := fmt.Sprintf(`INSERT INTO orbit (id, controller_did, created_at) VALUES (%s, %s, %s)`,
		tx.ph(1), tx.ph(2), tx.ph(3))
	_, err := tx.tx.ExecContext(ctx, q, id, controllerDID, formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create orbit %q: %w", id, err)
	}
	return nil
}

func (tx *Tx) GetOrbit(ctx context.Context, id string) (*Orbit, error) {
	q := fmt.Sprintf(`SELECT id, controller_did, created_at FROM orbit WHERE id = %s`, tx.ph(1))
	row := tx.tx.QueryRowContext(ctx, q, id)
	return scanOrbit(row)
}

func scanOrbit(row *sql.Row) (*Orbit, error) {
	var o Orbit
	var createdAt string
	if err := row.Scan(&o.ID, &o.ControllerDID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan orbit: %w", err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse orbit created_at: %w", err)
	}
	o.CreatedAt = t
	return &o, nil
}

// --- capability ---

func (tx *Tx) PutCapability(ctx context.Context, c *capability.Capability) error {
	resourcesJSON, err := json.Marshal(c.Resources)
	if err != nil {
		return fmt.Errorf("failed to marshal resources: %w", err)
	}
	caveatsJSON, err := json.Marshal(c.Caveats)
	if err != nil {
		return fmt.Errorf("failed to marshal caveats: %w", err)
	}

	var parentCID any
	if c.Proof.ParentCID != nil {
		parentCID = c.Proof.ParentCID.String()
	}

	q := fmt.Sprintf(`INSERT INTO capability
		(cid, orbit_id, parent_cid, issuer_did, audience_did, resources_json, caveats_json, verification_method, signature)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		tx.ph(1), tx.ph(2), tx.ph(3), tx.ph(4), tx.ph(5), tx.ph(6), tx.ph(7), tx.ph(8), tx.ph(9))
	_, err = tx.tx.ExecContext(ctx, q,
		c.CID.String(), c.OrbitID(), parentCID, c.IssuerDID, c.AudienceDID,
		string(resourcesJSON), string(caveatsJSON), c.Proof.VerificationMethod, c.Proof.Signature)
	if err != nil {
		return fmt.Errorf("failed to insert capability %s: %w", c.CID, err)
	}
	return nil
}

func (tx *Tx) GetCapability(ctx context.Context, c gocid.Cid) (*StoredCapability, error) {
	q := fmt.Sprintf(`SELECT cid, orbit_id, parent_cid, issuer_did, audience_did, resources_json, caveats_json, verification_method, signature, revoked_at
		FROM capability WHERE cid = %s`, tx.ph(1))
	row := tx.tx.QueryRowContext(ctx, q, c.String())
	return scanCapability(row)
}

func scanCapability(row *sql.Row) (*StoredCapability, error) {
	var (
		cidStr, orbitID, issuerDID, audienceDID string
		parentCID, revokedAt                    sql.NullString
		resourcesJSON, caveatsJSON              string
		verificationMethod                      string
		signature                               []byte
	)
	if err := row.Scan(&cidStr, &orbitID, &parentCID, &issuerDID, &audienceDID,
		&resourcesJSON, &caveatsJSON, &verificationMethod, &signature, &revokedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan capability: %w", err)
	}

	c, err := gocid.Decode(cidStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored capability cid: %w", err)
	}

	var resources []capability.Resource
	if err := json.Unmarshal([]byte(resourcesJSON), &resources); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resources: %w", err)
	}
	var caveats capability.Caveats
	if err := json.Unmarshal([]byte(caveatsJSON), &caveats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal caveats: %w", err)
	}

	sc := &StoredCapability{
		Capability: capability.Capability{
			CID:         c,
			IssuerDID:   issuerDID,
			AudienceDID: audienceDID,
			Resources:   resources,
			Caveats:     caveats,
			Proof: capability.Proof{
				VerificationMethod: verificationMethod,
				Signature:          signature,
			},
		},
	}
	if parentCID.Valid {
		pc, err := gocid.Decode(parentCID.String)
		if err != nil {
			return nil, fmt.Errorf("failed to decode parent cid: %w", err)
		}
		sc.Proof.ParentCID = &pc
	}
	if revokedAt.Valid {
		t, err := parseTime(revokedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse revoked_at: %w", err)
		}
		sc.RevokedAt = &t
	}
	_ = orbitID
	return sc, nil
}

// RevokeCapability marks c and, per spec.md's transitive-revocation
// resolution of the Open Question in §9, every descendant of c as
// revoked at the given time. Rows already revoked keep their original
// timestamp.
func (tx *Tx) RevokeCapability(ctx context.Context, c gocid.Cid, at time.Time) error {
	toRevoke := []string{c.String()}
	visited := map[string]bool{}

	for len(toRevoke) > 0 {
		current := toRevoke[len(toRevoke)-1]
		toRevoke = toRevoke[:len(toRevoke)-1]
		if visited[current] {
			continue
		}
		visited[current] = true

		q := fmt.Sprintf(`UPDATE capability SET revoked_at = %s WHERE cid = %s AND revoked_at IS NULL`, tx.ph(1), tx.ph(2))
		if _, err := tx.tx.ExecContext(ctx, q, formatTime(at), current); err != nil {
			return fmt.Errorf("failed to revoke capability %s: %w", current, err)
		}

		children, err := tx.ListChildren(ctx, current)
		if err != nil {
			return err
		}
		toRevoke = append(toRevoke, children...)
	}
	return nil
}

// ListChildren returns the CIDs of every capability whose parent_cid is
// parentCID, used both by RevokeCapability's cascading walk and by the
// capability engine to invalidate cached verification results for a
// revoked capability's whole descendant subtree.
func (tx *Tx) ListChildren(ctx context.Context, parentCID string) ([]string, error) {
	q := fmt.Sprintf(`SELECT cid FROM capability WHERE parent_cid = %s`, tx.ph(1))
	rows, err := tx.tx.QueryContext(ctx, q, parentCID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %s: %w", parentCID, err)
	}
	defer rows.Close() //nolint:errcheck

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan child cid: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- nonce_seen ---

func (tx *Tx) NonceSeen(ctx context.Context, orbitID, nonce string) (bool, error) {
	q := fmt.Sprintf(`SELECT 1 FROM nonce_seen WHERE orbit_id = %s AND nonce = %s`, tx.ph(1), tx.ph(2))
	row := tx.tx.QueryRowContext(ctx, q, orbitID, nonce)
	var one int
	err := row.Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check nonce: %w", err)
	}
	return true, nil
}

func (tx *Tx) MarkNonceSeen(ctx context.Context, orbitID, nonce string, at time.Time) error {
	q := fmt.Sprintf(`INSERT INTO nonce_seen (orbit_id, nonce, seen_at) VALUES (%s, %s, %s)`, tx.ph(1), tx.ph(2), tx.ph(3))
	_, err := tx.tx.ExecContext(ctx, q, orbitID, nonce, formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to mark nonce seen: %w", err)
	}
	return nil
}

// --- object_version ---

func (tx *Tx) Head(ctx context.Context, orbitID, userKey string) (*ObjectVersion, error) {
	q := fmt.Sprintf(`SELECT orbit_id, user_key, version_seq, cid, created_at, supersedes_cid, tombstone
		FROM object_version WHERE orbit_id = %s AND user_key = %s ORDER BY version_seq DESC LIMIT 1`,
		tx.ph(1), tx.ph(2))
	row := tx.tx.QueryRowContext(ctx, q, orbitID, userKey)
	return scanObjectVersion(row)
}

func scanObjectVersion(row *sql.Row) (*ObjectVersion, error) {
	var (
		v                    ObjectVersion
		cidStr, createdAtStr string
		supersedesCID        sql.NullString
	)
	if err := row.Scan(&v.OrbitID, &v.UserKey, &v.VersionSeq, &cidStr, &createdAtStr, &supersedesCID, &v.Tombstone); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan object version: %w", err)
	}
	c, err := gocid.Decode(cidStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode object version cid: %w", err)
	}
	v.CID = c
	t, err := parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse object version created_at: %w", err)
	}
	v.CreatedAt = t
	if supersedesCID.Valid {
		sc, err := gocid.Decode(supersedesCID.String)
		if err != nil {
			return nil, fmt.Errorf("failed to decode supersedes_cid: %w", err)
		}
		v.SupersedesCID = &sc
	}
	return &v, nil
}

// AppendVersion inserts the next version_seq for (orbit, key). Callers
// MUST hold the object service's per-key lock; version_seq strictly
// increases per spec.md testable property #3.
func (tx *Tx) AppendVersion(ctx context.Context, v *ObjectVersion) error {
	prev, err := tx.Head(ctx, v.OrbitID, v.UserKey)
	switch {
	case errors.Is(err, ErrNotFound):
		v.VersionSeq = 1
	case err != nil:
		return err
	default:
		v.VersionSeq = prev.VersionSeq + 1
	}

	var supersedes any
	if v.SupersedesCID != nil {
		supersedes = v.SupersedesCID.String()
	}

	q := fmt.Sprintf(`INSERT INTO object_version (orbit_id, user_key, version_seq, cid, created_at, supersedes_cid, tombstone)
		VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		tx.ph(1), tx.ph(2), tx.ph(3), tx.ph(4), tx.ph(5), tx.ph(6), tx.ph(7))
	_, err = tx.tx.ExecContext(ctx, q, v.OrbitID, v.UserKey, v.VersionSeq, v.CID.String(), formatTime(v.CreatedAt), supersedes, v.Tombstone)
	if err != nil {
		return fmt.Errorf("failed to append object version: %w", err)
	}
	return nil
}

func (tx *Tx) ListByPrefix(ctx context.Context, orbitID, prefix string, limit int) ([]*ObjectVersion, error) {
	// Head per key = the row with the max version_seq for that key;
	// expressed with a correlated subquery for portability across the
	// three dialects rather than window functions (SQLite's window
	// function support is version-dependent).
	args := []any{orbitID, prefix + "%"}
	limitClause := ""
	if limit > 0 {
		limitClause = fmt.Sprintf(" LIMIT %s", tx.ph(3))
		args = append(args, limit)
	}
	q := fmt.Sprintf(`SELECT ov.orbit_id, ov.user_key, ov.version_seq, ov.cid, ov.created_at, ov.supersedes_cid, ov.tombstone
		FROM object_version ov
		WHERE ov.orbit_id = %s AND ov.user_key LIKE %s
		AND ov.version_seq = (
			SELECT MAX(version_seq) FROM object_version WHERE orbit_id = ov.orbit_id AND user_key = ov.user_key
		)
		ORDER BY ov.user_key ASC%s`, tx.ph(1), tx.ph(2), limitClause)

	rows, err := tx.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list object versions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []*ObjectVersion
	for rows.Next() {
		var (
			v                    ObjectVersion
			cidStr, createdAtStr string
			supersedesCID        sql.NullString
		)
		if err := rows.Scan(&v.OrbitID, &v.UserKey, &v.VersionSeq, &cidStr, &createdAtStr, &supersedesCID, &v.Tombstone); err != nil {
			return nil, fmt.Errorf("failed to scan listed object version: %w", err)
		}
		c, err := gocid.Decode(cidStr)
		if err != nil {
			return nil, fmt.Errorf("failed to decode listed cid: %w", err)
		}
		v.CID = c
		t, err := parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse listed created_at: %w", err)
		}
		v.CreatedAt = t
		if supersedesCID.Valid {
			sc, err := gocid.Decode(supersedesCID.String)
			if err != nil {
				return nil, fmt.Errorf("failed to decode listed supersedes_cid: %w", err)
			}
			v.SupersedesCID = &sc
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// --- pin ---

// IncrPin increments (or creates) the pin refcount for (orbit, cid) by
// delta, returning the resulting refcount.
func (tx *Tx) IncrPin(ctx context.Context, orbitID string, c gocid.Cid, delta int64) (int64, error) {
	q := fmt.Sprintf(`SELECT refcount FROM pin WHERE orbit_id = %s AND cid = %s`, tx.ph(1), tx.ph(2))
	row := tx.tx.QueryRowContext(ctx, q, orbitID, c.String())
	var current int64
	err := row.Scan(&current)
	exists := true
	switch {
	case errors.Is(err, sql.ErrNoRows):
		exists = false
		current = 0
	case err != nil:
		return 0, fmt.Errorf("failed to read pin: %w", err)
	}

	next := current + delta
	if next < 0 {
		return 0, fmt.Errorf("pin refcount for %s/%s would go negative", orbitID, c)
	}

	if !exists {
		iq := fmt.Sprintf(`INSERT INTO pin (orbit_id, cid, refcount) VALUES (%s, %s, %s)`, tx.ph(1), tx.ph(2), tx.ph(3))
		if _, err := tx.tx.ExecContext(ctx, iq, orbitID, c.String(), next); err != nil {
			return 0, fmt.Errorf("failed to insert pin: %w", err)
		}
		return next, nil
	}

	uq := fmt.Sprintf(`UPDATE pin SET refcount = %s WHERE orbit_id = %s AND cid = %s`, tx.ph(1), tx.ph(2), tx.ph(3))
	if _, err := tx.tx.ExecContext(ctx, uq, next, orbitID, c.String()); err != nil {
		return 0, fmt.Errorf("failed to update pin: %w", err)
	}
	return next, nil
}

func (tx *Tx) GetPin(ctx context.Context, orbitID string, c gocid.Cid) (*Pin, error) {
	q := fmt.Sprintf(`SELECT orbit_id, cid, refcount FROM pin WHERE orbit_id = %s AND cid = %s`, tx.ph(1), tx.ph(2))
	row := tx.tx.QueryRowContext(ctx, q, orbitID, c.String())
	var p Pin
	var cidStr string
	if err := row.Scan(&p.OrbitID, &cidStr, &p.Refcount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan pin: %w", err)
	}
	decoded, err := gocid.Decode(cidStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode pin cid: %w", err)
	}
	p.CID = decoded
	return &p, nil
}

// ZeroRefcountCIDs returns every CID across all orbits whose pin
// refcount has reached zero — GC's mark set of sweep candidates.
func (tx *Tx) ZeroRefcountCIDs(ctx context.Context) ([]Pin, error) {
	q := `SELECT orbit_id, cid, refcount FROM pin WHERE refcount <= 0`
	rows, err := tx.tx.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list zero-refcount pins: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Pin
	for rows.Next() {
		var p Pin
		var cidStr string
		if err := rows.Scan(&p.OrbitID, &cidStr, &p.Refcount); err != nil {
			return nil, fmt.Errorf("failed to scan zero-refcount pin: %w", err)
		}
		c, err := gocid.Decode(cidStr)
		if err != nil {
			return nil, fmt.Errorf("failed to decode zero-refcount pin cid: %w", err)
		}
		p.CID = c
		out = append(out, p)
	}
	return out, rows.Err()
}

// TotalRefcount sums a CID's pin refcount across every orbit. The block
// store is shared across orbits (content addressing means two orbits
// can reference the same block), so a block is only safe to delete once
// every orbit's pin on it has dropped to zero, not just one.
func (tx *Tx) TotalRefcount(ctx context.Context, c gocid.Cid) (int64, error) {
	q := fmt.Sprintf(`SELECT COALESCE(SUM(refcount), 0) FROM pin WHERE cid = %s`, tx.ph(1))
	row := tx.tx.QueryRowContext(ctx, q, c.String())
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum refcount for %s: %w", c, err)
	}
	return total, nil
}

func (tx *Tx) DeletePin(ctx context.Context, orbitID string, c gocid.Cid) error {
	q := fmt.Sprintf(`DELETE FROM pin WHERE orbit_id = %s AND cid = %s`, tx.ph(1), tx.ph(2))
	_, err := tx.tx.ExecContext(ctx, q, orbitID, c.String())
	if err != nil {
		return fmt.Errorf("failed to delete pin: %w", err)
	}
	return nil
}
