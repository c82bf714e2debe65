package index

import (
	"context"
	"fmt"
)

// migrate applies the schema in spec.md §4.2. Each backend needs
// slightly different column types (BLOB vs BYTEA, BOOLEAN support), so
// the statements are generated per dialect rather than shared verbatim
// — the same per-migration-name map shape the sapcc-keppel database
// layer uses, adapted from a fixed migration list to a dialect switch
// since these three engines don't share one portable DDL dialect.
func (s *Store) migrate(ctx context.Context) error {
	blobType := "BLOB"
	if s.dialect == dialectPostgres {
		blobType = "BYTEA"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orbit (
			id             TEXT PRIMARY KEY,
			controller_did TEXT NOT NULL,
			created_at     TEXT NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS capability (
			cid                 TEXT PRIMARY KEY,
			orbit_id            TEXT NOT NULL,
			parent_cid          TEXT,
			issuer_did          TEXT NOT NULL,
			audience_did        TEXT NOT NULL,
			resources_json      TEXT NOT NULL,
			caveats_json        TEXT NOT NULL,
			verification_method TEXT NOT NULL,
			signature           %s NOT NULL,
			revoked_at          TEXT
		)`, blobType),
		`CREATE TABLE IF NOT EXISTS object_version (
			orbit_id       TEXT NOT NULL,
			user_key       TEXT NOT NULL,
			version_seq    INTEGER NOT NULL,
			cid            TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			supersedes_cid TEXT,
			tombstone      BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (orbit_id, user_key, version_seq)
		)`,
		`CREATE TABLE IF NOT EXISTS pin (
			orbit_id TEXT NOT NULL,
			cid      TEXT NOT NULL,
			refcount INTEGER NOT NULL,
			PRIMARY KEY (orbit_id, cid)
		)`,
		`CREATE TABLE IF NOT EXISTS nonce_seen (
			orbit_id TEXT NOT NULL,
			nonce    TEXT NOT NULL,
			seen_at  TEXT NOT NULL,
			PRIMARY KEY (orbit_id, nonce)
		)`,
		`CREATE INDEX IF NOT EXISTS capability_orbit_idx ON capability (orbit_id)`,
		`CREATE INDEX IF NOT EXISTS capability_parent_idx ON capability (parent_cid)`,
		`CREATE INDEX IF NOT EXISTS object_version_head_idx ON object_version (orbit_id, user_key, version_seq)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration %q: %w", stmt, err)
		}
	}
	return nil
}
