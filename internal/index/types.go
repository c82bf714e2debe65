package index

import (
	"time"

	gocid "github.com/ipfs/go-cid"

	"github.com/kepler-host/kepler/internal/capability"
)

// Orbit is the orbit(...) row, spec.md §4.2.
type Orbit struct {
	ID            string
	ControllerDID string
	CreatedAt     time.Time
}

// StoredCapability is the capability(...) row: a capability plus its
// revocation state.
type StoredCapability struct {
	capability.Capability
	RevokedAt *time.Time
}

// ObjectVersion is the object_version(...) row, spec.md §4.2.
type ObjectVersion struct {
	OrbitID       string
	UserKey       string
	VersionSeq    int64
	CID           gocid.Cid
	CreatedAt     time.Time
	SupersedesCID *gocid.Cid
	Tombstone     bool
}

// Pin is the pin(...) row, spec.md §4.2.
type Pin struct {
	OrbitID  string
	CID      gocid.Cid
	Refcount int64
}
