package block

import "fmt"

// BackendKind selects a block store implementation, dispatched as a
// tagged variant per spec.md §9 ("Polymorphism over storage backends").
type BackendKind string

const (
	BackendLocal BackendKind = "Local"
	BackendS3    BackendKind = "S3"
)

// Config is the union of fields either backend needs; unused fields for
// the selected Kind are ignored.
type Config struct {
	Kind BackendKind

	// Local
	Path string

	// S3
	S3 S3Config
}

func New(cfg Config) (Store, error) {
	switch cfg.Kind {
	case BackendLocal:
		return NewLocal(cfg.Path)
	case BackendS3:
		return NewS3(cfg.S3)
	default:
		return nil, fmt.Errorf("unknown block store backend %q", cfg.Kind)
	}
}
