package host

import (
	"errors"
	"net/http"

	"github.com/kepler-host/kepler/internal/block"
	"github.com/kepler-host/kepler/internal/capability"
	"github.com/kepler-host/kepler/internal/index"
	"github.com/kepler-host/kepler/internal/object"
	"github.com/kepler-host/kepler/internal/staging"
)

// statusFor maps an internal error to the HTTP status spec.md §7's error
// table assigns it. Errors not recognized here fall back to *internal*
// (500); they are never expected to leak engine-specific messages past
// this boundary.
func statusFor(err error) int {
	switch {
	case errors.Is(err, object.ErrNotFound), errors.Is(err, block.ErrNotFound), errors.Is(err, index.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, capability.ErrUnauthorized), errors.Is(err, capability.ErrRevoked):
		return http.StatusUnauthorized
	case errors.Is(err, capability.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, staging.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errResourceExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, errMalformedRequest):
		return http.StatusBadRequest
	case errors.Is(err, block.ErrCIDCollision):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

var (
	errMalformedRequest  = errors.New("malformed-request")
	errResourceExhausted = errors.New("resource-exhausted")
)
