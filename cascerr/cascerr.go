// Package cascerr centralizes the error kinds every other package in
// this module reports, so callers can discriminate failures with
// errors.Is/errors.As instead of parsing message strings.
package cascerr

import (
	"errors"
	"fmt"
)

// Sentinel errors returned (wrapped) by the parsing and resolver
// layers. Each marks a distinct class of malformed input or runtime
// condition; wrap these with fmt.Errorf("...: %w", ...) rather than
// returning them bare so callers still get file/offset context.
var (
	ErrInvalidInstall       = errors.New("cascerr: invalid local install layout")
	ErrInvalidConfig        = errors.New("cascerr: invalid build/cdn config")
	ErrInvalidIndex         = errors.New("cascerr: invalid local .idx file")
	ErrInvalidCDNIndex      = errors.New("cascerr: invalid CDN .cidx file")
	ErrInvalidEncoding      = errors.New("cascerr: invalid encoding table")
	ErrInvalidRoot          = errors.New("cascerr: invalid root file")
	ErrInvalidBLTE          = errors.New("cascerr: invalid BLTE container")
	ErrUnsupportedBLTEMode  = errors.New("cascerr: unsupported BLTE chunk mode")
	ErrUnsupportedRoot      = errors.New("cascerr: unsupported root dialect")
	ErrNetwork              = errors.New("cascerr: network error")
	ErrNetworkTimeout       = errors.New("cascerr: network timeout")
	ErrNotFound             = errors.New("cascerr: file not found")
)

// HTTPStatusError reports a non-2xx response from a CDN or patch
// server endpoint.
type HTTPStatusError struct {
	URL    string
	Status int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("cascerr: unexpected HTTP status %d fetching %s", e.Status, e.URL)
}

// Is lets errors.Is(err, cascerr.ErrNetwork) match any HTTPStatusError,
// since an unexpected status is a network-layer failure from the
// caller's point of view.
func (e *HTTPStatusError) Is(target error) bool {
	return target == ErrNetwork
}

// NewHTTPStatusError wraps a URL and status code into an
// *HTTPStatusError.
func NewHTTPStatusError(url string, status int) error {
	return &HTTPStatusError{URL: url, Status: status}
}
