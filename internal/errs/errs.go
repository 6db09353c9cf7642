// Package errs defines the error-kind taxonomy used across the
// wallet-scanning subsystem (§7): every failure is classified as one of
// a small number of kinds so callers can branch on "what kind of thing
// went wrong" with errors.Is rather than string matching, in the same
// sentinel-plus-errors.Wrap style bip32 and mempool already use for
// their own local error kinds.
package errs

import "github.com/pkg/errors"

// Kind sentinels. Wrap the underlying cause with errors.Wrap(ErrX, ...)
// so errors.Is(err, ErrX) identifies the kind and errors.Cause(err)
// recovers the original failure.
var (
	// ErrConfig marks a failure loading or validating configuration.
	ErrConfig = errors.New("errs: configuration error")
	// ErrParse marks a failure decoding user-supplied input (an extended
	// key, an address).
	ErrParse = errors.New("errs: parse error")
	// ErrNetwork marks a transport-level failure reaching the mempool
	// REST API.
	ErrNetwork = errors.New("errs: network error")
	// ErrProtocol marks a response that violates the expected wire
	// contract (bad JSON, unexpected status code).
	ErrProtocol = errors.New("errs: protocol error")
	// ErrConflict marks a manually-configured address that collides with
	// one derived from an extended key (§4.7 step 2).
	ErrConflict = errors.New("errs: address conflict")
	// ErrCache marks a failure reading or writing a persisted cache file.
	ErrCache = errors.New("errs: cache error")
	// ErrFatal marks an unrecoverable internal-invariant violation; it
	// bubbles up and terminates the containing request rather than being
	// handled locally.
	ErrFatal = errors.New("errs: fatal error")
)

// Wrap annotates err with kind and a message, preserving the original
// cause for errors.Cause while making errors.Is(result, kind) true.
func Wrap(kind error, err error, message string) error {
	return errors.Wrap(joinKind{kind: kind, err: err}, message)
}

// joinKind lets a single error value satisfy errors.Is against both its
// kind sentinel and its wrapped cause.
type joinKind struct {
	kind error
	err  error
}

func (j joinKind) Error() string { return j.err.Error() }
func (j joinKind) Unwrap() error { return j.err }
func (j joinKind) Cause() error  { return j.err }
func (j joinKind) Is(target error) bool {
	return target == j.kind
}
