// Package ctaperr maps the CTAP2 status-code taxonomy (spec.md 7) onto Go
// errors, so that every layer of the engine can return a plain error and
// have exactly one status byte fall out the other end for the wire.
package ctaperr

import (
	"errors"
	"fmt"
)

// Status is a CTAP2 response status byte. 0x00 means success; every other
// value is an error code defined by the CTAP2 spec.
type Status byte

// Status codes used by this authenticator. Unused codes from the full
// CTAP2 space (PIN protocol, credential management, bio enrollment) are
// intentionally omitted here — they're Non-goals per spec.md 1 and would
// never be returned.
const (
	OK                   Status = 0x00
	CBORUnexpectedType   Status = 0x11
	InvalidCBOR          Status = 0x12
	MissingParameter     Status = 0x14
	CredentialExcluded   Status = 0x19
	Processing           Status = 0x21
	InvalidCredential    Status = 0x22
	UnsupportedAlgorithm Status = 0x26
	OperationDenied      Status = 0x27
	KeyStoreFull         Status = 0x28
	NoCredentials        Status = 0x2E
	UserActionTimeout    Status = 0x2F
	RequestTooLarge      Status = 0x39
)

// Error is a CTAP2 failure carrying both the wire status byte and the
// underlying cause, so logs see the cause while the engine only ever
// emits the byte.
type Error struct {
	status Status
	cause  error
}

// New wraps status as an error with no further detail.
func New(status Status) *Error { return &Error{status: status} }

// Wrap attaches status to an underlying cause for logging.
func Wrap(status Status, cause error) *Error { return &Error{status: status, cause: cause} }

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("ctap2: %s: %v", e.status, e.cause)
	}
	return fmt.Sprintf("ctap2: %s", e.status)
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the byte that belongs on the wire for this error.
func (e *Error) Status() Status { return e.status }

// Of extracts the wire status for any error: ctaperr.Processing for an
// error that isn't one of ours, e's own status otherwise.
func Of(err error) Status {
	if err == nil {
		return OK
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.status
	}
	return Processing
}

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case CBORUnexpectedType:
		return "CBOR_UNEXPECTED_TYPE"
	case InvalidCBOR:
		return "INVALID_CBOR"
	case MissingParameter:
		return "MISSING_PARAMETER"
	case CredentialExcluded:
		return "CREDENTIAL_EXCLUDED"
	case Processing:
		return "PROCESSING"
	case InvalidCredential:
		return "INVALID_CREDENTIAL"
	case UnsupportedAlgorithm:
		return "UNSUPPORTED_ALGORITHM"
	case OperationDenied:
		return "OPERATION_DENIED"
	case KeyStoreFull:
		return "KEY_STORE_FULL"
	case NoCredentials:
		return "NO_CREDENTIALS"
	case UserActionTimeout:
		return "USER_ACTION_TIMEOUT"
	case RequestTooLarge:
		return "REQUEST_TOO_LARGE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(s))
	}
}
