// Package errors defines the failure taxonomy of a chunked upload.
//
// Every failure surfaced by the chunker, the transport client or the upload
// session is an *Error carrying a Kind. Callers branch on the kind with
// errors.Is against the sentinels below, or with the IsX helpers.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an upload failure.
type Kind int

const (
	// KindConfig is a bad chunk/size parameter or misuse of a session.
	// No network call has been made.
	KindConfig Kind = iota + 1
	// KindTooLarge means the file exceeds the configured ceiling.
	// No network call has been made.
	KindTooLarge
	// KindBackend is a non-success response from initiate, sign-part,
	// complete or abort.
	KindBackend
	// KindStorage is a non-success response from the binary part PUT.
	KindStorage
	// KindProtocol means the storage response violated its contract,
	// e.g. the ETag header was missing.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindTooLarge:
		return "too large"
	case KindBackend:
		return "backend"
	case KindStorage:
		return "storage"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per kind. An *Error matches the sentinel of its kind
// under errors.Is.
var (
	ErrConfig   = errors.New("upload: invalid configuration")
	ErrTooLarge = errors.New("upload: file too large")
	ErrBackend  = errors.New("upload: backend error")
	ErrStorage  = errors.New("upload: storage error")
	ErrProtocol = errors.New("upload: protocol error")
)

// Error is a classified upload failure.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Op is the operation that failed (e.g. "initiate upload", "sign part").
	Op string

	// PartNumber is the 1-based part the failure belongs to, 0 when the
	// failure is not tied to a part.
	PartNumber int

	// StatusCode is the HTTP status of the failed response, if any.
	StatusCode int

	// Body is the response body returned by the backend, if any.
	Body string

	// Err is the underlying cause, if any.
	Err error
}

// Error renders the failure the way the user sees it.
func (e *Error) Error() string {
	op := e.Op
	if e.PartNumber > 0 {
		op = fmt.Sprintf("%s %d", op, e.PartNumber)
	}

	switch {
	case e.Body != "":
		return fmt.Sprintf("failed to %s: %s", op, e.Body)
	case e.Err != nil && op != "":
		return fmt.Sprintf("failed to %s: %v", op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case op != "" && e.StatusCode != 0:
		return fmt.Sprintf("failed to %s: status %d", op, e.StatusCode)
	case op != "":
		return fmt.Sprintf("failed to %s: %s error", op, e.Kind)
	default:
		return e.Kind.String() + " error"
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	return target == sentinel(e.Kind)
}

func sentinel(k Kind) error {
	switch k {
	case KindConfig:
		return ErrConfig
	case KindTooLarge:
		return ErrTooLarge
	case KindBackend:
		return ErrBackend
	case KindStorage:
		return ErrStorage
	case KindProtocol:
		return ErrProtocol
	default:
		return nil
	}
}

// Configf returns a KindConfig error with a formatted message.
func Configf(format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Err: fmt.Errorf(format, args...)}
}

// NewTooLarge returns a KindTooLarge error with a user-facing message.
func NewTooLarge(message string) *Error {
	return &Error{Kind: KindTooLarge, Err: errors.New(message)}
}

// NewBackend returns a KindBackend error for a non-success response.
func NewBackend(op string, status int, body string) *Error {
	return &Error{Kind: KindBackend, Op: op, StatusCode: status, Body: body}
}

// NewStorage returns a KindStorage error for a failed part PUT.
func NewStorage(part, status int, statusText string) *Error {
	return &Error{
		Kind:       KindStorage,
		Op:         "upload part",
		PartNumber: part,
		StatusCode: status,
		Err:        errors.New(statusText),
	}
}

// NewProtocol returns a KindProtocol error.
func NewProtocol(op string, err error) *Error {
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}

// WithPart sets the part number and returns e.
func (e *Error) WithPart(part int) *Error {
	e.PartNumber = part
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool { return errors.Is(err, ErrConfig) }

// IsTooLarge reports whether err is a file-size ceiling violation.
func IsTooLarge(err error) bool { return errors.Is(err, ErrTooLarge) }

// IsBackend reports whether err is a backend error.
func IsBackend(err error) bool { return errors.Is(err, ErrBackend) }

// IsStorage reports whether err is a storage error.
func IsStorage(err error) bool { return errors.Is(err, ErrStorage) }

// IsProtocol reports whether err is a storage protocol violation.
func IsProtocol(err error) bool { return errors.Is(err, ErrProtocol) }
