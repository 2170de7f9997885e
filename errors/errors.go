package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error represents an upload error with context about the operation that failed.
// It wraps the underlying cause with enough detail to render an actionable message.
type Error struct {
	// Op is the operation that failed (e.g., "acquire", "uploadPart", "finalize")
	Op string

	// Kind classifies the failure
	Kind Kind

	// File is the local file name (if applicable)
	File string

	// Phase is the session phase the failure happened in (if applicable)
	Phase string

	// Key is the object key (if applicable)
	Key string

	// Parts lists the 1-based part numbers that failed (if applicable)
	Parts []int

	// Err is the underlying error
	Err error
}

// Error implements the error interface by providing a formatted error message.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("upload.")
	b.WriteString(e.Op)
	if e.File != "" {
		fmt.Fprintf(&b, " %s", e.File)
	}
	if e.Key != "" {
		fmt.Fprintf(&b, " (%s)", e.Key)
	}
	if e.Phase != "" {
		fmt.Fprintf(&b, " during %s", e.Phase)
	}
	if len(e.Parts) > 0 {
		fmt.Fprintf(&b, " parts %v", e.Parts)
	}
	fmt.Fprintf(&b, " [%s]", e.Kind)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error for error chaining support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error of the same kind, so errors.Is(err, ErrCancelled)
// works for any *Error of KindCancelled.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// WithFile adds file context to an existing error.
func (e *Error) WithFile(file string) *Error {
	e.File = file
	return e
}

// WithPhase adds phase context to an existing error.
func (e *Error) WithPhase(phase string) *Error {
	e.Phase = phase
	return e
}

// WithKey adds object key context to an existing error.
func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

// WithParts records the failed part numbers.
func (e *Error) WithParts(parts []int) *Error {
	e.Parts = append([]int(nil), parts...)
	return e
}

// WithMessage wraps the underlying error with a custom message.
func (e *Error) WithMessage(message string) *Error {
	if e.Err == nil {
		e.Err = errors.New(message)
		return e
	}
	e.Err = fmt.Errorf("%s: %w", message, e.Err)
	return e
}

// NewError creates a new Error with the given operation, kind and underlying error.
func NewError(op string, kind Kind, err error) *Error {
	return &Error{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// Sentinel errors, one per kind. These can be used with errors.Is().
var (
	ErrCredentialUnavailable = errors.New("upload: credential unavailable")
	ErrCredentialRejected    = errors.New("upload: credential rejected")
	ErrCredentialExhausted   = errors.New("upload: credential refresh budget exhausted")
	ErrNetwork               = errors.New("upload: network error")
	ErrPartialUpload         = errors.New("upload: partial upload failure")
	ErrValidation            = errors.New("upload: validation failed")
	ErrAuthExpired           = errors.New("upload: authentication expired")
	ErrCancelled             = errors.New("upload: cancelled")
	ErrInvalidInput          = errors.New("upload: invalid input")
	ErrInternal              = errors.New("upload: internal error")
)

var sentinels = map[Kind]error{
	KindCredentialUnavailable: ErrCredentialUnavailable,
	KindCredentialRejected:    ErrCredentialRejected,
	KindCredentialExhausted:   ErrCredentialExhausted,
	KindNetwork:               ErrNetwork,
	KindPartialUpload:         ErrPartialUpload,
	KindValidation:            ErrValidation,
	KindAuthExpired:           ErrAuthExpired,
	KindCancelled:             ErrCancelled,
	KindInvalidInput:          ErrInvalidInput,
	KindInternal:              ErrInternal,
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindInternal when err carries no kind. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsCancelled checks if an error indicates the upload was cancelled.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsCredentialRejected checks if an error indicates the storage refused the signature.
func IsCredentialRejected(err error) bool {
	return errors.Is(err, ErrCredentialRejected)
}

// IsValidation checks if an error indicates a rejected payload.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsAuthExpired checks if an error indicates the backend session expired.
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}
