// Package errors provides the error taxonomy for media uploads.
// It extends Go's standard error handling with string error kinds, a retry
// classification and context about the file, phase and object that failed.
package errors

// Kind represents a specific failure class of an upload.
// Kinds are string-based for debuggability and natural JSON serialization.
type Kind string

const (
	// Credential errors.

	// KindCredentialUnavailable indicates the backend could not issue storage credentials.
	KindCredentialUnavailable Kind = "CREDENTIAL_UNAVAILABLE"

	// KindCredentialRejected indicates the storage endpoint refused the signature.
	KindCredentialRejected Kind = "CREDENTIAL_REJECTED"

	// KindCredentialExhausted indicates the per-session refresh budget was spent.
	KindCredentialExhausted Kind = "CREDENTIAL_EXHAUSTED"

	// Transfer errors.

	// KindNetwork indicates a transient transport failure.
	KindNetwork Kind = "NETWORK_ERROR"

	// KindPartialUpload indicates one or more parts failed after retry exhaustion.
	KindPartialUpload Kind = "PARTIAL_UPLOAD_FAILURE"

	// Catalog errors.

	// KindValidation indicates the backend rejected the payload or the file.
	KindValidation Kind = "VALIDATION_ERROR"

	// KindAuthExpired indicates the backend session is no longer authenticated.
	KindAuthExpired Kind = "AUTH_EXPIRED"

	// Control errors.

	// KindCancelled indicates the upload was cancelled by the caller.
	KindCancelled Kind = "CANCELLED"

	// KindInvalidInput indicates the caller supplied unusable arguments.
	KindInvalidInput Kind = "INVALID_INPUT"

	// KindInternal indicates an unexpected internal failure.
	KindInternal Kind = "INTERNAL_ERROR"
)

// Retryable reports whether failures of this kind may succeed when repeated
// without any other corrective action.
func (k Kind) Retryable() bool {
	return k == KindNetwork
}
