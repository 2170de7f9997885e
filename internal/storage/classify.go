package storage

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
)

// Class groups storage errors by how the caller should react.
type Class int

// Error classes
const (
	// ClassNone is the class of a nil error
	ClassNone Class = iota
	// ClassTransient errors may succeed when repeated
	ClassTransient
	// ClassCredentialRejected errors need a fresh credential
	ClassCredentialRejected
	// ClassCancelled errors come from caller cancellation
	ClassCancelled
	// ClassPermanent errors will not succeed when repeated
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassCredentialRejected:
		return "credential-rejected"
	case ClassCancelled:
		return "cancelled"
	default:
		return "permanent"
	}
}

// Error codes meaning the signing credential is no longer accepted.
var rejectedCodes = map[string]bool{
	"SignatureDoesNotMatch": true,
	"InvalidAccessKeyId":    true,
	"ExpiredToken":          true,
	"InvalidToken":          true,
	"TokenExpired":          true,
}

// Error codes the storage service uses for overload or transient failure.
var transientCodes = map[string]bool{
	"SlowDown":             true,
	"Throttling":           true,
	"ThrottlingException":  true,
	"RequestLimitExceeded": true,
	"TooManyRequests":      true,
	"RequestTimeout":       true,
	"InternalError":        true,
	"ServiceUnavailable":   true,
	"ServerBusy":           true,
}

// Classify maps a storage error to its class.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if rejectedCodes[code] {
			return ClassCredentialRejected
		}
		if transientCodes[code] {
			return ClassTransient
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
			return ClassTransient
		}
		return ClassPermanent
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassTransient
	}

	return ClassPermanent
}

// Retryable reports whether err is worth repeating with the same credential.
func Retryable(err error) bool {
	return Classify(err) == ClassTransient
}
