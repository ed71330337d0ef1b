// Package classify maps transport and AWS SDK errors onto the error kinds
// from which every reconciler and the upload executor decide how to react:
// retry, select the create branch, or abort.
package classify

import (
	"errors"
	"net/http"

	"github.com/aws/smithy-go"
)

// Kind is one of the error kinds a caller branches on. It is never
// constructed directly by callers outside this package; use FromStatus or
// FromAWSError.
type Kind int

const (
	// Unknown is returned when no more specific kind applies.
	Unknown Kind = iota
	// Transient covers non-auth 5xx, connection resets, DNS failures.
	Transient
	// AuthChallenge is a 401 carrying a parseable WWW-Authenticate header.
	AuthChallenge
	// AuthFatal is a 401/403 that could not be satisfied by a refresh.
	AuthFatal
	// NotFound is a 404 on read.
	NotFound
	// SchemaUnsupported is an unsupported manifest/index shape.
	SchemaUnsupported
	// PlatformMissing is a requested platform absent from an index.
	PlatformMissing
	// Client is any other 4xx.
	Client
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case AuthChallenge:
		return "auth-challenge"
	case AuthFatal:
		return "auth-fatal"
	case NotFound:
		return "not-found"
	case SchemaUnsupported:
		return "schema-unsupported"
	case PlatformMissing:
		return "platform-missing"
	case Client:
		return "client"
	default:
		return "unknown"
	}
}

// FromStatus classifies an HTTP response status code observed against a
// registry. authSatisfied should be true once the auth broker has already
// attempted (and failed) a token refresh for this request.
func FromStatus(status int, authSatisfied bool) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if authSatisfied {
			return AuthFatal
		}
		return AuthChallenge
	case status == http.StatusNotFound:
		return NotFound
	case status >= 500:
		return Transient
	case status >= 400:
		return Client
	default:
		return Unknown
	}
}

// FromAWSError classifies an error returned by an AWS SDK v2 client call.
// 404-shaped errors (ResourceNotFoundException, NoSuchEntity, and similar)
// are not recognised here and come back as Transient; callers detect them
// with their own service-specific check. This helper only handles the
// transport/auth axis that is common to every AWS service.
func FromAWSError(err error) Kind {
	if err == nil {
		return Unknown
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "AccessDeniedException", "UnrecognizedClientException",
			"InvalidClientTokenId", "ExpiredTokenException":
			return AuthFatal
		}
	}
	return Transient
}

// Retryable reports whether the bounded-retry envelope in internal/retry
// should keep retrying for the given kind. AuthChallenge is handled
// transparently by the auth broker before it ever reaches a retry loop, so
// it is not retryable from the executor's point of view.
func Retryable(k Kind) bool {
	return k == Transient
}
