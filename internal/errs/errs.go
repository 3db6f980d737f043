// Package errs holds the sentinel errors shared by the relay components.
// Callers wrap them with fmt.Errorf("%w: ...") and match with errors.Is.
package errs

import "errors"

var (
	// ErrDecode reports a malformed inline media payload.
	ErrDecode = errors.New("malformed media payload")
	// ErrStoreUnavailable reports that the durable layer rejected an operation.
	ErrStoreUnavailable = errors.New("message store unavailable")
	// ErrAuthorizationDenied reports a request by someone who does not own the target.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrNotFound reports a missing message, room or user.
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a unique constraint violation, e.g. a taken username.
	ErrConflict = errors.New("already exists")
	// ErrUnknownEvent reports an inbound event name outside the supported set.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrInvalidPayload reports an inbound payload that failed decoding or validation.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrInvalidToken reports an identity token that could not be verified.
	ErrInvalidToken = errors.New("invalid token")
)
