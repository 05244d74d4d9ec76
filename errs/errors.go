// Package errs defines the failure taxonomy shared by the vault packages.
//
// Callers match failure kinds with errors.Is against the sentinels below. Every
// *Error carries the operation and, when relevant, the record or key id involved.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrInitialization means the key store could not provide the durable keys.
	// No vault operation is possible until it is resolved.
	ErrInitialization = errors.New("security initialization failed")

	// ErrEncryption means a payload could not be sealed.
	ErrEncryption = errors.New("encryption failed")

	// ErrDecryption means a payload could not be opened. It is never retried.
	ErrDecryption = errors.New("decryption failed")

	// ErrIntegrity means a record signature did not verify. The payload is not decrypted.
	ErrIntegrity = errors.New("integrity verification failed")

	// ErrNotFound is an expected outcome of an id lookup miss.
	ErrNotFound = errors.New("not found")

	// ErrPersistence means the backing store could not be read or written.
	ErrPersistence = errors.New("persistence failed")

	// ErrValidation reports unusable caller input.
	ErrValidation = errors.New("validation failed")

	// ErrRateLimited reports that an authentication attempt was throttled.
	ErrRateLimited = errors.New("too many attempts")
)

// Error is a classified failure.
type Error struct {
	Kind error  // one of the sentinels above
	Op   string // operation, e.g. "passwords.get"
	ID   string // record, key or entry id, optional
	Err  error  // underlying cause, optional
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.ID != "" {
		msg = fmt.Sprintf("%s (id %s)", msg, e.ID)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error kind so errors.Is(err, ErrNotFound) works on wrapped values.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// New builds a classified error.
func New(kind error, op, id string, cause error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: cause}
}

// NotFound is shorthand for a lookup miss.
func NotFound(op, id string) *Error {
	return &Error{Kind: ErrNotFound, Op: op, ID: id}
}

// KindOf returns the sentinel the error is classified under, or nil. The
// outermost *Error wins over kinds it wraps.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) && e.Kind != nil {
		return e.Kind
	}
	for _, kind := range []error{
		ErrInitialization, ErrEncryption, ErrDecryption, ErrIntegrity,
		ErrNotFound, ErrPersistence, ErrValidation, ErrRateLimited,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// UserMessage renders a failure for display without raw crypto error text.
func UserMessage(err error) string {
	switch KindOf(err) {
	case ErrIntegrity, ErrDecryption:
		return "this item could not be verified"
	case ErrNotFound:
		return "item not found"
	case ErrPersistence:
		return "changes could not be saved"
	case ErrInitialization:
		return "vault keys are unavailable"
	case ErrRateLimited:
		return "too many attempts, try again later"
	case nil:
		if err == nil {
			return ""
		}
	}
	return "operation failed"
}
