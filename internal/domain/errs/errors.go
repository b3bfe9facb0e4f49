// Package errs holds the sentinel errors shared by storage, handlers and the
// HTTP envelope. Packages wrap them with %w and callers match with errors.Is.
package errs

import "errors"

var (
	// ErrNotFound means no aggregate has the requested id.
	ErrNotFound = errors.New("aggregate not found")

	// ErrAlreadyExists means a unique index rejected the write.
	ErrAlreadyExists = errors.New("aggregate already exists")

	// ErrInvalidInput wraps validation failures. Its message is safe to return to clients.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnknownKind means the entity kind is not synchronized.
	ErrUnknownKind = errors.New("unknown entity kind")

	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)
