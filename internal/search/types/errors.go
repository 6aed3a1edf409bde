package types

import "errors"

var (
	// ErrNotFound is returned when an object, folder or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotSearchFolder is returned when a folder is not a tracked search folder.
	ErrNotSearchFolder = errors.New("folder is not an active search folder")

	// ErrTransient marks a retryable persistence conflict (deadlock, lock timeout).
	ErrTransient = errors.New("transient persistence conflict")

	// ErrRetriesExhausted is returned when a transaction kept failing with
	// transient conflicts for every allowed attempt.
	ErrRetriesExhausted = errors.New("transaction retries exhausted")

	// ErrInvalidRestriction is returned for malformed predicates.
	ErrInvalidRestriction = errors.New("invalid restriction")

	// ErrInvalidDefinition is returned for definitions with no usable scope.
	ErrInvalidDefinition = errors.New("invalid search definition")

	// ErrIndexerDeclined is returned by an Indexer that cannot serve a query.
	ErrIndexerDeclined = errors.New("indexer declined query")

	// ErrEngineClosed is returned by operations on a stopped engine.
	ErrEngineClosed = errors.New("search engine is closed")
)

// IsTransient reports whether err is a retryable persistence conflict.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
