package redbtree

import "errors"

//goland:noinspection GoUnusedGlobalVariable
var (
	// ErrNotFound is returned by Find when the key is absent from the tree.
	ErrNotFound = errors.New("redbtree: key not found")

	// ErrExists is returned by Add when the key is already present and
	// replace was not requested.
	ErrExists = errors.New("redbtree: key already exists")

	// ErrCorrupt is returned when a node's start and end marks disagree,
	// or the file header does not carry the expected magic/version string.
	ErrCorrupt = errors.New("redbtree: corrupt node or header")

	// ErrInvalidArgument covers oversized allocations and other caller
	// mistakes that never reach the disk. Wrong-length keys are reported as
	// ErrKeyTooLarge instead.
	ErrInvalidArgument = errors.New("redbtree: invalid argument")

	// ErrKeyTooLarge is returned when a key is not exactly KeySize bytes.
	ErrKeyTooLarge = errors.New("redbtree: key must be exactly 16 bytes")

	// ErrValueTooLarge is returned when a value would not fit in a single
	// allocator extent (larger than maxAllocSize).
	ErrValueTooLarge = errors.New("redbtree: value too large")

	// ErrDatabaseClosed is returned by any operation performed after Close.
	ErrDatabaseClosed = errors.New("redbtree: database is closed")

	// ErrNoSpace is returned when the allocator cannot grow the file.
	ErrNoSpace = errors.New("redbtree: allocator out of space")
)
