package sharedcache

import "github.com/pkg/errors"

// Sentinel errors returned by the sharedcache package. Callers should
// compare with errors.Is rather than string matching, since most are
// wrapped with additional context via github.com/pkg/errors.
var (
	// ErrMetadataVersionMismatch is returned by LoadState when the
	// persisted metadata was written by an incompatible version of
	// this package.
	ErrMetadataVersionMismatch = errors.New("sharedcache: persisted metadata version mismatch")

	// ErrFileMissing is returned by the mapped-file pool when a backing
	// cache file can no longer be opened (moved, deleted, unmounted).
	ErrFileMissing = errors.New("sharedcache: backing file missing")

	// ErrMmapFailed is returned when the platform mmap call itself
	// fails (e.g. address space exhaustion).
	ErrMmapFailed = errors.New("sharedcache: mmap failed")

	// ErrReadOutOfRange is returned by a typed VM read when the
	// requested span falls outside any mapped page range.
	ErrReadOutOfRange = errors.New("sharedcache: read out of mapped range")

	// ErrUnknownFormat is returned by the header scanner when the
	// magic or header shape does not match any of the four known
	// formats.
	ErrUnknownFormat = errors.New("sharedcache: unrecognized cache format")

	// ErrUnsupportedCommand is returned by the Mach-O parser when it
	// encounters LC_FILESET_ENTRY, which only appears in kernel
	// collections, never in a dyld shared cache image.
	ErrUnsupportedCommand = errors.New("sharedcache: unsupported load command")

	// ErrTrieRead is returned by the export trie walker on a malformed
	// trie (bad ULEB128, zero child offset, cursor run past the guard).
	ErrTrieRead = errors.New("sharedcache: malformed export trie")

	// ErrNotLoaded is returned by controller accessors that require at
	// least an initial load to have completed.
	ErrNotLoaded = errors.New("sharedcache: cache not loaded")

	// ErrImageNotFound is returned when an install name or address does
	// not resolve to any known image.
	ErrImageNotFound = errors.New("sharedcache: image not found")
)

// mutateWithoutOwnershipPanic is raised (not returned) when code tries
// to mutate persisted state without having first called WillMutateState,
// or when MapPages detects two backing caches claiming the same address
// range. Both are programmer errors, not recoverable runtime conditions.
func mutateWithoutOwnershipPanic(reason string) {
	panic("sharedcache: " + reason)
}
