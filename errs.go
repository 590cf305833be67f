package sirix

import "tlog.app/go/errors"

// Error taxonomy. These are sentinels; wrap them with errors.Wrap to
// attach context and a caller location, and use errors.Is against the
// sentinel to classify a failure.
var (
	// ErrIO is the class for underlying file/log IO failures. The engine's
	// own IO paths return such failures wrapped with context, not wrapped
	// in ErrIO. A commit that fails ends its write transaction.
	ErrIO = errors.New("io failure")

	// ErrPageNotFound covers a missing page on a live pointer, or a page
	// that failed to deserialize. Fatal for the transaction that hit it.
	ErrPageNotFound = errors.New("page not found or corrupt")

	// ErrInvariant covers attempted moves into a node's own descendant,
	// mutation of a closed transaction, duplicate name-key insertion, and
	// similar violations the caller can recover from without corrupting
	// state.
	ErrInvariant = errors.New("invariant violation")

	// ErrBadArgument covers negative node keys, unknown revisions, and
	// unknown index numbers.
	ErrBadArgument = errors.New("bad argument")
)

// Concrete, classifiable errors used throughout the engine.
var (
	ErrClosed           = errors.Wrap(ErrInvariant, "transaction closed")
	ErrWriterExists     = errors.Wrap(ErrInvariant, "write transaction already open")
	ErrCyclicMove       = errors.Wrap(ErrInvariant, "cannot move node into its own subtree")
	ErrDuplicateNameKey = errors.Wrap(ErrInvariant, "duplicate name key insertion")
	ErrIndexNotFound    = errors.Wrap(ErrInvariant, "index not found")
	ErrInvalidIndexType = errors.Wrap(ErrBadArgument, "invalid index type")
	ErrUnknownRevision  = errors.Wrap(ErrBadArgument, "unknown revision")
	ErrNegativeNodeKey  = errors.Wrap(ErrBadArgument, "negative node key")
	ErrNodeNotFound     = errors.Wrap(ErrPageNotFound, "node not found")
)
