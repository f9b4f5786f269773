// Package kvs defines the Go-native form of the external KVS driver
// spec.md treats as a consumed collaborator (section 6): an
// asynchronous multi-get keyed store returning per-key state,
// values and metadata.
package kvs

import "context"

// OperationState is the per-key outcome of a Retrieval, mirroring the
// KVS driver's SUCCEEDED/INCOMPLETE/FAILED states from spec.md
// section 6.
type OperationState int

// The three per-key outcomes a Retrieval can report.
const (
	Succeeded OperationState = iota
	Incomplete
	Failed
)

func (s OperationState) String() string {
	switch s {
	case Succeeded:
		return "SUCCEEDED"
	case Incomplete:
		return "INCOMPLETE"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// FailureCause further categorizes a Failed OperationState.
type FailureCause int

// The failure causes the batch handler (dirreader) discriminates on.
const (
	// None applies when OperationState != Failed.
	None FailureCause = iota
	// NoSuchValue means the key simply isn't present — not an error.
	NoSuchValue
	// Multiple means the ambiguous case spec.md section 9 leaves open:
	// neither a session-health signal nor an update trigger follows.
	Multiple
	// Error is any other transport/server failure.
	Error
)

// Metadata accompanies a stored value: its version and the identity
// of whoever last wrote it.
type Metadata struct {
	Version   uint64
	CreatorID string
}

// StoredValue is a successfully retrieved key's payload and metadata.
type StoredValue struct {
	Value    []byte
	Metadata Metadata
}

// Retrieval is the in-flight or completed result of an async Get.
type Retrieval interface {
	// Wait blocks until the retrieval completes or ctx is cancelled.
	Wait(ctx context.Context) error
	// State returns the per-key outcome for key. Keys absent from the
	// request group are reported Failed/Error by implementations.
	State(key string) OperationState
	// Value returns the stored value for key, if State(key) == Succeeded
	// and a value was actually returned for it.
	Value(key string) (*StoredValue, bool)
	// Cause returns the failure cause for key when State(key) == Failed.
	Cause(key string) FailureCause
	// Close releases any resources associated with the retrieval.
	Close() error
}

// PerspectiveOptions configures an AsyncPerspective. RetrieveMetadata
// corresponds to the KVS driver's VALUE_AND_METADATA retrieval type.
type PerspectiveOptions struct {
	RetrieveMetadata bool
}

// AsyncPerspective issues asynchronous multi-gets against one
// namespace.
type AsyncPerspective interface {
	Get(ctx context.Context, keys []string) (Retrieval, error)
	// WaitForActiveOps blocks until every outstanding Get on this
	// perspective has completed, for use during shutdown.
	WaitForActiveOps(ctx context.Context) error
	Close() error
}

// Namespace is a named partition of the KVS (spec.md's dir_namespace
// configuration option selects one).
type Namespace interface {
	OpenAsyncPerspective(opts PerspectiveOptions) (AsyncPerspective, error)
	// Put persists value with the given metadata under key. Used by
	// the write-back path.
	Put(ctx context.Context, key string, value []byte, metadata Metadata) error
}

// Session is one connection to the KVS cluster. dirreader uses a single
// Session and opens one AsyncPerspective on it per batch worker; the
// Session itself is shared by all workers.
type Session interface {
	Namespace(name string) (Namespace, error)
	Close() error
}
