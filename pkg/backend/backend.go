// Package backend defines BackendIface, the abstract object store that
// SCOs, TLogs, VolumeConfig, snapshot lists and scrub results are
// persisted to. Concrete implementations live in the fsbackend and
// s3backend subpackages; the core never depends on either directly.
package backend

import (
	"context"
	"io"
	"time"
)

// RequestParameters bounds a single backend request: how many times to
// retry a transient failure, and how long to wait before giving up.
type RequestParameters struct {
	Retries int
	Timeout time.Duration
}

// DefaultRequestParameters matches the design default used when a
// caller does not supply its own.
func DefaultRequestParameters() RequestParameters {
	return RequestParameters{Retries: 3, Timeout: 30 * time.Second}
}

// ObjectInfo describes a named object's metadata without its body.
type ObjectInfo struct {
	Name     string
	Size     int64
	Checksum string // implementation-defined, opaque to callers
}

// Iface is the abstract contract every backend implementation
// satisfies: read/write/list/delete named objects within a namespace,
// with optional checksum verification and overwrite control. Grounded
// on original_source/src/backend/BackendInterface.h's operation set and
// on warren's pkg/storage.Store for the Go interface shape.
type Iface interface {
	// Namespace returns the namespace this handle is bound to.
	Namespace() string

	// Write uploads the full contents of r as object name, failing if
	// the object already exists unless overwrite is true.
	Write(ctx context.Context, name string, r io.Reader, overwrite bool, params RequestParameters) error

	// Read fetches the full contents of object name into w.
	Read(ctx context.Context, name string, w io.Writer, params RequestParameters) error

	// PartialRead fetches len(buf) bytes of object name starting at
	// offset, returning the number of bytes read. Used by the volume
	// read path to fetch a cluster slice without downloading a whole
	// SCO (the PrefetchData/SimpleFetcher path of §4.1).
	PartialRead(ctx context.Context, name string, offset int64, buf []byte, params RequestParameters) (int, error)

	// Exists reports whether object name is present.
	Exists(ctx context.Context, name string, params RequestParameters) (bool, error)

	// List enumerates objects in the namespace whose name has the given
	// prefix.
	List(ctx context.Context, prefix string, params RequestParameters) ([]ObjectInfo, error)

	// Delete removes object name. Deleting a missing object is not an
	// error (idempotent, matching GarbageCollector's retry semantics).
	Delete(ctx context.Context, name string, params RequestParameters) error

	// Close releases any resources (connections, file handles) held by
	// this handle.
	Close() error
}

// Factory constructs an Iface bound to a namespace, given an opaque,
// implementation-specific connection config.
type Factory interface {
	Connect(namespace string) (Iface, error)
}
