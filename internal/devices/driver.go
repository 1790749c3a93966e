// Package devices implements the Device Manager: a uniform façade over
// heterogeneous device drivers (native line-oriented, HTTP/REST, in-process
// vendor SDK wrapper), each exposing the same probe/open/close/property/
// invoke/subscribe shape.
package devices

import (
	"context"

	"github.com/lithium-project/lithium/internal/configstore"
)

// Descriptor identifies a device a driver found (or was told to open)
// at a given address, plus any driver-reported identity metadata.
type Descriptor struct {
	Address string
	Vendor  string
	Model   string
	Extra   map[string]string
}

// SessionHandle is the opaque per-driver handle returned by Open and passed
// back into every other driver method. Drivers may use any concrete type;
// the Device Manager never inspects it.
type SessionHandle any

// PropertyEvent is one change notification from a driver's Subscribe stream.
type PropertyEvent struct {
	Name  string
	Value configstore.Value
}

// Driver is the abstraction every concrete transport (line-oriented TCP,
// HTTP/REST, in-process vendor SDK) implements identically, per §4.3.
type Driver interface {
	// Name identifies the driver/transport, used in error context and metrics.
	Name() string

	// Probe checks whether a device is present at address, returning a
	// descriptor if found. A nil descriptor with a nil error means "not
	// found" (not an error) — callers must check both.
	Probe(ctx context.Context, address string) (*Descriptor, error)

	// Open establishes a session against the described device.
	Open(ctx context.Context, desc Descriptor) (SessionHandle, error)

	// Close tears down a previously opened session. Idempotent.
	Close(ctx context.Context, session SessionHandle) error

	// GetProperty issues a live property read.
	GetProperty(ctx context.Context, session SessionHandle, name string) (configstore.Value, error)

	// SetProperty issues a property write. Returns a NotSupported error if
	// the named property is not writable.
	SetProperty(ctx context.Context, session SessionHandle, name string, value configstore.Value) error

	// Invoke calls a named action with arguments, returning a driver-defined result.
	Invoke(ctx context.Context, session SessionHandle, action string, args any) (any, error)

	// Subscribe opens an event stream of property changes matching pattern.
	// The returned cancel func must be safe to call more than once.
	Subscribe(ctx context.Context, session SessionHandle, pattern string) (<-chan PropertyEvent, func(), error)
}
