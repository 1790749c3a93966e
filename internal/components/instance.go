package components

import "context"

// LifecycleState is a component instance's position in its state machine:
// Unloaded → Loaded → Initialized → Running → Stopping → Unloaded.
type LifecycleState int

const (
	Unloaded LifecycleState = iota
	Loaded
	Initialized
	Running
	Stopping
	// LoadFailed covers every Rescan outcome short of a live instance for a
	// bundle whose manifest parsed: a later discovery check that failed
	// (missing library, code_hash mismatch), a cyclic or missing dependency,
	// a failed open/initialize, or a bundle skipped because a dependency
	// never initialized. list-components reports all of them as state
	// "failed", per §8 scenario 2. A bundle whose manifest did not parse has
	// no name and gets no record.
	LoadFailed
)

func (s LifecycleState) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case LoadFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// BundleState is a discovered bundle's load status, independent of its
// instance's LifecycleState (a Failed bundle never has an instance at all).
type BundleState int

const (
	Discovered BundleState = iota
	BundleLoaded
	Failed
	Skipped
	Faulted
)

func (s BundleState) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case BundleLoaded:
		return "loaded"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Capability is a single named operation a component instance exposes.
// Argument and result shapes are defined per capability name by convention
// between caller and component; the runtime treats both as opaque.
type Capability func(ctx context.Context, args any) (any, error)

// Context is handed to a component's initialize capability: a restricted
// view of the rest of the running system. Callers outside this package
// construct one from the real Config Store / Device Manager.
type Context struct {
	Config interface {
		Get(path string) (any, bool)
		Set(path string, value any) error
	}
	Devices interface {
		Describe(id string) (any, bool)
	}
}

// Instance is what an entry-point symbol must produce: a named set of
// capabilities plus the hook the runtime calls to wind the instance down.
type Instance interface {
	// Capability looks up a named operation. Absent names return ok=false.
	Capability(name string) (Capability, bool)
	// Capabilities lists every operation this instance exposes.
	Capabilities() []string
	// Shutdown releases any resources the instance holds. Called once,
	// when the owning bundle unloads.
	Shutdown(ctx context.Context) error
}

// EntryFunc is the signature a manifest's entry symbol must have.
type EntryFunc func() (Instance, error)
