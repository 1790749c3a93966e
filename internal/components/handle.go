package components

import (
	"context"
	"sync"
	"sync/atomic"

	lerrors "github.com/lithium-project/lithium/pkg/errors"
)

// handleOwner is the subset of *bundleRecord a Handle needs: reference
// counting and poisoning live on the bundle so force-unload can invalidate
// every outstanding handle at once.
type handleOwner struct {
	refCount atomic.Int64
	mu       sync.Mutex
	handles  []*Handle
}

func (o *handleOwner) track(h *Handle) {
	o.refCount.Add(1)
	o.mu.Lock()
	o.handles = append(o.handles, h)
	o.mu.Unlock()
}

func (o *handleOwner) release(h *Handle) {
	o.refCount.Add(-1)
	o.mu.Lock()
	for i, existing := range o.handles {
		if existing == h {
			o.handles = append(o.handles[:i], o.handles[i+1:]...)
			break
		}
	}
	o.mu.Unlock()
}

// poisonAll marks every outstanding handle stale. Used by force-unload.
func (o *handleOwner) poisonAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, h := range o.handles {
		h.stale.Store(true)
	}
}

func (o *handleOwner) liveCount() int64 {
	return o.refCount.Load()
}

// Handle is a reference-counted, poisonable reference to one capability of
// one component instance. The runtime guarantees the owning bundle's
// library stays mapped while at least one Handle is outstanding.
type Handle struct {
	owner      *handleOwner
	bundleName string
	capName    string
	fn         Capability
	stale      atomic.Bool
	released   atomic.Bool
}

func newHandle(owner *handleOwner, bundleName, capName string, fn Capability) *Handle {
	h := &Handle{owner: owner, bundleName: bundleName, capName: capName, fn: fn}
	owner.track(h)
	return h
}

// Invoke calls the underlying capability. Returns a stale-handle error if
// the handle was poisoned by a force-unload.
func (h *Handle) Invoke(ctx context.Context, args any) (any, error) {
	if h.stale.Load() {
		return nil, lerrors.New(lerrors.StaleHandle, "capability handle is stale").
			With("component", h.bundleName).With("capability", h.capName)
	}
	return h.fn(ctx, args)
}

// Release drops this handle's reference. Safe to call more than once.
func (h *Handle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.owner.release(h)
	}
}

// IsStale reports whether the handle has been poisoned.
func (h *Handle) IsStale() bool { return h.stale.Load() }

// Component names the bundle this handle was resolved against.
func (h *Handle) Component() string { return h.bundleName }

// CapabilityName names the capability this handle invokes.
func (h *Handle) CapabilityName() string { return h.capName }
