package components

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	lerrors "github.com/lithium-project/lithium/pkg/errors"
	"github.com/lithium-project/lithium/pkg/metrics"
)

// bundleRecord is the runtime's live bookkeeping for one named component,
// from first discovery through unload. A record with lifecycle LoadFailed
// has no instance or owner: it exists only so List()/list-components can
// report why a bundle never became available.
type bundleRecord struct {
	bundle    *Bundle
	instance  Instance
	lifecycle LifecycleState
	owner     *handleOwner
	reason    string
}

// Runtime discovers, loads, and supervises in-process component bundles.
// Loading/unloading happens under an exclusive lock; capability calls made
// through a resolved Handle do not hold that lock, per the concurrency
// model's "capability calls do not hold that lock" requirement.
type Runtime struct {
	mu      sync.Mutex
	roots   []string
	bundles map[string]*bundleRecord
	log     *logrus.Entry
	open    opener
}

// New returns a runtime scanning roots for bundles. log may be nil.
func New(roots []string, log *logrus.Entry) *Runtime {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runtime{
		roots:   roots,
		bundles: make(map[string]*bundleRecord),
		log:     log,
		open:    pluginOpener{},
	}
}

// ScanReport summarizes the outcome of one Rescan.
type ScanReport struct {
	Loaded  []string
	Failed  map[string]string
	Skipped map[string]string
	Cyclic  []string
}

// Rescan discovers bundles under the configured roots and loads every
// newly-discovered bundle in dependency order. Already-loaded bundles are
// left untouched (use Unload + Rescan to reload one). initCtx is passed to
// each bundle's initialize capability.
func (r *Runtime) Rescan(ctx context.Context, initCtx *Context) ScanReport {
	report := ScanReport{Failed: map[string]string{}, Skipped: map[string]string{}}

	discovered := Discover(r.roots)

	byName := make(map[string]*Bundle)
	deps := make(map[string][]string)
	var names []string
	for _, b := range discovered {
		switch b.State {
		case Failed:
			report.Failed[b.Dir] = b.Reason
			// A manifest that failed to parse has no name to record under;
			// one that parsed but failed a later check (missing library,
			// code_hash mismatch) still does, so list-components can show it.
			if b.Manifest != nil {
				r.recordFailure(b.Manifest.Name, b.Reason)
			}
			continue
		case Skipped:
			continue
		}
		r.mu.Lock()
		rec, recorded := r.bundles[b.Manifest.Name]
		r.mu.Unlock()
		if recorded && rec.lifecycle != LoadFailed {
			continue
		}
		byName[b.Manifest.Name] = b
		deps[b.Manifest.Name] = b.Manifest.Dependencies
		names = append(names, b.Manifest.Name)
	}
	sort.Strings(names)

	order, cyclic := resolveOrder(names, deps)
	report.Cyclic = cyclic
	for _, name := range cyclic {
		report.Failed[name] = "cyclic-dependency"
		r.recordFailure(name, "cyclic-dependency")
		metrics.ComponentLoadFailures.WithLabelValues("cyclic-dependency").Inc()
	}

	known := r.known()
	for _, name := range names {
		known[name] = true
	}

	skippedDeps := make(map[string]bool)
	for _, name := range order {
		b := byName[name]

		missing := missingDependencies(b.Manifest.Dependencies, known)
		var blockedBy string
		for _, dep := range b.Manifest.Dependencies {
			if skippedDeps[dep] || report.Failed[dep] != "" {
				blockedBy = dep
				break
			}
		}
		if blockedBy != "" {
			reason := fmt.Sprintf("dependency %q did not initialize", blockedBy)
			report.Skipped[name] = reason
			skippedDeps[name] = true
			r.recordFailure(name, reason)
			continue
		}
		if len(missing) > 0 {
			reason := fmt.Sprintf("missing dependencies: %v", missing)
			report.Failed[name] = reason
			skippedDeps[name] = true
			r.recordFailure(name, reason)
			metrics.ComponentLoadFailures.WithLabelValues("missing-dependency").Inc()
			continue
		}

		if err := r.load(ctx, b, initCtx); err != nil {
			report.Failed[name] = err.Error()
			skippedDeps[name] = true
			r.recordFailure(name, err.Error())
			metrics.ComponentLoadFailures.WithLabelValues(string(lerrors.KindOf(err))).Inc()
			r.log.WithError(err).WithField("component", name).Warn("component load failed")
			continue
		}
		report.Loaded = append(report.Loaded, name)
	}

	return report
}

// recordFailure persists a LoadFailed record for name so it survives past
// this Rescan's return value: list-components must keep reporting a
// cyclic/failed/skipped bundle in state Failed until a later Rescan either
// loads it or it's gone from disk entirely, per §8 scenario 2.
func (r *Runtime) recordFailure(name, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundles[name] = &bundleRecord{lifecycle: LoadFailed, reason: reason}
}

func (r *Runtime) known() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.bundles))
	for name, rec := range r.bundles {
		if rec.lifecycle != LoadFailed {
			out[name] = true
		}
	}
	return out
}

// load maps the bundle's library, resolves its entry symbol, and transitions
// the resulting instance Loaded -> Initialized.
func (r *Runtime) load(ctx context.Context, b *Bundle, initCtx *Context) error {
	instance, err := r.open.Open(b.LibraryPath, b.Manifest.Entry)
	if err != nil {
		return err
	}

	rec := &bundleRecord{bundle: b, instance: instance, lifecycle: Loaded, owner: &handleOwner{}}

	if initFn, ok := instance.Capability("initialize"); ok {
		if _, err := initFn(ctx, initCtx); err != nil {
			return lerrors.Wrap(lerrors.Faulted, "initialize capability failed", err)
		}
	}
	rec.lifecycle = Initialized

	r.mu.Lock()
	r.bundles[b.Manifest.Name] = rec
	r.mu.Unlock()

	metrics.ComponentsLoaded.WithLabelValues(Initialized.String()).Inc()
	return nil
}

// Resolve looks up a capability by (component, capability) and returns a
// reference-counted handle. The bundle's library is guaranteed to stay
// mapped while the handle is outstanding.
func (r *Runtime) Resolve(component, capability string) (*Handle, error) {
	r.mu.Lock()
	rec, ok := r.bundles[component]
	r.mu.Unlock()
	if !ok || rec.lifecycle == LoadFailed {
		return nil, lerrors.New(lerrors.NotFound, "component not loaded").With("component", component)
	}

	fn, ok := rec.instance.Capability(capability)
	if !ok {
		return nil, lerrors.New(lerrors.NotFound, "component has no such capability").
			With("component", component).With("capability", capability)
	}

	return newHandle(rec.owner, component, capability, fn), nil
}

// Unload removes a loaded component. Refuses while live handles remain
// unless force is true, in which case outstanding handles are poisoned
// (subsequent calls fail with stale-handle) before the library unmaps.
func (r *Runtime) Unload(ctx context.Context, name string, force bool) error {
	r.mu.Lock()
	rec, ok := r.bundles[name]
	r.mu.Unlock()
	if !ok || rec.lifecycle == LoadFailed {
		return lerrors.New(lerrors.NotFound, "component not loaded").With("component", name)
	}

	if live := rec.owner.liveCount(); live > 0 {
		if !force {
			return lerrors.New(lerrors.Conflict, "component has live capability handles").
				With("component", name).With("live_handles", live)
		}
		rec.owner.poisonAll()
	}

	r.mu.Lock()
	rec.lifecycle = Stopping
	r.mu.Unlock()

	err := rec.instance.Shutdown(ctx)

	r.mu.Lock()
	delete(r.bundles, name)
	r.mu.Unlock()

	metrics.ComponentsLoaded.WithLabelValues(Initialized.String()).Dec()
	if err != nil {
		return lerrors.Wrap(lerrors.Internal, "component shutdown failed", err)
	}
	return nil
}

// Disable marks a bundle so the next Rescan skips it. Does not unload an
// already-loaded instance.
func (r *Runtime) Disable(name string) error {
	dir, err := r.bundleDir(name)
	if err != nil {
		return err
	}
	return Disable(dir)
}

// Enable reverses Disable.
func (r *Runtime) Enable(name string) error {
	dir, err := r.bundleDir(name)
	if err != nil {
		return err
	}
	return Enable(dir)
}

func (r *Runtime) bundleDir(name string) (string, error) {
	for _, root := range r.roots {
		for _, b := range Discover([]string{root}) {
			if b.Manifest != nil && b.Manifest.Name == name {
				return b.Dir, nil
			}
		}
	}
	return "", lerrors.New(lerrors.NotFound, "no bundle directory found for component").With("component", name)
}

// List reports every recorded component's name and lifecycle state: loaded
// components, plus those whose last Rescan left them LoadFailed.
func (r *Runtime) List() map[string]LifecycleState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]LifecycleState, len(r.bundles))
	for name, rec := range r.bundles {
		out[name] = rec.lifecycle
	}
	return out
}
