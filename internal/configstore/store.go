// Package configstore implements the hierarchical, typed configuration tree
// shared by every other subsystem: component manifests, device connection
// profiles, and task trees are all read from and written through a Store.
package configstore

import (
	"sync"

	lerrors "github.com/lithium-project/lithium/pkg/errors"
	"github.com/lithium-project/lithium/pkg/metrics"
)

// ChangeKind distinguishes the two ways a path can change.
type ChangeKind int

const (
	Set ChangeKind = iota
	Removed
)

// Change describes a single mutation delivered to a subscriber.
type Change struct {
	Path Path
	Kind ChangeKind
	// Value holds the new value for Set changes. Zero Value for Removed.
	Value Value
}

// Handler is invoked synchronously, in subscription order, from within the
// mutator's call stack. A subscriber that needs to do slow work should hand
// the Change off to its own goroutine rather than block the mutation.
type Handler func(Change)

type subscription struct {
	id      uint64
	path    Path
	handler Handler
}

// Store is the mutable, tree-structured config root. Writes replace the
// subtree at a path with structural sharing (Value.Set never mutates a
// shared node), so a Snapshot taken before a write observes the pre-write
// tree even if the write races with readers.
type Store struct {
	mu      sync.RWMutex
	root    Value
	subs    []subscription
	nextSub uint64
	locks   map[string]Kind
}

// New returns an empty store.
func New() *Store {
	return &Store{root: Map(), locks: make(map[string]Kind)}
}

// LockType registers a type lock on path's leaf: every subsequent Set at
// path must hold a Value of kind, per §4.1's "if a type lock is registered
// for the leaf, rejects on mismatch". Locking the root is meaningless since
// the root is always a mapping; callers lock concrete leaves (e.g.
// "camera.gain" as KindInt). A second call on the same path replaces the
// previous lock rather than stacking.
func (s *Store) LockType(path Path, kind Kind) error {
	if path.IsRoot() {
		return lerrors.New(lerrors.InvalidArgument, "cannot type-lock the config root")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks[path.String()] = kind
	return nil
}

// UnlockType removes a previously registered type lock, if any.
func (s *Store) UnlockType(path Path) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, path.String())
}

// Snapshot returns the store's current root value. Because Value mutation
// methods are copy-on-write, the returned Value is an immutable view: later
// writes to the store never change what the caller holds.
func (s *Store) Snapshot() Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

// Get descends path from the root and returns the value there.
func (s *Store) Get(path Path) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get(s.root, path)
}

func get(node Value, path Path) (Value, bool) {
	if path.IsRoot() {
		return node, true
	}
	segs := path.Segments()
	cur := node
	for _, seg := range segs {
		if cur.Kind() != KindMap {
			return Value{}, false
		}
		next, ok := cur.Get(seg)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// Set writes val at path, creating intermediate mappings as needed, and
// notifies every subscriber whose path is a prefix of (or equal to) path.
// Returns an error if an intermediate segment already holds a non-mapping
// value, since that would silently discard the caller's existing value.
func (s *Store) Set(path Path, val Value) error {
	s.mu.Lock()
	if locked, ok := s.locks[path.String()]; ok && val.Kind() != locked {
		s.mu.Unlock()
		return lerrors.Newf(lerrors.TypeLocked, "path is locked to type %s", locked).
			With("path", path.String()).With("got", val.Kind().String())
	}
	newRoot, err := setAt(s.root, path, val)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.root = newRoot
	subs := append([]subscription{}, s.subs...)
	s.mu.Unlock()

	metrics.ConfigMutations.WithLabelValues("set").Inc()
	notify(subs, Change{Path: path, Kind: Set, Value: val})
	return nil
}

func setAt(node Value, path Path, val Value) (Value, error) {
	if path.IsRoot() {
		return val, nil
	}
	segs := path.Segments()
	return setAtSegments(node, segs, val)
}

func setAtSegments(node Value, segs []string, val Value) (Value, error) {
	if node.IsNull() {
		node = Map()
	}
	if node.Kind() != KindMap {
		return Value{}, lerrors.New(lerrors.Conflict, "cannot descend into a non-mapping config value")
	}
	key := segs[0]
	if len(segs) == 1 {
		return node.Set(key, val), nil
	}
	child, _ := node.Get(key)
	newChild, err := setAtSegments(child, segs[1:], val)
	if err != nil {
		return Value{}, err
	}
	return node.Set(key, newChild), nil
}

// Delete removes path from the tree, returning whether it was present.
func (s *Store) Delete(path Path) (bool, error) {
	if path.IsRoot() {
		return false, lerrors.New(lerrors.InvalidArgument, "cannot delete the config root")
	}

	s.mu.Lock()
	newRoot, removed, err := deleteAt(s.root, path.Segments())
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	if !removed {
		s.mu.Unlock()
		return false, nil
	}
	s.root = newRoot
	subs := append([]subscription{}, s.subs...)
	s.mu.Unlock()

	metrics.ConfigMutations.WithLabelValues("delete").Inc()
	notify(subs, Change{Path: path, Kind: Removed})
	return true, nil
}

func deleteAt(node Value, segs []string) (Value, bool, error) {
	if node.Kind() != KindMap {
		return node, false, nil
	}
	key := segs[0]
	if len(segs) == 1 {
		return node.Delete(key)
	}
	child, ok := node.Get(key)
	if !ok {
		return node, false, nil
	}
	newChild, removed, err := deleteAt(child, segs[1:])
	if err != nil || !removed {
		return node, removed, err
	}
	return node.Set(key, newChild), true, nil
}

// Subscribe registers handler for every Set or Delete at or below path
// (path.HasPrefix semantics: a subscription on "camera" also fires for
// "camera.gain"). Returns an unsubscribe function.
func (s *Store) Subscribe(path Path, handler Handler) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs = append(s.subs, subscription{id: id, path: path, handler: handler})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// notify runs matching subscriber handlers in registration order. Handlers
// are called outside the store's lock so a handler may itself call back
// into the store (e.g. to read the new value) without deadlocking.
func notify(subs []subscription, change Change) {
	for _, sub := range subs {
		if sub.path.HasPrefix(change.Path) {
			sub.handler(change)
		}
	}
}
