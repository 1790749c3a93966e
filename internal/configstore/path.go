package configstore

import (
	"strings"

	lerrors "github.com/lithium-project/lithium/pkg/errors"
)

// Path is a canonical, dot-separated address into a config tree: "a.b.c"
// descends key "a", then "b", then "c". The zero Path addresses the root.
type Path struct {
	segments []string
}

// Root is the path addressing the top of the config tree.
func Root() Path { return Path{} }

// ParsePath canonicalizes a dotted path string. Leading/trailing dots and
// empty segments ("a..b") are rejected rather than silently collapsed, since
// a typo there almost always means the caller built the string wrong.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return Root(), nil
	}
	parts := strings.Split(s, ".")
	for _, p := range parts {
		if p == "" {
			return Path{}, lerrors.New(lerrors.InvalidArgument, "config path has an empty segment").With("path", s)
		}
	}
	return Path{segments: parts}, nil
}

// MustParsePath parses s and panics on error. Intended for package-level
// constants and tests, not for user-supplied paths.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Child returns the path reached by descending one more key.
func (p Path) Child(key string) Path {
	out := make([]string, len(p.segments)+1)
	copy(out, p.segments)
	out[len(p.segments)] = key
	return Path{segments: out}
}

// Parent returns the path one level up and whether p had a parent (false at
// the root).
func (p Path) Parent() (Path, bool) {
	if len(p.segments) == 0 {
		return Path{}, false
	}
	return Path{segments: p.segments[:len(p.segments)-1]}, true
}

// Leaf returns the final segment's key and whether p is non-root.
func (p Path) Leaf() (string, bool) {
	if len(p.segments) == 0 {
		return "", false
	}
	return p.segments[len(p.segments)-1], true
}

// IsRoot reports whether p addresses the tree root.
func (p Path) IsRoot() bool { return len(p.segments) == 0 }

// Segments returns the path's keys in descent order. The caller must not
// mutate the returned slice.
func (p Path) Segments() []string { return p.segments }

// String renders the canonical dotted form.
func (p Path) String() string { return strings.Join(p.segments, ".") }

// HasPrefix reports whether p is prefix or equal to other, i.e. other
// addresses a node at or below p. Used for longest-prefix subscriber
// matching: a subscription on "camera" fires for writes to "camera.gain".
func (p Path) HasPrefix(other Path) bool {
	if len(p.segments) > len(other.segments) {
		return false
	}
	for i, s := range p.segments {
		if other.segments[i] != s {
			return false
		}
	}
	return true
}

// Equal reports byte-wise equality after normalization.
func (p Path) Equal(other Path) bool {
	if len(p.segments) != len(other.segments) {
		return false
	}
	for i, s := range p.segments {
		if other.segments[i] != s {
			return false
		}
	}
	return true
}
