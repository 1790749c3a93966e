package tasks

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	lerrors "github.com/lithium-project/lithium/pkg/errors"
)

const scriptExt = ".task.yaml"

var scriptNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// scriptDocument is the on-disk shape of a saved task tree: the full node
// tree plus the root-level defaults every node's effectiveErrorBehavior and
// effectiveAttemptLimit fall back to, per §6.
type scriptDocument struct {
	Root          *Node         `yaml:"root"`
	ErrorBehavior ErrorBehavior `yaml:"error_behavior,omitempty"`
	AttemptLimit  int           `yaml:"attempt_limit,omitempty"`
}

// Library persists named task trees to a directory of structured documents,
// one file per tree, with atomic replacement — the same layout and
// all-in-one-file shape internal/configstore's ProfileStore uses for saved
// config subtrees. When backend is set (NewPostgresLibrary) it instead
// persists to a Postgres table.
type Library struct {
	dir     string
	backend scriptBackend
}

// scriptBackend is the storage seam Library's four operations go through, so
// the file layout (the default) and the Postgres layout share one set of
// name-validation/serialization rules.
type scriptBackend interface {
	save(name string, data []byte) error
	load(name string) ([]byte, error)
	delete(name string) error
	list() ([]string, error)
}

// NewLibrary returns a task-tree persistence layer rooted at dir. dir is
// created on first save if absent.
func NewLibrary(dir string) *Library {
	return &Library{dir: dir}
}

// Save persists root under name, atomically replacing any existing tree of
// that name. root's own ErrorBehavior/AttemptLimit (defaulting per
// DefaultErrorBehavior/1 if unset) become the document's root-level
// defaults.
func (l *Library) Save(name string, root *Node) error {
	if err := validateScriptName(name); err != nil {
		return err
	}
	if root == nil {
		return lerrors.New(lerrors.InvalidArgument, "task tree has no root node")
	}

	behavior := root.ErrorBehavior
	if behavior == "" {
		behavior = DefaultErrorBehavior
	}

	doc := scriptDocument{Root: root, ErrorBehavior: behavior, AttemptLimit: effectiveAttemptLimit(root)}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return lerrors.Wrap(lerrors.Internal, "marshal task tree", err)
	}

	if l.backend != nil {
		return l.backend.save(name, out)
	}

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return lerrors.Wrap(lerrors.Internal, "create task library directory", err)
	}
	return atomicWriteFile(l.pathFor(name), out)
}

// Load restores a previously saved task tree. The root node's
// ErrorBehavior/AttemptLimit are populated from the document's root-level
// defaults if the node itself left them unset, so a tree loaded straight
// from disk is ready to hand to Engine.NewRun without further setup.
// Reports NotFound if name does not exist.
func (l *Library) Load(name string) (*Node, error) {
	if err := validateScriptName(name); err != nil {
		return nil, err
	}

	var raw []byte
	if l.backend != nil {
		data, err := l.backend.load(name)
		if err != nil {
			return nil, err
		}
		raw = data
	} else {
		data, err := os.ReadFile(l.pathFor(name))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, lerrors.New(lerrors.NotFound, "task tree not found").With("name", name)
			}
			return nil, lerrors.Wrap(lerrors.Internal, "read task tree", err)
		}
		raw = data
	}

	var doc scriptDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, lerrors.Wrap(lerrors.Internal, "unmarshal task tree", err)
	}
	if doc.Root == nil {
		return nil, lerrors.New(lerrors.Internal, "saved task tree has no root").With("name", name)
	}
	if doc.Root.ErrorBehavior == "" {
		doc.Root.ErrorBehavior = doc.ErrorBehavior
	}
	if doc.Root.AttemptLimit <= 0 {
		doc.Root.AttemptLimit = doc.AttemptLimit
	}
	return doc.Root, nil
}

// Delete removes a saved task tree. Reports NotFound if it does not exist.
func (l *Library) Delete(name string) error {
	if err := validateScriptName(name); err != nil {
		return err
	}
	if l.backend != nil {
		return l.backend.delete(name)
	}
	if err := os.Remove(l.pathFor(name)); err != nil {
		if os.IsNotExist(err) {
			return lerrors.New(lerrors.NotFound, "task tree not found").With("name", name)
		}
		return lerrors.Wrap(lerrors.Internal, "delete task tree", err)
	}
	return nil
}

// List returns the names of all saved task trees, sorted.
func (l *Library) List() ([]string, error) {
	if l.backend != nil {
		return l.backend.list()
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, lerrors.Wrap(lerrors.Internal, "list task trees", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name, ok := trimScriptExt(e.Name()); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (l *Library) pathFor(name string) string {
	return filepath.Join(l.dir, name+scriptExt)
}

func trimScriptExt(filename string) (string, bool) {
	if len(filename) <= len(scriptExt) || filename[len(filename)-len(scriptExt):] != scriptExt {
		return "", false
	}
	return filename[:len(filename)-len(scriptExt)], true
}

func validateScriptName(name string) error {
	if !scriptNamePattern.MatchString(name) {
		return lerrors.New(lerrors.InvalidArgument, "task tree name must match [A-Za-z0-9_-]+").With("name", name)
	}
	return nil
}

// atomicWriteFile writes data to a temp file in the same directory as path
// and renames it into place, so a reader never observes a partial write.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return lerrors.Wrap(lerrors.Internal, "create temp file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return lerrors.Wrap(lerrors.Internal, "write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return lerrors.Wrap(lerrors.Internal, "sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return lerrors.Wrap(lerrors.Internal, "close temp file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return lerrors.Wrap(lerrors.Internal, "replace task tree file", err)
	}
	return nil
}
