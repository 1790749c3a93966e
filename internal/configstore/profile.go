package configstore

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	lerrors "github.com/lithium-project/lithium/pkg/errors"
)

const profileExt = ".profile.yaml"

var profileNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// profileDocument is the on-disk shape of a saved profile: the subtree path
// it was captured from, plus the subtree's value, so load-profile can
// restore it to the same place it came from.
type profileDocument struct {
	Path  string `yaml:"path"`
	Value Value  `yaml:"value"`
}

// ProfileStore persists named subtrees of a Store to a directory of
// structured documents, one file per profile, with atomic replacement — or,
// when backend is set (NewPostgresProfileStore), to a Postgres table
// selected via LITH_STORE_DRIVER at the daemon's discretion.
type ProfileStore struct {
	store   *Store
	dir     string
	backend profileBackend
}

// profileBackend is the storage seam ProfileStore's four operations go
// through, so the file layout (the default) and the Postgres layout share
// one set of name-validation/serialization rules.
type profileBackend interface {
	save(name string, data []byte) error
	load(name string) ([]byte, error)
	delete(name string) error
	list() ([]string, error)
}

// NewProfileStore returns a profile persistence layer rooted at dir. dir is
// created on first save if absent.
func NewProfileStore(store *Store, dir string) *ProfileStore {
	return &ProfileStore{store: store, dir: dir}
}

// Save captures the subtree at path and persists it under name, atomically
// replacing any existing profile of that name.
func (p *ProfileStore) Save(name string, path Path) error {
	if err := validateProfileName(name); err != nil {
		return err
	}

	val, ok := p.store.Get(path)
	if !ok {
		return lerrors.New(lerrors.NotFound, "config path has no value to save").With("path", path.String())
	}

	doc := profileDocument{Path: path.String(), Value: val}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return lerrors.Wrap(lerrors.Internal, "marshal profile", err)
	}

	if p.backend != nil {
		return p.backend.save(name, out)
	}

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return lerrors.Wrap(lerrors.Internal, "create profile directory", err)
	}
	return atomicWriteFile(p.pathFor(name), out)
}

// Load restores a previously saved profile, replacing its subtree atomically
// and firing a single bulk notification at the subtree's root path. Reports
// NotFound if name does not exist.
func (p *ProfileStore) Load(name string) error {
	if err := validateProfileName(name); err != nil {
		return err
	}

	var raw []byte
	if p.backend != nil {
		data, err := p.backend.load(name)
		if err != nil {
			return err
		}
		raw = data
	} else {
		data, err := os.ReadFile(p.pathFor(name))
		if err != nil {
			if os.IsNotExist(err) {
				return lerrors.New(lerrors.NotFound, "profile not found").With("name", name)
			}
			return lerrors.Wrap(lerrors.Internal, "read profile", err)
		}
		raw = data
	}

	var doc profileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return lerrors.Wrap(lerrors.Internal, "unmarshal profile", err)
	}

	path, err := ParsePath(doc.Path)
	if err != nil {
		return lerrors.Wrap(lerrors.Internal, "profile has an invalid saved path", err)
	}

	return p.store.Set(path, doc.Value)
}

// Delete removes a saved profile. Reports NotFound if it does not exist.
func (p *ProfileStore) Delete(name string) error {
	if err := validateProfileName(name); err != nil {
		return err
	}
	if p.backend != nil {
		return p.backend.delete(name)
	}
	if err := os.Remove(p.pathFor(name)); err != nil {
		if os.IsNotExist(err) {
			return lerrors.New(lerrors.NotFound, "profile not found").With("name", name)
		}
		return lerrors.Wrap(lerrors.Internal, "delete profile", err)
	}
	return nil
}

// List returns the names of all saved profiles, sorted.
func (p *ProfileStore) List() ([]string, error) {
	if p.backend != nil {
		return p.backend.list()
	}
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, lerrors.Wrap(lerrors.Internal, "list profiles", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name, ok := trimProfileExt(e.Name()); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (p *ProfileStore) pathFor(name string) string {
	return filepath.Join(p.dir, name+profileExt)
}

func trimProfileExt(filename string) (string, bool) {
	if len(filename) <= len(profileExt) || filename[len(filename)-len(profileExt):] != profileExt {
		return "", false
	}
	return filename[:len(filename)-len(profileExt)], true
}

func validateProfileName(name string) error {
	if !profileNamePattern.MatchString(name) {
		return lerrors.New(lerrors.InvalidArgument, "profile name must match [A-Za-z0-9_-]+").With("name", name)
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
		return lerrors.Wrap(lerrors.Internal, "replace profile file", err)
	}
	return nil
}
