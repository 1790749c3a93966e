package components

import (
	"os"
	"path/filepath"

	lerrors "github.com/lithium-project/lithium/pkg/errors"
)

// Bundle is one discovered on-disk component: a directory holding a
// manifest and a single shared library file.
type Bundle struct {
	Dir      string
	Manifest *Manifest
	// LibraryPath is empty when discovery failed before finding the library.
	LibraryPath string
	State       BundleState
	// Reason explains a Failed or Skipped state; empty otherwise.
	Reason string
}

// Discover scans each directory in roots (non-recursively, one bundle per
// immediate subdirectory) for component bundles. Malformed bundles are
// recorded with state Failed and a reason; they never abort discovery of
// the rest.
func Discover(roots []string) []*Bundle {
	var bundles []*Bundle
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			bundles = append(bundles, discoverOne(filepath.Join(root, entry.Name())))
		}
	}
	return bundles
}

func discoverOne(dir string) *Bundle {
	b := &Bundle{Dir: dir}

	if _, err := os.Stat(disabledManifestPath(dir)); err == nil {
		b.State = Skipped
		b.Reason = "disabled"
		// Best-effort parse so callers can still look bundles up by name
		// (e.g. to re-enable them) while they're disabled.
		if m, err := loadManifest(disabledManifestPath(dir)); err == nil {
			b.Manifest = m
		}
		return b
	}

	m, err := loadManifest(manifestPath(dir))
	if err != nil {
		b.State = Failed
		b.Reason = err.Error()
		return b
	}
	b.Manifest = m

	lib, err := findLibrary(dir)
	if err != nil {
		b.State = Failed
		b.Reason = err.Error()
		return b
	}
	b.LibraryPath = lib

	if ok, err := m.VerifyCodeHash(lib); err != nil {
		b.State = Failed
		b.Reason = err.Error()
		return b
	} else if !ok {
		b.State = Failed
		b.Reason = "library code_hash does not match manifest"
		return b
	}

	b.State = Discovered
	return b
}

// Disable renames a bundle's manifest to the reserved `.disabled` suffix so
// the next scan skips it. No-op (not an error) if already disabled.
func Disable(bundleDir string) error {
	active := manifestPath(bundleDir)
	disabled := disabledManifestPath(bundleDir)

	if _, err := os.Stat(disabled); err == nil {
		return nil
	}
	if err := os.Rename(active, disabled); err != nil {
		if os.IsNotExist(err) {
			return lerrors.New(lerrors.NotFound, "bundle has no active manifest to disable").With("dir", bundleDir)
		}
		return lerrors.Wrap(lerrors.Internal, "disable bundle", err)
	}
	return nil
}

// Enable reverses Disable. No-op if already enabled.
func Enable(bundleDir string) error {
	active := manifestPath(bundleDir)
	disabled := disabledManifestPath(bundleDir)

	if _, err := os.Stat(active); err == nil {
		return nil
	}
	if err := os.Rename(disabled, active); err != nil {
		if os.IsNotExist(err) {
			return lerrors.New(lerrors.NotFound, "bundle has no disabled manifest to enable").With("dir", bundleDir)
		}
		return lerrors.Wrap(lerrors.Internal, "enable bundle", err)
	}
	return nil
}
