// Package components implements the plug-in component runtime: discovery and
// validation of on-disk bundles, dependency-ordered loading, reference-
// counted capability handles, and optional out-of-process sandboxing.
package components

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	lerrors "github.com/lithium-project/lithium/pkg/errors"
)

const (
	manifestFilename = "manifest.yaml"
	disabledSuffix   = ".disabled"
	libraryGlob      = "*.so"
)

var versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Manifest is the structured document every component bundle carries,
// per the external-interfaces manifest schema: name/version/entry/
// dependencies, optional author/license/description. Validate requires
// name, entry, and version; a manifest without a dependencies key is
// accepted and read as having no dependencies.
type Manifest struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version"`
	Entry        string   `yaml:"entry"`
	Dependencies []string `yaml:"dependencies"`
	Author       string   `yaml:"author,omitempty"`
	License      string   `yaml:"license,omitempty"`
	Description  string   `yaml:"description,omitempty"`
	// CodeHash, if set, is a blake2b-256 hex digest of the bundle's shared
	// library file; discovery marks a bundle whose library digest disagrees
	// Failed, so its library is never mapped.
	CodeHash string `yaml:"code_hash,omitempty"`
}

// Validate checks name, entry, version format, and that no dependency name
// is empty. A missing dependencies list is not an error. It does not touch
// the filesystem.
func (m *Manifest) Validate() error {
	if m == nil {
		return lerrors.New(lerrors.InvalidArgument, "manifest is nil")
	}
	if strings.TrimSpace(m.Name) == "" {
		return lerrors.New(lerrors.InvalidArgument, "manifest missing required field: name")
	}
	if strings.TrimSpace(m.Entry) == "" {
		return lerrors.New(lerrors.InvalidArgument, "manifest missing required field: entry").With("name", m.Name)
	}
	if !versionPattern.MatchString(m.Version) {
		return lerrors.New(lerrors.InvalidArgument, "manifest version must be a three-number dotted string").
			With("name", m.Name).With("version", m.Version)
	}
	for _, dep := range m.Dependencies {
		if strings.TrimSpace(dep) == "" {
			return lerrors.New(lerrors.InvalidArgument, "manifest dependency list contains an empty name").With("name", m.Name)
		}
	}
	return nil
}

// VerifyCodeHash reports whether libraryPath's blake2b-256 digest matches
// CodeHash. Returns true (no verification performed) when CodeHash is unset.
func (m *Manifest) VerifyCodeHash(libraryPath string) (bool, error) {
	if m.CodeHash == "" {
		return true, nil
	}
	data, err := os.ReadFile(libraryPath)
	if err != nil {
		return false, lerrors.Wrap(lerrors.Internal, "read library for hash verification", err)
	}
	sum := blake2b.Sum256(data)
	return strings.EqualFold(hex.EncodeToString(sum[:]), m.CodeHash), nil
}

// loadManifest reads and validates the manifest at path.
func loadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, lerrors.Wrap(lerrors.Internal, "read manifest", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, lerrors.Wrap(lerrors.InvalidArgument, "parse manifest", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// manifestPath returns the active (enabled) manifest path for a bundle dir.
func manifestPath(bundleDir string) string {
	return filepath.Join(bundleDir, manifestFilename)
}

// disabledManifestPath returns the disabled-convention manifest path.
func disabledManifestPath(bundleDir string) string {
	return manifestPath(bundleDir) + disabledSuffix
}

// findLibrary returns the single shared-library file in bundleDir.
func findLibrary(bundleDir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(bundleDir, libraryGlob))
	if err != nil {
		return "", lerrors.Wrap(lerrors.Internal, "glob bundle directory", err)
	}
	switch len(matches) {
	case 0:
		return "", lerrors.New(lerrors.NotFound, "bundle has no shared library file").With("dir", bundleDir)
	case 1:
		return matches[0], nil
	default:
		return "", lerrors.New(lerrors.Conflict, "bundle has more than one shared library file").With("dir", bundleDir)
	}
}
