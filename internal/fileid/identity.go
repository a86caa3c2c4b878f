// Package fileid provides the normalized identity of a file on disk. An
// Identity is a (directory, base name, extension) triple compared
// case-insensitively after Unicode NFC normalization, so two spellings of
// the same path always map to the same Key.
//
// This is a leaf package with no dependencies on the rest of the module.
package fileid

import (
	"path/filepath"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Identity identifies a file independent of path-string formatting. The
// zero value represents "no file". Identity is an immutable value: use
// WithBase or WithDirectory to derive a new one.
type Identity struct {
	dir  string
	base string
	ext  string
}

// Key is the comparable, folded form of an Identity. Two identities are
// Equal exactly when their Keys are ==, which makes Key the map key for
// every identity-indexed lookup.
type Key struct {
	Dir  string
	Base string
	Ext  string
}

// New builds an Identity from its parts. dir is cleaned; ext keeps its
// leading dot (".jpg") and may be empty.
func New(dir, base, ext string) Identity {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	return Identity{
		dir:  filepath.Clean(norm.NFC.String(dir)),
		base: norm.NFC.String(base),
		ext:  norm.NFC.String(ext),
	}
}

// Parse splits a file path into an Identity.
func Parse(path string) Identity {
	dir, name := filepath.Split(path)
	ext := filepath.Ext(name)

	return New(dir, strings.TrimSuffix(name, ext), ext)
}

// Dir returns the directory part.
func (id Identity) Dir() string { return id.dir }

// Base returns the file name without extension.
func (id Identity) Base() string { return id.base }

// Ext returns the extension including its leading dot.
func (id Identity) Ext() string { return id.ext }

// Name returns base name plus extension.
func (id Identity) Name() string { return id.base + id.ext }

// Path renders the canonical path.
func (id Identity) Path() string {
	if id.IsZero() {
		return ""
	}

	return filepath.Join(id.dir, id.Name())
}

// String implements fmt.Stringer.
func (id Identity) String() string { return id.Path() }

// IsZero reports whether this is the zero Identity.
func (id Identity) IsZero() bool {
	return id.dir == "" && id.base == "" && id.ext == ""
}

// Key returns the folded comparable form.
func (id Identity) Key() Key {
	return Key{
		Dir:  Fold(id.dir),
		Base: Fold(id.base),
		Ext:  Fold(id.ext),
	}
}

// Equal compares two identities part by part, ignoring case.
func (id Identity) Equal(other Identity) bool {
	return id.Key() == other.Key()
}

// WithBase returns a copy with a different base name.
func (id Identity) WithBase(base string) Identity {
	return New(id.dir, base, id.ext)
}

// WithDirectory returns a copy placed in another directory.
func (id Identity) WithDirectory(dir string) Identity {
	return New(dir, id.base, id.ext)
}

// FavoriteDir returns the sibling directory favorites of this file are
// copied into.
func (id Identity) FavoriteDir(favoritesName string) string {
	return filepath.Join(id.dir, favoritesName)
}

// FavoritePath returns where this file lands inside its favorite directory.
func (id Identity) FavoritePath(favoritesName string) string {
	return id.WithDirectory(id.FavoriteDir(favoritesName)).Path()
}

// Fold normalizes s for case-insensitive comparison. A new Caser is built
// per call because cases.Caser is not safe for concurrent use.
func Fold(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}

// HasExtension reports whether name carries one of the allowed extensions.
// allowed holds folded extensions with their leading dot.
func HasExtension(name string, allowed map[string]bool) bool {
	return allowed[Fold(filepath.Ext(name))]
}

// ExtensionSet folds a list of extensions into a lookup set.
func ExtensionSet(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))

	for _, e := range exts {
		if e == "" {
			continue
		}

		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}

		set[Fold(e)] = true
	}

	return set
}
