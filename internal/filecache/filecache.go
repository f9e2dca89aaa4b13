// Package filecache implements the minimal directory-backed file cache
// contract resources receive (Add/Get/List/Remove), rooted under the
// privileged or unprivileged filesystem layout spec.md §6 describes. Full
// archival format/versioning logic (OreSatFileCache's original scope) stays
// out of this core per spec.md's explicit non-goal on file-transfer caches;
// only the directory-rooted construction and handle-passing survive
// (SPEC_FULL.md §C.7). Grounded on gocanopen's plain os/bufio file handling
// in cmd/canopen/main.go (reading an EDS path off disk) — there is no
// dedicated file-store library anywhere in the retrieved pack, so this is a
// deliberate stdlib (os/io) choice, documented in DESIGN.md.
package filecache

import (
	"fmt"
	"os"
	"path/filepath"
)

// Cache is a directory-rooted file store: Add/Get/List/Remove by name.
type Cache struct {
	dir string
}

// New roots a Cache at dir, creating it (and parents) if absent.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filecache: mkdir %s: %w", dir, err)
	}
	return &Cache{dir: dir}, nil
}

func (c *Cache) path(name string) (string, error) {
	clean := filepath.Clean(name)
	if clean == ".." || filepath.IsAbs(clean) || filepath.HasPrefix(clean, "../") {
		return "", fmt.Errorf("filecache: invalid name %q", name)
	}
	return filepath.Join(c.dir, clean), nil
}

// Add writes data under name, creating or truncating any existing entry.
func (c *Cache) Add(name string, data []byte) error {
	p, err := c.path(name)
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

// Get reads the named entry.
func (c *Cache) Get(name string) ([]byte, error) {
	p, err := c.path(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// List returns the names of all entries currently in the cache.
func (c *Cache) List() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Remove deletes the named entry; removing a missing entry is not an error.
func (c *Cache) Remove(name string) error {
	p, err := c.path(name)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Roots resolves the (workDir, cacheDir) pair per spec.md §6: privileged
// runs use /var/lib/oresat and /var/cache/oresat, otherwise
// $HOME/.oresat and $HOME/.cache/oresat.
func Roots(privileged bool) (workDir, cacheDir string) {
	if privileged {
		return "/var/lib/oresat", "/var/cache/oresat"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".oresat"), filepath.Join(home, ".cache", "oresat")
}

// NewReadWrite builds the (fread, fwrite) cache pair under cacheDir's
// fread/ and fwrite/ subdirectories (spec.md §6).
func NewReadWrite(cacheDir string) (fread, fwrite *Cache, err error) {
	fread, err = New(filepath.Join(cacheDir, "fread"))
	if err != nil {
		return nil, nil, err
	}
	fwrite, err = New(filepath.Join(cacheDir, "fwrite"))
	if err != nil {
		return nil, nil, err
	}
	return fread, fwrite, nil
}
