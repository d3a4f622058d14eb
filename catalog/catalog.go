// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package catalog defines the Snapshot Catalog contract (spec.md §4.5):
// an opaque durable store for pickled topology and per-operator state
// snapshots. The core never introspects what it stores; it only needs
// read/write/list/delete/makedirs and an atomic rename.
//
// FS is a local-filesystem reference implementation, standing in for the
// distributed-filesystem client that spec.md §1 places out of scope.
package catalog

import (
	"os"
	"path/filepath"
	"sort"

	natomic "github.com/natefinch/atomic"
	"github.com/pkg/errors"
)

// Catalog is the contract the core requires of a snapshot store.
type Catalog interface {
	Read(path string) ([]byte, error)
	Write(path string, data []byte, overwrite bool) error
	List(dir string) ([]string, error)
	Delete(path string, recursive bool) error
	MakeDirs(dir string) error
	Rename(src, dst string) error
}

// FS is a Catalog backed by the local filesystem, rooted at Root.
type FS struct {
	Root string
}

// New returns an FS catalog rooted at root. root is created if it does
// not already exist.
func New(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "catalog: create root")
	}
	return &FS{Root: root}, nil
}

func (c *FS) abs(p string) string {
	return filepath.Join(c.Root, filepath.FromSlash(p))
}

// Read returns the full contents of the file at path.
func (c *FS) Read(path string) ([]byte, error) {
	b, err := os.ReadFile(c.abs(path))
	if err != nil {
		return nil, errors.Wrapf(err, "catalog: read %s", path)
	}
	return b, nil
}

// Write stores data at path. If overwrite is false and path already
// exists, Write fails rather than clobbering it. The write itself need
// not be atomic (spec.md §4.5); the core relies on Rename for commit
// semantics where that matters (segment sealing).
func (c *FS) Write(path string, data []byte, overwrite bool) error {
	full := c.abs(path)
	if !overwrite {
		if _, err := os.Stat(full); err == nil {
			return errors.Errorf("catalog: %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errors.Wrapf(err, "catalog: mkdir for %s", path)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return errors.Wrapf(err, "catalog: write %s", path)
	}
	return nil
}

// List returns the base names of entries directly under dir, sorted.
func (c *FS) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(c.abs(dir))
	if err != nil {
		return nil, errors.Wrapf(err, "catalog: list %s", dir)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the file or directory at path. If recursive is true and
// path is a directory, its contents are removed too.
func (c *FS) Delete(path string, recursive bool) error {
	full := c.abs(path)
	var err error
	if recursive {
		err = os.RemoveAll(full)
	} else {
		err = os.Remove(full)
	}
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "catalog: delete %s", path)
	}
	return nil
}

// MakeDirs creates dir and any missing parents.
func (c *FS) MakeDirs(dir string) error {
	if err := os.MkdirAll(c.abs(dir), 0o755); err != nil {
		return errors.Wrapf(err, "catalog: makedirs %s", dir)
	}
	return nil
}

// Rename atomically moves src to dst within the catalog root. Single-
// directory POSIX rename semantics are sufficient (spec.md §4.5).
func (c *FS) Rename(src, dst string) error {
	if err := natomic.ReplaceFile(c.abs(src), c.abs(dst)); err != nil {
		return errors.Wrapf(err, "catalog: rename %s -> %s", src, dst)
	}
	return nil
}
