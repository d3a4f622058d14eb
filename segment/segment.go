// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package segment implements the on-disk representation of a Pending
// Window's durable log: one open "current" segment being appended to,
// and zero or more "sealed" segments named by the version of the
// barrier that closed them.
package segment

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	natomic "github.com/natefinch/atomic"
	"github.com/pkg/errors"

	"github.com/dreamsxin/pendingwindow/tuple"
)

// CurrentName is the filename of the open, unsealed segment.
const CurrentName = "current"

// SafeVersionName is the filename of the durable safe-version counter.
const SafeVersionName = "safe_version"

// Writer appends tuples to the current segment file and seals it to a
// named, sealed segment on barrier boundaries.
type Writer struct {
	dir  string
	path string
	f    *os.File
	buf  []byte
}

// OpenWriter creates (or truncates) the current segment file in dir,
// ready to accept Append calls.
func OpenWriter(dir string) (*Writer, error) {
	path := filepath.Join(dir, CurrentName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "segment: open current")
	}
	return &Writer{dir: dir, path: path, f: f}, nil
}

// Append writes t as a single self-delimiting frame to the current
// segment and flushes it to stable storage before returning.
func (w *Writer) Append(t tuple.Tuple) error {
	w.buf = tuple.Encode(w.buf[:0], t)
	if _, err := w.f.Write(w.buf); err != nil {
		return errors.Wrap(err, "segment: append")
	}
	if err := w.f.Sync(); err != nil {
		return errors.Wrap(err, "segment: fsync append")
	}
	return nil
}

// Seal flushes and closes the current segment, atomically renames it to
// the decimal name v, and returns a fresh Writer for the new current
// segment. On any failure the current segment must be treated as lost.
func (w *Writer) Seal(v uint64) (*Writer, error) {
	if err := w.f.Close(); err != nil {
		return nil, errors.Wrap(err, "segment: close before seal")
	}
	sealedPath := filepath.Join(w.dir, strconv.FormatUint(v, 10))
	if err := natomic.ReplaceFile(w.path, sealedPath); err != nil {
		return nil, errors.Wrap(err, "segment: rename to sealed")
	}
	return OpenWriter(w.dir)
}

// Close closes the underlying file without sealing it.
func (w *Writer) Close() error {
	return w.f.Close()
}

// Remove closes and deletes the current segment file, used by Rewind.
func (w *Writer) Remove() error {
	_ = w.f.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "segment: remove current")
	}
	return nil
}

// List returns the set of sealed segment versions present in dir,
// ignoring the current sentinel and the safe_version file.
func List(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "segment: list dir")
	}
	var out []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == CurrentName || name == SafeVersionName {
			continue
		}
		v, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			// Not a decimal segment name; not our file, ignore it.
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Delete removes the sealed segment named v from dir. Deleting a segment
// that does not exist is not an error.
func Delete(dir string, v uint64) error {
	path := filepath.Join(dir, strconv.FormatUint(v, 10))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "segment: delete sealed")
	}
	return nil
}

// ReadSafeVersion reads the durable safe-version counter from dir,
// returning 0 if the file has not been created yet.
func ReadSafeVersion(dir string) (uint64, error) {
	path := filepath.Join(dir, SafeVersionName)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "segment: read safe_version")
	}
	if len(b) == 0 {
		return 0, nil
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(tuple.ErrInvariant, "segment: safe_version file is not a decimal integer: %v", err)
	}
	return v, nil
}

// WriteSafeVersion durably rewrites the safe-version counter in dir to
// v, truncating any trailing bytes, using an atomic write-then-rename so
// a crash mid-write never leaves a torn counter on disk.
func WriteSafeVersion(dir string, v uint64) error {
	path := filepath.Join(dir, SafeVersionName)
	body := []byte(strconv.FormatUint(v, 10))
	if err := natomic.WriteFile(path, bytes.NewReader(body)); err != nil {
		return errors.Wrap(err, "segment: write safe_version")
	}
	return nil
}
