// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/dreamsxin/pendingwindow/tuple"
)

// Reader replays the tuples of a single sealed segment in append order.
type Reader struct {
	f *os.File
}

// OpenReader opens the sealed segment named v in dir for replay.
func OpenReader(dir string, v uint64) (*Reader, error) {
	path := filepath.Join(dir, strconv.FormatUint(v, 10))
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "segment: open sealed")
	}
	return &Reader{f: f}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// ReadAll decodes every tuple in the segment, in append order.
//
// A torn record at the very end of the file (the header or payload is
// truncated because of a crash mid-write) is tolerated: ReadAll stops
// there and returns the tuples read so far with no error. That tolerance
// only ever applies before the segment's sealing BarrierTuple has been
// fully read: a barrier is by construction the last thing Seal ever
// writes (Append seals immediately upon writing one), so nothing
// legitimate ever follows a fully-decoded barrier record. Any further
// bytes — complete, torn, or garbage — found after one is corruption and
// returns tuple.ErrCorrupt, since a well-formed segment can only ever
// have an incomplete record as its very last byte, and only if that
// record is the barrier itself.
func (r *Reader) ReadAll() ([]tuple.Tuple, error) {
	hdr := make([]byte, tuple.FrameHeaderLen)
	var out []tuple.Tuple
	sealed := false

	for {
		n, err := io.ReadFull(r.f, hdr)
		if err == io.EOF && n == 0 {
			// Clean end of stream between records.
			return out, nil
		}
		if err == io.ErrUnexpectedEOF || (err == io.EOF && n > 0) {
			if sealed {
				return nil, errors.Wrapf(tuple.ErrCorrupt, "segment: %d trailing byte(s) after the sealing barrier", n)
			}
			// Torn header: truncated mid-write. Since this can only
			// happen at the true end of the byte stream, whatever was
			// read so far is the complete, recoverable prefix.
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "segment: read frame header")
		}
		if sealed {
			return nil, errors.Wrap(tuple.ErrCorrupt, "segment: record follows the sealing barrier")
		}

		fh, err := tuple.DecodeHeader(hdr)
		if err != nil {
			return nil, errors.Wrap(err, "segment: decode frame header")
		}

		payload := make([]byte, fh.Len)
		if _, err := io.ReadFull(r.f, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				// Torn payload: stop, keep what came before.
				return out, nil
			}
			return nil, errors.Wrap(err, "segment: read frame payload")
		}

		t := fh.Tuple(payload)
		out = append(out, t)
		if t.IsBarrier() {
			sealed = true
		}
	}
}
