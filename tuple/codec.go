// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package tuple

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameHeaderLen is the fixed size, in bytes, of the header that precedes
// every tuple's payload in a segment file. The header alone is enough to
// know how many further bytes to read, making the format self-delimiting
// (spec.md §4.2 Append).
const FrameHeaderLen = 1 + 8 + 8 + 8 + 4

// MaxEntrySize bounds a single tuple's payload so a corrupt length field
// can never cause an attempt to allocate or read an unbounded buffer.
const MaxEntrySize = 64 * 1024 * 1024

// FrameHeader is the fixed-size prefix of an encoded tuple.
type FrameHeader struct {
	Kind     Kind
	Producer NodeID
	Seq      uint64
	Version  uint64
	Len      uint32
}

// EncodedLen returns the total on-disk size of t once encoded.
func EncodedLen(t Tuple) int {
	return FrameHeaderLen + len(t.Data)
}

// Encode appends the binary encoding of t to dst and returns the result.
// The format is a fixed header (kind, producer, seq, version, payload
// length, all little-endian) followed by the raw payload bytes.
func Encode(dst []byte, t Tuple) []byte {
	var hdr [FrameHeaderLen]byte
	hdr[0] = byte(t.Kind)
	binary.LittleEndian.PutUint64(hdr[1:9], uint64(t.Producer))
	binary.LittleEndian.PutUint64(hdr[9:17], t.Seq)
	binary.LittleEndian.PutUint64(hdr[17:25], t.Version)
	binary.LittleEndian.PutUint32(hdr[25:29], uint32(len(t.Data)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, t.Data...)
	return dst
}

// DecodeHeader parses a FrameHeader from a buffer of at least
// FrameHeaderLen bytes.
func DecodeHeader(buf []byte) (FrameHeader, error) {
	if len(buf) < FrameHeaderLen {
		return FrameHeader{}, io.ErrUnexpectedEOF
	}
	fh := FrameHeader{
		Kind:     Kind(buf[0]),
		Producer: NodeID(binary.LittleEndian.Uint64(buf[1:9])),
		Seq:      binary.LittleEndian.Uint64(buf[9:17]),
		Version:  binary.LittleEndian.Uint64(buf[17:25]),
		Len:      binary.LittleEndian.Uint32(buf[25:29]),
	}
	if fh.Kind != KindData && fh.Kind != KindBarrier {
		return fh, fmt.Errorf("%w: unknown frame kind %d", ErrCorrupt, fh.Kind)
	}
	if fh.Len > MaxEntrySize {
		return fh, fmt.Errorf("%w: frame declares payload larger than MaxEntrySize (%d bytes)", ErrCorrupt, MaxEntrySize)
	}
	return fh, nil
}

// Tuple reconstructs a Tuple from a decoded header and its payload bytes.
// payload is not copied; callers that retain it across reads must copy.
// An empty payload decodes as nil Data, matching how DataTuple(…, nil) and
// BarrierTuple build tuples with no payload.
func (fh FrameHeader) Tuple(payload []byte) Tuple {
	if len(payload) == 0 {
		payload = nil
	}
	return Tuple{
		Kind:     fh.Kind,
		Producer: fh.Producer,
		Seq:      fh.Seq,
		Version:  fh.Version,
		Data:     payload,
	}
}
