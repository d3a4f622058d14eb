// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package tuple defines the wire types that flow through a Pending
// Window: data and barrier tuples, version acks, and the shared error
// sentinels that the segment, window and recovery packages surface.
package tuple

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a requested tuple that does not exist in any
	// retained segment. No function in this module returns it.
	ErrNotFound = errors.New("tuple: not found")

	// ErrCorrupt is returned when a segment contains a torn record before
	// its end (spec: CorruptSegment).
	ErrCorrupt = errors.New("tuple: corrupt segment")

	// ErrSealed reports an append against a segment that has already been
	// sealed. No function in this module returns it.
	ErrSealed = errors.New("tuple: segment already sealed")

	// ErrClosed reports a truncation attempted on a Pending Window that has
	// been closed. The window's public operations check their state first,
	// so on a closed window they return window.ErrNotActive or
	// window.ErrNotRecovering rather than ErrClosed.
	ErrClosed = errors.New("tuple: pending window closed")

	// ErrInvariant is returned when the on-disk state violates an
	// invariant the core relies on (spec: InvariantViolation). Indicates a
	// bug or disk corruption; always fatal.
	ErrInvariant = errors.New("tuple: invariant violation")

	// ErrUnknownChannel is returned when a VersionAck arrives from a
	// downstream connector id that is not in the ack-queue map. Logged and
	// dropped by callers, never fatal.
	ErrUnknownChannel = errors.New("tuple: ack from unknown channel")
)

// NodeID identifies an operator or connector in the dataflow graph.
type NodeID uint64

// Kind distinguishes a DataTuple from a BarrierTuple on the wire.
type Kind uint8

const (
	// KindData marks an opaque business-payload tuple.
	KindData Kind = iota + 1
	// KindBarrier marks a punctuation tuple carrying a version.
	KindBarrier
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindBarrier:
		return "barrier"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Tuple is the common envelope for both DataTuple and BarrierTuple. Only
// one of the two variants is meaningful for a given Kind; Version is zero
// for DataTuple.
type Tuple struct {
	Kind     Kind
	Producer NodeID
	Seq      uint64 // monotonic sequence position from Producer
	Version  uint64 // meaningful only when Kind == KindBarrier
	Data     []byte // opaque business payload; empty for barriers
}

// DataTuple constructs a business-payload tuple.
func DataTuple(producer NodeID, seq uint64, data []byte) Tuple {
	return Tuple{Kind: KindData, Producer: producer, Seq: seq, Data: data}
}

// BarrierTuple constructs a punctuation tuple carrying version v.
func BarrierTuple(producer NodeID, seq uint64, v uint64) Tuple {
	return Tuple{Kind: KindBarrier, Producer: producer, Seq: seq, Version: v}
}

// IsBarrier reports whether t is a BarrierTuple.
func (t Tuple) IsBarrier() bool { return t.Kind == KindBarrier }

// VersionAck is sent by a downstream connector to mean: sent_from has
// durably handled everything up to and including Version.
type VersionAck struct {
	SentFrom NodeID
	Version  uint64
}
