// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package operator defines the narrow, operator-facing interface the
// core calls into (spec.md §6) and Memory, a minimal in-process operator
// used by the launcher's demo topology and by recovery tests. The real
// execution loop that drives tuple routing is out of scope (spec.md §1);
// Memory exists only to give the core something concrete to call.
package operator

import (
	"sync"

	"github.com/dreamsxin/pendingwindow/tuple"
	"github.com/dreamsxin/pendingwindow/window"
)

// Operator is what the Recovery Coordinator and the Pending Window call
// into. It does not embed window.Multicaster; its Multicast method has the
// same signature, so every Operator satisfies window.Multicaster
// structurally.
type Operator interface {
	// Multicast fans out tuples to every node in downstream. Called by
	// PendingWindow.Replay.
	Multicast(downstream []tuple.NodeID, tuples []tuple.Tuple) error

	// Restore brings operator state back to the given version. Called by
	// the Recovery Coordinator.
	Restore(version uint64) error

	// LatestVersion returns the highest version this operator's state
	// reflects. Called by the Recovery Coordinator.
	LatestVersion() (uint64, error)

	// PendingWindow returns the operator's owned Pending Window, through
	// which the coordinator drives Rewind/HandleVersionAck and reads
	// SafeVersion.
	PendingWindow() *window.PendingWindow
}

// Memory is a minimal Operator: its "state" is just the version it was
// last restored to, and "processing" is recording every multicast call
// for inspection. It is not meant to process real tuples; it exists to
// exercise the coordinator and window contracts end to end.
type Memory struct {
	ID tuple.NodeID

	mu       sync.Mutex
	version  uint64
	restores []uint64
	received []MulticastRecord
	win      *window.PendingWindow
}

type MulticastRecord struct {
	Downstream []tuple.NodeID
	Tuples     []tuple.Tuple
}

// NewMemory constructs a Memory operator backed by win, initially at
// version 0.
func NewMemory(id tuple.NodeID, win *window.PendingWindow) *Memory {
	return &Memory{ID: id, win: win}
}

// Multicast implements Operator.
func (m *Memory) Multicast(downstream []tuple.NodeID, tuples []tuple.Tuple) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]tuple.Tuple(nil), tuples...)
	m.received = append(m.received, MulticastRecord{Downstream: downstream, Tuples: cp})
	return nil
}

// Restore implements Operator.
func (m *Memory) Restore(version uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version = version
	m.restores = append(m.restores, version)
	return nil
}

// LatestVersion implements Operator.
func (m *Memory) LatestVersion() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version, nil
}

// PendingWindow implements Operator.
func (m *Memory) PendingWindow() *window.PendingWindow {
	return m.win
}

// SetLatestVersion lets a test or the launcher seed the version Memory
// reports before recovery runs, simulating the last version an
// operator's real state reached before a crash.
func (m *Memory) SetLatestVersion(v uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version = v
}

// Restores returns every version Restore was called with, in order.
func (m *Memory) Restores() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.restores...)
}

// Received returns every Multicast call recorded so far.
func (m *Memory) Received() []MulticastRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MulticastRecord(nil), m.received...)
}
