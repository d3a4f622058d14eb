// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package window

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/pendingwindow/segment"
	"github.com/dreamsxin/pendingwindow/tuple"
)

const (
	connA tuple.NodeID = 10
	connB tuple.NodeID = 20
)

func sealedVersions(t *testing.T, dir string) []uint64 {
	t.Helper()
	vs, err := segment.List(dir)
	require.NoError(t, err)
	return vs
}

// Scenario 1: Simple truncate (spec.md §8).
func TestSimpleTruncate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "op")
	w, err := New(dir, []tuple.NodeID{connA, connB}, false)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(tuple.DataTuple(1, 1, []byte("x"))))
	require.NoError(t, w.Append(tuple.BarrierTuple(1, 2, 1)))
	require.NoError(t, w.Append(tuple.DataTuple(1, 3, []byte("y"))))
	require.NoError(t, w.Append(tuple.BarrierTuple(1, 4, 2)))

	require.ElementsMatch(t, []uint64{1, 2}, sealedVersions(t, dir))

	require.NoError(t, w.HandleVersionAck(tuple.VersionAck{SentFrom: connA, Version: 1}))
	require.NoError(t, w.HandleVersionAck(tuple.VersionAck{SentFrom: connB, Version: 1}))

	require.ElementsMatch(t, []uint64{2}, sealedVersions(t, dir))
	require.Equal(t, uint64(1), w.SafeVersion())

	sv, err := segment.ReadSafeVersion(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(1), sv)
}

// Scenario 2: ack quorum held by the slower branch.
func TestAckQuorumHeldBySlowBranch(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "op")
	w, err := New(dir, []tuple.NodeID{connA, connB}, false)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(tuple.BarrierTuple(1, 1, 1)))
	require.NoError(t, w.Append(tuple.BarrierTuple(1, 2, 2)))

	require.NoError(t, w.HandleVersionAck(tuple.VersionAck{SentFrom: connA, Version: 1}))
	require.NoError(t, w.HandleVersionAck(tuple.VersionAck{SentFrom: connA, Version: 2}))
	require.NoError(t, w.HandleVersionAck(tuple.VersionAck{SentFrom: connB, Version: 1}))

	require.Equal(t, uint64(1), w.SafeVersion())
	require.ElementsMatch(t, []uint64{2}, sealedVersions(t, dir))

	require.NoError(t, w.HandleVersionAck(tuple.VersionAck{SentFrom: connB, Version: 2}))
	require.Equal(t, uint64(2), w.SafeVersion())
	require.Empty(t, sealedVersions(t, dir))
}

// Scenario 3: crash mid-segment, then rewind and replay.
func TestCrashMidSegmentRewindReplay(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "op")
	w, err := New(dir, []tuple.NodeID{connA}, false)
	require.NoError(t, err)

	require.NoError(t, w.Append(tuple.DataTuple(1, 1, []byte("x"))))
	require.NoError(t, w.Append(tuple.BarrierTuple(1, 2, 1)))
	require.NoError(t, w.Append(tuple.DataTuple(1, 3, []byte("y")))) // no barrier 2; then "crash"
	require.NoError(t, w.Close())

	// Simulate restart: reopen the same directory.
	w2, err := Open(dir, []tuple.NodeID{connA}, false)
	require.NoError(t, err)
	defer w2.Close()

	w2.EnterRecovery()
	require.NoError(t, w2.Rewind(1))
	require.ElementsMatch(t, []uint64{1}, sealedVersions(t, dir))
	_, err = os.Stat(filepath.Join(dir, segment.CurrentName))
	require.NoError(t, err) // fresh, empty current was reopened

	w2.EnterReplay()
	mc := &recordingMulticaster{}
	require.NoError(t, w2.Replay(mc, []tuple.NodeID{99}))
	w2.Activate()

	require.Len(t, mc.calls, 1)
	require.Len(t, mc.calls[0].tuples, 2)
	require.Equal(t, []byte("x"), mc.calls[0].tuples[0].Data)
	require.True(t, mc.calls[0].tuples[1].IsBarrier())
	require.Equal(t, uint64(1), mc.calls[0].tuples[1].Version)
}

// Scenario 4: rewind past live data.
func TestRewindPastLiveData(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "op")
	w, err := New(dir, []tuple.NodeID{connA}, false)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(tuple.BarrierTuple(1, 1, 1)))
	require.NoError(t, w.Append(tuple.BarrierTuple(1, 2, 2)))
	require.NoError(t, w.Append(tuple.BarrierTuple(1, 3, 3)))
	w.EnterRecovery()
	require.NoError(t, w.Truncate(1))
	require.ElementsMatch(t, []uint64{2, 3}, sealedVersions(t, dir))

	require.NoError(t, w.Rewind(2))
	require.ElementsMatch(t, []uint64{2}, sealedVersions(t, dir))
}

// Scenario 5: sink operators bypass the ack machinery entirely.
func TestSinkBypassesAckMachinery(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "op")
	w, err := New(dir, nil, true)
	require.NoError(t, err)
	defer w.Close()

	err = w.HandleVersionAck(tuple.VersionAck{SentFrom: connA, Version: 1})
	require.ErrorIs(t, err, ErrSinkOperator)

	require.NoError(t, w.Append(tuple.BarrierTuple(1, 1, 1)))
	w.EnterRecovery()
	require.NoError(t, w.Truncate(1))
	require.Empty(t, sealedVersions(t, dir))
}

func TestTruncateIsIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "op")
	w, err := New(dir, []tuple.NodeID{connA}, false)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(tuple.BarrierTuple(1, 1, 1)))
	w.EnterRecovery()
	require.NoError(t, w.Truncate(1))
	require.NoError(t, w.Truncate(1))
	require.Equal(t, uint64(1), w.SafeVersion())
}

func TestRewindIsIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "op")
	w, err := New(dir, []tuple.NodeID{connA}, false)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(tuple.BarrierTuple(1, 1, 1)))
	w.EnterRecovery()
	require.NoError(t, w.Rewind(1))
	require.NoError(t, w.Rewind(1))
	require.ElementsMatch(t, []uint64{1}, sealedVersions(t, dir))
}

func TestTruncateZeroIsNoOpOnSegments(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "op")
	w, err := New(dir, []tuple.NodeID{connA}, false)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(tuple.BarrierTuple(1, 1, 1)))
	w.EnterRecovery()
	require.NoError(t, w.Truncate(0))
	require.ElementsMatch(t, []uint64{1}, sealedVersions(t, dir))

	sv, err := segment.ReadSafeVersion(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(0), sv)
}

func TestDuplicateAckNeverTruncatesPastMinority(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "op")
	w, err := New(dir, []tuple.NodeID{connA, connB}, false)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(tuple.BarrierTuple(1, 1, 1)))
	require.NoError(t, w.HandleVersionAck(tuple.VersionAck{SentFrom: connA, Version: 1}))
	// Duplicate ack from A must not advance anything on its own.
	require.NoError(t, w.HandleVersionAck(tuple.VersionAck{SentFrom: connA, Version: 1}))
	require.Equal(t, uint64(0), w.SafeVersion())

	require.NoError(t, w.HandleVersionAck(tuple.VersionAck{SentFrom: connB, Version: 1}))
	require.Equal(t, uint64(1), w.SafeVersion())
}

// TestRecoveryGatedOpsRequireRecoveringOrReplaying exercises the §4.3
// state machine directly: Truncate, Rewind and Replay are legal only in
// Recovering/Replaying, the way the Recovery Coordinator drives them.
func TestRecoveryGatedOpsRequireRecoveringOrReplaying(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "op")
	w, err := New(dir, []tuple.NodeID{connA}, false)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(tuple.BarrierTuple(1, 1, 1)))
	require.Equal(t, Active, w.State())

	require.ErrorIs(t, w.Truncate(1), ErrNotRecovering)
	require.ErrorIs(t, w.Rewind(1), ErrNotRecovering)
	require.ErrorIs(t, w.Replay(&recordingMulticaster{}, nil), ErrNotRecovering)

	w.EnterRecovery()
	require.Equal(t, Recovering, w.State())
	require.NoError(t, w.Truncate(1))
	require.NoError(t, w.Rewind(1))

	w.EnterReplay()
	require.Equal(t, Replaying, w.State())
	require.NoError(t, w.Replay(&recordingMulticaster{}, nil))

	w.Activate()
	require.Equal(t, Active, w.State())
}

func TestUnknownChannelAckIsDroppedNotFatal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "op")
	w, err := New(dir, []tuple.NodeID{connA}, false)
	require.NoError(t, err)
	defer w.Close()

	err = w.HandleVersionAck(tuple.VersionAck{SentFrom: 999, Version: 1})
	require.ErrorIs(t, err, tuple.ErrUnknownChannel)
}

func TestNewRejectsExistingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "op")
	w, err := New(dir, []tuple.NodeID{connA}, false)
	require.NoError(t, err)
	defer w.Close()

	_, err = New(dir, []tuple.NodeID{connA}, false)
	require.Error(t, err)
}

type multicastCall struct {
	downstream []tuple.NodeID
	tuples     []tuple.Tuple
}

type recordingMulticaster struct {
	calls []multicastCall
}

func (m *recordingMulticaster) Multicast(downstream []tuple.NodeID, tuples []tuple.Tuple) error {
	cp := append([]tuple.Tuple(nil), tuples...)
	m.calls = append(m.calls, multicastCall{downstream: downstream, tuples: cp})
	return nil
}
