// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package recovery

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/pendingwindow/operator"
	"github.com/dreamsxin/pendingwindow/topology"
	"github.com/dreamsxin/pendingwindow/tuple"
	"github.com/dreamsxin/pendingwindow/window"
)

// buildRestartAlignmentTopo is the spout(1) -> connector(2) -> sink(3)
// graph used by the restart-alignment scenario.
func buildRestartAlignmentTopo() *topology.Descriptor {
	return &topology.Descriptor{
		Operators: map[tuple.NodeID]topology.Operator{
			1: {
				Kind:                 topology.KindSpout,
				DownstreamNodes:      []tuple.NodeID{2},
				DownstreamConnectors: []tuple.NodeID{2},
			},
			2: {
				Kind:                 topology.KindConnector,
				UpstreamNodes:        []tuple.NodeID{1},
				DownstreamNodes:      []tuple.NodeID{3},
				DownstreamConnectors: []tuple.NodeID{3},
				Cover:                []tuple.NodeID{1},
			},
			3: {
				Kind:               topology.KindSink,
				UpstreamNodes:      []tuple.NodeID{2},
				UpstreamConnectors: []tuple.NodeID{2},
			},
		},
	}
}

func seal(t *testing.T, w *window.PendingWindow, producer tuple.NodeID, versions ...uint64) {
	t.Helper()
	for _, v := range versions {
		require.NoError(t, w.Append(tuple.BarrierTuple(producer, 0, v)))
	}
}

// TestRestartAlignment exercises spec.md §8 scenario 6: connector A (id 2)
// last emitted through version 5, its sole downstream sink (id 3) only
// reached version 4 before the crash. Completing A's in-flight ack with
// B's latest synthesizes the missing ack, truncating A's window to 4;
// aligning cuts then restores A to its own latest (5), rewinds A's window
// to 5 (a no-op past the existing tail), and restores everything in A's
// cover (the spout, id 1) to A's now-durable safe_version (4).
func TestRestartAlignment(t *testing.T) {
	root := t.TempDir()

	winA, err := window.New(filepath.Join(root, "2"), []tuple.NodeID{3}, false)
	require.NoError(t, err)
	seal(t, winA, 2, 3, 4, 5)

	winB, err := window.New(filepath.Join(root, "3"), nil, true)
	require.NoError(t, err)

	opSpout := operator.NewMemory(1, nil)
	opA := operator.NewMemory(2, winA)
	opA.SetLatestVersion(5)
	opB := operator.NewMemory(3, winB)
	opB.SetLatestVersion(4)

	c := New(buildRestartAlignmentTopo(), map[tuple.NodeID]operator.Operator{
		1: opSpout,
		2: opA,
		3: opB,
	}, nil)

	require.NoError(t, c.Run())

	require.Equal(t, uint64(4), winA.SafeVersion())
	require.Equal(t, []uint64{5}, opA.Restores())
	require.Equal(t, []uint64{4}, opB.Restores())
	require.Equal(t, []uint64{4}, opSpout.Restores())
}

// TestRestartAlignmentIdempotentAck checks that an ack synthesized from a
// sink that never advanced past the truncation point the connector already
// reached does not regress or error.
func TestRestartAlignmentIdempotentAck(t *testing.T) {
	root := t.TempDir()

	winA, err := window.New(filepath.Join(root, "2"), []tuple.NodeID{3}, false)
	require.NoError(t, err)
	seal(t, winA, 2, 3)
	// Simulate the window's on-disk state already reflecting a prior
	// truncate at the moment of the crash (state gating only governs
	// who may drive it, not what it reflects on disk).
	winA.EnterRecovery()
	require.NoError(t, winA.Truncate(3))
	winA.Activate()

	winB, err := window.New(filepath.Join(root, "3"), nil, true)
	require.NoError(t, err)

	opSpout := operator.NewMemory(1, nil)
	opA := operator.NewMemory(2, winA)
	opA.SetLatestVersion(3)
	opB := operator.NewMemory(3, winB)
	opB.SetLatestVersion(3)

	c := New(buildRestartAlignmentTopo(), map[tuple.NodeID]operator.Operator{
		1: opSpout,
		2: opA,
		3: opB,
	}, nil)

	require.NoError(t, c.Run())
	require.Equal(t, uint64(3), winA.SafeVersion())
}

func TestRunFailsOnMissingOperator(t *testing.T) {
	c := New(buildRestartAlignmentTopo(), map[tuple.NodeID]operator.Operator{}, nil)
	require.Error(t, c.Run())
}
