// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package window implements the Pending Window: the per-operator durable
// output buffer that logs emitted tuples, tracks downstream quorum acks,
// truncates state that is no longer needed for recovery, and replays the
// retained suffix after a crash.
package window

import (
	"fmt"
	"os"
	"sync"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamsxin/pendingwindow/segment"
	"github.com/dreamsxin/pendingwindow/tuple"
)

// State is a Pending Window's position in its lifecycle (spec.md §4.3).
type State int

const (
	// Active accepts Append, Extend and HandleVersionAck.
	Active State = iota
	// Recovering is owned by the Recovery Coordinator; no operator traffic.
	Recovering
	// Replaying is replaying its retained suffix via Multicast.
	Replaying
	// Closed is permanently retired.
	Closed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Recovering:
		return "recovering"
	case Replaying:
		return "replaying"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotActive is returned when Append, Extend or HandleVersionAck is
// called outside the Active state.
var ErrNotActive = errors.New("window: operation requires Active state")

// ErrSinkOperator is returned by HandleVersionAck on a sink window: sinks
// bypass the ack machinery entirely (spec.md §4.3 Tie-breaks & edges).
var ErrSinkOperator = errors.New("window: sink operators do not accept version acks")

// ErrNotRecovering is returned by Truncate, Rewind and Replay when the
// window is not owned by the Recovery Coordinator: spec.md §4.3 legality
// rules place these three in Recovering/Replaying "as the coordinator
// dictates", so a caller must drive EnterRecovery/EnterReplay first.
var ErrNotRecovering = errors.New("window: operation requires Recovering or Replaying state")

// Multicaster is the narrow operator-facing hook Replay calls into. It is
// passed at the Replay call site rather than stored on PendingWindow, so
// the window never holds an owning or even a long-lived reference back to
// its operator (spec.md §9 design note on the ownership cycle).
type Multicaster interface {
	Multicast(downstream []tuple.NodeID, tuples []tuple.Tuple) error
}

// Option configures a PendingWindow constructed by New.
type Option func(*PendingWindow)

// WithLogger overrides the default no-op logger.
func WithLogger(l log.Logger) Option {
	return func(w *PendingWindow) { w.logger = l }
}

// WithRegisterer overrides the default Prometheus registerer used for
// this window's metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(w *PendingWindow) { w.reg = reg }
}

// PendingWindow is the per-operator durable output buffer described by
// spec.md §3/§4.3. It is not safe for concurrent use: spec.md §5
// guarantees a single writer per window, serialized by the owning
// operator's emit path.
type PendingWindow struct {
	dir          string
	isSink       bool
	downstream   []tuple.NodeID
	ackOrder     []tuple.NodeID // stable iteration order over ackQueues
	ackQueues    map[tuple.NodeID][]uint64
	sealed       *immutable.SortedMap[uint64, struct{}]
	safeVersion  uint64
	tail         *segment.Writer
	state        State
	logger       log.Logger
	reg          prometheus.Registerer
	metrics      *windowMetrics
	mu           sync.Mutex
}

// New creates the backup directory (which must not already exist),
// initializes safe_version to 0, opens an empty current segment, and,
// for non-sink operators, one empty ack queue per downstream connector.
func New(backupDir string, downstream []tuple.NodeID, isSink bool, opts ...Option) (*PendingWindow, error) {
	if err := os.Mkdir(backupDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "window: create backup dir")
	}

	w := &PendingWindow{
		dir:        backupDir,
		isSink:     isSink,
		downstream: append([]tuple.NodeID(nil), downstream...),
		sealed:     &immutable.SortedMap[uint64, struct{}]{},
		logger:     log.NewNopLogger(),
		reg:        prometheus.NewRegistry(),
		state:      Active,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.metrics = newWindowMetrics(w.reg)

	if !isSink {
		w.ackQueues = make(map[tuple.NodeID][]uint64, len(downstream))
		w.ackOrder = append([]tuple.NodeID(nil), downstream...)
		for _, n := range downstream {
			w.ackQueues[n] = nil
		}
	}

	if err := segment.WriteSafeVersion(backupDir, 0); err != nil {
		return nil, err
	}
	tail, err := segment.OpenWriter(backupDir)
	if err != nil {
		return nil, err
	}
	w.tail = tail
	return w, nil
}

// Open reconstructs a PendingWindow over an existing backup directory,
// used on restart to regain authority over a window that was left behind
// by a crashed process. Unlike New, the directory must already exist; its
// sealed segments and safe_version are read back from disk, and the
// current segment is truncated to empty (or created if missing): any
// unsealed tuples it held are discarded.
func Open(backupDir string, downstream []tuple.NodeID, isSink bool, opts ...Option) (*PendingWindow, error) {
	if _, err := os.Stat(backupDir); err != nil {
		return nil, errors.Wrap(err, "window: open backup dir")
	}

	w := &PendingWindow{
		dir:        backupDir,
		isSink:     isSink,
		downstream: append([]tuple.NodeID(nil), downstream...),
		sealed:     &immutable.SortedMap[uint64, struct{}]{},
		logger:     log.NewNopLogger(),
		reg:        prometheus.NewRegistry(),
		state:      Active,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.metrics = newWindowMetrics(w.reg)

	if !isSink {
		w.ackQueues = make(map[tuple.NodeID][]uint64, len(downstream))
		w.ackOrder = append([]tuple.NodeID(nil), downstream...)
		for _, n := range downstream {
			w.ackQueues[n] = nil
		}
	}

	if err := w.RestoreSealedIndex(); err != nil {
		return nil, err
	}
	tail, err := segment.OpenWriter(backupDir)
	if err != nil {
		return nil, err
	}
	w.tail = tail
	return w, nil
}

// SafeVersion returns the last durably-truncated version.
func (w *PendingWindow) SafeVersion() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.safeVersion
}

// State returns the window's current lifecycle state.
func (w *PendingWindow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// EnterRecovery transitions Active -> Recovering, the entry point used by
// the Recovery Coordinator on restart.
func (w *PendingWindow) EnterRecovery() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = Recovering
}

// EnterReplay transitions Recovering -> Replaying, once operator state and
// the pending window have been aligned by the coordinator.
func (w *PendingWindow) EnterReplay() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = Replaying
}

// Activate transitions Replaying -> Active after the final segment has
// been replayed, resuming normal processing.
func (w *PendingWindow) Activate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = Active
}

// Append durably writes t. If t is a BarrierTuple with version v, the
// current segment is sealed to name v and a fresh current segment is
// opened. On return, t is guaranteed recoverable by a subsequent Replay
// after a process crash.
func (w *PendingWindow) Append(t tuple.Tuple) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(t)
}

func (w *PendingWindow) appendLocked(t tuple.Tuple) error {
	if w.state != Active {
		return ErrNotActive
	}
	if err := w.tail.Append(t); err != nil {
		return err
	}
	w.metrics.appends.Inc()
	w.metrics.entriesWritten.Inc()
	w.metrics.bytesWritten.Add(float64(len(t.Data)))

	if !t.IsBarrier() {
		return nil
	}

	newTail, err := w.tail.Seal(t.Version)
	if err != nil {
		return err
	}
	w.tail = newTail
	w.sealed = w.sealed.Set(t.Version, struct{}{})
	w.metrics.segmentSeals.Inc()
	level.Debug(w.logger).Log("msg", "sealed segment", "version", t.Version)
	return nil
}

// Extend is equivalent to calling Append for each tuple in ts, in order.
// There is no atomicity across the batch beyond what each Append call
// guarantees individually (spec.md §9 Open Question on batching).
func (w *PendingWindow) Extend(ts []tuple.Tuple) error {
	for _, t := range ts {
		if err := w.Append(t); err != nil {
			return err
		}
	}
	return nil
}

// HandleVersionAck records an ack from ack.SentFrom at ack.Version. If
// every downstream queue is non-empty and all heads equal the same
// version v, the window truncates to v (as Truncate does, but without
// Truncate's state check) and one head is popped from every queue.
// Undefined (and rejected) for sink operators.
func (w *PendingWindow) HandleVersionAck(ack tuple.VersionAck) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != Active {
		return ErrNotActive
	}
	if w.isSink {
		return ErrSinkOperator
	}
	queue, ok := w.ackQueues[ack.SentFrom]
	if !ok {
		w.metrics.unknownChanAcks.Inc()
		level.Info(w.logger).Log("msg", "dropping ack from unknown channel", "sent_from", ack.SentFrom)
		return tuple.ErrUnknownChannel
	}
	w.metrics.acksReceived.Inc()

	if len(queue) > 0 && ack.Version <= queue[len(queue)-1] {
		// Duplicate or stale ack: never let it cause truncation past a
		// version not acked by every channel (spec.md §4.3 Tie-breaks).
		level.Debug(w.logger).Log("msg", "ignoring non-advancing ack", "sent_from", ack.SentFrom, "version", ack.Version)
		return nil
	}
	queue = append(queue, ack.Version)
	w.ackQueues[ack.SentFrom] = queue

	v, ready := w.globalHeadLocked()
	if !ready {
		return nil
	}
	if err := w.truncateLocked(v, "ack-quorum"); err != nil {
		return err
	}
	for _, n := range w.ackOrder {
		q := w.ackQueues[n]
		w.ackQueues[n] = q[1:]
	}
	return nil
}

// globalHeadLocked reports the common head version across all ack
// queues, and whether every queue currently has one (spec.md §4.3
// "global head condition").
func (w *PendingWindow) globalHeadLocked() (uint64, bool) {
	var v uint64
	for i, n := range w.ackOrder {
		q := w.ackQueues[n]
		if len(q) == 0 {
			return 0, false
		}
		if i == 0 {
			v = q[0]
		} else if q[0] != v {
			return 0, false
		}
	}
	return v, len(w.ackOrder) > 0
}

// Truncate durably rewrites safe_version to v and deletes every sealed
// segment with name <= v. It never deletes the current segment and is
// idempotent for repeated v.
func (w *PendingWindow) Truncate(v uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != Recovering && w.state != Replaying {
		return ErrNotRecovering
	}
	return w.truncateLocked(v, "external")
}

func (w *PendingWindow) truncateLocked(v uint64, trigger string) error {
	if w.state == Closed {
		return tuple.ErrClosed
	}
	if err := segment.WriteSafeVersion(w.dir, v); err != nil {
		w.metrics.truncations.WithLabelValues(trigger + "/error").Inc()
		return err
	}
	w.safeVersion = v
	w.metrics.safeVersion.Set(float64(v))

	it := w.sealed.Iterator()
	var toDelete []uint64
	for !it.Done() {
		sv, _, _ := it.Next()
		if sv <= v {
			toDelete = append(toDelete, sv)
		}
	}
	for _, sv := range toDelete {
		if err := segment.Delete(w.dir, sv); err != nil {
			w.metrics.truncations.WithLabelValues(trigger + "/error").Inc()
			return err
		}
		w.sealed = w.sealed.Delete(sv)
	}
	w.metrics.entriesTruncated.WithLabelValues("front").Add(float64(len(toDelete)))
	w.metrics.truncations.WithLabelValues(trigger + "/ok").Inc()
	return nil
}

// Rewind deletes every sealed segment with name > v and discards the
// current segment, then opens a fresh empty one. Used only during
// recovery, never during normal operation.
func (w *PendingWindow) Rewind(v uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != Recovering && w.state != Replaying {
		return ErrNotRecovering
	}

	it := w.sealed.Iterator()
	var toDelete []uint64
	for !it.Done() {
		sv, _, _ := it.Next()
		if sv > v {
			toDelete = append(toDelete, sv)
		}
	}
	for _, sv := range toDelete {
		if err := segment.Delete(w.dir, sv); err != nil {
			return err
		}
		w.sealed = w.sealed.Delete(sv)
	}
	w.metrics.entriesTruncated.WithLabelValues("back").Add(float64(len(toDelete)))

	if w.tail != nil {
		if err := w.tail.Remove(); err != nil {
			return err
		}
	}
	tail, err := segment.OpenWriter(w.dir)
	if err != nil {
		return err
	}
	w.tail = tail
	return nil
}

// Replay reads each retained sealed segment in ascending version order
// and hands its tuples, in append order, to mc.Multicast(downstream,
// tuples). The current segment is never read; it is presumed empty
// post-Rewind.
func (w *PendingWindow) Replay(mc Multicaster, downstreamNodes []tuple.NodeID) error {
	w.mu.Lock()
	if w.state != Recovering && w.state != Replaying {
		w.mu.Unlock()
		return ErrNotRecovering
	}
	versions := make([]uint64, 0, w.sealed.Len())
	it := w.sealed.Iterator()
	for !it.Done() {
		v, _, _ := it.Next()
		versions = append(versions, v)
	}
	dir := w.dir
	w.mu.Unlock()

	for _, v := range versions {
		r, err := segment.OpenReader(dir, v)
		if err != nil {
			return err
		}
		tuples, err := r.ReadAll()
		closeErr := r.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			return closeErr
		}
		if err := validateSealedTail(tuples, v); err != nil {
			return err
		}
		if err := mc.Multicast(downstreamNodes, tuples); err != nil {
			return errors.Wrapf(err, "window: multicast segment %d", v)
		}
	}
	return nil
}

// validateSealedTail enforces the segment invariant that a fully-written
// sealed segment's last record is a BarrierTuple whose version equals the
// segment's name (spec.md §3 Segment invariants). A short read caused by
// a torn tail is allowed to leave the segment without a trailing barrier
// (Reader.ReadAll already stopped before it), so only non-empty results
// whose trailing tuple exists but disagrees are flagged.
func validateSealedTail(tuples []tuple.Tuple, v uint64) error {
	if len(tuples) == 0 {
		return nil
	}
	last := tuples[len(tuples)-1]
	if last.IsBarrier() && last.Version != v {
		return fmt.Errorf("%w: segment %d ends with barrier for version %d", tuple.ErrInvariant, v, last.Version)
	}
	return nil
}

// Close closes the current segment and retires the window. It is safe to
// call multiple times.
func (w *PendingWindow) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == Closed {
		return nil
	}
	w.state = Closed
	if w.tail == nil {
		return nil
	}
	return w.tail.Close()
}

// RestoreSealedIndex rebuilds the in-memory sealed-segment version index
// from disk, along with safe_version. Open calls it to build the
// in-memory state of a window that was not constructed via New in this
// process.
func (w *PendingWindow) RestoreSealedIndex() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	versions, err := segment.List(w.dir)
	if err != nil {
		return err
	}
	idx := &immutable.SortedMap[uint64, struct{}]{}
	for _, v := range versions {
		idx = idx.Set(v, struct{}{})
	}
	w.sealed = idx
	sv, err := segment.ReadSafeVersion(w.dir)
	if err != nil {
		return err
	}
	w.safeVersion = sv
	return nil
}

// Dir returns the backup directory this window owns.
func (w *PendingWindow) Dir() string { return w.dir }
