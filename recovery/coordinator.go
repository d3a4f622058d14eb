// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package recovery implements the Recovery Coordinator (spec.md §4.4):
// the cluster-restart driver that collects per-connector latest
// versions, completes in-flight acks, aligns every operator's state and
// pending window to a common safe version, and hands control back to the
// launcher.
package recovery

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/dreamsxin/pendingwindow/operator"
	"github.com/dreamsxin/pendingwindow/topology"
	"github.com/dreamsxin/pendingwindow/tuple"
)

// Coordinator drives one cluster restart over a fixed topology and a
// live set of operator handles. It holds exclusive read/write authority
// over every pending window for the duration of Run (spec.md §5).
type Coordinator struct {
	topo      *topology.Descriptor
	operators map[tuple.NodeID]operator.Operator
	logger    log.Logger
}

// New constructs a Coordinator for topo, with operators providing the
// live handle for every operator id topo names.
func New(topo *topology.Descriptor, operators map[tuple.NodeID]operator.Operator, logger log.Logger) *Coordinator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Coordinator{topo: topo, operators: operators, logger: logger}
}

// Run executes Phases 2 and 3 of spec.md §4.4. "Phase 1 — load topology"
// and Phase 4 (writing every operator's snapshot back) are the caller's
// job: operators must already be live handles over restored snapshots by
// the time Run is called, and Run itself writes nothing to the catalog.
// Any per-operator failure is fatal to the whole restart (spec.md §7).
func (c *Coordinator) Run() error {
	if err := c.completeInFlightAcks(); err != nil {
		return errors.Wrap(err, "recovery: phase 2 (complete in-flight acks)")
	}
	if err := c.alignCuts(); err != nil {
		return errors.Wrap(err, "recovery: phase 3 (align cuts)")
	}
	return nil
}

// completeInFlightAcks is Phase 2: for every non-spout connector c,
// synthesize VersionAck(c, c.latest_version()) into every upstream
// connector's pending window. This closes out acks that were in flight
// when the cluster crashed and stops a slow survivor from dragging the
// new run.
func (c *Coordinator) completeInFlightAcks() error {
	for id, info := range c.topo.Operators {
		if !info.IsConnecting() || info.Kind == topology.KindSpout {
			continue
		}
		op, ok := c.operators[id]
		if !ok {
			return errors.Errorf("recovery: no live operator for id %d", id)
		}
		latest, err := op.LatestVersion()
		if err != nil {
			return errors.Wrapf(err, "recovery: latest_version for %d", id)
		}

		for _, u := range info.UpstreamConnectors {
			upstream, ok := c.operators[u]
			if !ok {
				return errors.Errorf("recovery: no live operator for upstream id %d", u)
			}
			ack := tuple.VersionAck{SentFrom: id, Version: latest}
			if err := upstream.PendingWindow().HandleVersionAck(ack); err != nil && !errors.Is(err, tuple.ErrUnknownChannel) {
				return errors.Wrapf(err, "recovery: completing ack %d->%d at version %d", id, u, latest)
			}
			level.Info(c.logger).Log("msg", "completed in-flight ack", "from", id, "to", u, "version", latest)
		}
	}
	return nil
}

// alignCuts is Phase 3: for every connector c, restore its state and
// rewind its pending window to its own latest version, replay its
// retained suffix back into the dataflow, then, for non-sink connectors,
// read the persisted safe_version and restore every operator in c.cover
// to it. The commented-out second rewind pass from the original source
// (downstream connectors' windows rewound to safe_version) stays
// disabled, per spec.md §9.
//
// Each connector's window is driven through the Active -> Recovering ->
// Replaying -> Active lifecycle (spec.md §4.3): Recovering while its
// state and pending window are being aligned, Replaying while its
// retained suffix is handed back to the operator, Active once it rejoins
// normal processing.
func (c *Coordinator) alignCuts() error {
	for id, info := range c.topo.Operators {
		if !info.IsConnecting() {
			continue
		}
		op, ok := c.operators[id]
		if !ok {
			return errors.Errorf("recovery: no live operator for id %d", id)
		}
		latest, err := op.LatestVersion()
		if err != nil {
			return errors.Wrapf(err, "recovery: latest_version for %d", id)
		}

		win := op.PendingWindow()
		win.EnterRecovery()

		if err := op.Restore(latest); err != nil {
			return errors.Wrapf(err, "recovery: restore %d to %d", id, latest)
		}
		if err := win.Rewind(latest); err != nil {
			return errors.Wrapf(err, "recovery: rewind %d to %d", id, latest)
		}
		level.Info(c.logger).Log("msg", "restored and rewound", "operator", id, "version", latest)

		win.EnterReplay()
		if err := win.Replay(op, info.DownstreamNodes); err != nil {
			return errors.Wrapf(err, "recovery: replay %d", id)
		}
		win.Activate()
		level.Info(c.logger).Log("msg", "replayed retained suffix", "operator", id)

		if info.Kind == topology.KindSink {
			continue
		}
		safe := win.SafeVersion()
		for _, n := range info.Cover {
			covered, ok := c.operators[n]
			if !ok {
				return errors.Errorf("recovery: no live operator for covered id %d", n)
			}
			if err := covered.Restore(safe); err != nil {
				return errors.Wrapf(err, "recovery: restore covered %d to %d", n, safe)
			}
			level.Info(c.logger).Log("msg", "restored covered operator", "operator", n, "version", safe, "authority", id)
		}
	}
	return nil
}
