// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package topology loads the typed operator graph descriptor that
// replaces the pickled Python node configuration of the original system
// (original_source/start.py's configure_nodes). The core itself never
// introspects a Descriptor beyond the fields spec.md §4.4 names; it is
// purely a configuration value injected at coordinator/launcher
// construction time (spec.md §9 "no module-level mutable state").
package topology

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/dreamsxin/pendingwindow/tuple"
)

// Kind is an operator's role in the dataflow graph.
type Kind string

const (
	KindSpout     Kind = "spout"
	KindBolt      Kind = "bolt"
	KindConnector Kind = "connector"
	KindSink      Kind = "sink"
)

// Operator describes one node in the topology.
type Operator struct {
	Kind                 Kind          `yaml:"kind"`
	UpstreamNodes        []tuple.NodeID `yaml:"upstream_nodes,omitempty"`
	UpstreamConnectors   []tuple.NodeID `yaml:"upstream_connectors,omitempty"`
	DownstreamNodes      []tuple.NodeID `yaml:"downstream_nodes,omitempty"`
	DownstreamConnectors []tuple.NodeID `yaml:"downstream_connectors,omitempty"`
	// Cover is the set of operators this connector is authoritative for
	// during restart (spec.md §4.4 Phase 3, GLOSSARY "Cover"). Meaningful
	// only when Kind == KindConnector.
	Cover []tuple.NodeID `yaml:"cover,omitempty"`
}

// IsConnecting reports whether this operator sits on an inter-segment
// boundary, i.e. is a connector or sink (spec.md §4.4 uses "connector" to
// mean both, since a sink is a connector with no downstream).
func (o Operator) IsConnecting() bool {
	return o.Kind == KindConnector || o.Kind == KindSink
}

// Descriptor is the whole topology: operator id -> Operator.
type Descriptor struct {
	Operators map[tuple.NodeID]Operator `yaml:"operators"`
}

// Load parses a Descriptor from the YAML file at path.
func Load(path string) (*Descriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "topology: read config")
	}
	var d Descriptor
	if err := yaml.Unmarshal(b, &d); err != nil {
		return nil, errors.Wrap(err, "topology: parse config")
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks basic structural well-formedness: every referenced
// node id must itself be a defined operator, and only connectors may
// declare a Cover.
func (d *Descriptor) Validate() error {
	for id, op := range d.Operators {
		for _, refs := range [][]tuple.NodeID{op.UpstreamNodes, op.UpstreamConnectors, op.DownstreamNodes, op.DownstreamConnectors, op.Cover} {
			for _, ref := range refs {
				if _, ok := d.Operators[ref]; !ok {
					return fmt.Errorf("topology: operator %d references unknown operator %d", id, ref)
				}
			}
		}
		if len(op.Cover) > 0 && op.Kind != KindConnector {
			return fmt.Errorf("topology: operator %d declares cover but is not a connector", id)
		}
	}
	return nil
}

// IDs returns every operator id in the descriptor.
func (d *Descriptor) IDs() []tuple.NodeID {
	ids := make([]tuple.NodeID, 0, len(d.Operators))
	for id := range d.Operators {
		ids = append(ids, id)
	}
	return ids
}
