// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Command pwctl is the process launcher: it turns a topology descriptor
// into running operator state, either from scratch ("new") or by driving
// the Recovery Coordinator over whatever a crashed run left behind
// ("restart"). It is grounded on original_source/start.py's AppStarter,
// reworked from a pickle-based single script into a typed Go binary.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dreamsxin/pendingwindow/catalog"
	"github.com/dreamsxin/pendingwindow/operator"
	"github.com/dreamsxin/pendingwindow/recovery"
	"github.com/dreamsxin/pendingwindow/topology"
	"github.com/dreamsxin/pendingwindow/tuple"
	"github.com/dreamsxin/pendingwindow/window"
)

const (
	pickledNodesDir  = "pickled_nodes"
	backupDir        = "backup"
	computingStateDir = "computing_state"
)

// Exit codes, per the launcher surface contract: 0 success, 1 config
// could not be read or parsed, 2 the snapshot catalog's directories are
// unavailable, 3 a fatal per-operator restart failure.
const (
	exitOK = iota
	exitBadConfig
	exitCatalogUnavailable
	exitRestartFailed
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	fs := flag.NewFlagSet("pwctl", flag.ContinueOnError)
	mode := fs.String("mode", "new", "new or restart")
	conf := fs.String("conf", "topology.yaml", "path to the topology descriptor")
	root := fs.String("root", ".", "root directory holding pickled_nodes/, backup/ and computing_state/")
	if err := fs.Parse(args); err != nil {
		return exitBadConfig
	}

	topo, err := topology.Load(*conf)
	if err != nil {
		level.Error(logger).Log("msg", "failed to load topology", "err", err)
		return exitBadConfig
	}

	switch *mode {
	case "new":
		return startNew(logger, topo, *root)
	case "restart":
		return startRestart(logger, topo, *root)
	default:
		level.Error(logger).Log("msg", "unknown start mode", "mode", *mode)
		return exitBadConfig
	}
}

// startNew wipes and recreates the catalog's well-known directories, then
// writes each operator's zero-version snapshot, mirroring
// AppStarter.start_app's configure_nodes step.
func startNew(logger log.Logger, topo *topology.Descriptor, root string) int {
	cat, err := catalog.New(root)
	if err != nil {
		level.Error(logger).Log("msg", "failed to open catalog root", "err", err)
		return exitCatalogUnavailable
	}

	for _, dir := range []string{pickledNodesDir, backupDir, computingStateDir} {
		if err := cat.Delete(dir, true); err != nil {
			level.Error(logger).Log("msg", "failed to clear directory", "dir", dir, "err", err)
			return exitCatalogUnavailable
		}
		if err := cat.MakeDirs(dir); err != nil {
			level.Error(logger).Log("msg", "failed to create directory", "dir", dir, "err", err)
			return exitCatalogUnavailable
		}
	}

	for id, info := range topo.Operators {
		if info.IsConnecting() {
			dir := filepath.Join(root, backupDir, strconv.FormatUint(uint64(id), 10))
			w, err := window.New(dir, info.DownstreamConnectors, info.Kind == topology.KindSink, window.WithLogger(logger))
			if err != nil {
				level.Error(logger).Log("msg", "failed to create pending window", "operator", id, "err", err)
				return exitCatalogUnavailable
			}
			w.Close()
		}
		if err := writeSnapshot(cat, id, 0); err != nil {
			level.Error(logger).Log("msg", "failed to pickle node", "operator", id, "err", err)
			return exitCatalogUnavailable
		}
		level.Info(logger).Log("msg", "node pickled", "operator", id)
	}
	return exitOK
}

// startRestart reopens every operator's last snapshot and pending window,
// runs the Recovery Coordinator to align the whole cluster to a single
// consistent cut, and writes the result back — AppStarter.restart_app's
// recover_nodes step.
func startRestart(logger log.Logger, topo *topology.Descriptor, root string) int {
	cat, err := catalog.New(root)
	if err != nil {
		level.Error(logger).Log("msg", "failed to open catalog root", "err", err)
		return exitCatalogUnavailable
	}
	if _, err := cat.List(pickledNodesDir); err != nil {
		level.Error(logger).Log("msg", "pickled_nodes directory unavailable", "err", err)
		return exitCatalogUnavailable
	}

	operators := make(map[tuple.NodeID]operator.Operator, len(topo.Operators))
	for id, info := range topo.Operators {
		version, err := readSnapshot(cat, id)
		if err != nil {
			level.Error(logger).Log("msg", "failed to read pickled node", "operator", id, "err", err)
			return exitCatalogUnavailable
		}

		var win *window.PendingWindow
		if info.IsConnecting() {
			dir := filepath.Join(root, backupDir, strconv.FormatUint(uint64(id), 10))
			win, err = window.Open(dir, info.DownstreamConnectors, info.Kind == topology.KindSink, window.WithLogger(logger))
			if err != nil {
				level.Error(logger).Log("msg", "failed to reopen pending window", "operator", id, "err", err)
				return exitCatalogUnavailable
			}
		}

		op := operator.NewMemory(id, win)
		op.SetLatestVersion(version)
		operators[id] = op
	}

	coordinator := recovery.New(topo, operators, logger)
	if err := coordinator.Run(); err != nil {
		level.Error(logger).Log("msg", "recovery failed", "err", err)
		return exitRestartFailed
	}

	for id, op := range operators {
		latest, err := op.LatestVersion()
		if err != nil {
			level.Error(logger).Log("msg", "failed to read restored version", "operator", id, "err", err)
			return exitRestartFailed
		}
		if err := writeSnapshot(cat, id, latest); err != nil {
			level.Error(logger).Log("msg", "failed to write back pickled node", "operator", id, "err", err)
			return exitRestartFailed
		}
		level.Info(logger).Log("msg", "node restored and re-pickled", "operator", id, "version", latest)
	}
	return exitOK
}

func snapshotPath(id tuple.NodeID) string {
	return filepath.Join(pickledNodesDir, strconv.FormatUint(uint64(id), 10)+".pkl")
}

// writeSnapshot stands in for pickle.dumps: the only operator state this
// demo Operator carries is the version it was last restored to.
func writeSnapshot(cat catalog.Catalog, id tuple.NodeID, version uint64) error {
	return cat.Write(snapshotPath(id), []byte(strconv.FormatUint(version, 10)), true)
}

func readSnapshot(cat catalog.Catalog, id tuple.NodeID) (uint64, error) {
	b, err := cat.Read(snapshotPath(id))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("pwctl: corrupt snapshot for operator %d: %w", id, err)
	}
	return v, nil
}
