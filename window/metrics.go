// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package window

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type windowMetrics struct {
	appends          prometheus.Counter
	entriesWritten   prometheus.Counter
	bytesWritten     prometheus.Counter
	segmentSeals     prometheus.Counter
	acksReceived     prometheus.Counter
	unknownChanAcks  prometheus.Counter
	truncations      *prometheus.CounterVec
	entriesTruncated *prometheus.CounterVec
	safeVersion      prometheus.Gauge
}

func newWindowMetrics(reg prometheus.Registerer) *windowMetrics {
	return &windowMetrics{
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pending_window_appends",
			Help: "pending_window_appends counts calls to Append, one per tuple.",
		}),
		entriesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pending_window_entries_written",
			Help: "pending_window_entries_written counts tuples durably appended.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pending_window_bytes_written",
			Help: "pending_window_bytes_written counts payload bytes written, excluding frame headers.",
		}),
		segmentSeals: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pending_window_segment_seals",
			Help: "pending_window_segment_seals counts how many times a current segment was sealed on a barrier.",
		}),
		acksReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pending_window_acks_received",
			Help: "pending_window_acks_received counts version acks handled.",
		}),
		unknownChanAcks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pending_window_unknown_channel_acks",
			Help: "pending_window_unknown_channel_acks counts acks dropped because sent_from was not a known downstream connector.",
		}),
		truncations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pending_window_truncations",
			Help: "pending_window_truncations counts calls to Truncate by trigger.",
		}, []string{"trigger"}),
		entriesTruncated: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pending_window_entries_truncated",
			Help: "pending_window_entries_truncated counts sealed segments removed by truncate or rewind.",
		}, []string{"direction"}),
		safeVersion: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pending_window_safe_version",
			Help: "pending_window_safe_version is the last version truncate was called with.",
		}),
	}
}
