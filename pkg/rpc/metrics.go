// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"github.com/LeeDigitalWorks/zapgate/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ConnTransitions counts connection state transitions by target state
	ConnTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapgate",
		Subsystem: "rpc",
		Name:      "conn_transitions_total",
		Help:      "Connection state transitions",
	}, []string{"state"})

	OpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zapgate",
		Subsystem: "rpc",
		Name:      "open_connections",
		Help:      "Connections that are not closed",
	})

	// Calls counts outbound calls by operation and outcome
	Calls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapgate",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Outbound RPC calls",
	}, []string{"op", "outcome"}) // outcome: ok, remote_error, timeout, closed, error

	CallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "zapgate",
		Subsystem: "rpc",
		Name:      "call_duration_seconds",
		Help:      "Outbound RPC call latency",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
	}, []string{"op"})

	PendingCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zapgate",
		Subsystem: "rpc",
		Name:      "pending_calls",
		Help:      "Calls awaiting a reply",
	})

	// ServedRequests counts inbound requests by operation and result code
	ServedRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapgate",
		Subsystem: "rpc",
		Name:      "served_requests_total",
		Help:      "Inbound RPC requests handled",
	}, []string{"op", "code"})

	DroppedFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapgate",
		Subsystem: "rpc",
		Name:      "dropped_frames_total",
		Help:      "Inbound frames that were discarded",
	}, []string{"reason"}) // reason: malformed, unknown_id
)

func init() {
	debug.Registry().MustRegister(
		ConnTransitions,
		OpenConnections,
		Calls,
		CallDuration,
		PendingCalls,
		ServedRequests,
		DroppedFrames,
	)
}
