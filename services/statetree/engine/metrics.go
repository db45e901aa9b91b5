// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for engine operations.
var (
	tracer = otel.Tracer("statetree.engine")
	meter  = otel.Meter("statetree.engine")
)

var (
	packetsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statetree_engine_packets_applied_total",
		Help: "Total number of packets applied to canonical state",
	})

	packetsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statetree_engine_packets_deduped_total",
		Help: "Packets dropped because their address was already applied in the cascade",
	})

	packetsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statetree_engine_packets_coalesced_total",
		Help: "Packets merged into a pending packet for the same address",
	})

	packetErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statetree_engine_packet_errors_total",
		Help: "Packets dropped because they could not be decoded or applied",
	}, []string{"reason"})

	outputDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statetree_engine_output_dropped_total",
		Help: "Applied notifications dropped because the output channel was full",
	})

	futuresOutstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "statetree_engine_futures_outstanding",
		Help: "Deferred emissions scheduled but not yet applied",
	})
)

var (
	cascadeLatency metric.Float64Histogram
	cascadeSteps   metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the otel instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cascadeLatency, err = meter.Float64Histogram(
			"statetree_cascade_duration_seconds",
			metric.WithDescription("Duration of a cascade from first packet to quiescence"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cascadeSteps, err = meter.Int64Histogram(
			"statetree_cascade_applied",
			metric.WithDescription("Packets applied per cascade"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordCascadeMetrics records metrics for a finished cascade.
func recordCascadeMetrics(ctx context.Context, origin string, duration time.Duration, applied int) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("origin", origin))
	cascadeLatency.Record(ctx, duration.Seconds(), attrs)
	cascadeSteps.Record(ctx, int64(applied), attrs)
}
