// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

// Package metrics registers the Prometheus instrumentation for the cube
// assembly pipeline: per-stage activity counts and durations, counter-table
// transitions, STAC search health, and object-store traffic.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stage metrics
	ActivitiesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cube_activities_total",
			Help: "Activities processed, by stage and final status",
		},
		[]string{"action", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cube_stage_duration_seconds",
			Help:    "Wall-clock duration of one stage invocation",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"action"},
	)

	StageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cube_stage_transitions_total",
			Help: "Counter-table fan-outs fired into the next stage",
		},
		[]string{"from", "to"},
	)

	ActivitiesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cube_activities_enqueued_total",
			Help: "Activities published to the work queue, by stage",
		},
		[]string{"action"},
	)

	// STAC metrics
	STACRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cube_stac_requests_total",
			Help: "STAC search requests, by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	STACRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cube_stac_request_duration_seconds",
			Help:    "STAC search latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Object-store metrics
	ObjectsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cube_objects_written_total",
			Help: "Objects written to storage, by kind (ard, composite, quicklook, index)",
		},
		[]string{"kind"},
	)

	ObjectBytesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cube_object_bytes_written_total",
			Help: "Bytes written to object storage, by kind",
		},
		[]string{"kind"},
	)

	// Queue metrics
	QueueRedeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cube_queue_redeliveries_total",
			Help: "Activities redelivered after a transient failure",
		},
	)

	PoisonedActivities = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cube_poisoned_activities_total",
			Help: "Activities routed to the poison topic after exhausting deliveries",
		},
	)
)

// ObserveStage records one stage invocation.
func ObserveStage(action string, status string, start time.Time) {
	ActivitiesTotal.WithLabelValues(action, status).Inc()
	StageDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
}
