// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ===== Adapter Metrics =====

var (
	adapterRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sitka",
			Subsystem: "adapter",
			Name:      "requests_total",
			Help:      "Outbound adapter calls by service and operation.",
		},
		[]string{"service", "operation"},
	)

	adapterErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sitka",
			Subsystem: "adapter",
			Name:      "errors_total",
			Help:      "Failed adapter calls by service, operation, and error kind.",
		},
		[]string{"service", "operation", "kind"},
	)

	adapterDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sitka",
			Subsystem: "adapter",
			Name:      "duration_seconds",
			Help:      "Adapter call latency by service and operation.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "operation"},
	)
)

// instrument records one adapter call. Use with defer and a named error
// return so the error kind is known by the time it runs:
//
//	defer instrument(serviceChat, "Complete", time.Now(), &err)
func instrument(service, op string, start time.Time, errp *error) {
	adapterRequests.WithLabelValues(service, op).Inc()
	adapterDuration.WithLabelValues(service, op).Observe(time.Since(start).Seconds())
	if errp != nil && *errp != nil {
		kind := "unknown"
		if ae, ok := AsAdapterError(*errp); ok {
			kind = string(ae.Kind)
		}
		adapterErrors.WithLabelValues(service, op, kind).Inc()
	}
}
