// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keysign.
//
// go-keysign is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package metrics provides Prometheus instrumentation for signing operations,
// remote retries, metadata caching and secret retrieval.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all keysign metrics
	Namespace = "keysign"

	// Label names
	LabelBackend   = "backend"
	LabelAlgorithm = "algorithm"
	LabelStatus    = "status"
	LabelOutcome   = "outcome"
	LabelEvent     = "event"
	LabelSource    = "source"
	LabelErrorType = "error_type"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Remote attempt outcomes
	OutcomeSuccess   = "success"
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
	OutcomeStaleKey  = "stale_key"

	// Cache events
	CacheHit        = "hit"
	CacheMiss       = "miss"
	CacheRefresh    = "refresh"
	CacheRefreshErr = "refresh_error"
	CacheInvalidate = "invalidate"
)

var (
	// SignOperationsTotal counts completed Sign calls by backend, algorithm and status.
	SignOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sign_operations_total",
			Help:      "Total number of signing operations by backend, algorithm, and status",
		},
		[]string{LabelBackend, LabelAlgorithm, LabelStatus},
	)

	// SignDuration tracks the duration of Sign calls in seconds, retries included.
	SignDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "sign_duration_seconds",
			Help:      "Duration of signing operations in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{LabelBackend},
	)

	// RemoteAttemptsTotal counts individual remote sign requests by outcome.
	RemoteAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "remote",
			Name:      "attempts_total",
			Help:      "Total number of remote sign attempts by backend and outcome",
		},
		[]string{LabelBackend, LabelOutcome},
	)

	// RemoteRetriesTotal counts backoff waits scheduled after transient failures.
	RemoteRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "remote",
			Name:      "retries_total",
			Help:      "Total number of remote sign retries by backend",
		},
		[]string{LabelBackend},
	)

	// MetadataCacheEventsTotal counts metadata cache hits, misses, refreshes and invalidations.
	MetadataCacheEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "metadata_cache",
			Name:      "events_total",
			Help:      "Total number of key metadata cache events by backend and event",
		},
		[]string{LabelBackend, LabelEvent},
	)

	// SecretFetchesTotal counts secret retrievals by source and status.
	SecretFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "secrets",
			Name:      "fetches_total",
			Help:      "Total number of secret fetches by source and status",
		},
		[]string{LabelSource, LabelStatus},
	)

	// ErrorsTotal tracks errors by backend and error type.
	// Error types should be specific (e.g., "remote_rejected", "invalid_key").
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by backend and error type",
		},
		[]string{LabelBackend, LabelErrorType},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	// Metrics are enabled by default
	enabled.Store(true)
}

// RecordSign records a completed signing operation with its duration in seconds.
//
// Example:
//
//	start := time.Now()
//	sig, err := signer.Sign(ctx, payload)
//	status := StatusSuccess
//	if err != nil {
//	    status = StatusError
//	}
//	RecordSign("gcpkms", "ES256", status, time.Since(start).Seconds())
func RecordSign(backend, algorithm, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	SignOperationsTotal.WithLabelValues(backend, algorithm, status).Inc()
	SignDuration.WithLabelValues(backend).Observe(duration)
}

// RecordAttempt records the outcome of one remote sign request.
func RecordAttempt(backend, outcome string) {
	if !enabled.Load() {
		return
	}
	RemoteAttemptsTotal.WithLabelValues(backend, outcome).Inc()
}

// RecordRetry records a scheduled retry.
func RecordRetry(backend string) {
	if !enabled.Load() {
		return
	}
	RemoteRetriesTotal.WithLabelValues(backend).Inc()
}

// RecordCacheEvent records a metadata cache event (use Cache* constants).
func RecordCacheEvent(backend, event string) {
	if !enabled.Load() {
		return
	}
	MetadataCacheEventsTotal.WithLabelValues(backend, event).Inc()
}

// RecordSecretFetch records a secret retrieval.
func RecordSecretFetch(source, status string) {
	if !enabled.Load() {
		return
	}
	SecretFetchesTotal.WithLabelValues(source, status).Inc()
}

// RecordError records an error event.
func RecordError(backend, errorType string) {
	if !enabled.Load() {
		return
	}
	ErrorsTotal.WithLabelValues(backend, errorType).Inc()
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
// Useful for testing or when metrics are not desired.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
