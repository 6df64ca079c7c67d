// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the chat core.
//
// # Description
//
// Counters and gauges covering the request coordinator (dedupe hits,
// debounce delays, force-clears), the optimistic cache (sends,
// rollbacks), and the real-time bridge (events, reconnects, active
// room subscriptions).
//
// Metrics are instance-scoped: construct one Metrics per application
// session with its own Registerer so parallel tests never collide on
// a global registry.
//
// # Thread Safety
//
// All operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "urbankey"
const chatSubsystem = "chat"

// Metrics holds all Prometheus metrics for the chat core. A nil
// *Metrics is valid everywhere and records nothing, so wiring is
// optional for embedders that don't scrape.
type Metrics struct {
	// RequestsTotal counts protocol operations by action and status.
	// Labels: action (start, send, search, ...), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// DedupeAttachTotal counts callers attached to an already
	// in-flight operation instead of issuing a new call.
	DedupeAttachTotal prometheus.Counter

	// DebounceDelaysTotal counts operations held for the debounce window.
	DebounceDelaysTotal prometheus.Counter

	// PendingForceClearsTotal counts stuck in-flight records cleared
	// by the pending ceiling.
	PendingForceClearsTotal prometheus.Counter

	// OptimisticRollbacksTotal counts failed sends rolled back from
	// the message cache.
	OptimisticRollbacksTotal prometheus.Counter

	// EventsTotal counts inbound real-time events by type.
	// Labels: type (message, typing, progress), outcome (applied, rejected)
	EventsTotal *prometheus.CounterVec

	// ReconnectsTotal counts websocket reconnect attempts.
	ReconnectsTotal prometheus.Counter

	// ActiveSubscriptions tracks rooms currently joined (0 or 1 per
	// bridge instance, summed across instances).
	ActiveSubscriptions prometheus.Gauge
}

// New creates and registers the chat core metrics on reg.
//
// # Inputs
//
//   - reg: Target registry. Use prometheus.DefaultRegisterer in main,
//     a fresh prometheus.NewRegistry() in tests.
//
// # Limitations
//
//   - Registering twice on the same registry panics (Prometheus
//     duplicate-registration semantics).
func New(reg prometheus.Registerer) *Metrics {
	factory := func(name, help string, labels ...string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      name,
			Help:      help,
		}, labels)
		reg.MustRegister(c)
		return c
	}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		RequestsTotal:            factory("requests_total", "Protocol operations by action and status", "action", "status"),
		DedupeAttachTotal:        counter("dedupe_attach_total", "Callers attached to an in-flight operation"),
		DebounceDelaysTotal:      counter("debounce_delays_total", "Operations delayed by the debounce window"),
		PendingForceClearsTotal:  counter("pending_force_clears_total", "Stuck in-flight records force-cleared"),
		OptimisticRollbacksTotal: counter("optimistic_rollbacks_total", "Failed sends rolled back from the cache"),
		EventsTotal:              factory("events_total", "Inbound real-time events by type and outcome", "type", "outcome"),
		ReconnectsTotal:          counter("reconnects_total", "Websocket reconnect attempts"),
	}

	m.ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: chatSubsystem,
		Name:      "active_subscriptions",
		Help:      "Real-time rooms currently joined",
	})
	reg.MustRegister(m.ActiveSubscriptions)

	return m
}

// =============================================================================
// Nil-safe recording helpers
// =============================================================================

// RecordRequest records a completed protocol operation.
func (m *Metrics) RecordRequest(action string, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(action, status).Inc()
}

// RecordDedupeAttach records a caller coalesced onto an in-flight call.
func (m *Metrics) RecordDedupeAttach() {
	if m == nil {
		return
	}
	m.DedupeAttachTotal.Inc()
}

// RecordDebounceDelay records an operation held for the debounce window.
func (m *Metrics) RecordDebounceDelay() {
	if m == nil {
		return
	}
	m.DebounceDelaysTotal.Inc()
}

// RecordForceClear records a stuck pending record cleared by the ceiling.
func (m *Metrics) RecordForceClear() {
	if m == nil {
		return
	}
	m.PendingForceClearsTotal.Inc()
}

// RecordRollback records an optimistic send rolled back.
func (m *Metrics) RecordRollback() {
	if m == nil {
		return
	}
	m.OptimisticRollbacksTotal.Inc()
}

// RecordEvent records an inbound real-time event.
func (m *Metrics) RecordEvent(eventType string, applied bool) {
	if m == nil {
		return
	}
	outcome := "applied"
	if !applied {
		outcome = "rejected"
	}
	m.EventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordReconnect records a websocket reconnect attempt.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Inc()
}

// SubscriptionStarted increments the joined-rooms gauge.
func (m *Metrics) SubscriptionStarted() {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Inc()
}

// SubscriptionEnded decrements the joined-rooms gauge.
func (m *Metrics) SubscriptionEnded() {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Dec()
}
