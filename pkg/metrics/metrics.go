// Package metrics registers the agent's operator-facing counters and
// gauges against the default Prometheus registry. This module does not
// serve an HTTP /metrics endpoint itself — that belongs to the out-of-scope
// HTTP layer — it only registers so that external process can scrape it.
//
// Of these collectors only CacheAgeSeconds is updated, by pkg/statecache's
// Cache.Get; nothing in this module increments or sets the others, so they
// stay at zero.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsRouted counts requests handed to the router, by outcome.
	RequestsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_requests_routed_total",
		Help: "Requests observed and routed, labeled by terminal outcome.",
	}, []string{"outcome"})

	// KeepAliveFulfillments counts keep-alive fulfillment attempts, by
	// outcome/skip reason.
	KeepAliveFulfillments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_keepalive_fulfillments_total",
		Help: "Keep-alive fulfillment attempts, labeled by outcome.",
	}, []string{"outcome"})

	// SenderQueueDepth is the current number of jobs queued in the
	// transaction sender.
	SenderQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_sender_queue_depth",
		Help: "Number of jobs currently queued in the transaction sender.",
	})

	// SenderOutcomes counts completed sender submissions, by outcome.
	SenderOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_sender_outcomes_total",
		Help: "Transaction sender submissions, labeled by outcome.",
	}, []string{"outcome"})

	// WatcherCursorLag is the difference between chain head and a
	// watcher's last-saved cursor, by label.
	WatcherCursorLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agent_watcher_cursor_lag_blocks",
		Help: "Blocks between chain head and the watcher's saved cursor.",
	}, []string{"label"})

	// WatcherConsecutiveErrors is each watcher's current error streak.
	WatcherConsecutiveErrors = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agent_watcher_consecutive_errors",
		Help: "Current consecutive-error count for a watcher.",
	}, []string{"label"})

	// CacheAgeSeconds is the age of the last published state snapshot.
	CacheAgeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_cache_age_seconds",
		Help: "Age in seconds of the currently-published state snapshot.",
	})
)
