// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FeedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pivotwatch_feed_messages_total",
			Help: "Decoded stream events by kind",
		},
		[]string{"kind"},
	)

	FeedMalformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pivotwatch_feed_malformed_total",
			Help: "Stream payloads that could not be decoded",
		},
	)

	FeedReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pivotwatch_feed_reconnects_total",
			Help: "Failed stream sessions that triggered a reconnect decision",
		},
	)

	FeedState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pivotwatch_feed_state",
			Help: "Stream connection state (0 disconnected, 1 connecting, 2 authenticated, 3 subscribed, 4 degraded)",
		},
	)

	Observations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pivotwatch_observations_total",
			Help: "Price observations accepted by the pipeline",
		},
		[]string{"source"},
	)

	ObservationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pivotwatch_observations_dropped_total",
			Help: "Observations dropped because a worker queue was full",
		},
	)

	Alerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pivotwatch_alerts_total",
			Help: "Alerts emitted by level",
		},
		[]string{"level"},
	)

	AlertsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pivotwatch_alerts_suppressed_total",
			Help: "Crossings suppressed by the cooldown window",
		},
	)

	DeliveriesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pivotwatch_deliveries_failed_total",
			Help: "Alert deliveries that failed or were dropped, by sink",
		},
		[]string{"sink"},
	)

	LevelFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pivotwatch_level_fetches_total",
			Help: "Reference level fetches by result (ok, fallback, error)",
		},
		[]string{"result"},
	)
)
