// Package metrics provides Prometheus metrics export for the chat engine.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine holds the engine-level metric instruments.
type Engine struct {
	registry *prometheus.Registry

	// Send pipeline
	sendsTotal    *prometheus.CounterVec // result: confirmed|failed|queued
	queueDepth    prometheus.Gauge
	queueFlushes  prometheus.Counter
	dedupDrops    prometheus.Counter

	// Duplex channel
	duplexReconnects prometheus.Counter
	duplexEvents     *prometheus.CounterVec // by event type
	duplexDropped    prometheus.Counter     // malformed or unjoined

	// AI streaming
	streamTurns   *prometheus.CounterVec // outcome: done|canceled|error
	streamsActive prometheus.Gauge
}

var (
	defaultEngine *Engine
	defaultOnce   sync.Once
)

// Default returns the process-global engine metrics, initializing on first use.
func Default() *Engine {
	defaultOnce.Do(func() {
		defaultEngine = New(prometheus.NewRegistry())
	})
	return defaultEngine
}

// New creates engine metrics registered on the given registry.
func New(registry *prometheus.Registry) *Engine {
	e := &Engine{
		registry: registry,
		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "sends_total",
			Help:      "Outbound message sends by final result.",
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "outbox_depth",
			Help:      "Number of unconfirmed sends in the offline queue.",
		}),
		queueFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "outbox_flushes_total",
			Help:      "Completed offline queue drain passes.",
		}),
		dedupDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "confirmation_dedup_total",
			Help:      "Confirmations dropped because the token was already reconciled.",
		}),
		duplexReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "duplex_reconnects_total",
			Help:      "Duplex channel reconnect attempts that succeeded.",
		}),
		duplexEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "duplex_events_total",
			Help:      "Server events delivered to callbacks, by type.",
		}, []string{"type"}),
		duplexDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "duplex_dropped_total",
			Help:      "Frames dropped at the parse boundary or for unjoined threads.",
		}),
		streamTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "stream_turns_total",
			Help:      "AI streaming turns by outcome.",
		}, []string{"outcome"}),
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "streams_active",
			Help:      "Currently open AI streams.",
		}),
	}

	registry.MustRegister(
		e.sendsTotal, e.queueDepth, e.queueFlushes, e.dedupDrops,
		e.duplexReconnects, e.duplexEvents, e.duplexDropped,
		e.streamTurns, e.streamsActive,
	)
	return e
}

// Handler returns an HTTP handler exposing the metrics in Prometheus format.
func (e *Engine) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func (e *Engine) RecordSend(result string)      { e.sendsTotal.WithLabelValues(result).Inc() }
func (e *Engine) SetQueueDepth(n int)           { e.queueDepth.Set(float64(n)) }
func (e *Engine) RecordFlush()                  { e.queueFlushes.Inc() }
func (e *Engine) RecordDedup()                  { e.dedupDrops.Inc() }
func (e *Engine) RecordReconnect()              { e.duplexReconnects.Inc() }
func (e *Engine) RecordDuplexEvent(typ string)  { e.duplexEvents.WithLabelValues(typ).Inc() }
func (e *Engine) RecordDuplexDrop()             { e.duplexDropped.Inc() }
func (e *Engine) RecordStreamTurn(outcome string) { e.streamTurns.WithLabelValues(outcome).Inc() }
func (e *Engine) StreamOpened()                 { e.streamsActive.Inc() }
func (e *Engine) StreamClosed()                 { e.streamsActive.Dec() }
