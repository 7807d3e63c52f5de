// Package metrics defines the Prometheus collectors of the session client and
// the relay.
//
// Every recording method is safe on a nil receiver so components can run
// without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures collector registration.
type Config struct {
	// Namespace is the metrics namespace (default: "collab").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for request latency.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures collector registration.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the request latency buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func newConfig(opts []Option) Config {
	config := Config{
		Namespace: "collab",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Client holds the collectors of one session client.
type Client struct {
	messagesIn      *prometheus.CounterVec
	messagesOut     *prometheus.CounterVec
	malformed       prometheus.Counter
	reconnects      prometheus.Counter
	state           *prometheus.GaugeVec
	requestDuration *prometheus.HistogramVec
	requestFailures *prometheus.CounterVec
	conflicts       prometheus.Counter
	replayed        prometheus.Counter
	reverted        prometheus.Counter
}

// NewClient registers the client collectors.
func NewClient(opts ...Option) *Client {
	config := newConfig(opts)
	factory := promauto.With(config.Registry)

	return &Client{
		messagesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "client",
			Name:        "messages_received_total",
			Help:        "Inbound messages by event",
			ConstLabels: config.ConstLabels,
		}, []string{"event"}),

		messagesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "client",
			Name:        "messages_sent_total",
			Help:        "Outbound messages by event",
			ConstLabels: config.ConstLabels,
		}, []string{"event"}),

		malformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "client",
			Name:        "malformed_messages_total",
			Help:        "Inbound frames dropped by validation",
			ConstLabels: config.ConstLabels,
		}),

		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "client",
			Name:        "reconnect_attempts_total",
			Help:        "Reconnect attempts after a transport failure",
			ConstLabels: config.ConstLabels,
		}),

		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   "client",
			Name:        "connection_state",
			Help:        "1 for the current connection state, 0 otherwise",
			ConstLabels: config.ConstLabels,
		}, []string{"state"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   "client",
			Name:        "request_duration_seconds",
			Help:        "Time from request to correlated response",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"event"}),

		requestFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "client",
			Name:        "request_failures_total",
			Help:        "Requests that got no response, by reason",
			ConstLabels: config.ConstLabels,
		}, []string{"event", "reason"}),

		conflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "client",
			Name:        "reconciliation_conflicts_total",
			Help:        "Optimistic mutations discarded on rejoin",
			ConstLabels: config.ConstLabels,
		}),

		replayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "client",
			Name:        "mutations_replayed_total",
			Help:        "Optimistic mutations replayed on rejoin",
			ConstLabels: config.ConstLabels,
		}),

		reverted: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "client",
			Name:        "mutations_reverted_total",
			Help:        "Optimistic mutations rolled back after their acknowledgement timed out",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// MessageReceived counts an inbound message.
func (c *Client) MessageReceived(event string) {
	if c == nil {
		return
	}
	c.messagesIn.WithLabelValues(event).Inc()
}

// MessageSent counts an outbound message.
func (c *Client) MessageSent(event string) {
	if c == nil {
		return
	}
	c.messagesOut.WithLabelValues(event).Inc()
}

// Malformed counts a dropped inbound frame.
func (c *Client) Malformed() {
	if c == nil {
		return
	}
	c.malformed.Inc()
}

// ReconnectAttempt counts one reconnect attempt.
func (c *Client) ReconnectAttempt() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

// StateChanged moves the state gauge from one state to another.
func (c *Client) StateChanged(from, to string) {
	if c == nil {
		return
	}
	c.state.WithLabelValues(from).Set(0)
	c.state.WithLabelValues(to).Set(1)
}

// RequestCompleted observes the latency of an answered request.
func (c *Client) RequestCompleted(event string, d time.Duration) {
	if c == nil {
		return
	}
	c.requestDuration.WithLabelValues(event).Observe(d.Seconds())
}

// RequestFailed counts a request that ended without a response.
func (c *Client) RequestFailed(event, reason string) {
	if c == nil {
		return
	}
	c.requestFailures.WithLabelValues(event, reason).Inc()
}

// ReconciliationConflict counts a discarded optimistic mutation.
func (c *Client) ReconciliationConflict() {
	if c == nil {
		return
	}
	c.conflicts.Inc()
}

// MutationReplayed counts a replayed optimistic mutation.
func (c *Client) MutationReplayed() {
	if c == nil {
		return
	}
	c.replayed.Inc()
}

// MutationReverted counts an optimistic mutation rolled back on timeout.
func (c *Client) MutationReverted() {
	if c == nil {
		return
	}
	c.reverted.Inc()
}

// Relay holds the relay collectors.
type Relay struct {
	rooms        prometheus.Gauge
	clients      prometheus.Gauge
	relayed      *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	backplaneIn  prometheus.Counter
	backplaneErr prometheus.Counter
}

// NewRelay registers the relay collectors.
func NewRelay(opts ...Option) *Relay {
	config := newConfig(opts)
	factory := promauto.With(config.Registry)

	return &Relay{
		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   "relay",
			Name:        "rooms",
			Help:        "Rooms with at least one client",
			ConstLabels: config.ConstLabels,
		}),

		clients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   "relay",
			Name:        "clients",
			Help:        "Connected websocket clients",
			ConstLabels: config.ConstLabels,
		}),

		relayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "relay",
			Name:        "frames_relayed_total",
			Help:        "Frames forwarded to room members, by event",
			ConstLabels: config.ConstLabels,
		}, []string{"event"}),

		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "relay",
			Name:        "frames_rejected_total",
			Help:        "Client frames dropped, by reason",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),

		backplaneIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "relay",
			Name:        "backplane_received_total",
			Help:        "Frames received from other relay instances",
			ConstLabels: config.ConstLabels,
		}),

		backplaneErr: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   "relay",
			Name:        "backplane_errors_total",
			Help:        "Backplane publish and decode failures",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// RoomOpened increments the room gauge.
func (r *Relay) RoomOpened() {
	if r == nil {
		return
	}
	r.rooms.Inc()
}

// RoomClosed decrements the room gauge.
func (r *Relay) RoomClosed() {
	if r == nil {
		return
	}
	r.rooms.Dec()
}

// ClientConnected increments the client gauge.
func (r *Relay) ClientConnected() {
	if r == nil {
		return
	}
	r.clients.Inc()
}

// ClientDisconnected decrements the client gauge.
func (r *Relay) ClientDisconnected() {
	if r == nil {
		return
	}
	r.clients.Dec()
}

// Relayed counts a forwarded frame.
func (r *Relay) Relayed(event string) {
	if r == nil {
		return
	}
	r.relayed.WithLabelValues(event).Inc()
}

// Rejected counts a dropped client frame.
func (r *Relay) Rejected(reason string) {
	if r == nil {
		return
	}
	r.rejected.WithLabelValues(reason).Inc()
}

// BackplaneReceived counts a frame from another instance.
func (r *Relay) BackplaneReceived() {
	if r == nil {
		return
	}
	r.backplaneIn.Inc()
}

// BackplaneError counts a backplane failure.
func (r *Relay) BackplaneError() {
	if r == nil {
		return
	}
	r.backplaneErr.Inc()
}
