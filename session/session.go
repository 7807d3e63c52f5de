// Package session is the entry point for collaborators of a collaboration
// room. A Session ties the connection, the room store and the reconciler
// together and exposes the user's intents as methods.
//
// Sessions are explicitly constructed and independent of each other; a
// process may run any number of them.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/james226/collab-session/config"
	"github.com/james226/collab-session/connection"
	"github.com/james226/collab-session/metrics"
	"github.com/james226/collab-session/protocol"
	"github.com/james226/collab-session/reconcile"
	"github.com/james226/collab-session/room"
)

// Session coordinates one client's participation in a room.
type Session struct {
	logger     *slog.Logger
	store      *room.Store
	pending    *reconcile.Pending
	reconciler *reconcile.Reconciler
	conn       *connection.Manager
	metrics    *metrics.Client
	now        func() time.Time
}

type options struct {
	logger  *slog.Logger
	metrics *metrics.Client
	dialer  connection.Dialer
}

// Option configures a Session.
type Option func(*options)

// WithLogger sets the logger shared by the session's components.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics records client metrics.
func WithMetrics(m *metrics.Client) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d connection.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// New returns a disconnected session.
func New(cfg config.ClientConfig, opts ...Option) *Session {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	s := &Session{
		logger:  o.logger.With("component", "session"),
		store:   room.NewStore(room.WithChatLimit(cfg.ChatLimit), room.WithLogger(o.logger)),
		metrics: o.metrics,
		now:     time.Now,
	}
	s.pending = reconcile.NewPending(cfg.AckTimeout)
	s.reconciler = reconcile.New(s.store, reconcile.WithLogger(o.logger), reconcile.WithMetrics(o.metrics))

	connOpts := []connection.Option{
		connection.WithLogger(o.logger),
		connection.WithMetrics(o.metrics),
		connection.WithJoinHandler(s.handleJoin),
		connection.WithMessageHandler(s.handleMessage),
	}
	if o.dialer != nil {
		connOpts = append(connOpts, connection.WithDialer(o.dialer))
	}
	s.conn = connection.NewManager(cfg, connOpts...)
	return s
}

func (s *Session) handleJoin(join *protocol.SelfConnected) []protocol.Message {
	result := s.reconciler.Reconcile(join, s.pending)
	s.logger.Debug("joined", "room", join.RoomID, "self", join.Self.ID, "replayed", len(result.Replayed))
	if len(result.Replayed) > 0 {
		s.scheduleExpiry()
	}
	return result.Replayed
}

// scheduleExpiry rolls back the mutations still unacknowledged once the
// acknowledgement timeout has passed.
func (s *Session) scheduleExpiry() {
	time.AfterFunc(s.pending.Timeout(), s.expire)
}

func (s *Session) expire() {
	expired := s.pending.Expire(s.store)
	for _, m := range expired {
		s.metrics.MutationReverted()
		s.logger.Info("change not acknowledged, reverted", "key", m.Key())
	}
}

func (s *Session) handleMessage(msg protocol.Message) {
	s.pending.Acknowledge(msg, s.store.SelfID())
	s.store.Apply(msg)
}

// Connect joins roomID, or a room created by the relay when roomID is empty,
// and blocks until the room state has been reconciled.
func (s *Session) Connect(ctx context.Context, roomID string) error {
	return s.conn.Connect(ctx, roomID)
}

// Disconnect leaves the room. Unacknowledged optimistic changes are
// forgotten; the last known room state stays readable.
func (s *Session) Disconnect() {
	s.conn.Disconnect()
	s.pending.Clear()
}

// State returns the connection state.
func (s *Session) State() connection.State {
	return s.conn.State()
}

// SubscribeState registers fn for connection state transitions.
func (s *Session) SubscribeState(fn func(connection.Transition)) (cancel func()) {
	return s.conn.SubscribeState(fn)
}

// Subscribe registers fn for room changes.
func (s *Session) Subscribe(fn func(room.Change)) (cancel func()) {
	return s.store.Subscribe(fn)
}

// Room returns a copy of the room state.
func (s *Session) Room() room.State {
	return s.store.State()
}

// Self returns the local user's identity in the joined room.
func (s *Session) Self() protocol.UserInfo {
	return s.conn.Self()
}

// RoomID returns the joined room.
func (s *Session) RoomID() string {
	return s.conn.RoomID()
}

// Pending returns the number of optimistic changes not yet acknowledged.
func (s *Session) Pending() int {
	return s.pending.Len()
}
