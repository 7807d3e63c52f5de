// Package connection owns the single websocket between a client process and
// the relay.
//
// A Manager drives the connection state machine
//
//	Disconnected → Connecting → Lobby → InRoom
//	                  ↑                   │
//	                  └── Reconnecting ←──┘
//
// A failed attempt or a lost connection schedules a retry with exponential
// backoff until the attempt budget is spent, at which point the manager goes
// back to Disconnected with a *ConnectError. Disconnect always wins: it tears
// the transport down at once, whatever the state and whatever backoff is
// pending.
//
// Inbound frames are read by one goroutine and handed to the message handler
// in arrival order. Outbound frames from any number of goroutines go through
// a bounded queue drained by one writer goroutine, which also sends the
// heartbeat pings.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/james226/collab-session/config"
	"github.com/james226/collab-session/metrics"
	"github.com/james226/collab-session/protocol"
)

// Dialer opens websocket connections. *websocket.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// JoinHandler runs on every successful join, before the manager reports
// InRoom. The messages it returns are sent ahead of anything else.
type JoinHandler func(join *protocol.SelfConnected) []protocol.Message

// MessageHandler receives inbound messages in arrival order. Responses to
// requests are delivered to the requester instead.
type MessageHandler func(msg protocol.Message)

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		if d != nil {
			m.dialer = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records traffic, requests and reconnects.
func WithMetrics(c *metrics.Client) Option {
	return func(m *Manager) {
		m.metrics = c
	}
}

// WithJoinHandler sets the join handler.
func WithJoinHandler(h JoinHandler) Option {
	return func(m *Manager) {
		m.onJoin = h
	}
}

// WithMessageHandler sets the inbound message handler.
func WithMessageHandler(h MessageHandler) Option {
	return func(m *Manager) {
		m.onMessage = h
	}
}

type frame struct {
	event string
	data  []byte
}

// queue is the outbound queue of one connection. closed is closed when the
// connection leaves the room; whatever is still queued is dropped.
type queue struct {
	ch     chan frame
	closed chan struct{}
}

// run is one Connect..Disconnect lifetime.
type run struct {
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (r *run) close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *run) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// Manager owns the connection to the relay.
type Manager struct {
	cfg       config.ClientConfig
	dialer    Dialer
	logger    *slog.Logger
	metrics   *metrics.Client
	onJoin    JoinHandler
	onMessage MessageHandler
	requests  *requests

	mu     sync.Mutex
	state  State
	run    *run
	conn   *websocket.Conn
	queue  *queue
	roomID string
	ticket string
	self   protocol.UserInfo
	pose   protocol.Pose

	subMu   sync.Mutex
	subs    map[int]func(Transition)
	nextSub int
}

// NewManager returns a disconnected manager. Zero fields of cfg take their
// defaults from config.Default.
func NewManager(cfg config.ClientConfig, opts ...Option) *Manager {
	m := &Manager{
		cfg: withDefaults(cfg),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger:   slog.Default(),
		requests: newRequests(),
		pose:     protocol.Pose{Quaternion: protocol.IdentityQuat},
		subs:     make(map[int]func(Transition)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "connection")
	return m
}

func withDefaults(cfg config.ClientConfig) config.ClientConfig {
	d := config.Default().Client
	if cfg.URL == "" {
		cfg.URL = d.URL
	}
	if cfg.UserName == "" {
		cfg.UserName = d.UserName
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = d.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		cfg.HeartbeatTimeout = 3 * cfg.HeartbeatInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = d.RequestTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	if cfg.Reconnect.InitialInterval <= 0 {
		cfg.Reconnect.InitialInterval = d.Reconnect.InitialInterval
	}
	if cfg.Reconnect.MaxInterval < cfg.Reconnect.InitialInterval {
		cfg.Reconnect.MaxInterval = cfg.Reconnect.InitialInterval
	}
	if cfg.Reconnect.Multiplier < 1 {
		cfg.Reconnect.Multiplier = d.Reconnect.Multiplier
	}
	if cfg.Reconnect.MaxAttempts < 0 {
		cfg.Reconnect.MaxAttempts = 0
	}
	return cfg
}

// Connect joins roomID, or a new room when roomID is empty, and blocks until
// the room is joined, the reconnect budget is spent, Disconnect is called or
// ctx is done. Cancelling ctx after Connect returned has no effect.
func (m *Manager) Connect(ctx context.Context, roomID string) error {
	m.mu.Lock()
	if m.run != nil {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	r := &run{stop: make(chan struct{}), done: make(chan struct{})}
	m.run = r
	m.roomID = roomID
	m.ticket = ""
	m.mu.Unlock()

	joined := make(chan error, 1)
	var once sync.Once
	report := func(err error) {
		once.Do(func() { joined <- err })
	}

	m.transition(r, Connecting, nil)
	go m.supervise(r, report)

	select {
	case err := <-joined:
		return err
	case <-ctx.Done():
		m.Disconnect()
		return ctx.Err()
	}
}

// Disconnect tears the connection down immediately and waits for the
// connection goroutines to exit. It must not be called from a handler or a
// state subscriber.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	r := m.run
	if r == nil {
		m.mu.Unlock()
		return
	}
	r.close()
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}
	<-r.done

	m.mu.Lock()
	if m.run != r {
		m.mu.Unlock()
		return
	}
	from := m.state
	m.run = nil
	m.state = Disconnected
	room := m.roomID
	m.mu.Unlock()

	m.logger.Info("disconnected", "room", room)
	m.notify(Transition{From: from, To: Disconnected})
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Self returns the identity assigned on the last join.
func (m *Manager) Self() protocol.UserInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

// RoomID returns the joined room, or the requested one before the join.
func (m *Manager) RoomID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID
}

// SetPose records the local pose announced on the next join.
func (m *Manager) SetPose(pose protocol.Pose) {
	m.mu.Lock()
	m.pose = pose
	m.mu.Unlock()
}

// SubscribeState registers fn for every subsequent state transition and
// returns a function that unregisters it.
func (m *Manager) SubscribeState(fn func(Transition)) (cancel func()) {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

func (m *Manager) notify(t Transition) {
	m.metrics.StateChanged(t.From.String(), t.To.String())

	m.subMu.Lock()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Transition), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.subs[id])
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(t)
	}
}

// transition moves r to a new state unless r has been stopped.
func (m *Manager) transition(r *run, to State, err error) bool {
	m.mu.Lock()
	if m.run != r || r.stopped() {
		m.mu.Unlock()
		return false
	}
	from := m.state
	m.state = to
	m.mu.Unlock()

	if from != to {
		m.notify(Transition{From: from, To: to, Err: err})
	}
	return true
}

// finish ends r on its own, after a kick or an exhausted budget.
func (m *Manager) finish(r *run, err error) {
	m.mu.Lock()
	if m.run != r || r.stopped() {
		m.mu.Unlock()
		return
	}
	from := m.state
	m.run = nil
	m.state = Disconnected
	m.mu.Unlock()

	m.notify(Transition{From: from, To: Disconnected, Err: err})
}

func (m *Manager) newBackOff() backoff.BackOff {
	rc := m.cfg.Reconnect
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rc.InitialInterval
	b.MaxInterval = rc.MaxInterval
	b.Multiplier = rc.Multiplier
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(rc.MaxAttempts))
}

// supervise runs sessions until r is stopped, the user is kicked or the
// backoff gives up.
func (m *Manager) supervise(r *run, report func(error)) {
	defer close(r.done)

	b := m.newBackOff()
	failures := 0
	for {
		joined, err := m.session(r, report)
		if r.stopped() {
			report(ErrDisconnected)
			return
		}
		if errors.Is(err, ErrKicked) {
			m.logger.Warn("kicked from room", "room", m.RoomID())
			m.finish(r, err)
			report(err)
			return
		}
		if joined {
			b.Reset()
			failures = 0
		}
		failures++

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			cerr := &ConnectError{Attempts: failures, Err: err}
			m.logger.Error("giving up on relay", "url", m.cfg.URL, "attempts", failures, "error", err)
			m.finish(r, cerr)
			report(cerr)
			return
		}

		m.logger.Warn("connection lost, retrying", "attempt", failures, "delay", delay, "error", err)
		m.metrics.ReconnectAttempt()
		m.transition(r, Reconnecting, err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-r.stop:
			timer.Stop()
			report(ErrDisconnected)
			return
		}
		m.transition(r, Connecting, nil)
	}
}

// session dials, joins and serves one connection until it fails. joined
// reports whether the room was reached.
func (m *Manager) session(r *run, report func(error)) (joined bool, err error) {
	conn, err := m.dial(r)
	if err != nil {
		return false, err
	}
	defer m.release(conn)

	if !m.transition(r, Lobby, nil) {
		return false, ErrDisconnected
	}
	join, err := m.handshake(conn)
	if err != nil {
		return false, err
	}
	replay := m.adopt(join)

	q := &queue{ch: make(chan frame, m.cfg.QueueSize), closed: make(chan struct{})}
	m.mu.Lock()
	m.queue = q
	m.mu.Unlock()

	for _, msg := range replay {
		data, err := protocol.Encode(msg)
		if err != nil {
			m.logger.Warn("dropping invalid replay", "event", msg.Event(), "error", err)
			continue
		}
		select {
		case q.ch <- frame{event: msg.Event(), data: data}:
		default:
			m.logger.Warn("outbound queue full, dropping replay", "event", msg.Event())
		}
	}

	writeErr := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.writePump(conn, q, writeErr)
	}()

	if m.transition(r, InRoom, nil) {
		m.logger.Info("joined room", "room", join.RoomID, "user", join.Self.ID, "users", len(join.Users))
		report(nil)
		err = m.readPump(conn)
	} else {
		err = ErrDisconnected
	}

	m.teardown(q)
	conn.Close()
	wg.Wait()

	if !errors.Is(err, ErrKicked) {
		select {
		case werr := <-writeErr:
			err = werr
		default:
		}
	}
	return true, err
}

func (m *Manager) dial(r *run) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HeartbeatTimeout)
	defer cancel()
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, _, err := m.dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r.stopped() {
		conn.Close()
		return nil, ErrDisconnected
	}
	m.conn = conn
	return conn, nil
}

func (m *Manager) release(conn *websocket.Conn) {
	conn.Close()
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
}

// handshake sends join_lobby and waits for self_connected.
func (m *Manager) handshake(conn *websocket.Conn) (*protocol.SelfConnected, error) {
	m.mu.Lock()
	join := &protocol.JoinLobby{
		RoomID:     m.roomID,
		Ticket:     m.ticket,
		UserName:   m.cfg.UserName,
		DeviceID:   m.cfg.DeviceID,
		Position:   m.pose.Position,
		Quaternion: m.pose.Quaternion,
	}
	m.mu.Unlock()

	data, err := protocol.Encode(join)
	if err != nil {
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, &TransportError{Op: "write", Err: err}
	}
	m.metrics.MessageSent(protocol.EventJoinLobby)

	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.HeartbeatTimeout))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil, readError(err)
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			m.dropped(raw, err)
			continue
		}
		m.metrics.MessageReceived(msg.Event())
		if sc, ok := msg.(*protocol.SelfConnected); ok {
			return sc, nil
		}
		m.logger.Debug("ignoring message before join", "event", msg.Event())
	}
}

func (m *Manager) adopt(join *protocol.SelfConnected) []protocol.Message {
	m.mu.Lock()
	m.self = join.Self
	m.roomID = join.RoomID
	if join.Ticket != "" {
		m.ticket = join.Ticket
	}
	m.mu.Unlock()

	if m.onJoin == nil {
		return nil
	}
	return m.onJoin(join)
}

// teardown takes q out of service, dropping what is queued, and cancels the
// requests still waiting for a response.
func (m *Manager) teardown(q *queue) {
	m.mu.Lock()
	if m.queue == q {
		m.queue = nil
	}
	m.mu.Unlock()
	close(q.closed)

	if n := m.requests.cancelAll(ErrRequestCancelled); n > 0 {
		m.logger.Debug("cancelled pending requests", "count", n)
	}
}

func (m *Manager) readPump(conn *websocket.Conn) error {
	extend := func() {
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.HeartbeatTimeout))
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	selfID := m.Self().ID
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return readError(err)
		}
		extend()

		msg, err := protocol.Decode(raw)
		if err != nil {
			m.dropped(raw, err)
			continue
		}
		m.metrics.MessageReceived(msg.Event())

		if resp, ok := msg.(protocol.Response); ok {
			if !m.requests.resolve(resp) {
				m.logger.Debug("dropping unmatched response", "event", msg.Event(), "nonce", resp.ResponseNonce())
			}
			continue
		}
		if kick, ok := msg.(*protocol.KickUser); ok && kick.UserID == selfID {
			return ErrKicked
		}
		if m.onMessage != nil {
			m.onMessage(msg)
		}
	}
}

func (m *Manager) writePump(conn *websocket.Conn, q *queue, errc chan<- error) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-q.ch:
			_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				errc <- &TransportError{Op: "write", Err: err}
				conn.Close()
				return
			}
			m.metrics.MessageSent(f.event)

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteTimeout)); err != nil {
				errc <- &TransportError{Op: "ping", Err: err}
				conn.Close()
				return
			}

		case <-q.closed:
			return
		}
	}
}

func (m *Manager) dropped(raw []byte, err error) {
	m.metrics.Malformed()
	if errors.Is(err, protocol.ErrUnknownEvent) {
		m.logger.Debug("ignoring unknown event", "event", protocol.PeekEvent(raw))
		return
	}
	m.logger.Warn("dropping malformed message", "error", err, "bytes", len(raw))
}

func readError(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TransportError{Op: "heartbeat", Err: err}
	}
	return &TransportError{Op: "read", Err: err}
}

// queueLocked returns the outbound queue while the room is joined.
func (m *Manager) queueLocked() *queue {
	if m.state != InRoom || m.queue == nil {
		return nil
	}
	return m.queue
}

// Send queues msg for transmission. It fails with ErrNotInRoom unless a room
// is joined and with ErrQueueFull when the queue stays full for the write
// timeout.
func (m *Manager) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	q := m.queueLocked()
	m.mu.Unlock()
	if q == nil {
		return ErrNotInRoom
	}
	return m.enqueue(ctx, q, frame{event: msg.Event(), data: data})
}

func (m *Manager) enqueue(ctx context.Context, q *queue, f frame) error {
	select {
	case <-q.closed:
		return ErrNotInRoom
	default:
	}
	select {
	case q.ch <- f:
		return nil
	default:
	}

	timer := time.NewTimer(m.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case q.ch <- f:
		return nil
	case <-q.closed:
		return ErrNotInRoom
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrQueueFull
	}
}

// Request sends req and waits for the response carrying its nonce. A nonce is
// minted when req has none. The request fails with ErrRequestTimeout when no
// response arrives within the request timeout and with ErrRequestCancelled
// when the connection leaves the room first.
func (m *Manager) Request(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	if req.RequestNonce() == "" {
		req.SetRequestNonce(protocol.NewNonce())
	}
	nonce := req.RequestNonce()
	data, err := protocol.Encode(req)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	q := m.queueLocked()
	var ch <-chan result
	added := false
	if q != nil {
		ch, added = m.requests.add(nonce)
	}
	m.mu.Unlock()
	if q == nil {
		return nil, ErrNotInRoom
	}
	if !added {
		return nil, fmt.Errorf("connection: nonce %s already in flight", nonce)
	}
	defer m.requests.remove(nonce)

	start := time.Now()
	if err := m.enqueue(ctx, q, frame{event: req.Event(), data: data}); err != nil {
		if errors.Is(err, ErrNotInRoom) {
			err = ErrRequestCancelled
		}
		m.metrics.RequestFailed(req.Event(), "send")
		return nil, err
	}

	timer := time.NewTimer(m.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			m.metrics.RequestFailed(req.Event(), "cancelled")
			return nil, res.err
		}
		m.metrics.RequestCompleted(req.Event(), time.Since(start))
		return res.resp, nil
	case <-timer.C:
		m.metrics.RequestFailed(req.Event(), "timeout")
		return nil, fmt.Errorf("%w: %s %s", ErrRequestTimeout, req.Event(), nonce)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
