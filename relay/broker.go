package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"

	"github.com/james226/collab-session/metrics"
	"github.com/james226/collab-session/protocol"
)

const (
	clientQueueSize   = 256
	observerQueueSize = 64
	publishQueueSize  = 256
	publishTimeout    = 5 * time.Second
)

// client is one websocket connection admitted to a room.
type client struct {
	id     ksuid.KSUID
	userID string
	name   string
	pose   protocol.Pose
	conn   *websocket.Conn
	send   chan []byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, userID, name string, pose protocol.Pose) *client {
	return &client{
		id:     ksuid.New(),
		userID: userID,
		name:   name,
		pose:   pose,
		conn:   conn,
		send:   make(chan []byte, clientQueueSize),
		closed: make(chan struct{}),
	}
}

// shutdown asks the writer to flush what is queued and close the connection.
func (c *client) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
}

type clientFrame struct {
	client *client
	msg    protocol.Message
}

// SystemUserID is the sender of messages injected over HTTP.
const SystemUserID = "relay"

type injection struct {
	msg   protocol.Message
	reply chan string
}

// Broker owns one room: its clients, its authoritative state and its SSE
// observers. All of it is touched only by the listen goroutine.
type Broker struct {
	id        string
	room      *Room
	tickets   *TicketManager
	backplane Backplane
	instance  string
	logger    *slog.Logger
	metrics   *metrics.Relay

	joining          chan *client
	leaving          chan *client
	inbound          chan clientFrame
	injected         chan injection
	newObservers     chan chan []byte
	closingObservers chan chan []byte
	stop             chan struct{}
	stopOnce         sync.Once
	done             chan struct{}
	publish          chan Envelope

	clients   map[*client]struct{}
	byUser    map[string]*client
	observers map[chan []byte]struct{}

	onClose func()
}

type brokerConfig struct {
	id             string
	landscapeToken string
	tickets        *TicketManager
	backplane      Backplane
	instance       string
	logger         *slog.Logger
	metrics        *metrics.Relay
	onClose        func()
}

func newBroker(cfg brokerConfig) *Broker {
	logger := cfg.logger.With("room", cfg.id)
	broker := &Broker{
		id:               cfg.id,
		room:             NewRoom(cfg.id, cfg.landscapeToken, logger),
		tickets:          cfg.tickets,
		backplane:        cfg.backplane,
		instance:         cfg.instance,
		logger:           logger,
		metrics:          cfg.metrics,
		joining:          make(chan *client),
		leaving:          make(chan *client),
		inbound:          make(chan clientFrame, 64),
		injected:         make(chan injection),
		newObservers:     make(chan chan []byte),
		closingObservers: make(chan chan []byte),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
		clients:          make(map[*client]struct{}),
		byUser:           make(map[string]*client),
		observers:        make(map[chan []byte]struct{}),
		onClose:          cfg.onClose,
	}

	var remote <-chan Envelope
	var sub Subscription
	if broker.backplane != nil {
		var err error
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		sub, err = broker.backplane.Subscribe(ctx, cfg.id)
		cancel()
		if err != nil {
			broker.metrics.BackplaneError()
			broker.logger.Error("backplane subscribe failed, serving room locally", "error", err)
		} else {
			remote = sub.Envelopes()
			broker.publish = make(chan Envelope, publishQueueSize)
			go broker.publishLoop()
		}
	}

	broker.metrics.RoomOpened()
	go broker.listen(remote, sub)

	return broker
}

// Close disconnects every client and stops the broker.
func (broker *Broker) Close() {
	broker.stopOnce.Do(func() { close(broker.stop) })
	<-broker.done
}

// Inject relays msg on behalf of the relay itself. A non-empty result names
// why the room refused it.
func (broker *Broker) Inject(ctx context.Context, msg protocol.Message) (string, error) {
	in := injection{msg: msg, reply: make(chan string, 1)}

	select {
	case broker.injected <- in:
	case <-broker.done:
		return "", ErrRoomClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return <-in.reply, nil
}

// ServeHTTP streams every frame relayed in the room as server-sent events,
// starting with the current snapshot.
func (broker *Broker) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	flusher, ok := rw.(http.Flusher)

	if !ok {
		http.Error(rw, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}

	messageChan := make(chan []byte, observerQueueSize)

	select {
	case broker.newObservers <- messageChan:
	case <-broker.done:
		http.Error(rw, "room closed", http.StatusNotFound)
		return
	}

	defer func() {
		select {
		case broker.closingObservers <- messageChan:
		case <-broker.done:
		}
	}()

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case event, ok := <-messageChan:
			if !ok {
				return
			}
			rw.Write(event)
			flusher.Flush()

		case <-req.Context().Done():
			return
		}
	}
}

func sseEvent(name string, data []byte) []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", name, data))
}

func (broker *Broker) listen(remote <-chan Envelope, sub Subscription) {
	defer close(broker.done)
	defer func() {
		if sub != nil {
			sub.Close()
		}
		if broker.publish != nil {
			close(broker.publish)
		}
		for observer := range broker.observers {
			close(observer)
		}
		broker.metrics.RoomClosed()
	}()

	for {
		select {
		case c := <-broker.joining:
			broker.admit(c)

		case c := <-broker.leaving:
			if !broker.remove(c) {
				continue
			}
			if len(broker.clients) == 0 {
				broker.logger.Info("closing room")
				if broker.onClose != nil {
					broker.onClose()
				}
				return
			}

		case frame := <-broker.inbound:
			broker.process(frame)

		case in := <-broker.injected:
			in.reply <- broker.inject(in.msg)

		case env, ok := <-remote:
			if !ok {
				remote = nil
				broker.logger.Warn("backplane subscription ended")
				continue
			}
			broker.receive(env)

		case observer := <-broker.newObservers:
			broker.observers[observer] = struct{}{}
			_, snapshot := broker.room.Snapshot("")
			if data, err := json.Marshal(snapshot); err == nil {
				observer <- sseEvent("snapshot", data)
			}

		case observer := <-broker.closingObservers:
			delete(broker.observers, observer)

		case <-broker.stop:
			for c := range broker.clients {
				c.shutdown()
			}
			if broker.onClose != nil {
				broker.onClose()
			}
			return
		}
	}
}

func (broker *Broker) admit(c *client) {
	if stale, ok := broker.byUser[c.userID]; ok {
		broker.logger.Info("replacing stale connection", "user", c.userID)
		delete(broker.clients, stale)
		stale.shutdown()
		broker.metrics.ClientDisconnected()
	}

	joined := broker.room.Join(protocol.RemoteUser{
		ID:         c.userID,
		Name:       c.name,
		Color:      colorFor(c.userID),
		Position:   c.pose.Position,
		Quaternion: c.pose.Quaternion,
	})

	ticket, err := broker.tickets.Issue(Ticket{RoomID: broker.id, UserID: c.userID, UserName: c.name})
	if err != nil {
		broker.logger.Error("issuing ticket", "user", c.userID, "error", err)
	}
	users, snapshot := broker.room.Snapshot(c.userID)
	welcome := &protocol.SelfConnected{
		RoomID:   broker.id,
		Ticket:   ticket,
		Self:     protocol.UserInfo{ID: c.userID, Name: c.name, Color: joined.Color},
		Users:    users,
		Snapshot: snapshot,
	}

	broker.clients[c] = struct{}{}
	broker.byUser[c.userID] = c
	broker.metrics.ClientConnected()

	broker.deliver(c, welcome)
	broker.relay(c, outbound{audience: toOthers, msg: joined})

	broker.logger.Info("client joined", "user", c.userID, "clients", len(broker.clients))
}

// remove drops c and announces the departure. It reports false for a client
// that was already replaced.
func (broker *Broker) remove(c *client) bool {
	if _, ok := broker.clients[c]; !ok {
		return false
	}
	delete(broker.clients, c)
	c.shutdown()
	broker.metrics.ClientDisconnected()

	if broker.byUser[c.userID] == c {
		delete(broker.byUser, c.userID)
		left := broker.room.Leave(c.userID)
		broker.relay(c, outbound{audience: toOthers, msg: left})
	}

	broker.logger.Info("client left", "user", c.userID, "clients", len(broker.clients))
	return true
}

func (broker *Broker) process(frame clientFrame) {
	c := frame.client
	if _, ok := broker.clients[c]; !ok {
		return
	}

	result := broker.room.Process(c.userID, frame.msg)
	if result.reject != "" {
		broker.metrics.Rejected(result.reject)
		broker.logger.Debug("rejected frame", "user", c.userID, "event", frame.msg.Event(), "reason", result.reject)
		return
	}

	for _, out := range result.out {
		broker.relay(c, out)
	}
	if result.kick != "" {
		broker.kick(result.kick)
	}
}

func (broker *Broker) inject(msg protocol.Message) string {
	result := broker.room.Process(SystemUserID, msg)
	if result.reject != "" {
		broker.metrics.Rejected(result.reject)
		return result.reject
	}

	for _, out := range result.out {
		if out.audience != toSender {
			broker.relay(nil, out)
		}
	}
	if result.kick != "" {
		broker.kick(result.kick)
	}
	return ""
}

func (broker *Broker) kick(userID string) {
	if target, ok := broker.byUser[userID]; ok {
		broker.logger.Info("kicking user", "user", userID)
		target.shutdown()
	}
}

// relay delivers out to the local audience and, unless it is a reply,
// to observers and the other relay instances.
func (broker *Broker) relay(from *client, out outbound) {
	frame, err := protocol.Encode(out.msg)
	if err != nil {
		broker.logger.Error("encoding frame", "event", out.msg.Event(), "error", err)
		return
	}
	broker.metrics.Relayed(out.msg.Event())

	switch out.audience {
	case toSender:
		broker.send(from, frame)
		return
	case toOthers:
		for c := range broker.clients {
			if c != from {
				broker.send(c, frame)
			}
		}
	case toEveryone:
		for c := range broker.clients {
			broker.send(c, frame)
		}
	}

	broker.observe(out.msg.Event(), frame)
	if broker.publish != nil {
		select {
		case broker.publish <- Envelope{Origin: broker.instance, RoomID: broker.id, Frame: frame}:
		default:
			broker.metrics.BackplaneError()
			broker.logger.Warn("backplane queue full, dropping frame", "event", out.msg.Event())
		}
	}
}

func (broker *Broker) deliver(c *client, msg protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		broker.logger.Error("encoding frame", "event", msg.Event(), "error", err)
		return
	}
	broker.send(c, frame)
}

func (broker *Broker) send(c *client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		broker.logger.Warn("client too slow, disconnecting", "user", c.userID)
		c.shutdown()
	}
}

func (broker *Broker) observe(event string, frame []byte) {
	if len(broker.observers) == 0 {
		return
	}
	data := sseEvent(event, frame)
	for observer := range broker.observers {
		select {
		case observer <- data:
		default:
		}
	}
}

// receive applies a frame relayed by another instance and passes it to the
// local clients.
func (broker *Broker) receive(env Envelope) {
	if env.Origin == broker.instance {
		return
	}
	broker.metrics.BackplaneReceived()

	msg, err := protocol.Decode(env.Frame)
	if err != nil {
		broker.metrics.BackplaneError()
		broker.logger.Warn("dropping invalid backplane frame", "origin", env.Origin, "error", err)
		return
	}

	broker.room.ApplyRemote(msg)
	for c := range broker.clients {
		broker.send(c, env.Frame)
	}
	broker.observe(msg.Event(), env.Frame)

	if kick, ok := msg.(*protocol.KickUser); ok {
		broker.kick(kick.UserID)
	}
}

func (broker *Broker) publishLoop() {
	for env := range broker.publish {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := broker.backplane.Publish(ctx, env)
		cancel()
		if err != nil {
			broker.metrics.BackplaneError()
			broker.logger.Warn("backplane publish failed", "error", err)
		}
	}
}
