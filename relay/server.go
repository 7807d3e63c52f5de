// Package relay is the reference relay a collaboration session connects to.
//
// Each room is owned by a Broker goroutine holding the authoritative room
// state. Clients speak the session protocol over /ws; observers can follow a
// room over server-sent events. With a Redis backplane several relay
// instances can serve the same room.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/ksuid"

	"github.com/james226/collab-session/config"
	"github.com/james226/collab-session/metrics"
	"github.com/james226/collab-session/protocol"
)

const (
	writeWait       = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// injectable lists the events that may be posted to a room over HTTP.
var injectable = map[string]bool{
	protocol.EventChatMessage:             true,
	protocol.EventTimestampUpdate:         true,
	protocol.EventVisualizationModeUpdate: true,
	protocol.EventKickUser:                true,
	protocol.EventUserMuteUpdate:          true,
}

// Server routes websocket clients and HTTP requests to room brokers.
type Server struct {
	cfg       config.RelayConfig
	logger    *slog.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Relay
	tickets   *TicketManager
	backplane Backplane
	instance  string

	mu      sync.Mutex
	brokers map[string]*Broker
	closed  bool
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRegistry registers the relay metrics with registry and serves them on
// /metrics.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = registry
	}
}

// WithMetrics records into m instead of collectors registered on the
// server's registry. m should be registered on the same registry.
func WithMetrics(m *metrics.Relay) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func WithBackplane(backplane Backplane) Option {
	return func(s *Server) {
		s.backplane = backplane
	}
}

func NewServer(cfg config.RelayConfig, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		instance: ksuid.New().String(),
		brokers:  make(map[string]*Broker),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "relay", "instance", s.instance)

	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	if s.metrics == nil {
		s.metrics = metrics.NewRelay(metrics.WithRegistry(s.registry))
	}

	defaults := config.Default().Relay
	if s.cfg.PingInterval <= 0 {
		s.cfg.PingInterval = defaults.PingInterval
	}
	if s.cfg.PongTimeout <= s.cfg.PingInterval {
		s.cfg.PongTimeout = 3 * s.cfg.PingInterval
	}
	if s.cfg.TicketTTL <= 0 {
		s.cfg.TicketTTL = defaults.TicketTTL
	}

	secret := []byte(cfg.TicketSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		s.logger.Warn("no ticket secret configured, rejoin tickets will not survive a restart")
	}
	s.tickets = NewTicketManager(secret, s.cfg.TicketTTL)

	return s, nil
}

func setCors(origin string, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		h.ServeHTTP(w, r)
	}

	return http.HandlerFunc(fn)
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Handle("/health", healthController{})
	router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	router.HandleFunc("/ws", s.serveWebsocket)
	router.HandleFunc("/rooms", s.listRooms).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{id:[\\w\\d-]+}/events", s.roomEvents).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{id:[\\w\\d-]+}/messages", s.postMessage).Methods(http.MethodPost, http.MethodOptions)

	return setCors(s.cfg.Origin, router)
}

// ListenAndServe serves the relay on the configured port until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    ":" + s.cfg.Port,
		Handler: s.Handler(),
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "port", s.cfg.Port)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops every room and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	brokers := make([]*Broker, 0, len(s.brokers))
	for _, broker := range s.brokers {
		brokers = append(brokers, broker)
	}
	s.mu.Unlock()

	for _, broker := range brokers {
		broker.Close()
	}
}

// Rooms returns the ids of the rooms open on this instance.
func (s *Server) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.brokers))
	for id := range s.brokers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Room returns the broker of an open room.
func (s *Server) Room(id string) (*Broker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	broker, ok := s.brokers[id]
	return broker, ok
}

func (s *Server) createBroker(id string) *Broker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if broker, ok := s.brokers[id]; ok {
		return broker
	}

	s.logger.Info("creating room", "room", id)
	var broker *Broker
	broker = newBroker(brokerConfig{
		id:             id,
		landscapeToken: s.cfg.LandscapeToken,
		tickets:        s.tickets,
		backplane:      s.backplane,
		instance:       s.instance,
		logger:         s.logger,
		metrics:        s.metrics,
		onClose: func() {
			s.mu.Lock()
			if s.brokers[id] == broker {
				delete(s.brokers, id)
			}
			s.mu.Unlock()
		},
	})
	s.brokers[id] = broker
	return broker
}

// join hands c to the room's broker, replacing a broker that closed while
// c was on its way.
func (s *Server) join(roomID string, c *client) *Broker {
	for {
		broker := s.createBroker(roomID)
		if broker == nil {
			return nil
		}
		select {
		case broker.joining <- c:
			return broker
		case <-broker.done:
		}
	}
}

func (s *Server) listRooms(rw http.ResponseWriter, req *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(s.Rooms())
}

func (s *Server) roomEvents(rw http.ResponseWriter, req *http.Request) {
	broker, ok := s.Room(mux.Vars(req)["id"])
	if !ok {
		http.Error(rw, "room not found", http.StatusNotFound)
		return
	}
	broker.ServeHTTP(rw, req)
}

func (s *Server) postMessage(rw http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodOptions {
		return
	}

	broker, ok := s.Room(mux.Vars(req)["id"])
	if !ok {
		http.Error(rw, "room not found", http.StatusNotFound)
		return
	}

	data, err := io.ReadAll(io.LimitReader(req.Body, maxFrameSize))
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	if !injectable[msg.Event()] {
		http.Error(rw, "event not accepted over http: "+msg.Event(), http.StatusForbidden)
		return
	}
	if chat, ok := msg.(*protocol.ChatMessage); ok && chat.UserName == "" {
		chat.UserName = SystemUserID
	}

	reason, err := broker.Inject(req.Context(), msg)
	switch {
	case errors.Is(err, ErrRoomClosed):
		http.Error(rw, err.Error(), http.StatusNotFound)
	case err != nil:
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
	case reason != "":
		http.Error(rw, reason, http.StatusConflict)
	default:
		rw.WriteHeader(http.StatusAccepted)
	}
}
