// Package room holds the shared state of a collaboration room as seen by one
// client and applies the deltas carried by inbound messages.
//
// Every apply is idempotent under redelivery. A user leaving the room removes
// everything that user owned in a single update, so subscribers never observe
// a half-removed user.
package room

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/james226/collab-session/protocol"
)

// DefaultChatLimit bounds the chat log when no limit is configured.
const DefaultChatLimit = 200

// Popup is an info popup pinned by a user.
type Popup struct {
	MenuID   string         `json:"menuId"`
	UserID   string         `json:"userId"`
	EntityID string         `json:"entityId"`
	Position *protocol.Vec3 `json:"position,omitempty"`
}

// Transform is the last known placement of a moved object.
type Transform struct {
	UserID     string        `json:"userId"`
	Position   protocol.Vec3 `json:"position"`
	Quaternion protocol.Quat `json:"quaternion"`
	Scale      protocol.Vec3 `json:"scale"`
}

// ChatEntry is one line of the room chat log.
type ChatEntry struct {
	MsgID     string `json:"msgId,omitempty"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	IsEvent   bool   `json:"isEvent,omitempty"`
}

type highlightKey struct {
	userID   string
	entityID string
}

// Store is the canonical local view of a room.
//
// Apply calls are serialized so subscribers see changes in apply order.
// Reads take a shared lock and return copies.
type Store struct {
	applyMu sync.Mutex
	mu      sync.RWMutex

	self        protocol.UserInfo
	muted       bool
	landscape   protocol.LandscapeRef
	mode        string
	users       map[string]protocol.RemoteUser
	highlights  map[highlightKey]protocol.HighlightEntry
	components  map[string]bool
	menus       map[string]protocol.DetachedMenu
	popups      map[string]Popup
	annotations map[string]protocol.Annotation
	editLocks   map[string]string
	spectating  map[string]protocol.SpectateLink
	transforms  map[string]Transform
	chat        []ChatEntry
	chatLimit   int
	version     uint64

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int

	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithChatLimit bounds the chat log; older entries are dropped first.
func WithChatLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.chatLimit = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		chatLimit: DefaultChatLimit,
		subs:      make(map[int]func(Change)),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "room_store")
	s.reset()
	return s
}

func (s *Store) reset() {
	s.users = make(map[string]protocol.RemoteUser)
	s.highlights = make(map[highlightKey]protocol.HighlightEntry)
	s.components = make(map[string]bool)
	s.menus = make(map[string]protocol.DetachedMenu)
	s.popups = make(map[string]Popup)
	s.annotations = make(map[string]protocol.Annotation)
	s.editLocks = make(map[string]string)
	s.spectating = make(map[string]protocol.SpectateLink)
	s.transforms = make(map[string]Transform)
}

// Subscribe registers fn for every subsequent change and returns a function
// that unregisters it. fn runs on the applying goroutine after the state lock
// is released; it may read the store but must not call Apply or Replace.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify(change Change) {
	s.subMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

// Apply applies an inbound message. It reports false, leaving the store
// untouched, when the message carries no room state or refers to state the
// store does not hold.
func (s *Store) Apply(msg protocol.Message) (Change, bool) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	change, ok := s.apply(msg)
	if ok {
		s.version++
		change.Version = s.version
		change.Message = msg
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("message left room state unchanged", "event", msg.Event())
		return Change{}, false
	}
	s.notify(change)
	return change, true
}

// Replace swaps every collection for the contents of snapshot in one update.
// The chat log and visualization mode are not part of a snapshot and survive.
func (s *Store) Replace(self protocol.UserInfo, users []protocol.RemoteUser, snapshot protocol.RoomSnapshot) Change {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	s.self = self
	s.muted = false
	s.landscape = snapshot.Landscape
	s.reset()

	for _, u := range users {
		if u.ID == self.ID {
			s.muted = u.IsMuted
			continue
		}
		s.users[u.ID] = u
	}
	for _, id := range snapshot.ClosedComponents {
		s.components[id] = false
	}
	for _, id := range snapshot.OpenComponents {
		s.components[id] = true
	}
	for _, h := range snapshot.Highlights {
		if !h.IsHighlighted {
			continue
		}
		s.highlights[highlightKey{userID: h.UserID, entityID: h.EntityID}] = h
	}
	for _, m := range snapshot.DetachedMenus {
		s.menus[m.ObjectID] = m
	}
	for _, a := range snapshot.Annotations {
		s.annotations[a.ObjectID] = a
	}
	for _, l := range snapshot.Spectating {
		s.spectating[l.SpectatingUserID] = l
	}

	s.version++
	change := Change{Kind: ChangeReplaced, UserID: self.ID, Version: s.version}
	s.mu.Unlock()

	s.notify(change)
	return change
}

// Version increases with every applied change.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}
