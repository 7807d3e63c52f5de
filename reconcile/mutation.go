package reconcile

import (
	"sort"
	"strings"

	"github.com/james226/collab-session/protocol"
	"github.com/james226/collab-session/room"
)

// Mutation is an optimistic local change sent to the relay and not yet
// echoed back.
type Mutation interface {
	// Key identifies the state the mutation writes; a newer mutation with the
	// same key supersedes an older one.
	Key() string

	// Replay re-applies the mutation as selfID against a freshly replaced
	// store and returns the message to transmit again. It returns
	// ErrReconciliationConflict when the target no longer exists.
	Replay(store *room.Store, selfID string) (protocol.Message, error)

	// Acknowledges reports whether msg, received from the relay, is the echo
	// of this mutation.
	Acknowledges(msg protocol.Message, selfID string) bool

	// Undo returns the stamped messages that put back what the mutation is
	// about to overwrite in store. It is called before the mutation is
	// applied.
	Undo(store *room.Store, selfID string) []protocol.Message
}

// Highlight toggles the local user's highlight on a set of entities.
type Highlight struct {
	EntityIDs   []string
	EntityType  string
	Highlighted bool
	Color       *protocol.RGB
}

func (h Highlight) Key() string {
	return "highlight:" + joinSorted(h.EntityIDs)
}

// Message builds the outbound update.
func (h Highlight) Message() *protocol.HighlightingUpdate {
	return &protocol.HighlightingUpdate{
		EntityIDs:      append([]string(nil), h.EntityIDs...),
		EntityType:     h.EntityType,
		AreHighlighted: h.Highlighted,
		Color:          h.Color,
	}
}

func (h Highlight) Replay(store *room.Store, selfID string) (protocol.Message, error) {
	return replay(store, selfID, h.Message)
}

func (h Highlight) Acknowledges(msg protocol.Message, selfID string) bool {
	m, ok := msg.(*protocol.HighlightingUpdate)
	return ok && m.Sender() == selfID && m.AreHighlighted == h.Highlighted &&
		joinSorted(m.EntityIDs) == joinSorted(h.EntityIDs)
}

func (h Highlight) Undo(store *room.Store, selfID string) []protocol.Message {
	undo := make([]protocol.Message, 0, len(h.EntityIDs))
	for _, id := range h.EntityIDs {
		msg := &protocol.HighlightingUpdate{EntityIDs: []string{id}, EntityType: h.EntityType}
		if prior, ok := store.Highlight(selfID, id); ok {
			color := prior.Color
			msg.EntityType = prior.EntityType
			msg.AreHighlighted = true
			msg.Color = &color
		}
		msg.SetSender(selfID)
		undo = append(undo, msg)
	}
	return undo
}

// Components opens or closes components.
type Components struct {
	IDs    []string
	Opened bool
}

func (c Components) Key() string {
	return "components:" + joinSorted(c.IDs)
}

// Message builds the outbound update.
func (c Components) Message() *protocol.ComponentUpdate {
	return &protocol.ComponentUpdate{ComponentIDs: append([]string(nil), c.IDs...), AreOpened: c.Opened}
}

func (c Components) Replay(store *room.Store, selfID string) (protocol.Message, error) {
	return replay(store, selfID, c.Message)
}

func (c Components) Acknowledges(msg protocol.Message, selfID string) bool {
	m, ok := msg.(*protocol.ComponentUpdate)
	return ok && m.Sender() == selfID && m.AreOpened == c.Opened &&
		joinSorted(m.ComponentIDs) == joinSorted(c.IDs)
}

func (c Components) Undo(store *room.Store, selfID string) []protocol.Message {
	undo := make([]protocol.Message, 0, len(c.IDs))
	for _, id := range c.IDs {
		msg := &protocol.ComponentUpdate{ComponentIDs: []string{id}, AreOpened: store.IsOpen(id)}
		msg.SetSender(selfID)
		undo = append(undo, msg)
	}
	return undo
}

// AnnotationUpdate rewrites an annotation the local user was editing.
type AnnotationUpdate struct {
	ObjectID string
	Title    string
	Text     string
}

func (a AnnotationUpdate) Key() string {
	return "annotation:" + a.ObjectID
}

// Message builds the outbound update as selfID.
func (a AnnotationUpdate) Message(selfID string) *protocol.AnnotationUpdated {
	return &protocol.AnnotationUpdated{ObjectID: a.ObjectID, Title: a.Title, Text: a.Text, LastEditor: selfID}
}

func (a AnnotationUpdate) Replay(store *room.Store, selfID string) (protocol.Message, error) {
	if _, ok := store.Annotation(a.ObjectID); !ok {
		return nil, conflict(a.Key(), "annotation is gone")
	}
	if holder, ok := store.EditLockHolder(a.ObjectID); ok && holder != selfID {
		return nil, conflict(a.Key(), "annotation is being edited by "+holder)
	}
	return replay(store, selfID, func() *protocol.AnnotationUpdated { return a.Message(selfID) })
}

func (a AnnotationUpdate) Acknowledges(msg protocol.Message, selfID string) bool {
	m, ok := msg.(*protocol.AnnotationUpdated)
	return ok && m.Sender() == selfID && m.ObjectID == a.ObjectID
}

func (a AnnotationUpdate) Undo(store *room.Store, selfID string) []protocol.Message {
	prior, ok := store.Annotation(a.ObjectID)
	if !ok {
		return nil
	}
	restore := &protocol.AnnotationUpdated{ObjectID: prior.ObjectID, Title: prior.Title, Text: prior.Text, LastEditor: prior.LastEditor}
	restore.SetSender(selfID)
	undo := []protocol.Message{restore}

	// Applying the update released the lock; the relay never saw that.
	if holder, ok := store.EditLockHolder(a.ObjectID); ok {
		lock := &protocol.AnnotationEdit{ObjectID: a.ObjectID}
		lock.SetSender(holder)
		undo = append(undo, lock)
	}
	return undo
}

// MenuClose closes a detached menu.
type MenuClose struct {
	MenuID string
}

func (c MenuClose) Key() string {
	return "menu:" + c.MenuID
}

func (c MenuClose) Message() *protocol.DetachedMenuClosed {
	return &protocol.DetachedMenuClosed{MenuID: c.MenuID}
}

func (c MenuClose) Replay(store *room.Store, selfID string) (protocol.Message, error) {
	if _, ok := store.Menu(c.MenuID); !ok {
		return nil, conflict(c.Key(), "menu is gone")
	}
	return replay(store, selfID, c.Message)
}

func (c MenuClose) Acknowledges(msg protocol.Message, selfID string) bool {
	m, ok := msg.(*protocol.DetachedMenuClosed)
	return ok && m.Sender() == selfID && m.MenuID == c.MenuID
}

func (c MenuClose) Undo(store *room.Store, selfID string) []protocol.Message {
	menu, ok := store.Menu(c.MenuID)
	if !ok {
		return nil
	}
	detached := &protocol.MenuDetached{
		ObjectID:   menu.ObjectID,
		EntityID:   menu.EntityID,
		EntityType: menu.EntityType,
		Position:   menu.Position,
		Quaternion: menu.Quaternion,
		Scale:      menu.Scale,
	}
	detached.SetSender(menu.UserID)
	undo := []protocol.Message{detached}

	for _, a := range store.AnchoredAnnotations(c.MenuID) {
		opened := &protocol.AnnotationOpened{
			ObjectID:   a.ObjectID,
			EntityID:   a.EntityID,
			MenuID:     a.MenuID,
			Title:      a.Title,
			Text:       a.Text,
			Owner:      a.Owner,
			LastEditor: a.LastEditor,
		}
		opened.SetSender(a.Owner)
		undo = append(undo, opened)
		if holder, ok := store.EditLockHolder(a.ObjectID); ok {
			lock := &protocol.AnnotationEdit{ObjectID: a.ObjectID}
			lock.SetSender(holder)
			undo = append(undo, lock)
		}
	}
	return undo
}

// replay applies a copy stamped as selfID and returns a fresh unstamped one
// for sending.
func replay[M protocol.Sender](store *room.Store, selfID string, build func() M) (protocol.Message, error) {
	local := build()
	local.SetSender(selfID)
	store.Apply(local)
	return build(), nil
}

func joinSorted(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
