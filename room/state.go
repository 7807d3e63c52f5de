package room

import (
	"sort"

	"github.com/james226/collab-session/protocol"
)

// State is a deep copy of the store, safe to keep and read without locking.
// Collections are sorted so equal states compare equal.
type State struct {
	Self             protocol.UserInfo
	Muted            bool
	Landscape        protocol.LandscapeRef
	Mode             string
	Users            []protocol.RemoteUser
	Highlights       []protocol.HighlightEntry
	OpenComponents   []string
	ClosedComponents []string
	DetachedMenus    []protocol.DetachedMenu
	Popups           []Popup
	Annotations      []protocol.Annotation
	EditLocks        map[string]string
	Spectating       []protocol.SpectateLink
	Transforms       map[string]Transform
	Chat             []ChatEntry
	Version          uint64
}

// State returns a copy of the current room state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := State{
		Self:       s.self,
		Muted:      s.muted,
		Landscape:  s.landscape,
		Mode:       s.mode,
		EditLocks:  make(map[string]string, len(s.editLocks)),
		Transforms: make(map[string]Transform, len(s.transforms)),
		Chat:       append([]ChatEntry(nil), s.chat...),
		Version:    s.version,
	}

	for _, u := range s.users {
		st.Users = append(st.Users, u)
	}
	sort.Slice(st.Users, func(i, j int) bool { return st.Users[i].ID < st.Users[j].ID })

	for _, h := range s.highlights {
		st.Highlights = append(st.Highlights, h)
	}
	sort.Slice(st.Highlights, func(i, j int) bool {
		a, b := st.Highlights[i], st.Highlights[j]
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.UserID < b.UserID
	})

	for id, open := range s.components {
		if open {
			st.OpenComponents = append(st.OpenComponents, id)
		} else {
			st.ClosedComponents = append(st.ClosedComponents, id)
		}
	}
	sort.Strings(st.OpenComponents)
	sort.Strings(st.ClosedComponents)

	for _, m := range s.menus {
		st.DetachedMenus = append(st.DetachedMenus, m)
	}
	sort.Slice(st.DetachedMenus, func(i, j int) bool { return st.DetachedMenus[i].ObjectID < st.DetachedMenus[j].ObjectID })

	for _, p := range s.popups {
		if p.Position != nil {
			pos := *p.Position
			p.Position = &pos
		}
		st.Popups = append(st.Popups, p)
	}
	sort.Slice(st.Popups, func(i, j int) bool { return st.Popups[i].MenuID < st.Popups[j].MenuID })

	for _, a := range s.annotations {
		st.Annotations = append(st.Annotations, a)
	}
	sort.Slice(st.Annotations, func(i, j int) bool { return st.Annotations[i].ObjectID < st.Annotations[j].ObjectID })

	for id, holder := range s.editLocks {
		st.EditLocks[id] = holder
	}

	for _, l := range s.spectating {
		st.Spectating = append(st.Spectating, l)
	}
	sort.Slice(st.Spectating, func(i, j int) bool {
		return st.Spectating[i].SpectatingUserID < st.Spectating[j].SpectatingUserID
	})

	for id, t := range s.transforms {
		st.Transforms[id] = t
	}
	return st
}

// SelfID returns the local user's id, empty before the first join.
func (s *Store) SelfID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self.ID
}

// Landscape returns the landscape the room currently shows.
func (s *Store) Landscape() protocol.LandscapeRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.landscape
}

// User returns a remote user by id.
func (s *Store) User(id string) (protocol.RemoteUser, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

// HasParticipant reports whether id is the local user or a known remote user.
func (s *Store) HasParticipant(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.participant(id)
}

// IsHighlighted reports whether userID currently highlights entityID.
func (s *Store) IsHighlighted(userID, entityID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.highlights[highlightKey{userID: userID, entityID: entityID}]
	return ok
}

// Highlight returns userID's highlight of entityID.
func (s *Store) Highlight(userID, entityID string) (protocol.HighlightEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.highlights[highlightKey{userID: userID, entityID: entityID}]
	return h, ok
}

// IsOpen reports whether a component is open.
func (s *Store) IsOpen(componentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.components[componentID]
}

// Menu returns a detached menu by object id.
func (s *Store) Menu(objectID string) (protocol.DetachedMenu, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.menus[objectID]
	return m, ok
}

// Annotation returns an annotation by object id.
func (s *Store) Annotation(objectID string) (protocol.Annotation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.annotations[objectID]
	return a, ok
}

// AnchoredAnnotations returns the annotations anchored to a detached menu,
// ordered by object id.
func (s *Store) AnchoredAnnotations(menuID string) []protocol.Annotation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []protocol.Annotation
	for _, a := range s.annotations {
		if a.MenuID == menuID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID < out[j].ObjectID })
	return out
}

// EditLockHolder returns the user holding an annotation's edit lock.
func (s *Store) EditLockHolder(objectID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	holder, ok := s.editLocks[objectID]
	return holder, ok
}

// SpectateTarget returns whom userID is spectating.
func (s *Store) SpectateTarget(userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.spectating[userID]
	return l.SpectatedUserID, ok
}

// Spectators returns the users currently watching userID, sorted.
func (s *Store) Spectators(userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for spectator, l := range s.spectating {
		if l.SpectatedUserID == userID {
			ids = append(ids, spectator)
		}
	}
	sort.Strings(ids)
	return ids
}
