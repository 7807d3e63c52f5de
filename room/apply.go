package room

import "github.com/james226/collab-session/protocol"

// apply dispatches one message. The caller holds s.mu.
func (s *Store) apply(msg protocol.Message) (Change, bool) {
	switch m := msg.(type) {
	case *protocol.UserConnected:
		return s.applyUserConnected(m)
	case *protocol.UserDisconnect:
		return s.applyUserDisconnect(m)
	case *protocol.UserPositions:
		return s.applyUserPositions(m)
	case *protocol.HighlightingUpdate:
		return s.applyHighlighting(m)
	case *protocol.ComponentUpdate:
		return s.applyComponents(m)
	case *protocol.MenuDetached:
		return s.applyMenuDetached(m)
	case *protocol.DetachedMenuClosed:
		return s.applyMenuClosed(m)
	case *protocol.ObjectMoved:
		return s.applyObjectMoved(m)
	case *protocol.PopupOpened:
		return s.applyPopupOpened(m)
	case *protocol.PopupClosed:
		return s.applyPopupClosed(m)
	case *protocol.ChatMessage:
		return s.applyChat(m)
	case *protocol.AnnotationOpened:
		return s.applyAnnotationOpened(m)
	case *protocol.AnnotationUpdated:
		return s.applyAnnotationUpdated(m)
	case *protocol.AnnotationClosed:
		return s.applyAnnotationClosed(m)
	case *protocol.AnnotationEdit:
		return s.applyAnnotationEdit(m)
	case *protocol.SpectatingUpdate:
		return s.applySpectating(m)
	case *protocol.VisualizationModeUpdate:
		if m.Mode == s.mode {
			return Change{}, false
		}
		s.mode = m.Mode
		return Change{Kind: ChangeMode, UserID: m.Sender()}, true
	case *protocol.TimestampUpdate:
		if m.Timestamp == s.landscape.Timestamp {
			return Change{}, false
		}
		s.landscape.Timestamp = m.Timestamp
		return Change{Kind: ChangeTimestamp, UserID: m.Sender()}, true
	case *protocol.UserMuteUpdate:
		return s.applyMute(m)
	case *protocol.PingUpdate:
		if !s.participant(m.Sender()) {
			return Change{}, false
		}
		return Change{Kind: ChangePing, UserID: m.Sender(), IDs: nonEmpty(m.EntityID)}, true
	default:
		return Change{}, false
	}
}

// participant reports whether id is the local user or a known remote user.
func (s *Store) participant(id string) bool {
	if id == "" {
		return false
	}
	if id == s.self.ID {
		return true
	}
	_, ok := s.users[id]
	return ok
}

func (s *Store) colorOf(id string) protocol.RGB {
	if id == s.self.ID {
		return s.self.Color
	}
	return s.users[id].Color
}

func (s *Store) applyUserConnected(m *protocol.UserConnected) (Change, bool) {
	if m.ID == s.self.ID {
		return Change{}, false
	}
	existing, known := s.users[m.ID]
	s.users[m.ID] = protocol.RemoteUser{
		ID:         m.ID,
		Name:       m.Name,
		Color:      m.Color,
		Position:   m.Position,
		Quaternion: m.Quaternion,
		IsMuted:    existing.IsMuted,
	}
	if known {
		return Change{Kind: ChangeUserUpdated, UserID: m.ID}, true
	}
	return Change{Kind: ChangeUserJoined, UserID: m.ID}, true
}

func (s *Store) applyUserDisconnect(m *protocol.UserDisconnect) (Change, bool) {
	removed, ok := s.removeUser(m.ID)
	if !ok {
		return Change{}, false
	}
	return Change{Kind: ChangeUserLeft, UserID: m.ID, IDs: removed}, true
}

// removeUser deletes a user and everything the user owns: highlights,
// detached menus with the annotations anchored to them, popups, edit locks
// and every spectate link the user is part of. It returns the removed menu
// and annotation ids.
func (s *Store) removeUser(id string) ([]string, bool) {
	changed := false
	var removed []string

	if _, ok := s.users[id]; ok {
		delete(s.users, id)
		changed = true
	}
	for key := range s.highlights {
		if key.userID == id {
			delete(s.highlights, key)
			changed = true
		}
	}
	for menuID, menu := range s.menus {
		if menu.UserID == id {
			removed = append(removed, s.closeMenu(menuID)...)
			changed = true
		}
	}
	for menuID, popup := range s.popups {
		if popup.UserID == id {
			delete(s.popups, menuID)
			changed = true
		}
	}
	for objectID, holder := range s.editLocks {
		if holder == id {
			delete(s.editLocks, objectID)
			changed = true
		}
	}
	for spectator, link := range s.spectating {
		if spectator == id || link.SpectatedUserID == id {
			delete(s.spectating, spectator)
			changed = true
		}
	}
	return removed, changed
}

// closeMenu removes a detached menu, its transform and the annotations
// anchored to it. It returns the removed ids.
func (s *Store) closeMenu(menuID string) []string {
	delete(s.menus, menuID)
	delete(s.transforms, menuID)
	removed := []string{menuID}
	for objectID, a := range s.annotations {
		if a.MenuID == menuID {
			delete(s.annotations, objectID)
			delete(s.editLocks, objectID)
			removed = append(removed, objectID)
		}
	}
	return removed
}

func (s *Store) applyUserPositions(m *protocol.UserPositions) (Change, bool) {
	u, ok := s.users[m.Sender()]
	if !ok {
		return Change{}, false
	}
	u.Position = m.Camera.Position
	u.Quaternion = m.Camera.Quaternion
	s.users[u.ID] = u
	return Change{Kind: ChangePose, UserID: u.ID}, true
}

func (s *Store) applyHighlighting(m *protocol.HighlightingUpdate) (Change, bool) {
	sender := m.Sender()
	if !s.participant(sender) || len(m.EntityIDs) == 0 {
		return Change{}, false
	}
	color := s.colorOf(sender)
	if m.Color != nil {
		color = *m.Color
	}
	for _, entityID := range m.EntityIDs {
		key := highlightKey{userID: sender, entityID: entityID}
		if !m.AreHighlighted {
			delete(s.highlights, key)
			continue
		}
		s.highlights[key] = protocol.HighlightEntry{
			UserID:        sender,
			EntityID:      entityID,
			EntityType:    m.EntityType,
			IsHighlighted: true,
			Color:         color,
		}
	}
	return Change{Kind: ChangeHighlight, UserID: sender, IDs: append([]string(nil), m.EntityIDs...)}, true
}

func (s *Store) applyComponents(m *protocol.ComponentUpdate) (Change, bool) {
	if len(m.ComponentIDs) == 0 {
		return Change{}, false
	}
	for _, id := range m.ComponentIDs {
		s.components[id] = m.AreOpened
	}
	return Change{Kind: ChangeComponents, UserID: m.Sender(), IDs: append([]string(nil), m.ComponentIDs...)}, true
}

func (s *Store) applyMenuDetached(m *protocol.MenuDetached) (Change, bool) {
	if m.ObjectID == "" || !s.participant(m.Sender()) {
		return Change{}, false
	}
	s.menus[m.ObjectID] = protocol.DetachedMenu{
		ObjectID:   m.ObjectID,
		UserID:     m.Sender(),
		EntityID:   m.EntityID,
		EntityType: m.EntityType,
		Position:   m.Position,
		Quaternion: m.Quaternion,
		Scale:      m.Scale,
	}
	return Change{Kind: ChangeMenuDetached, UserID: m.Sender(), IDs: []string{m.ObjectID}}, true
}

func (s *Store) applyMenuClosed(m *protocol.DetachedMenuClosed) (Change, bool) {
	if _, ok := s.menus[m.MenuID]; !ok {
		return Change{}, false
	}
	removed := s.closeMenu(m.MenuID)
	return Change{Kind: ChangeMenuClosed, UserID: m.Sender(), IDs: removed}, true
}

func (s *Store) applyObjectMoved(m *protocol.ObjectMoved) (Change, bool) {
	if menu, ok := s.menus[m.ObjectID]; ok {
		menu.Position = m.Position
		menu.Quaternion = m.Quaternion
		menu.Scale = m.Scale
		s.menus[m.ObjectID] = menu
	}
	s.transforms[m.ObjectID] = Transform{
		UserID:     m.Sender(),
		Position:   m.Position,
		Quaternion: m.Quaternion,
		Scale:      m.Scale,
	}
	return Change{Kind: ChangeObjectMoved, UserID: m.Sender(), IDs: []string{m.ObjectID}}, true
}

func (s *Store) applyPopupOpened(m *protocol.PopupOpened) (Change, bool) {
	if !s.participant(m.Sender()) {
		return Change{}, false
	}
	popup := Popup{MenuID: m.MenuID, UserID: m.Sender(), EntityID: m.EntityID}
	if m.Position != nil {
		pos := *m.Position
		popup.Position = &pos
	}
	s.popups[m.MenuID] = popup
	return Change{Kind: ChangePopupOpened, UserID: m.Sender(), IDs: []string{m.MenuID}}, true
}

func (s *Store) applyPopupClosed(m *protocol.PopupClosed) (Change, bool) {
	if _, ok := s.popups[m.MenuID]; !ok {
		return Change{}, false
	}
	delete(s.popups, m.MenuID)
	return Change{Kind: ChangePopupClosed, UserID: m.Sender(), IDs: []string{m.MenuID}}, true
}

func (s *Store) applyChat(m *protocol.ChatMessage) (Change, bool) {
	if m.MsgID != "" {
		for _, entry := range s.chat {
			if entry.MsgID == m.MsgID {
				return Change{}, false
			}
		}
	}
	s.chat = append(s.chat, ChatEntry{
		MsgID:     m.MsgID,
		UserID:    m.Sender(),
		UserName:  m.UserName,
		Text:      m.Msg,
		Timestamp: m.Timestamp,
		IsEvent:   m.IsEvent,
	})
	if over := len(s.chat) - s.chatLimit; over > 0 {
		s.chat = append([]ChatEntry(nil), s.chat[over:]...)
	}
	return Change{Kind: ChangeChat, UserID: m.Sender(), IDs: nonEmpty(m.MsgID)}, true
}

func (s *Store) applyAnnotationOpened(m *protocol.AnnotationOpened) (Change, bool) {
	if m.ObjectID == "" {
		return Change{}, false
	}
	if m.MenuID != "" && m.EntityID == "" {
		if _, ok := s.menus[m.MenuID]; !ok {
			return Change{}, false
		}
	}
	lastEditor := m.LastEditor
	if lastEditor == "" {
		lastEditor = m.Owner
	}
	s.annotations[m.ObjectID] = protocol.Annotation{
		ObjectID:   m.ObjectID,
		EntityID:   m.EntityID,
		MenuID:     m.MenuID,
		Title:      m.Title,
		Text:       m.Text,
		Owner:      m.Owner,
		LastEditor: lastEditor,
	}
	return Change{Kind: ChangeAnnotationOpened, UserID: m.Sender(), IDs: []string{m.ObjectID}}, true
}

func (s *Store) applyAnnotationUpdated(m *protocol.AnnotationUpdated) (Change, bool) {
	a, ok := s.annotations[m.ObjectID]
	if !ok {
		return Change{}, false
	}
	a.Title = m.Title
	a.Text = m.Text
	a.LastEditor = m.LastEditor
	s.annotations[m.ObjectID] = a
	delete(s.editLocks, m.ObjectID)
	return Change{Kind: ChangeAnnotationUpdated, UserID: m.Sender(), IDs: []string{m.ObjectID}}, true
}

func (s *Store) applyAnnotationClosed(m *protocol.AnnotationClosed) (Change, bool) {
	if _, ok := s.annotations[m.ObjectID]; !ok {
		return Change{}, false
	}
	delete(s.annotations, m.ObjectID)
	delete(s.editLocks, m.ObjectID)
	return Change{Kind: ChangeAnnotationClosed, UserID: m.Sender(), IDs: []string{m.ObjectID}}, true
}

func (s *Store) applyAnnotationEdit(m *protocol.AnnotationEdit) (Change, bool) {
	if _, ok := s.annotations[m.ObjectID]; !ok || !s.participant(m.Sender()) {
		return Change{}, false
	}
	s.editLocks[m.ObjectID] = m.Sender()
	return Change{Kind: ChangeAnnotationLocked, UserID: m.Sender(), IDs: []string{m.ObjectID}}, true
}

func (s *Store) applySpectating(m *protocol.SpectatingUpdate) (Change, bool) {
	spectator := m.Sender()
	if !s.participant(spectator) {
		return Change{}, false
	}
	if m.SpectatedUserID == nil {
		if _, ok := s.spectating[spectator]; !ok {
			return Change{}, false
		}
		delete(s.spectating, spectator)
		return Change{Kind: ChangeSpectating, UserID: spectator}, true
	}

	target := *m.SpectatedUserID
	if target == spectator || !s.participant(target) {
		return Change{}, false
	}
	s.spectating[spectator] = protocol.SpectateLink{
		SpectatingUserID: spectator,
		SpectatedUserID:  target,
		ConfigurationID:  m.ConfigurationID,
	}
	return Change{Kind: ChangeSpectating, UserID: spectator, IDs: []string{target}}, true
}

func (s *Store) applyMute(m *protocol.UserMuteUpdate) (Change, bool) {
	if m.UserID == s.self.ID && s.self.ID != "" {
		s.muted = m.IsMuted
		return Change{Kind: ChangeMute, UserID: m.UserID}, true
	}
	u, ok := s.users[m.UserID]
	if !ok {
		return Change{}, false
	}
	u.IsMuted = m.IsMuted
	s.users[m.UserID] = u
	return Change{Kind: ChangeMute, UserID: m.UserID}, true
}

func nonEmpty(id string) []string {
	if id == "" {
		return nil
	}
	return []string{id}
}
