package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/james226/collab-session/connection"
	"github.com/james226/collab-session/protocol"
	"github.com/james226/collab-session/reconcile"
)

// mutate applies an optimistic change locally, tracks it until the relay
// echoes it and sends it. While the connection is being re-established the
// change stays pending and goes out again after the next join. A change the
// relay does not echo within the acknowledgement timeout is rolled back.
func (s *Session) mutate(ctx context.Context, m reconcile.Mutation, build func() protocol.Sender) error {
	selfID := s.store.SelfID()
	if selfID == "" || s.conn.State() == connection.Disconnected {
		return connection.ErrNotInRoom
	}

	s.pending.Track(m, s.store.Landscape().LandscapeToken, m.Undo(s.store, selfID)...)
	s.scheduleExpiry()

	local := build()
	local.SetSender(selfID)
	s.store.Apply(local)

	err := s.conn.Send(ctx, build())
	if errors.Is(err, connection.ErrNotInRoom) && s.conn.State() != connection.Disconnected {
		s.logger.Debug("change kept for replay", "key", m.Key())
		return nil
	}
	return err
}

// broadcast sends msg and applies a copy stamped with the local user.
func (s *Session) broadcast(ctx context.Context, build func() protocol.Sender) error {
	if err := s.conn.Send(ctx, build()); err != nil {
		return err
	}
	local := build()
	local.SetSender(s.store.SelfID())
	s.store.Apply(local)
	return nil
}

// SendChat posts a chat line to the room.
func (s *Session) SendChat(ctx context.Context, text string) error {
	msg := protocol.ChatMessage{
		MsgID:     uuid.NewString(),
		UserName:  s.Self().Name,
		Msg:       text,
		Timestamp: s.now().UnixMilli(),
	}
	return s.broadcast(ctx, func() protocol.Sender {
		m := msg
		return &m
	})
}

// ToggleHighlight flips the local user's highlight on entityID and returns
// the new state.
func (s *Session) ToggleHighlight(ctx context.Context, entityID, entityType string) (bool, error) {
	highlighted := !s.store.IsHighlighted(s.store.SelfID(), entityID)
	m := reconcile.Highlight{EntityIDs: []string{entityID}, EntityType: entityType, Highlighted: highlighted}
	if err := s.mutate(ctx, m, func() protocol.Sender { return m.Message() }); err != nil {
		return false, err
	}
	return highlighted, nil
}

// SetComponentsOpened opens or closes components.
func (s *Session) SetComponentsOpened(ctx context.Context, opened bool, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	m := reconcile.Components{IDs: ids, Opened: opened}
	return s.mutate(ctx, m, func() protocol.Sender { return m.Message() })
}

// DetachMenu detaches the menu of an entity into free space and returns it
// under the id the relay assigned.
func (s *Session) DetachMenu(ctx context.Context, entityID, entityType string, pose protocol.Pose, scale protocol.Vec3) (protocol.DetachedMenu, error) {
	req := &protocol.MenuDetached{
		EntityID:   entityID,
		EntityType: entityType,
		Position:   pose.Position,
		Quaternion: pose.Quaternion,
		Scale:      scale,
	}
	resp, err := s.conn.Request(ctx, req)
	if err != nil {
		return protocol.DetachedMenu{}, err
	}
	detached, ok := resp.(*protocol.MenuDetachedResponse)
	if !ok {
		return protocol.DetachedMenu{}, fmt.Errorf("session: unexpected %s answering %s", resp.Event(), req.Event())
	}

	local := *req
	local.Nonce = ""
	local.ObjectID = detached.ObjectID
	local.SetSender(s.store.SelfID())
	s.store.Apply(&local)

	menu, ok := s.store.Menu(detached.ObjectID)
	if !ok {
		return protocol.DetachedMenu{}, fmt.Errorf("%w: %s", ErrUnknownObject, detached.ObjectID)
	}
	return menu, nil
}

// CloseDetachedMenu closes one of the local user's detached menus and the
// annotations anchored to it.
func (s *Session) CloseDetachedMenu(ctx context.Context, menuID string) error {
	menu, ok := s.store.Menu(menuID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObject, menuID)
	}
	if menu.UserID != s.store.SelfID() {
		return fmt.Errorf("%w: %s belongs to %s", ErrNotOwner, menuID, menu.UserID)
	}
	m := reconcile.MenuClose{MenuID: menuID}
	return s.mutate(ctx, m, func() protocol.Sender { return m.Message() })
}

// OpenPopup pins an info popup for an entity.
func (s *Session) OpenPopup(ctx context.Context, menuID, entityID string, position *protocol.Vec3) error {
	return s.broadcast(ctx, func() protocol.Sender {
		m := &protocol.PopupOpened{MenuID: menuID, EntityID: entityID}
		if position != nil {
			pos := *position
			m.Position = &pos
		}
		return m
	})
}

// ClosePopup removes a pinned popup.
func (s *Session) ClosePopup(ctx context.Context, menuID string) error {
	return s.broadcast(ctx, func() protocol.Sender {
		return &protocol.PopupClosed{MenuID: menuID}
	})
}

// MoveObject places a shared object.
func (s *Session) MoveObject(ctx context.Context, objectID string, pose protocol.Pose, scale protocol.Vec3) error {
	return s.broadcast(ctx, func() protocol.Sender {
		return &protocol.ObjectMoved{ObjectID: objectID, Position: pose.Position, Quaternion: pose.Quaternion, Scale: scale}
	})
}

// GrabObject asks for exclusive manipulation of objectID and reports whether
// it was granted.
func (s *Session) GrabObject(ctx context.Context, objectID string) (bool, error) {
	req := &protocol.ObjectGrabbed{ObjectID: objectID}
	resp, err := s.conn.Request(ctx, req)
	if err != nil {
		return false, err
	}
	grabbed, ok := resp.(*protocol.ObjectGrabbedResponse)
	if !ok {
		return false, fmt.Errorf("session: unexpected %s answering %s", resp.Event(), req.Event())
	}
	return grabbed.IsSuccess, nil
}

// ReleaseObject gives up a grab.
func (s *Session) ReleaseObject(ctx context.Context, objectID string) error {
	return s.conn.Send(ctx, &protocol.ObjectReleased{ObjectID: objectID})
}

// AnnotationDraft is the content of a new annotation. EntityID or MenuID
// anchors it.
type AnnotationDraft struct {
	EntityID string
	MenuID   string
	Title    string
	Text     string
}

// OpenAnnotation creates an annotation owned by the local user and returns
// it under the id the relay assigned.
func (s *Session) OpenAnnotation(ctx context.Context, draft AnnotationDraft) (protocol.Annotation, error) {
	if draft.EntityID == "" && draft.MenuID == "" {
		return protocol.Annotation{}, fmt.Errorf("%w: annotation needs an entity or a menu", ErrUnknownObject)
	}
	if draft.EntityID == "" {
		if _, ok := s.store.Menu(draft.MenuID); !ok {
			return protocol.Annotation{}, fmt.Errorf("%w: %s", ErrUnknownObject, draft.MenuID)
		}
	}

	selfID := s.store.SelfID()
	req := &protocol.AnnotationOpened{
		EntityID:   draft.EntityID,
		MenuID:     draft.MenuID,
		Title:      draft.Title,
		Text:       draft.Text,
		Owner:      selfID,
		LastEditor: selfID,
	}
	resp, err := s.conn.Request(ctx, req)
	if err != nil {
		return protocol.Annotation{}, err
	}
	opened, ok := resp.(*protocol.AnnotationResponse)
	if !ok {
		return protocol.Annotation{}, fmt.Errorf("session: unexpected %s answering %s", resp.Event(), req.Event())
	}

	local := *req
	local.Nonce = ""
	local.ObjectID = opened.ObjectID
	local.SetSender(selfID)
	s.store.Apply(&local)

	a, ok := s.store.Annotation(opened.ObjectID)
	if !ok {
		return protocol.Annotation{}, fmt.Errorf("%w: %s", ErrUnknownObject, opened.ObjectID)
	}
	return a, nil
}

// EditAnnotation asks for the edit lock on an annotation and reports whether
// it was granted.
func (s *Session) EditAnnotation(ctx context.Context, objectID string) (bool, error) {
	if _, ok := s.store.Annotation(objectID); !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownObject, objectID)
	}
	req := &protocol.AnnotationEdit{ObjectID: objectID}
	resp, err := s.conn.Request(ctx, req)
	if err != nil {
		return false, err
	}
	edit, ok := resp.(*protocol.AnnotationEditResponse)
	if !ok {
		return false, fmt.Errorf("session: unexpected %s answering %s", resp.Event(), req.Event())
	}
	if edit.IsEditable {
		lock := &protocol.AnnotationEdit{ObjectID: objectID}
		lock.SetSender(s.store.SelfID())
		s.store.Apply(lock)
	}
	return edit.IsEditable, nil
}

// UpdateAnnotation rewrites an annotation and releases the local user's
// edit lock, which EditAnnotation must have granted first.
func (s *Session) UpdateAnnotation(ctx context.Context, objectID, title, text string) error {
	if err := s.checkEditable(objectID); err != nil {
		return err
	}
	if holder, _ := s.store.EditLockHolder(objectID); holder != s.store.SelfID() {
		return fmt.Errorf("%w: %s is not locked for editing", ErrNotEditable, objectID)
	}
	m := reconcile.AnnotationUpdate{ObjectID: objectID, Title: title, Text: text}
	selfID := s.store.SelfID()
	return s.mutate(ctx, m, func() protocol.Sender { return m.Message(selfID) })
}

// CloseAnnotation removes an annotation.
func (s *Session) CloseAnnotation(ctx context.Context, objectID string) error {
	if err := s.checkEditable(objectID); err != nil {
		return err
	}
	return s.broadcast(ctx, func() protocol.Sender {
		return &protocol.AnnotationClosed{ObjectID: objectID}
	})
}

func (s *Session) checkEditable(objectID string) error {
	if _, ok := s.store.Annotation(objectID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObject, objectID)
	}
	if holder, ok := s.store.EditLockHolder(objectID); ok && holder != s.store.SelfID() {
		return fmt.Errorf("%w: %s held by %s", ErrNotEditable, objectID, holder)
	}
	return nil
}

// Spectate follows targetUserID's view, or stops spectating when
// targetUserID is empty.
func (s *Session) Spectate(ctx context.Context, targetUserID, configurationID string) error {
	var target *string
	if targetUserID != "" {
		if targetUserID == s.store.SelfID() {
			return ErrSpectateSelf
		}
		if !s.store.HasParticipant(targetUserID) {
			return fmt.Errorf("%w: %s", ErrUnknownUser, targetUserID)
		}
		target = &targetUserID
	}
	return s.broadcast(ctx, func() protocol.Sender {
		return &protocol.SpectatingUpdate{SpectatedUserID: target, ConfigurationID: configurationID}
	})
}

// UpdatePose publishes the local user's head and controller poses. The
// camera pose is also announced on the next join.
func (s *Session) UpdatePose(ctx context.Context, camera protocol.Pose, controllers ...protocol.Pose) error {
	s.conn.SetPose(camera)
	msg := &protocol.UserPositions{Camera: camera}
	if len(controllers) > 0 {
		c := controllers[0]
		msg.Controller1 = &c
	}
	if len(controllers) > 1 {
		c := controllers[1]
		msg.Controller2 = &c
	}
	return s.conn.Send(ctx, msg)
}

// Ping marks a position for the other users for d.
func (s *Session) Ping(ctx context.Context, entityID string, position protocol.Vec3, d time.Duration) error {
	return s.broadcast(ctx, func() protocol.Sender {
		return &protocol.PingUpdate{EntityID: entityID, Position: position, DurationMs: d.Milliseconds()}
	})
}

// SetVisualizationMode switches the room's display mode.
func (s *Session) SetVisualizationMode(ctx context.Context, mode string) error {
	return s.broadcast(ctx, func() protocol.Sender {
		return &protocol.VisualizationModeUpdate{Mode: mode}
	})
}

// SetTimestamp moves the room's landscape to another point in time.
func (s *Session) SetTimestamp(ctx context.Context, timestamp int64) error {
	return s.broadcast(ctx, func() protocol.Sender {
		return &protocol.TimestampUpdate{Timestamp: timestamp}
	})
}

// MuteUser mutes or unmutes a participant, the local user included.
func (s *Session) MuteUser(ctx context.Context, userID string, muted bool) error {
	if !s.store.HasParticipant(userID) {
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	msg := &protocol.UserMuteUpdate{UserID: userID, IsMuted: muted}
	if err := s.conn.Send(ctx, msg); err != nil {
		return err
	}
	s.store.Apply(&protocol.UserMuteUpdate{UserID: userID, IsMuted: muted})
	return nil
}

// KickUser removes another user from the room. The user disappears from the
// room state when the relay announces the disconnect.
func (s *Session) KickUser(ctx context.Context, userID string) error {
	if _, ok := s.store.User(userID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return s.conn.Send(ctx, &protocol.KickUser{UserID: userID})
}
