package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/james226/collab-session/protocol"
)

var (
	alice = protocol.UserInfo{ID: "alice", Name: "Alice", Color: protocol.RGB{1, 0, 0}}
	bob   = protocol.RemoteUser{ID: "bob", Name: "Bob", Color: protocol.RGB{0, 1, 0}, Quaternion: protocol.IdentityQuat}
	carol = protocol.RemoteUser{ID: "carol", Name: "Carol", Color: protocol.RGB{0, 0, 1}, Quaternion: protocol.IdentityQuat}
)

func joined(t *testing.T, users ...protocol.RemoteUser) *Store {
	t.Helper()
	s := NewStore()
	s.Replace(alice, users, protocol.RoomSnapshot{Landscape: protocol.LandscapeRef{LandscapeToken: "land"}})
	return s
}

func decode(t *testing.T, raw string) protocol.Message {
	t.Helper()
	msg, err := protocol.Decode([]byte(raw))
	require.NoError(t, err)
	return msg
}

func mustApply(t *testing.T, s *Store, msg protocol.Message) Change {
	t.Helper()
	change, ok := s.Apply(msg)
	require.True(t, ok, "%s left the store unchanged", msg.Event())
	return change
}

func highlight(user string, on bool, ids ...string) *protocol.HighlightingUpdate {
	m := &protocol.HighlightingUpdate{EntityIDs: ids, EntityType: "class", AreHighlighted: on}
	m.SetSender(user)
	return m
}

func detach(user, objectID, entityID string) *protocol.MenuDetached {
	m := &protocol.MenuDetached{
		ObjectID:   objectID,
		EntityID:   entityID,
		EntityType: "class",
		Quaternion: protocol.IdentityQuat,
		Scale:      protocol.UnitScale,
	}
	m.SetSender(user)
	return m
}

func spectate(user, target string) *protocol.SpectatingUpdate {
	m := &protocol.SpectatingUpdate{ConfigurationID: "default"}
	if target != "" {
		m.SpectatedUserID = &target
	}
	m.SetSender(user)
	return m
}

func TestUserConnectedIsIdempotent(t *testing.T) {
	s := joined(t)
	raw := `{"event":"user_connected","id":"bob","name":"Bob","color":[0,1,0],"position":{"x":1,"y":2,"z":3},"quaternion":{"x":0,"y":0,"z":0,"w":1}}`

	first := mustApply(t, s, decode(t, raw))
	assert.Equal(t, ChangeUserJoined, first.Kind)
	once := s.State()

	second := mustApply(t, s, decode(t, raw))
	assert.Equal(t, ChangeUserUpdated, second.Kind)
	twice := s.State()

	require.Len(t, twice.Users, 1)
	assert.Equal(t, once.Users, twice.Users)
	assert.Equal(t, protocol.Vec3{X: 1, Y: 2, Z: 3}, twice.Users[0].Position)
}

func TestUserConnectedKeepsMuteState(t *testing.T) {
	s := joined(t, bob)
	mustApply(t, s, &protocol.UserMuteUpdate{UserID: "bob", IsMuted: true})
	mustApply(t, s, &protocol.UserConnected{ID: "bob", Name: "Robert", Color: bob.Color, Quaternion: protocol.IdentityQuat})

	u, ok := s.User("bob")
	require.True(t, ok)
	assert.Equal(t, "Robert", u.Name)
	assert.True(t, u.IsMuted)
}

func TestUserConnectedForSelfIsIgnored(t *testing.T) {
	s := joined(t)
	_, ok := s.Apply(&protocol.UserConnected{ID: "alice", Name: "Alice", Quaternion: protocol.IdentityQuat})
	assert.False(t, ok)
	assert.Empty(t, s.State().Users)
}

func TestHighlightingReplacesRatherThanAppends(t *testing.T) {
	s := joined(t, bob)
	mustApply(t, s, highlight("bob", true, "e1", "e2"))
	mustApply(t, s, highlight("bob", true, "e1"))

	st := s.State()
	require.Len(t, st.Highlights, 2)
	assert.Equal(t, bob.Color, st.Highlights[0].Color)

	mustApply(t, s, highlight("bob", false, "e1"))
	assert.False(t, s.IsHighlighted("bob", "e1"))
	assert.True(t, s.IsHighlighted("bob", "e2"))
}

func TestHighlightingExplicitColorWins(t *testing.T) {
	s := joined(t, bob)
	m := highlight("bob", true, "e1")
	m.Color = &protocol.RGB{0.5, 0.5, 0.5}
	mustApply(t, s, m)
	assert.Equal(t, protocol.RGB{0.5, 0.5, 0.5}, s.State().Highlights[0].Color)
}

func TestHighlightingFromUnknownUserIsDropped(t *testing.T) {
	s := joined(t, bob)
	before := s.State()
	_, ok := s.Apply(highlight("mallory", true, "e1"))
	assert.False(t, ok)
	assert.Equal(t, before, s.State())
}

func TestDisconnectCascadeRemovesEverythingOwned(t *testing.T) {
	s := joined(t, bob, carol)

	mustApply(t, s, highlight("bob", true, "e1", "e2"))
	mustApply(t, s, highlight("carol", true, "e1"))
	mustApply(t, s, detach("bob", "menu-b", "e3"))
	mustApply(t, s, detach("carol", "menu-c", "e4"))
	mustApply(t, s, &protocol.AnnotationOpened{ObjectID: "ann-menu", MenuID: "menu-b", Title: "t", Owner: "bob"})
	mustApply(t, s, &protocol.AnnotationOpened{ObjectID: "ann-entity", EntityID: "e1", Title: "t", Owner: "bob"})
	edit := &protocol.AnnotationEdit{ObjectID: "ann-entity"}
	edit.SetSender("bob")
	mustApply(t, s, edit)
	popup := &protocol.PopupOpened{MenuID: "popup-b", EntityID: "e5"}
	popup.SetSender("bob")
	mustApply(t, s, popup)
	mustApply(t, s, spectate("carol", "bob"))
	mustApply(t, s, spectate("bob", "alice"))

	var notified []Change
	cancel := s.Subscribe(func(c Change) { notified = append(notified, c) })
	defer cancel()

	change := mustApply(t, s, &protocol.UserDisconnect{ID: "bob"})
	assert.Equal(t, ChangeUserLeft, change.Kind)
	assert.ElementsMatch(t, []string{"menu-b", "ann-menu"}, change.IDs)
	require.Len(t, notified, 1, "cascade must be a single notification")

	st := s.State()
	require.Len(t, st.Users, 1)
	assert.Equal(t, "carol", st.Users[0].ID)
	for _, h := range st.Highlights {
		assert.NotEqual(t, "bob", h.UserID)
	}
	for _, m := range st.DetachedMenus {
		assert.NotEqual(t, "bob", m.UserID)
	}
	for _, l := range st.Spectating {
		assert.NotEqual(t, "bob", l.SpectatingUserID)
		assert.NotEqual(t, "bob", l.SpectatedUserID)
	}
	assert.Empty(t, st.Popups)
	assert.Empty(t, st.EditLocks)

	// Unrelated state is untouched.
	assert.True(t, s.IsHighlighted("carol", "e1"))
	_, ok := s.Menu("menu-c")
	assert.True(t, ok)
	_, ok = s.Annotation("ann-entity")
	assert.True(t, ok, "entity-anchored annotations outlive their owner")
	_, ok = s.Annotation("ann-menu")
	assert.False(t, ok)
}

func TestDisconnectUnknownUserIsNoop(t *testing.T) {
	s := joined(t, bob)
	before := s.State()
	_, ok := s.Apply(&protocol.UserDisconnect{ID: "ghost"})
	assert.False(t, ok)
	assert.Equal(t, before, s.State())
}

func TestMalformedInputNeverMutatesState(t *testing.T) {
	s := joined(t, bob)
	mustApply(t, s, highlight("bob", true, "e1"))
	mustApply(t, s, detach("bob", "menu-b", "e3"))
	before := s.State()

	payloads := []string{
		`null`,
		`{"event":"user_disconnect"}`,
		`{"event":"user_disconnect","id":7}`,
		`{"event":"highlighting_update","userId":"bob","endityIds":["e1"],"areHighlighted":false}`,
		`{"event":"detached_menu_closed","userId":"bob","menu":"menu-b"}`,
		`{"event":"object_moved","userId":"bob","object":"menu-b","position":{"x":9,"y":9,"z":9},"quaternion":{"x":0,"y":0,"z":0,"w":1},"scale":{"x":1,"y":1,"z":1}}`,
		`{"event":"component_update","componentIds":["c1",null],"areOpened":true}`,
		`{"event":"spectating_update","userId":"bob"}`,
	}
	for _, raw := range payloads {
		msg, err := protocol.Decode([]byte(raw))
		require.Error(t, err, raw)
		assert.Nil(t, msg)
	}
	assert.Equal(t, before, s.State())
}

func TestReplaceDropsStaleState(t *testing.T) {
	s := joined(t, bob, carol)
	mustApply(t, s, highlight("bob", true, "stale-entity"))
	mustApply(t, s, detach("carol", "stale-menu", "e9"))
	mustApply(t, s, &protocol.ComponentUpdate{ComponentIDs: []string{"stale-c"}, AreOpened: true})
	mustApply(t, s, spectate("carol", "bob"))
	mustApply(t, s, &protocol.ChatMessage{MsgID: "m1", Msg: "hello", Timestamp: 1})

	change := s.Replace(alice, []protocol.RemoteUser{carol}, protocol.RoomSnapshot{
		Landscape:      protocol.LandscapeRef{LandscapeToken: "land2", Timestamp: 5},
		OpenComponents: []string{"fresh-c"},
		Highlights: []protocol.HighlightEntry{
			{UserID: "carol", EntityID: "fresh-entity", EntityType: "class", IsHighlighted: true, Color: carol.Color},
			{UserID: "carol", EntityID: "off", EntityType: "class", IsHighlighted: false, Color: carol.Color},
		},
	})
	assert.Equal(t, ChangeReplaced, change.Kind)

	st := s.State()
	require.Len(t, st.Users, 1)
	assert.Equal(t, "carol", st.Users[0].ID)
	assert.Equal(t, []string{"fresh-c"}, st.OpenComponents)
	assert.Empty(t, st.ClosedComponents)
	require.Len(t, st.Highlights, 1)
	assert.Equal(t, "fresh-entity", st.Highlights[0].EntityID)
	assert.Empty(t, st.DetachedMenus)
	assert.Empty(t, st.Spectating)
	assert.Equal(t, "land2", st.Landscape.LandscapeToken)
	assert.Len(t, st.Chat, 1, "chat history survives a rejoin")
}

func TestMidSessionJoinAdoptsSnapshot(t *testing.T) {
	s := NewStore()
	// Whatever the local UI had open before joining is irrelevant.
	mustApply(t, s, &protocol.ComponentUpdate{ComponentIDs: []string{"local-1", "c1"}, AreOpened: true})

	menu := protocol.DetachedMenu{
		ObjectID: "menu-1", UserID: "bob", EntityID: "e1", EntityType: "class",
		Quaternion: protocol.IdentityQuat, Scale: protocol.UnitScale,
	}
	s.Replace(alice, []protocol.RemoteUser{bob}, protocol.RoomSnapshot{
		Landscape:      protocol.LandscapeRef{LandscapeToken: "land"},
		OpenComponents: []string{"c2", "c1"},
		DetachedMenus:  []protocol.DetachedMenu{menu},
	})

	st := s.State()
	assert.Equal(t, []string{"c1", "c2"}, st.OpenComponents)
	assert.Equal(t, []protocol.DetachedMenu{menu}, st.DetachedMenus)
	assert.False(t, s.IsOpen("local-1"))
}

func TestReplaceExcludesSelfFromRoster(t *testing.T) {
	s := NewStore()
	me := protocol.RemoteUser{ID: "alice", Name: "Alice", Quaternion: protocol.IdentityQuat, IsMuted: true}
	s.Replace(alice, []protocol.RemoteUser{me, bob}, protocol.RoomSnapshot{})

	st := s.State()
	require.Len(t, st.Users, 1)
	assert.Equal(t, "bob", st.Users[0].ID)
	assert.True(t, st.Muted)
	assert.Equal(t, "alice", s.SelfID())
}

func TestSpectateAfterDisconnectCreatesNoLink(t *testing.T) {
	s := joined(t, bob)
	mustApply(t, s, highlight("bob", true, "e1"))
	assert.True(t, s.IsHighlighted("bob", "e1"))

	mustApply(t, s, &protocol.UserDisconnect{ID: "bob"})
	assert.Empty(t, s.State().Highlights)

	_, ok := s.Apply(spectate("alice", "bob"))
	assert.False(t, ok)
	assert.Empty(t, s.State().Spectating)
}

func TestSpectatingKeepsOneTargetPerSpectator(t *testing.T) {
	s := joined(t, bob, carol)
	mustApply(t, s, spectate("alice", "bob"))
	mustApply(t, s, spectate("alice", "carol"))

	target, ok := s.SpectateTarget("alice")
	require.True(t, ok)
	assert.Equal(t, "carol", target)
	assert.Len(t, s.State().Spectating, 1)
	assert.Equal(t, []string{"alice"}, s.Spectators("carol"))

	_, ok = s.Apply(spectate("alice", "alice"))
	assert.False(t, ok)

	mustApply(t, s, spectate("alice", ""))
	assert.Empty(t, s.State().Spectating)
	_, ok = s.Apply(spectate("alice", ""))
	assert.False(t, ok, "stopping twice is a no-op")
}

func TestMenuCloseRemovesAnchoredAnnotations(t *testing.T) {
	s := joined(t, bob)
	mustApply(t, s, detach("bob", "menu-1", "e1"))
	mustApply(t, s, &protocol.AnnotationOpened{ObjectID: "ann-1", MenuID: "menu-1", Title: "t", Owner: "bob"})

	change := mustApply(t, s, &protocol.DetachedMenuClosed{MenuID: "menu-1"})
	assert.Equal(t, []string{"menu-1", "ann-1"}, change.IDs)
	assert.Empty(t, s.State().Annotations)

	_, ok := s.Apply(&protocol.DetachedMenuClosed{MenuID: "menu-1"})
	assert.False(t, ok)
}

func TestAnnotationLockLifecycle(t *testing.T) {
	s := joined(t, bob)
	mustApply(t, s, &protocol.AnnotationOpened{ObjectID: "ann-1", EntityID: "e1", Title: "t", Text: "x", Owner: "bob"})
	a, _ := s.Annotation("ann-1")
	assert.Equal(t, "bob", a.LastEditor)

	edit := &protocol.AnnotationEdit{ObjectID: "ann-1"}
	edit.SetSender("bob")
	mustApply(t, s, edit)
	holder, ok := s.EditLockHolder("ann-1")
	require.True(t, ok)
	assert.Equal(t, "bob", holder)

	mustApply(t, s, &protocol.AnnotationUpdated{ObjectID: "ann-1", Title: "t2", Text: "y", LastEditor: "bob"})
	_, ok = s.EditLockHolder("ann-1")
	assert.False(t, ok)

	mustApply(t, s, edit)
	mustApply(t, s, &protocol.AnnotationClosed{ObjectID: "ann-1"})
	assert.Empty(t, s.State().EditLocks)
	assert.Empty(t, s.State().Annotations)
}

func TestAnnotationOnMissingMenuIsDropped(t *testing.T) {
	s := joined(t)
	_, ok := s.Apply(&protocol.AnnotationOpened{ObjectID: "ann-1", MenuID: "nope", Owner: "alice"})
	assert.False(t, ok)
}

func TestObjectMovedUpdatesMenuPose(t *testing.T) {
	s := joined(t, bob)
	mustApply(t, s, detach("bob", "menu-1", "e1"))

	moved := &protocol.ObjectMoved{ObjectID: "menu-1", Position: protocol.Vec3{X: 4}, Quaternion: protocol.IdentityQuat, Scale: protocol.Vec3{X: 2, Y: 2, Z: 2}}
	moved.SetSender("bob")
	mustApply(t, s, moved)

	m, _ := s.Menu("menu-1")
	assert.Equal(t, protocol.Vec3{X: 4}, m.Position)
	assert.Equal(t, protocol.Vec3{X: 4}, s.State().Transforms["menu-1"].Position)
}

func TestChatDeduplicatesAndTrims(t *testing.T) {
	s := NewStore(WithChatLimit(2))
	mustApply(t, s, &protocol.ChatMessage{MsgID: "1", Msg: "a"})
	_, ok := s.Apply(&protocol.ChatMessage{MsgID: "1", Msg: "a"})
	assert.False(t, ok)

	mustApply(t, s, &protocol.ChatMessage{MsgID: "2", Msg: "b"})
	mustApply(t, s, &protocol.ChatMessage{MsgID: "3", Msg: "c"})

	chat := s.State().Chat
	require.Len(t, chat, 2)
	assert.Equal(t, "b", chat[0].Text)
	assert.Equal(t, "c", chat[1].Text)
}

func TestModeAndTimestampChangeOnlyOnDifference(t *testing.T) {
	s := joined(t)
	mustApply(t, s, &protocol.VisualizationModeUpdate{Mode: "vr"})
	_, ok := s.Apply(&protocol.VisualizationModeUpdate{Mode: "vr"})
	assert.False(t, ok)

	mustApply(t, s, &protocol.TimestampUpdate{Timestamp: 42})
	_, ok = s.Apply(&protocol.TimestampUpdate{Timestamp: 42})
	assert.False(t, ok)
	assert.Equal(t, int64(42), s.Landscape().Timestamp)
}

func TestSubscribeCancelStopsNotifications(t *testing.T) {
	s := joined(t)
	var kinds []ChangeKind
	cancel := s.Subscribe(func(c Change) { kinds = append(kinds, c.Kind) })

	mustApply(t, s, &protocol.UserConnected{ID: "bob", Name: "Bob", Quaternion: protocol.IdentityQuat})
	cancel()
	cancel()
	mustApply(t, s, &protocol.UserDisconnect{ID: "bob"})

	assert.Equal(t, []ChangeKind{ChangeUserJoined}, kinds)
}

func TestVersionIncreasesPerChange(t *testing.T) {
	s := joined(t)
	v := s.Version()
	change := mustApply(t, s, &protocol.UserConnected{ID: "bob", Name: "Bob", Quaternion: protocol.IdentityQuat})
	assert.Equal(t, v+1, change.Version)
	assert.Equal(t, v+1, s.Version())

	_, ok := s.Apply(&protocol.UserDisconnect{ID: "ghost"})
	assert.False(t, ok)
	assert.Equal(t, v+1, s.Version())
}

func TestStateIsACopy(t *testing.T) {
	s := joined(t, bob)
	mustApply(t, s, &protocol.ComponentUpdate{ComponentIDs: []string{"c1"}, AreOpened: true})

	st := s.State()
	st.OpenComponents[0] = "mutated"
	st.EditLocks["x"] = "y"
	assert.Equal(t, []string{"c1"}, s.State().OpenComponents)
	assert.Empty(t, s.State().EditLocks)
}
