package relay

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/james226/collab-session/config"
	"github.com/james226/collab-session/protocol"
)

func testRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		Port:           "0",
		Origin:         "http://localhost:8080",
		TicketSecret:   "test-secret",
		TicketTTL:      time.Minute,
		LandscapeToken: "land",
		PingInterval:   50 * time.Millisecond,
		PongTimeout:    time.Second,
	}
}

func startRelay(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	s, err := NewServer(testRelayConfig(), opts...)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(s.Close)
	return s, srv
}

type testClient struct {
	ws *websocket.Conn
	in chan protocol.Message
}

func dialRelay(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func connect(t *testing.T, srv *httptest.Server, join protocol.JoinLobby) *testClient {
	t.Helper()
	ws := dialRelay(t, srv)
	if join.DeviceID == "" {
		join.DeviceID = "device-" + join.UserName
	}
	join.Quaternion = protocol.IdentityQuat

	c := &testClient{ws: ws, in: make(chan protocol.Message, 64)}
	c.send(t, &join)
	go func() {
		defer close(c.in)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if msg, err := protocol.Decode(data); err == nil {
				c.in <- msg
			}
		}
	}()
	return c
}

// joinRelay connects and waits for the welcome.
func joinRelay(t *testing.T, srv *httptest.Server, name, roomID, ticket string) (*testClient, *protocol.SelfConnected) {
	t.Helper()
	c := connect(t, srv, protocol.JoinLobby{UserName: name, RoomID: roomID, Ticket: ticket})
	return c, await[*protocol.SelfConnected](t, c)
}

func (c *testClient) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, data))
}

// await skips frames until one of type T arrives.
func await[T protocol.Message](t *testing.T, c *testClient) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-c.in:
			require.True(t, ok, "connection closed while waiting")
			if m, ok := msg.(T); ok {
				return m
			}
		case <-deadline:
			var zero T
			t.Fatalf("no %T arrived", zero)
			return zero
		}
	}
}

func (c *testClient) awaitClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.in:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("connection stayed open")
		}
	}
}

func (c *testClient) expectQuiet(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case msg, ok := <-c.in:
		if ok {
			t.Fatalf("unexpected %s", msg.Event())
		}
	case <-time.After(wait):
	}
}

func scrape(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestHealth(t *testing.T) {
	_, srv := startRelay(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "Healthy\n", string(body))
	assert.Equal(t, "http://localhost:8080", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestJoinCreatesRoom(t *testing.T) {
	s, srv := startRelay(t)

	_, welcome := joinRelay(t, srv, "Alice", "", "")

	assert.NotEmpty(t, welcome.RoomID)
	assert.NotEmpty(t, welcome.Ticket)
	assert.NotEmpty(t, welcome.Self.ID)
	assert.Equal(t, "Alice", welcome.Self.Name)
	assert.Equal(t, colorFor(welcome.Self.ID), welcome.Self.Color)
	assert.Empty(t, welcome.Users)
	assert.Equal(t, "land", welcome.Snapshot.Landscape.LandscapeToken)
	assert.Equal(t, []string{welcome.RoomID}, s.Rooms())
}

func TestSecondUserGetsRosterAndIsAnnounced(t *testing.T) {
	_, srv := startRelay(t)
	alice, aliceWelcome := joinRelay(t, srv, "Alice", "room-1", "")

	_, bobWelcome := joinRelay(t, srv, "Bob", "room-1", "")

	require.Len(t, bobWelcome.Users, 1)
	assert.Equal(t, aliceWelcome.Self.ID, bobWelcome.Users[0].ID)
	joined := await[*protocol.UserConnected](t, alice)
	assert.Equal(t, bobWelcome.Self.ID, joined.ID)
	assert.Equal(t, "Bob", joined.Name)
}

func TestBroadcastEchoesToSender(t *testing.T) {
	_, srv := startRelay(t)
	alice, aliceWelcome := joinRelay(t, srv, "Alice", "room-1", "")
	bob, _ := joinRelay(t, srv, "Bob", "room-1", "")
	await[*protocol.UserConnected](t, alice)

	alice.send(t, &protocol.HighlightingUpdate{EntityIDs: []string{"e1"}, EntityType: "class", AreHighlighted: true})

	for _, c := range []*testClient{alice, bob} {
		update := await[*protocol.HighlightingUpdate](t, c)
		assert.Equal(t, aliceWelcome.Self.ID, update.Sender())
		assert.Equal(t, []string{"e1"}, update.EntityIDs)
	}
}

func TestRequestAnsweredToSenderOnly(t *testing.T) {
	_, srv := startRelay(t)
	alice, aliceWelcome := joinRelay(t, srv, "Alice", "room-1", "")
	bob, _ := joinRelay(t, srv, "Bob", "room-1", "")
	await[*protocol.UserConnected](t, alice)

	alice.send(t, &protocol.MenuDetached{
		Nonce:      "n1",
		EntityID:   "e1",
		EntityType: "class",
		Quaternion: protocol.IdentityQuat,
		Scale:      protocol.UnitScale,
	})

	resp := await[*protocol.MenuDetachedResponse](t, alice)
	assert.Equal(t, protocol.Nonce("n1"), resp.Nonce)

	forwarded := await[*protocol.MenuDetached](t, bob)
	assert.Equal(t, resp.ObjectID, forwarded.ObjectID)
	assert.Empty(t, forwarded.Nonce)
	assert.Equal(t, aliceWelcome.Self.ID, forwarded.Sender())

	alice.expectQuiet(t, 100*time.Millisecond)
}

func TestDisconnectIsAnnouncedAndEmptyRoomCloses(t *testing.T) {
	s, srv := startRelay(t)
	alice, _ := joinRelay(t, srv, "Alice", "room-1", "")
	bob, bobWelcome := joinRelay(t, srv, "Bob", "room-1", "")
	await[*protocol.UserConnected](t, alice)

	bob.ws.Close()
	left := await[*protocol.UserDisconnect](t, alice)
	assert.Equal(t, bobWelcome.Self.ID, left.ID)
	assert.Equal(t, []string{"room-1"}, s.Rooms())

	alice.ws.Close()
	require.Eventually(t, func() bool { return len(s.Rooms()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRejoinWithTicketKeepsIdentity(t *testing.T) {
	_, srv := startRelay(t)
	alice, aliceWelcome := joinRelay(t, srv, "Alice", "room-1", "")
	bob, _ := joinRelay(t, srv, "Bob", "room-1", "")
	await[*protocol.UserConnected](t, alice)

	alice.ws.Close()
	await[*protocol.UserDisconnect](t, bob)

	_, again := joinRelay(t, srv, "Alice", "room-1", aliceWelcome.Ticket)
	assert.Equal(t, aliceWelcome.Self.ID, again.Self.ID)
	assert.Equal(t, "room-1", again.RoomID)

	rejoined := await[*protocol.UserConnected](t, bob)
	assert.Equal(t, aliceWelcome.Self.ID, rejoined.ID)
}

func TestTicketResumesRoomWhenNoneRequested(t *testing.T) {
	_, srv := startRelay(t)
	_, first := joinRelay(t, srv, "Alice", "room-1", "")

	_, again := joinRelay(t, srv, "Alice", "", first.Ticket)
	assert.Equal(t, "room-1", again.RoomID)
	assert.Equal(t, first.Self.ID, again.Self.ID)
}

func TestInvalidTicketGetsNewIdentity(t *testing.T) {
	_, srv := startRelay(t)
	_, first := joinRelay(t, srv, "Alice", "room-1", "")

	_, forged := joinRelay(t, srv, "Mallory", "room-1", "not-a-ticket")
	assert.NotEqual(t, first.Self.ID, forged.Self.ID)

	_, elsewhere := joinRelay(t, srv, "Alice", "room-2", first.Ticket)
	assert.Equal(t, "room-2", elsewhere.RoomID)
	assert.NotEqual(t, first.Self.ID, elsewhere.Self.ID)
}

func TestDuplicateConnectionReplacesStale(t *testing.T) {
	_, srv := startRelay(t)
	stale, first := joinRelay(t, srv, "Alice", "room-1", "")
	bob, _ := joinRelay(t, srv, "Bob", "room-1", "")
	await[*protocol.UserConnected](t, stale)

	fresh, again := joinRelay(t, srv, "Alice", "room-1", first.Ticket)
	assert.Equal(t, first.Self.ID, again.Self.ID)
	stale.awaitClosed(t)

	bob.send(t, &protocol.ChatMessage{Msg: "still here?", Timestamp: 1})
	chat := await[*protocol.ChatMessage](t, fresh)
	assert.Equal(t, "still here?", chat.Msg)
}

func TestKickClosesTarget(t *testing.T) {
	_, srv := startRelay(t)
	alice, _ := joinRelay(t, srv, "Alice", "room-1", "")
	bob, bobWelcome := joinRelay(t, srv, "Bob", "room-1", "")
	await[*protocol.UserConnected](t, alice)

	alice.send(t, &protocol.KickUser{UserID: bobWelcome.Self.ID})

	kick := await[*protocol.KickUser](t, bob)
	assert.Equal(t, bobWelcome.Self.ID, kick.UserID)
	bob.awaitClosed(t)

	await[*protocol.KickUser](t, alice)
	left := await[*protocol.UserDisconnect](t, alice)
	assert.Equal(t, bobWelcome.Self.ID, left.ID)
}

func TestMalformedFramesAreCountedAndSkipped(t *testing.T) {
	_, srv := startRelay(t)
	alice, _ := joinRelay(t, srv, "Alice", "room-1", "")

	require.NoError(t, alice.ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"chat_message"`)))
	require.NoError(t, alice.ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"no_such_event"}`)))
	alice.send(t, &protocol.ChatMessage{Msg: "ok", Timestamp: 1})

	assert.Equal(t, "ok", await[*protocol.ChatMessage](t, alice).Msg)
	assert.Contains(t, scrape(t, srv), `collab_relay_frames_rejected_total{reason="malformed"} 2`)
}

func TestFirstFrameMustJoin(t *testing.T) {
	_, srv := startRelay(t)
	ws := dialRelay(t, srv)

	data, err := protocol.Encode(&protocol.ChatMessage{Msg: "hi"})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))

	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestEventsStream(t *testing.T) {
	_, srv := startRelay(t)
	alice, _ := joinRelay(t, srv, "Alice", "room-1", "")

	resp, err := http.Get(srv.URL + "/rooms/missing/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/rooms/room-1/events", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 16)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
				events <- name
			}
		}
	}()

	assert.Equal(t, "snapshot", <-events)

	alice.send(t, &protocol.ChatMessage{Msg: "observed", Timestamp: 1})
	select {
	case name := <-events:
		assert.Equal(t, protocol.EventChatMessage, name)
	case <-time.After(2 * time.Second):
		t.Fatal("no event streamed")
	}
}

func TestPostMessage(t *testing.T) {
	_, srv := startRelay(t)
	alice, _ := joinRelay(t, srv, "Alice", "room-1", "")
	post := func(room, body string) int {
		resp, err := http.Post(srv.URL+"/rooms/"+room+"/messages", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusAccepted, post("room-1", `{"event":"chat_message","msg":"maintenance soon","timestamp":1}`))
	chat := await[*protocol.ChatMessage](t, alice)
	assert.Equal(t, "maintenance soon", chat.Msg)
	assert.Equal(t, SystemUserID, chat.UserName)
	assert.Equal(t, SystemUserID, chat.Sender())

	assert.Equal(t, http.StatusAccepted, post("room-1", `{"event":"timestamp_update","timestamp":42}`))
	assert.Equal(t, int64(42), await[*protocol.TimestampUpdate](t, alice).Timestamp)

	assert.Equal(t, http.StatusConflict, post("room-1", `{"event":"timestamp_update","timestamp":42}`))
	assert.Equal(t, http.StatusForbidden, post("room-1", `{"event":"highlighting_update","entityIds":["e1"],"entityType":"class","areHighlighted":true}`))
	assert.Equal(t, http.StatusBadRequest, post("room-1", `{"event":`))
	assert.Equal(t, http.StatusNotFound, post("missing", `{"event":"chat_message","msg":"x","timestamp":1}`))
}

func TestBackplaneSharesRoomAcrossInstances(t *testing.T) {
	backplane := newMemBackplane()
	_, first := startRelay(t, WithBackplane(backplane))
	_, second := startRelay(t, WithBackplane(backplane))

	alice, aliceWelcome := joinRelay(t, first, "Alice", "room-1", "")
	bob, bobWelcome := joinRelay(t, second, "Bob", "room-1", "")

	joined := await[*protocol.UserConnected](t, alice)
	assert.Equal(t, bobWelcome.Self.ID, joined.ID)

	alice.send(t, &protocol.ChatMessage{Msg: "across", Timestamp: 1})
	chat := await[*protocol.ChatMessage](t, bob)
	assert.Equal(t, "across", chat.Msg)
	assert.Equal(t, aliceWelcome.Self.ID, chat.Sender())

	bob.send(t, &protocol.HighlightingUpdate{EntityIDs: []string{"e1"}, EntityType: "class", AreHighlighted: true})
	update := await[*protocol.HighlightingUpdate](t, alice)
	assert.Equal(t, bobWelcome.Self.ID, update.Sender())

	bob.ws.Close()
	left := await[*protocol.UserDisconnect](t, alice)
	assert.Equal(t, bobWelcome.Self.ID, left.ID)
}
