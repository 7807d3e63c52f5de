package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	tests := []struct {
		name  string
		input string
		field string
	}{
		{name: "null", input: `null`},
		{name: "array", input: `[1,2,3]`},
		{name: "string", input: `"user_connected"`},
		{name: "number", input: `42`},
		{name: "empty", input: ``},
		{name: "missing event", input: `{"id":"u1"}`, field: "event"},
		{name: "event not string", input: `{"event":7}`, field: "event"},
		{name: "empty event", input: `{"event":""}`, field: "event"},
		{
			name:  "user_connected missing name",
			input: `{"event":"user_connected","id":"u1","color":[1,0,0],"position":{"x":0,"y":0,"z":0},"quaternion":{"x":0,"y":0,"z":0,"w":1}}`,
			field: "name",
		},
		{
			name:  "user_connected color too short",
			input: `{"event":"user_connected","id":"u1","name":"a","color":[1,0],"position":{"x":0,"y":0,"z":0},"quaternion":{"x":0,"y":0,"z":0,"w":1}}`,
			field: "color",
		},
		{
			name:  "user_connected quaternion missing w",
			input: `{"event":"user_connected","id":"u1","name":"a","color":[1,0,0],"position":{"x":0,"y":0,"z":0},"quaternion":{"x":0,"y":0,"z":0}}`,
			field: "quaternion.w",
		},
		{
			name:  "highlighting_update misspelled entity ids",
			input: `{"event":"highlighting_update","endityIds":["e1"],"areHighlighted":true}`,
			field: "entityIds",
		},
		{
			name:  "highlighting_update non string element",
			input: `{"event":"highlighting_update","entityIds":["e1",2],"areHighlighted":true}`,
			field: "entityIds[1]",
		},
		{
			name:  "highlighting_update null element",
			input: `{"event":"highlighting_update","entityIds":[null],"areHighlighted":true}`,
			field: "entityIds[0]",
		},
		{
			name:  "highlighting_update flag as string",
			input: `{"event":"highlighting_update","entityIds":["e1"],"areHighlighted":"yes"}`,
			field: "areHighlighted",
		},
		{
			name:  "object_moved uses object instead of objectId",
			input: `{"event":"object_moved","object":"o1","position":{"x":0,"y":0,"z":0},"quaternion":{"x":0,"y":0,"z":0,"w":1},"scale":{"x":1,"y":1,"z":1}}`,
			field: "objectId",
		},
		{
			name:  "annotation without anchor",
			input: `{"event":"annotation_opened","title":"t","text":"x","owner":"u1"}`,
			field: "entityId",
		},
		{
			name:  "spectating_update missing target key",
			input: `{"event":"spectating_update","configurationId":"default"}`,
			field: "spectatedUserId",
		},
		{
			name:  "chat timestamp as string",
			input: `{"event":"chat_message","msg":"hi","timestamp":"now"}`,
			field: "timestamp",
		},
		{
			name:  "chat timestamp fractional",
			input: `{"event":"chat_message","msg":"hi","timestamp":1.5}`,
		},
		{
			name:  "self_connected nested highlight without color",
			input: `{"event":"self_connected","roomId":"r1","self":{"id":"u1","name":"a","color":[0,0,1]},"snapshot":{"landscape":{"landscapeToken":"l","timestamp":0},"highlights":[{"userId":"u2","entityId":"e1","entityType":"class","isHighlighted":true}]}}`,
			field: "snapshot.highlights[0].color",
		},
		{
			name:  "self_connected detached menus not array",
			input: `{"event":"self_connected","roomId":"r1","self":{"id":"u1","name":"a","color":[0,0,1]},"snapshot":{"landscape":{"landscapeToken":"l","timestamp":0},"detachedMenus":{}}}`,
			field: "snapshot.detachedMenus",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.input))
			require.Error(t, err)
			assert.Nil(t, msg)
			assert.True(t, errors.Is(err, ErrMalformed), "expected ErrMalformed, got %v", err)

			if tt.field != "" {
				var malformed *MalformedError
				require.True(t, errors.As(err, &malformed))
				assert.Equal(t, tt.field, malformed.Field)
			}
		})
	}
}

func TestDecodeUnknownEvent(t *testing.T) {
	_, err := Decode([]byte(`{"event":"teleport","to":"moon"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownEvent))
	assert.False(t, errors.Is(err, ErrMalformed))

	var unknown *UnknownEventError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "teleport", unknown.Event)
}

func TestDecodeNarrowsToVariant(t *testing.T) {
	msg, err := Decode([]byte(`{"event":"highlighting_update","userId":"u1","entityIds":["e1","e2"],"entityType":"class","areHighlighted":true,"color":[1,0.5,0]}`))
	require.NoError(t, err)

	update, ok := msg.(*HighlightingUpdate)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "u1", update.Sender())
	assert.Equal(t, []string{"e1", "e2"}, update.EntityIDs)
	assert.True(t, update.AreHighlighted)
	require.NotNil(t, update.Color)
	assert.Equal(t, RGB{1, 0.5, 0}, *update.Color)
}

func TestDecodeSpectatingNullTarget(t *testing.T) {
	msg, err := Decode([]byte(`{"event":"spectating_update","userId":"u1","spectatedUserId":null}`))
	require.NoError(t, err)
	update := msg.(*SpectatingUpdate)
	assert.Nil(t, update.SpectatedUserID)
}

func TestEncodeAddsDiscriminator(t *testing.T) {
	target := "u2"
	data, err := Encode(&SpectatingUpdate{SpectatedUserID: &target, ConfigurationID: "default"})
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, "spectating_update", payload["event"])
	assert.Equal(t, "u2", payload["spectatedUserId"])
	assert.NotContains(t, payload, "userId")
}

func TestEncodeKeepsNullSpectateTarget(t *testing.T) {
	data, err := Encode(&SpectatingUpdate{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"spectating_update","spectatedUserId":null}`, string(data))
}

func TestEncodeRefusesInvalidMessage(t *testing.T) {
	_, err := Encode(&UserDisconnect{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = Encode(&AnnotationOpened{Title: "t", Text: "x", Owner: "u1"})
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = Encode(nil)
	assert.Error(t, err)
}

func TestEncodeDecodeSelfConnected(t *testing.T) {
	in := &SelfConnected{
		RoomID: "r1",
		Ticket: "t",
		Self:   UserInfo{ID: "u1", Name: "alice", Color: RGB{1, 0, 0}},
		Users: []RemoteUser{
			{ID: "u2", Name: "bob", Color: RGB{0, 1, 0}, Quaternion: IdentityQuat},
		},
		Snapshot: RoomSnapshot{
			Landscape:      LandscapeRef{LandscapeToken: "land", Timestamp: 1700000000},
			OpenComponents: []string{"c1", "c2"},
			DetachedMenus: []DetachedMenu{
				{ObjectID: "m1", UserID: "u2", EntityID: "e9", EntityType: "class", Quaternion: IdentityQuat, Scale: UnitScale},
			},
		},
	}

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRequestsAndResponsesExposeNonce(t *testing.T) {
	var requests = []Request{&MenuDetached{}, &ObjectGrabbed{}, &AnnotationOpened{}, &AnnotationEdit{}}
	for _, req := range requests {
		n := NewNonce()
		req.SetRequestNonce(n)
		assert.Equal(t, n, req.RequestNonce(), req.Event())
	}

	msg, err := Decode([]byte(`{"event":"menu_detached_response","nonce":"n-1","objectId":"m1"}`))
	require.NoError(t, err)
	resp, ok := msg.(Response)
	require.True(t, ok)
	assert.Equal(t, Nonce("n-1"), resp.ResponseNonce())
}

func TestEventsListsEveryVariant(t *testing.T) {
	events := Events()
	assert.Len(t, events, len(registry))
	for _, event := range events {
		assert.True(t, Known(event))
		assert.Equal(t, event, registry[event]().Event())
	}
	assert.Equal(t, "kick_user", PeekEvent([]byte(`{"event":"kick_user"}`)))
	assert.Equal(t, "", PeekEvent([]byte(`nope`)))
}
