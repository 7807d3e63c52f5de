package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
)

// registry maps each discriminator to a constructor for its variant.
var registry = map[string]func() Message{
	EventJoinLobby:               func() Message { return &JoinLobby{} },
	EventSelfConnected:           func() Message { return &SelfConnected{} },
	EventUserConnected:           func() Message { return &UserConnected{} },
	EventUserDisconnect:          func() Message { return &UserDisconnect{} },
	EventUserPositions:           func() Message { return &UserPositions{} },
	EventObjectMoved:             func() Message { return &ObjectMoved{} },
	EventObjectGrabbed:           func() Message { return &ObjectGrabbed{} },
	EventObjectGrabbedResponse:   func() Message { return &ObjectGrabbedResponse{} },
	EventObjectReleased:          func() Message { return &ObjectReleased{} },
	EventHighlightingUpdate:      func() Message { return &HighlightingUpdate{} },
	EventComponentUpdate:         func() Message { return &ComponentUpdate{} },
	EventMenuDetached:            func() Message { return &MenuDetached{} },
	EventMenuDetachedResponse:    func() Message { return &MenuDetachedResponse{} },
	EventDetachedMenuClosed:      func() Message { return &DetachedMenuClosed{} },
	EventPopupOpened:             func() Message { return &PopupOpened{} },
	EventPopupClosed:             func() Message { return &PopupClosed{} },
	EventChatMessage:             func() Message { return &ChatMessage{} },
	EventAnnotationOpened:        func() Message { return &AnnotationOpened{} },
	EventAnnotationResponse:      func() Message { return &AnnotationResponse{} },
	EventAnnotationUpdated:       func() Message { return &AnnotationUpdated{} },
	EventAnnotationClosed:        func() Message { return &AnnotationClosed{} },
	EventAnnotationEdit:          func() Message { return &AnnotationEdit{} },
	EventAnnotationEditResponse:  func() Message { return &AnnotationEditResponse{} },
	EventSpectatingUpdate:        func() Message { return &SpectatingUpdate{} },
	EventVisualizationModeUpdate: func() Message { return &VisualizationModeUpdate{} },
	EventTimestampUpdate:         func() Message { return &TimestampUpdate{} },
	EventKickUser:                func() Message { return &KickUser{} },
	EventUserMuteUpdate:          func() Message { return &UserMuteUpdate{} },
	EventPingUpdate:              func() Message { return &PingUpdate{} },
}

// Events returns every known discriminator in sorted order.
func Events() []string {
	events := make([]string, 0, len(registry))
	for event := range registry {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

// Known reports whether event names a message variant.
func Known(event string) bool {
	_, ok := registry[event]
	return ok
}

// Decode validates data against the variant named by its event field and
// returns the typed message.
func Decode(data []byte) (Message, error) {
	f, err := parseObject("", "", data)
	if err != nil {
		return nil, err
	}

	event, err := eventOf(f)
	if err != nil {
		return nil, err
	}

	newMessage, ok := registry[event]
	if !ok {
		return nil, &UnknownEventError{Event: event}
	}

	f.event = event
	msg := newMessage()
	if err := msg.check(f); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, &MalformedError{Event: event, Reason: err.Error()}
	}
	return msg, nil
}

// PeekEvent returns the discriminator of data without validating the rest,
// or "" when there is none. It is meant for logging rejected frames.
func PeekEvent(data []byte) string {
	f, err := parseObject("", "", data)
	if err != nil {
		return ""
	}
	event, _ := eventOf(f)
	return event
}

func eventOf(f fields) (string, error) {
	raw, ok := f.lookup("event")
	if !ok {
		return "", &MalformedError{Field: "event", Reason: "required"}
	}
	var event string
	if kind(raw) != '"' || json.Unmarshal(raw, &event) != nil {
		return "", &MalformedError{Field: "event", Reason: "expected string"}
	}
	if event == "" {
		return "", &MalformedError{Field: "event", Reason: "must not be empty"}
	}
	return event, nil
}

// Encode serializes msg with its event discriminator. The result is decoded
// again before it is returned, so Encode never yields a frame that Decode
// would reject.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("protocol: encode nil message")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	event, err := json.Marshal(msg.Event())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(event) + 10)
	buf.WriteString(`{"event":`)
	buf.Write(event)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}

	out := buf.Bytes()
	if _, err := Decode(out); err != nil {
		return nil, err
	}
	return out, nil
}
