package room

import "github.com/james226/collab-session/protocol"

// ChangeKind classifies a store mutation.
type ChangeKind int

const (
	ChangeReplaced ChangeKind = iota
	ChangeUserJoined
	ChangeUserUpdated
	ChangeUserLeft
	ChangePose
	ChangeHighlight
	ChangeComponents
	ChangeMenuDetached
	ChangeMenuClosed
	ChangeObjectMoved
	ChangePopupOpened
	ChangePopupClosed
	ChangeChat
	ChangeAnnotationOpened
	ChangeAnnotationUpdated
	ChangeAnnotationClosed
	ChangeAnnotationLocked
	ChangeSpectating
	ChangeMode
	ChangeTimestamp
	ChangeMute
	ChangePing
)

var changeKindNames = map[ChangeKind]string{
	ChangeReplaced:          "replaced",
	ChangeUserJoined:        "user_joined",
	ChangeUserUpdated:       "user_updated",
	ChangeUserLeft:          "user_left",
	ChangePose:              "pose",
	ChangeHighlight:         "highlight",
	ChangeComponents:        "components",
	ChangeMenuDetached:      "menu_detached",
	ChangeMenuClosed:        "menu_closed",
	ChangeObjectMoved:       "object_moved",
	ChangePopupOpened:       "popup_opened",
	ChangePopupClosed:       "popup_closed",
	ChangeChat:              "chat",
	ChangeAnnotationOpened:  "annotation_opened",
	ChangeAnnotationUpdated: "annotation_updated",
	ChangeAnnotationClosed:  "annotation_closed",
	ChangeAnnotationLocked:  "annotation_locked",
	ChangeSpectating:        "spectating",
	ChangeMode:              "mode",
	ChangeTimestamp:         "timestamp",
	ChangeMute:              "mute",
	ChangePing:              "ping",
}

func (k ChangeKind) String() string {
	if name, ok := changeKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Change describes one applied update. Message is the inbound message that
// caused it, nil for snapshot replacement.
type Change struct {
	Kind    ChangeKind
	UserID  string
	IDs     []string
	Version uint64
	Message protocol.Message
}
