package relay

import (
	"hash/fnv"
	"log/slog"

	"github.com/segmentio/ksuid"

	"github.com/james226/collab-session/protocol"
	"github.com/james226/collab-session/room"
)

type audience int

const (
	toEveryone audience = iota
	toOthers
	toSender
)

type outbound struct {
	audience audience
	msg      protocol.Message
}

// outcome is the result of processing one client frame. A non-empty reject
// names why the frame was dropped.
type outcome struct {
	out    []outbound
	kick   string
	reject string
}

func rejected(reason string) outcome {
	return outcome{reject: reason}
}

func send(a audience, msg protocol.Message) outcome {
	return outcome{out: []outbound{{audience: a, msg: msg}}}
}

var palette = []protocol.RGB{
	{0.90, 0.30, 0.30},
	{0.30, 0.60, 0.90},
	{0.40, 0.80, 0.40},
	{0.95, 0.75, 0.20},
	{0.70, 0.40, 0.90},
	{0.30, 0.85, 0.85},
	{0.95, 0.50, 0.75},
	{0.60, 0.60, 0.60},
}

func colorFor(userID string) protocol.RGB {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Room is the authoritative state of one room. It is owned by the room's
// broker goroutine.
type Room struct {
	ID string

	state *room.Store
	grabs map[string]string
}

func NewRoom(id, landscapeToken string, logger *slog.Logger) *Room {
	state := room.NewStore(room.WithLogger(logger))
	state.Replace(protocol.UserInfo{}, nil, protocol.RoomSnapshot{
		Landscape: protocol.LandscapeRef{LandscapeToken: landscapeToken},
	})

	return &Room{
		ID:    id,
		state: state,
		grabs: make(map[string]string),
	}
}

// Join adds a participant and returns the announcement for everyone else.
func (r *Room) Join(user protocol.RemoteUser) *protocol.UserConnected {
	msg := &protocol.UserConnected{
		ID:         user.ID,
		Name:       user.Name,
		Color:      user.Color,
		Position:   user.Position,
		Quaternion: user.Quaternion,
	}
	r.state.Apply(msg)
	return msg
}

// Leave removes a participant with everything the participant owned.
func (r *Room) Leave(userID string) *protocol.UserDisconnect {
	for objectID, holder := range r.grabs {
		if holder == userID {
			delete(r.grabs, objectID)
		}
	}
	msg := &protocol.UserDisconnect{ID: userID}
	r.state.Apply(msg)
	return msg
}

// Snapshot returns the roster without userID and the room state a joining
// client adopts.
func (r *Room) Snapshot(userID string) ([]protocol.RemoteUser, protocol.RoomSnapshot) {
	st := r.state.State()

	users := make([]protocol.RemoteUser, 0, len(st.Users))
	for _, u := range st.Users {
		if u.ID != userID {
			users = append(users, u)
		}
	}

	return users, protocol.RoomSnapshot{
		Landscape:        st.Landscape,
		OpenComponents:   st.OpenComponents,
		ClosedComponents: st.ClosedComponents,
		Highlights:       st.Highlights,
		DetachedMenus:    st.DetachedMenus,
		Annotations:      st.Annotations,
		Spectating:       st.Spectating,
	}
}

// Participant reports whether userID is in the room.
func (r *Room) Participant(userID string) bool {
	_, ok := r.state.User(userID)
	return ok
}

func (r *Room) userName(userID string) string {
	u, _ := r.state.User(userID)
	return u.Name
}

// ApplyRemote applies a frame another relay instance forwarded.
func (r *Room) ApplyRemote(msg protocol.Message) {
	if m, ok := msg.(*protocol.UserDisconnect); ok {
		r.Leave(m.ID)
		return
	}
	r.state.Apply(msg)
}

// Process validates a frame from userID against the room, applies it and
// returns what to send to whom.
func (r *Room) Process(userID string, msg protocol.Message) outcome {
	switch m := msg.(type) {
	case *protocol.MenuDetached:
		nonce := m.Nonce
		m.Nonce = ""
		m.ObjectID = ksuid.New().String()
		m.SetSender(userID)
		if _, ok := r.state.Apply(m); !ok {
			return rejected("not_applied")
		}
		o := send(toOthers, m)
		if nonce != "" {
			o.out = append(o.out, outbound{toSender, &protocol.MenuDetachedResponse{Nonce: nonce, ObjectID: m.ObjectID}})
		}
		return o

	case *protocol.AnnotationOpened:
		nonce := m.Nonce
		m.Nonce = ""
		m.ObjectID = ksuid.New().String()
		m.Owner = userID
		if m.LastEditor == "" {
			m.LastEditor = userID
		}
		m.SetSender(userID)
		if _, ok := r.state.Apply(m); !ok {
			return rejected("unknown_object")
		}
		o := send(toOthers, m)
		if nonce != "" {
			o.out = append(o.out, outbound{toSender, &protocol.AnnotationResponse{Nonce: nonce, ObjectID: m.ObjectID}})
		}
		return o

	case *protocol.AnnotationEdit:
		nonce := m.Nonce
		m.Nonce = ""
		m.SetSender(userID)
		holder, locked := r.state.EditLockHolder(m.ObjectID)
		_, exists := r.state.Annotation(m.ObjectID)
		editable := exists && (!locked || holder == userID)

		var o outcome
		if editable {
			r.state.Apply(m)
			o = send(toOthers, m)
		}
		if nonce != "" {
			o.out = append(o.out, outbound{toSender, &protocol.AnnotationEditResponse{Nonce: nonce, ObjectID: m.ObjectID, IsEditable: editable}})
		}
		return o

	case *protocol.DetachedMenuClosed:
		if menu, ok := r.state.Menu(m.MenuID); ok && menu.UserID != userID {
			return rejected("not_owner")
		}
		return r.broadcast(userID, m, toEveryone)

	case *protocol.AnnotationUpdated:
		if !r.mayEdit(userID, m.ObjectID) {
			return rejected("locked")
		}
		m.LastEditor = userID
		return r.broadcast(userID, m, toEveryone)

	case *protocol.AnnotationClosed:
		if !r.mayEdit(userID, m.ObjectID) {
			return rejected("locked")
		}
		return r.broadcast(userID, m, toEveryone)

	case *protocol.ObjectGrabbed:
		holder, held := r.grabs[m.ObjectID]
		granted := !held || holder == userID
		if granted {
			r.grabs[m.ObjectID] = userID
		}
		return send(toSender, &protocol.ObjectGrabbedResponse{Nonce: m.Nonce, IsSuccess: granted})

	case *protocol.ObjectReleased:
		if r.grabs[m.ObjectID] == userID {
			delete(r.grabs, m.ObjectID)
		}
		return outcome{}

	case *protocol.ObjectMoved:
		if holder, held := r.grabs[m.ObjectID]; held && holder != userID {
			return rejected("grabbed")
		}
		return r.broadcast(userID, m, toOthers)

	case *protocol.UserPositions:
		return r.broadcast(userID, m, toOthers)

	case *protocol.PingUpdate:
		return r.broadcast(userID, m, toOthers)

	case *protocol.ChatMessage:
		if m.MsgID == "" {
			m.MsgID = ksuid.New().String()
		}
		if m.UserName == "" {
			m.UserName = r.userName(userID)
		}
		return r.broadcast(userID, m, toEveryone)

	case *protocol.KickUser:
		if !r.Participant(m.UserID) {
			return rejected("unknown_user")
		}
		o := send(toEveryone, m)
		o.kick = m.UserID
		return o

	case *protocol.UserMuteUpdate:
		if _, ok := r.state.Apply(m); !ok {
			return rejected("unknown_user")
		}
		return send(toEveryone, m)

	case protocol.Sender:
		return r.broadcast(userID, m, toEveryone)

	default:
		return rejected("unexpected")
	}
}

// broadcast stamps msg with its sender and forwards it if it applies.
func (r *Room) broadcast(userID string, msg protocol.Sender, a audience) outcome {
	msg.SetSender(userID)
	if _, ok := r.state.Apply(msg); !ok {
		return rejected("not_applied")
	}
	return send(a, msg)
}

func (r *Room) mayEdit(userID, objectID string) bool {
	holder, locked := r.state.EditLockHolder(objectID)
	return !locked || holder == userID
}
