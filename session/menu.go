package session

import "github.com/james226/collab-session/connection"

// MenuKind is the closed set of menus a collaboration client shows.
type MenuKind int

const (
	// MenuOffline offers hosting or joining a room.
	MenuOffline MenuKind = iota
	// MenuConnecting shows progress while the room is being (re)joined.
	MenuConnecting
	// MenuConnected holds the room controls.
	MenuConnected
	// MenuSpectating replaces the room controls while following another
	// user's view.
	MenuSpectating
	// MenuDetached is a menu placed in free space.
	MenuDetached

	menuKindCount
)

// Action is a control offered by a menu.
type Action string

const (
	ActionHost           Action = "host"
	ActionJoin           Action = "join"
	ActionCancel         Action = "cancel"
	ActionLeave          Action = "leave"
	ActionChat           Action = "chat"
	ActionSpectate       Action = "spectate"
	ActionStopSpectating Action = "stop_spectating"
	ActionMute           Action = "mute"
	ActionAnnotate       Action = "annotate"
	ActionClose          Action = "close"
)

type menuInfo struct {
	name    string
	actions []Action
}

// menuTable is indexed by MenuKind.
var menuTable = [menuKindCount]menuInfo{
	MenuOffline:    {name: "offline", actions: []Action{ActionHost, ActionJoin}},
	MenuConnecting: {name: "connecting", actions: []Action{ActionCancel}},
	MenuConnected:  {name: "connected", actions: []Action{ActionChat, ActionSpectate, ActionMute, ActionLeave}},
	MenuSpectating: {name: "spectating", actions: []Action{ActionStopSpectating, ActionChat, ActionLeave}},
	MenuDetached:   {name: "detached", actions: []Action{ActionAnnotate, ActionClose}},
}

// connectionMenus picks the main menu for each connection state.
var connectionMenus = map[connection.State]MenuKind{
	connection.Disconnected: MenuOffline,
	connection.Connecting:   MenuConnecting,
	connection.Lobby:        MenuConnecting,
	connection.Reconnecting: MenuConnecting,
	connection.InRoom:       MenuConnected,
}

func (k MenuKind) String() string {
	if k < 0 || k >= menuKindCount {
		return "unknown"
	}
	return menuTable[k].name
}

// Actions returns the controls the menu offers.
func (k MenuKind) Actions() []Action {
	if k < 0 || k >= menuKindCount {
		return nil
	}
	return append([]Action(nil), menuTable[k].actions...)
}

// Menu is one visible menu. ObjectID is set for detached menus.
type Menu struct {
	Kind     MenuKind
	ObjectID string
}

// Menu returns the main menu for the current connection state.
func (s *Session) Menu() Menu {
	kind, ok := connectionMenus[s.conn.State()]
	if !ok {
		kind = MenuOffline
	}
	if kind == MenuConnected {
		if _, spectating := s.store.SpectateTarget(s.store.SelfID()); spectating {
			kind = MenuSpectating
		}
	}
	return Menu{Kind: kind}
}

// Menus returns the main menu followed by every detached menu in the room,
// ordered by object id.
func (s *Session) Menus() []Menu {
	menus := []Menu{s.Menu()}
	for _, m := range s.store.State().DetachedMenus {
		menus = append(menus, Menu{Kind: MenuDetached, ObjectID: m.ObjectID})
	}
	return menus
}
