package relay

import "errors"

var (
	// ErrRoomClosed is returned when the room's broker stopped before the
	// operation reached it.
	ErrRoomClosed = errors.New("relay: room closed")

	// ErrNotJoined is returned when a connection's first frame is not a
	// join_lobby.
	ErrNotJoined = errors.New("relay: expected join_lobby")
)
