package session

import "errors"

var (
	// ErrUnknownUser rejects an intent naming a user who is not in the room.
	ErrUnknownUser = errors.New("session: unknown user")

	// ErrSpectateSelf rejects spectating the local user.
	ErrSpectateSelf = errors.New("session: cannot spectate self")

	// ErrUnknownObject rejects an intent naming a menu or annotation that
	// does not exist.
	ErrUnknownObject = errors.New("session: unknown object")

	// ErrNotOwner rejects closing a detached menu another user owns.
	ErrNotOwner = errors.New("session: menu belongs to another user")

	// ErrNotEditable rejects changes to an annotation another user is
	// editing.
	ErrNotEditable = errors.New("session: annotation is locked by another user")
)
