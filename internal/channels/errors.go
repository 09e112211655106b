package channels

import "errors"

var (
	// ErrDuplicateChannel is returned when a source ref is already
	// registered for the user.
	ErrDuplicateChannel = errors.New("channel already registered")
	// ErrChannelNotFound is returned when the channel id does not exist
	// in the user's registry.
	ErrChannelNotFound = errors.New("channel not found")
)
