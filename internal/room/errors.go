package room

import "errors"

// Mutation errors are handled at the server boundary: the not-found class
// makes the operation a silent no-op (no broadcast), validation errors are
// rejected before any state changes. None of them ever propagate to
// bystander clients.
var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrItemNotFound   = errors.New("work item not found")
	ErrMemberNotFound = errors.New("member not found")
	ErrInvalidName    = errors.New("display name must not be empty")
)
