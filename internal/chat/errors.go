package chat

import "errors"

// Repository errors shared by every store implementation.
var (
	ErrNotFound        = errors.New("chat: not found")
	ErrAlreadyMember   = errors.New("chat: already a member")
	ErrParentNotInChat = errors.New("chat: parent message does not belong to this chat")
)
