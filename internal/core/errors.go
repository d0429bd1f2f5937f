package core

import "errors"

var (
	ErrNotFound      = errors.New("message not found")
	ErrMessageSent   = errors.New("message already sent")
	ErrEmptyBody     = errors.New("message body is empty")
	ErrNoRecipients  = errors.New("message has no email recipients")
	ErrUserRequired  = errors.New("user id is required")
	ErrRecipientGone = errors.New("recipient not found")
	// ErrUnsentRecipients means a recipient is still unsent, for example one
	// added while the message was being delivered.
	ErrUnsentRecipients = errors.New("message has unsent recipients")
)
