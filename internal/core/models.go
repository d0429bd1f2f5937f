package core

import (
	"time"

	"github.com/google/uuid"
)

// Message is a user's scheduled bottle.
type Message struct {
	ID              uuid.UUID   `json:"message_id"`
	UserID          string      `json:"user_id"`
	Body            string      `json:"body"`
	ScheduledTime   time.Time   `json:"scheduled_time"`
	Sent            bool        `json:"sent"`
	LastAttemptTime *time.Time  `json:"last_attempt_time,omitempty"`
	Recipients      []Recipient `json:"recipients,omitempty"`
}

// Recipient is one email destination of a message, tracked on its own.
type Recipient struct {
	ID              uuid.UUID  `json:"recipient_request_id"`
	MessageID       uuid.UUID  `json:"message_id"`
	EmailAddress    string     `json:"email_address"`
	Sent            bool       `json:"sent"`
	SendAttemptTime *time.Time `json:"send_attempt_time,omitempty"`
}

// NewMessage is what the authoring side hands to CreateMessage.
type NewMessage struct {
	UserID        string
	Body          string
	ScheduledTime time.Time
	Emails        []string
}

// MessageUpdate carries optional edits; nil fields are left untouched.
type MessageUpdate struct {
	Body          *string
	ScheduledTime *time.Time
}
