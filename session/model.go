// Package session manages the durable record of sessions and their message
// history for the relay adapter.
package session

import "time"

// Role identifies the sender of a persisted message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Session is one conversation tracked by the adapter. ExternalID is the
// subprocess's own resumption token; it is empty until the subprocess reports
// one and is the only field that makes a session resumable.
type Session struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Directory    string    `json:"directory,omitempty"`
	ExternalID   string    `json:"externalID,omitempty"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Message is one entry of a session's append-only history.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionID"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}
