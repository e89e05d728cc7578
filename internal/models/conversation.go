package models

import "time"

// Turn roles accepted in a conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one role-tagged message of a conversation. Turns are never edited once appended.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnLog is the ordered history of a conversation, oldest first.
type TurnLog []Turn

// Clone returns a copy that can be appended to without touching the receiver's backing array.
func (l TurnLog) Clone() TurnLog {
	out := make(TurnLog, len(l), len(l)+2)
	copy(out, l)
	return out
}

// ValidRole reports whether role may appear in a TurnLog.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}

type Conversation struct {
	ID        string
	UserID    string
	Title     string
	Turns     TurnLog
	CreatedAt time.Time
	UpdatedAt time.Time
}
