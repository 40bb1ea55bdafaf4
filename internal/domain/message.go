// Package domain contains core domain types for the Synapse tutor.
package domain

// Role identifies the speaker of a dialogue turn.
type Role string

const (
	// RoleSystem marks instructional messages.
	RoleSystem Role = "system"
	// RoleUser marks learner utterances.
	RoleUser Role = "user"
	// RoleAssistant marks tutor replies.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is one turn of dialogue.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Transcript is an ordered conversation supplied by the client on every request.
type Transcript []Message

// LastUserUtterance returns the content of the most recent user message,
// scanning from the end. Returns "" when the transcript has no user turn.
func (t Transcript) LastUserUtterance() string {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].Role == RoleUser {
			return t[i].Content
		}
	}
	return ""
}
