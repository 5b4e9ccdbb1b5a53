package models

import (
	"time"
)

// Message represents a chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Tier is a user's billing tier
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// ParseTier maps free-form input to a tier, defaulting to free
func ParseTier(s string) Tier {
	if Tier(s) == TierPaid {
		return TierPaid
	}
	return TierFree
}

// TokenUsage holds input/output token counts for one model call
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Total returns input + output tokens
func (u TokenUsage) Total() int {
	return u.Input + u.Output
}

// Incident kinds
const (
	IncidentCrisis = "crisis"
	IncidentAbuse  = "abuse"
)

// Incident is an audit record for a crisis hit or an abuse block.
// It never carries message content.
type Incident struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	UserID         string    `json:"user_id"`
	PersonaID      string    `json:"persona_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Severity       string    `json:"severity"`
	Categories     []string  `json:"categories,omitempty"`
	Phrases        []string  `json:"phrases,omitempty"`
	PatternType    string    `json:"pattern_type,omitempty"`
	Action         string    `json:"action,omitempty"`
	MessageLength  int       `json:"message_length"`
	CreatedAt      time.Time `json:"created_at"`
}
