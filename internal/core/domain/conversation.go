package domain

import (
	"strings"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole maps client-supplied role strings onto the three conversation roles.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleSystem:
		return RoleSystem, true
	case RoleUser:
		return RoleUser, true
	case RoleAssistant:
		return RoleAssistant, true
	default:
		return "", false
	}
}

type ConversationTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Transcript struct {
	ID          string             `json:"id"`
	RequestID   string             `json:"request_id"`
	UserMessage string             `json:"user_message"`
	Answer      string             `json:"answer"`
	Rounds      int                `json:"rounds"`
	StopReason  StopReason         `json:"stop_reason"`
	Cached      bool               `json:"cached"`
	ToolEvents  []AgentToolEvent   `json:"tool_events"`
	Turns       []ConversationTurn `json:"turns"`
	CreatedAt   time.Time          `json:"created_at"`
}
