package model

import "time"

const (
	TypingStart = "start"
	TypingStop  = "stop"
)

// TypingIndicator - broadcast-only typing status, never persisted
type TypingIndicator struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Type           string `json:"type"` // "start" or "stop"
	IsTyping       bool   `json:"isTyping"`
}

// Presence - a participant joined or left a conversation channel
type Presence struct {
	UserID string    `json:"userId"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}
