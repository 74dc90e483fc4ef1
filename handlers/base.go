package handlers

import "context"

// MessageHandler processes stream messages of one type
type MessageHandler interface {
	// Handle processes the raw JSON message
	Handle(ctx context.Context, data []byte) error

	// GetMessageType returns the message type handled
	GetMessageType() string
}

// envelope holds the routing part of every stream message.
type envelope struct {
	Type string `json:"type"`
}
