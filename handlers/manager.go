package handlers

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"optiver-forecast/apperr"
	"optiver-forecast/logger"
)

// HandlerManager routes stream messages to the handler registered for
// their type
type HandlerManager struct {
	handlers map[string]MessageHandler
	mu       sync.RWMutex
	log      *logger.Logger
}

// NewHandlerManager creates an empty registry
func NewHandlerManager(log *logger.Logger) *HandlerManager {
	if log == nil {
		log = logger.NewNop()
	}
	return &HandlerManager{
		handlers: make(map[string]MessageHandler),
		log:      log,
	}
}

// RegisterHandler registers handler under its message type, replacing any
// previous handler for that type.
func (hm *HandlerManager) RegisterHandler(handler MessageHandler) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.handlers[handler.GetMessageType()] = handler
	hm.log.Info("registered stream handler", logger.NewField("type", handler.GetMessageType()))
}

// UnregisterHandler removes the handler of msgType
func (hm *HandlerManager) UnregisterHandler(msgType string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	delete(hm.handlers, msgType)
}

// GetHandler returns the handler of msgType
func (hm *HandlerManager) GetHandler(msgType string) (MessageHandler, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	handler, exists := hm.handlers[msgType]
	return handler, exists
}

// HandleMessage reads the message type from data and hands data to its
// handler. Malformed and unroutable messages are Validation errors.
func (hm *HandlerManager) HandleMessage(ctx context.Context, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "malformed stream message")
	}
	if env.Type == "" {
		return apperr.Validation("stream message has no type")
	}

	handler, exists := hm.GetHandler(env.Type)
	if !exists {
		return apperr.Validation("no handler for message type %q", env.Type)
	}
	return handler.Handle(ctx, data)
}

// ListHandlers returns the registered message types in order
func (hm *HandlerManager) ListHandlers() []string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	types := make([]string, 0, len(hm.handlers))
	for msgType := range hm.handlers {
		types = append(types, msgType)
	}
	sort.Strings(types)
	return types
}
