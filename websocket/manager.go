// Package websocket reads stock data ticks from a live websocket feed.
package websocket

import (
	"context"
	"time"

	"optiver-forecast/config"
	"optiver-forecast/logger"
	"optiver-forecast/metrics"
	"optiver-forecast/stream"
)

const sourceWebsocket = "websocket"

// ConnectionManager keeps a feed connection open, hands every frame to a
// dispatcher and reconnects with exponential backoff when the connection
// drops or goes quiet.
type ConnectionManager struct {
	url          string
	token        string
	dispatch     stream.Dispatcher
	pingInterval time.Duration
	idleTimeout  time.Duration
	minBackoff   time.Duration
	maxBackoff   time.Duration
	log          *logger.Logger
}

// NewConnectionManager creates a manager for the configured feed.
func NewConnectionManager(cfg config.FeedConfig, dispatch stream.Dispatcher, log *logger.Logger) *ConnectionManager {
	if log == nil {
		log = logger.NewNop()
	}
	return &ConnectionManager{
		url:          cfg.URL,
		token:        cfg.Token,
		dispatch:     dispatch,
		pingInterval: time.Duration(cfg.PingInterval) * time.Second,
		idleTimeout:  5 * time.Minute,
		minBackoff:   time.Second,
		maxBackoff:   time.Minute,
		log:          log.WithFields(logger.NewField("feed", cfg.URL)),
	}
}

// Run reads the feed until ctx is cancelled.
func (cm *ConnectionManager) Run(ctx context.Context) error {
	backoff := cm.minBackoff
	for {
		received, err := cm.session(ctx)
		if ctx.Err() != nil {
			cm.log.Info("websocket feed stopped")
			return nil
		}
		if received > 0 {
			backoff = cm.minBackoff
		}

		cm.log.Warn("websocket feed disconnected, reconnecting",
			logger.NewField("error", err.Error()),
			logger.NewField("messages", received),
			logger.NewField("backoff", backoff.String()),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, cm.maxBackoff)
	}
}

// session runs one connection and returns the number of frames it read and
// the error that ended it.
func (cm *ConnectionManager) session(ctx context.Context) (int, error) {
	client := NewClient(cm.url, cm.token)
	if err := client.Connect(ctx); err != nil {
		return 0, err
	}
	defer client.Close()

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	if err := client.Subscribe(nil); err != nil {
		return 0, err
	}
	client.StartPing(cm.pingInterval)
	cm.log.Info("websocket feed connected")

	received := 0
	for {
		data, err := client.ReadMessage(cm.idleTimeout)
		if err != nil {
			return received, err
		}
		received++
		cm.handle(ctx, data)
	}
}

// handle dispatches one frame. Frames have no offset to rewind to, so a
// failed frame is counted and dropped.
func (cm *ConnectionManager) handle(ctx context.Context, data []byte) {
	err := cm.dispatch.HandleMessage(ctx, data)
	switch {
	case err == nil:
		metrics.StreamMessages.WithLabelValues(sourceWebsocket, "ingested").Inc()
	case stream.Retryable(err):
		metrics.StreamMessages.WithLabelValues(sourceWebsocket, "failed").Inc()
		cm.log.Error(err, logger.NewField("action", "handle_feed_frame"))
	default:
		metrics.StreamMessages.WithLabelValues(sourceWebsocket, "skipped").Inc()
		cm.log.Warn("skipping malformed feed frame", logger.NewField("error", err.Error()))
	}
}
