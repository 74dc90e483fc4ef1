package logger

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return FromZap(zap.New(core)), logs
}

func TestInfoContextAddsRequestID(t *testing.T) {
	l, logs := observed()
	ctx := WithRequestID(context.Background(), "req-1")

	l.InfoContext(ctx, "hello", NewField("rows", 3))

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "req-1", fields["request_id"])
		assert.EqualValues(t, 3, fields["rows"])
	}
}

func TestInfoContextWithoutRequestID(t *testing.T) {
	l, logs := observed()
	l.InfoContext(context.Background(), "hello")

	_, ok := logs.All()[0].ContextMap()["request_id"]
	assert.False(t, ok)
}

func TestErrorUsesStackTrace(t *testing.T) {
	l, logs := observed()
	l.Error(errors.New("boom"))

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "boom", entries[0].Message)
		assert.NotEmpty(t, entries[0].Stack)
	}
}

func TestFromContext(t *testing.T) {
	def := NewNop()
	assert.Same(t, def, FromContext(context.Background(), def))

	other := NewNop()
	ctx := WithContext(context.Background(), other)
	assert.Same(t, other, FromContext(ctx, def))
}

func TestNewRequestIDUnique(t *testing.T) {
	assert.NotEqual(t, NewRequestID(), NewRequestID())
}
