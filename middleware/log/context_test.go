package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTraceIDContext(t *testing.T) {
	t.Run("adds provided trace ID to context", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "assign-req-123")
		assert.Equal(t, "assign-req-123", GetTraceID(ctx))
	})

	t.Run("generates a UUID when empty string provided", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "")
		traceID := GetTraceID(ctx)
		assert.NotEmpty(t, traceID)
		assert.Len(t, traceID, 36)
	})

	t.Run("preserves other context values", func(t *testing.T) {
		ctx := WithChatUserID(context.Background(), 987654321)
		ctx = WithTraceID(ctx, "trace-456")

		assert.Equal(t, "trace-456", GetTraceID(ctx))
		chatUserID, ok := GetChatUserID(ctx)
		require.True(t, ok)
		assert.EqualValues(t, 987654321, chatUserID)
	})

	t.Run("child context can override the trace ID", func(t *testing.T) {
		ctx1 := WithTraceID(context.Background(), "trace-1")
		ctx2 := WithTraceID(ctx1, "trace-2")

		assert.Equal(t, "trace-2", GetTraceID(ctx2))
		assert.Equal(t, "trace-1", GetTraceID(ctx1))
	})
}

func TestGetTraceID(t *testing.T) {
	t.Run("returns empty string when no trace ID in context", func(t *testing.T) {
		assert.Empty(t, GetTraceID(context.Background()))
	})

	t.Run("returns empty string when trace ID is wrong type", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), TraceIDKey, 12345)
		assert.Empty(t, GetTraceID(ctx))
	})
}

func TestNewTraceID(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewTraceID()
		assert.Len(t, id, 36)
		assert.False(t, ids[id], "duplicate trace ID generated: %s", id)
		ids[id] = true
	}
}

func TestChatUserIDContext(t *testing.T) {
	t.Run("round-trips the chat user ID", func(t *testing.T) {
		ctx := WithChatUserID(context.Background(), 1000)
		chatUserID, ok := GetChatUserID(ctx)
		require.True(t, ok)
		assert.EqualValues(t, 1000, chatUserID)
	})

	t.Run("absent when never set", func(t *testing.T) {
		_, ok := GetChatUserID(context.Background())
		assert.False(t, ok)
	})

	t.Run("absent when value has the wrong type", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), ChatUserIDKey, "1000")
		_, ok := GetChatUserID(ctx)
		assert.False(t, ok)
	})

	t.Run("survives further context wrapping", func(t *testing.T) {
		ctx := WithChatUserID(context.Background(), 2000)
		ctx = WithTraceID(ctx, "trace-wrap")
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		chatUserID, ok := GetChatUserID(ctx)
		require.True(t, ok)
		assert.EqualValues(t, 2000, chatUserID)
	})
}
