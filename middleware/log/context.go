package logger

import (
	"context"

	"github.com/google/uuid"
)

// WithTraceID 把 trace ID 放进 context，为空时生成一个新的 UUID。
// 同一请求（HTTP、Kafka 消息或一次调度任务）内的日志靠它串联。
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = uuid.New().String()
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID 从 context 取 trace ID，没有时返回空串。
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// NewTraceID 生成一个新的 trace ID。
func NewTraceID() string {
	return uuid.New().String()
}

// WithChatUserID 把发起请求的聊天用户 ID 放进 context。认证中间件在
// 解析令牌后调用，之后该请求的所有 *Context 日志都会带上这个字段。
func WithChatUserID(ctx context.Context, chatUserID int64) context.Context {
	return context.WithValue(ctx, ChatUserIDKey, chatUserID)
}

// GetChatUserID 从 context 取聊天用户 ID；第二个返回值表示是否存在。
func GetChatUserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(ChatUserIDKey).(int64)
	return id, ok
}
