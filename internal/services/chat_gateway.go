package services

import (
	"context"

	"go.uber.org/zap"
)

// ChatGateway is the chat-platform collaborator. Every call is a best-effort
// side effect: the persisted state is the source of truth and a gateway
// failure never rolls back the owning transaction.
type ChatGateway interface {
	CreateInviteLink(ctx context.Context, chatRef int64) (string, error)
	BanChatMember(ctx context.Context, chatRef, chatUserID int64) error
	UnbanChatMember(ctx context.Context, chatRef, chatUserID int64) error
	SendMessage(ctx context.Context, chatUserID int64, text string) error
}

// NopChatGateway records calls in the log and does nothing. Used when the
// service runs without a bot attached.
type NopChatGateway struct {
	logger *zap.Logger
}

func NewNopChatGateway(logger *zap.Logger) *NopChatGateway {
	return &NopChatGateway{logger: logger}
}

func (g *NopChatGateway) CreateInviteLink(_ context.Context, chatRef int64) (string, error) {
	g.logger.Debug("chat gateway: create invite link skipped", zap.Int64("chat_ref", chatRef))
	return "", nil
}

func (g *NopChatGateway) BanChatMember(_ context.Context, chatRef, chatUserID int64) error {
	g.logger.Debug("chat gateway: ban skipped",
		zap.Int64("chat_ref", chatRef),
		zap.Int64("chat_user_id", chatUserID))
	return nil
}

func (g *NopChatGateway) UnbanChatMember(_ context.Context, chatRef, chatUserID int64) error {
	g.logger.Debug("chat gateway: unban skipped",
		zap.Int64("chat_ref", chatRef),
		zap.Int64("chat_user_id", chatUserID))
	return nil
}

func (g *NopChatGateway) SendMessage(_ context.Context, chatUserID int64, text string) error {
	g.logger.Debug("chat gateway: message skipped",
		zap.Int64("chat_user_id", chatUserID),
		zap.String("text", text))
	return nil
}
