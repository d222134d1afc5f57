package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/growthclub/backend/internal/services"
)

// RewardEvent is one reward emitted by an upstream product event, delivered
// at-least-once over Kafka. DedupKey makes redelivery harmless.
type RewardEvent struct {
	UserID   string         `json:"user_id"`
	Amount   int            `json:"amount"`
	Reason   string         `json:"reason"`
	DedupKey string         `json:"dedup_key"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type RewardConsumer struct {
	energy *services.EnergyService
	logger *zap.Logger
}

func NewRewardConsumer(energy *services.EnergyService, logger *zap.Logger) *RewardConsumer {
	return &RewardConsumer{
		energy: energy,
		logger: logger,
	}
}

// Setup is run at the beginning of a new session, before ConsumeClaim
func (c *RewardConsumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited
func (c *RewardConsumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim must start a consumer loop of ConsumerGroupClaim's Messages().
// Every message is marked consumed: a poison message or a permanent award
// failure must not wedge the partition.
func (c *RewardConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for message := range claim.Messages() {
		var event RewardEvent
		if err := json.Unmarshal(message.Value, &event); err != nil {
			c.logger.Error("undecodable reward event",
				zap.String("topic", message.Topic),
				zap.Int64("offset", message.Offset),
				zap.Error(err))
			session.MarkMessage(message, "")
			continue
		}

		if err := c.handle(ctx, event); err != nil {
			c.logger.Error("failed to apply reward event",
				zap.String("user_id", event.UserID),
				zap.String("dedup_key", event.DedupKey),
				zap.Error(err))
		}
		session.MarkMessage(message, "")
	}
	return nil
}

func (c *RewardConsumer) handle(ctx context.Context, event RewardEvent) error {
	userID, err := uuid.Parse(event.UserID)
	if err != nil {
		return fmt.Errorf("bad user id %q: %w", event.UserID, err)
	}

	_, err = c.energy.AwardOnce(ctx, userID, event.Amount, event.Reason, event.DedupKey, event.Metadata)
	if err != nil {
		if errors.Is(err, services.ErrDuplicateAward) {
			c.logger.Debug("reward event already applied",
				zap.String("user_id", event.UserID),
				zap.String("dedup_key", event.DedupKey))
			return nil
		}
		return err
	}
	return nil
}

func StartConsumer(ctx context.Context, brokers []string, groupID, topic string, consumer *RewardConsumer, logger *zap.Logger) error {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetNewest

	client, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}

	go func() {
		defer client.Close()
		for {
			if err := client.Consume(ctx, []string{topic}, consumer); err != nil {
				logger.Error("reward consumer error", zap.Error(err))
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return nil
}
