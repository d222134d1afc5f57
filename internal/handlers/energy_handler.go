package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/growthclub/backend/internal/consumer"
	"github.com/growthclub/backend/internal/services"
	"github.com/growthclub/backend/pkg/mq"
)

// EnergyHandler 积分账本处理器。奖励发放优先走 Kafka 异步通道，
// Kafka 不可用时降级为直接入账。
type EnergyHandler struct {
	energy   *services.EnergyService
	producer *mq.KafkaProducer
	logger   *zap.Logger
}

func NewEnergyHandler(energy *services.EnergyService, producer *mq.KafkaProducer, logger *zap.Logger) *EnergyHandler {
	return &EnergyHandler{
		energy:   energy,
		producer: producer,
		logger:   logger,
	}
}

func statusForEnergyError(err error) int {
	switch {
	case errors.Is(err, services.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrInsufficientBalance),
		errors.Is(err, services.ErrDuplicateAward):
		return http.StatusConflict
	case errors.Is(err, services.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Balance 查询余额
func (h *EnergyHandler) Balance(c *gin.Context) {
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}

	balance, err := h.energy.Balance(c.Request.Context(), userID)
	if err != nil {
		c.JSON(statusForEnergyError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    gin.H{"balance": balance},
	})
}

// History 查询账本历史
func (h *EnergyHandler) History(c *gin.Context) {
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = v
		}
	}

	txns, err := h.energy.History(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(statusForEnergyError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    txns,
	})
}

// Spend 扣减积分
func (h *EnergyHandler) Spend(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
		Amount int    `json:"amount" binding:"required"`
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}

	balance, err := h.energy.Spend(c.Request.Context(), userID, req.Amount, req.Reason, nil)
	if err != nil {
		c.JSON(statusForEnergyError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    gin.H{"balance": balance},
	})
}

// Award 发放奖励。带 dedup_key 的事件先发 Kafka，由消费者幂等入账。
func (h *EnergyHandler) Award(c *gin.Context) {
	var req struct {
		UserID   string         `json:"user_id" binding:"required"`
		Amount   int            `json:"amount" binding:"required"`
		Reason   string         `json:"reason" binding:"required"`
		DedupKey string         `json:"dedup_key" binding:"required"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}

	if h.producer != nil {
		event := consumer.RewardEvent{
			UserID:   req.UserID,
			Amount:   req.Amount,
			Reason:   req.Reason,
			DedupKey: req.DedupKey,
			Metadata: req.Metadata,
		}
		pubErr := h.producer.Publish(req.UserID, event)
		if pubErr == nil {
			c.JSON(http.StatusAccepted, gin.H{
				"code":    0,
				"message": "accepted",
				"data":    nil,
			})
			return
		}
		h.logger.Warn("failed to publish reward event, crediting directly", zap.Error(pubErr))
	}

	balance, err := h.energy.AwardOnce(c.Request.Context(), userID, req.Amount, req.Reason, req.DedupKey, req.Metadata)
	if err != nil {
		c.JSON(statusForEnergyError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    gin.H{"balance": balance},
	})
}
