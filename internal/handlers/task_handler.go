package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/growthclub/backend/internal/scheduler"
)

// TaskHandler 延迟任务队列处理器
type TaskHandler struct {
	sched *scheduler.Scheduler
}

func NewTaskHandler(sched *scheduler.Scheduler) *TaskHandler {
	return &TaskHandler{
		sched: sched,
	}
}

// Schedule 创建延迟任务
func (h *TaskHandler) Schedule(c *gin.Context) {
	var req struct {
		Type      string          `json:"type" binding:"required"`
		OwnerID   int64           `json:"owner_id" binding:"required"`
		TargetRef int64           `json:"target_ref"`
		Step      string          `json:"step"`
		Payload   json.RawMessage `json:"payload"`
		ExecuteAt time.Time       `json:"execute_at" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.sched.Schedule(c.Request.Context(), scheduler.Task{
		Type:      req.Type,
		OwnerID:   req.OwnerID,
		TargetRef: req.TargetRef,
		Step:      req.Step,
		Payload:   req.Payload,
	}, req.ExecuteAt)
	if err != nil {
		if errors.Is(err, scheduler.ErrDuplicateTask) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    gin.H{"task_id": id},
	})
}

// Cancel 取消单个任务
func (h *TaskHandler) Cancel(c *gin.Context) {
	taskID := c.Param("id")
	ok, err := h.sched.Cancel(c.Request.Context(), taskID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    nil,
	})
}

// CancelForOwner 取消某用户的任务，可按类型过滤
func (h *TaskHandler) CancelForOwner(c *gin.Context) {
	ownerID, err := strconv.ParseInt(c.Query("owner_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner_id"})
		return
	}

	var types []string
	if t := c.Query("type"); t != "" {
		types = append(types, t)
	}

	n, err := h.sched.CancelByOwnerAndType(c.Request.Context(), ownerID, types...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    gin.H{"cancelled": n},
	})
}

// List 列出某用户的待执行任务
func (h *TaskHandler) List(c *gin.Context) {
	ownerID, err := strconv.ParseInt(c.Query("owner_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner_id"})
		return
	}

	tasks, err := h.sched.TasksForOwner(c.Request.Context(), ownerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    tasks,
	})
}

// PendingCount 查询队列长度
func (h *TaskHandler) PendingCount(c *gin.Context) {
	n, err := h.sched.PendingCount(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    gin.H{"pending": n},
	})
}
