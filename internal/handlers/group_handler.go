package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/growthclub/backend/internal/models"
	"github.com/growthclub/backend/internal/services"
)

// GroupHandler 群组处理器，供机器人后端调用
type GroupHandler struct {
	allocator *services.AllocatorService
}

func NewGroupHandler(allocator *services.AllocatorService) *GroupHandler {
	return &GroupHandler{
		allocator: allocator,
	}
}

// statusForGroupError maps service errors onto HTTP statuses.
func statusForGroupError(err error) int {
	switch {
	case errors.Is(err, services.ErrUserNotFound),
		errors.Is(err, services.ErrGroupNotFound),
		errors.Is(err, services.ErrNoActiveGroup),
		errors.Is(err, services.ErrNoMembership):
		return http.StatusNotFound
	case errors.Is(err, services.ErrNoCity),
		errors.Is(err, services.ErrNotQualified),
		errors.Is(err, services.ErrAlreadyLeading),
		errors.Is(err, services.ErrNoSubscription),
		errors.Is(err, services.ErrReportWindowClosed),
		errors.Is(err, services.ErrProblemDescRequired):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrNoCapacity),
		errors.Is(err, services.ErrReportAlreadySent):
		return http.StatusConflict
	case errors.Is(err, services.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// CreateGroup 组长注册新群组
func (h *GroupHandler) CreateGroup(c *gin.Context) {
	var req struct {
		LeaderChatUserID int64  `json:"leader_chat_user_id" binding:"required"`
		ChatRef          int64  `json:"chat_ref" binding:"required"`
		ChatTitle        string `json:"chat_title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	group, err := h.allocator.CreateGroup(c.Request.Context(), req.LeaderChatUserID, req.ChatRef, req.ChatTitle)
	if err != nil {
		c.JSON(statusForGroupError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    group,
	})
}

// AssignUser 为用户分配群组
func (h *GroupHandler) AssignUser(c *gin.Context) {
	var req struct {
		ChatUserID int64   `json:"chat_user_id" binding:"required"`
		GroupID    *string `json:"group_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var groupID *uuid.UUID
	if req.GroupID != nil {
		id, err := uuid.Parse(*req.GroupID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group id"})
			return
		}
		groupID = &id
	}

	res, err := h.allocator.AssignUser(c.Request.Context(), req.ChatUserID, groupID)
	if err != nil {
		c.JSON(statusForGroupError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data": gin.H{
			"group":          res.Group,
			"invite_ref":     res.InviteRef,
			"already_member": res.AlreadyMember,
		},
	})
}

// LeaveGroup 用户退出群组
func (h *GroupHandler) LeaveGroup(c *gin.Context) {
	var req struct {
		ChatUserID int64 `json:"chat_user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.allocator.RemoveUser(c.Request.Context(), req.ChatUserID); err != nil {
		c.JSON(statusForGroupError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "leave group success",
		"data":    nil,
	})
}

// CheckJoin 群聊入群校验
func (h *GroupHandler) CheckJoin(c *gin.Context) {
	chatRef, err := strconv.ParseInt(c.Query("chat_ref"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat_ref"})
		return
	}
	chatUserID, err := strconv.ParseInt(c.Query("chat_user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat_user_id"})
		return
	}

	decision, err := h.allocator.CanEnterGroupChat(c.Request.Context(), chatRef, chatUserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data": gin.H{
			"allowed": decision.Allowed,
			"reason":  decision.Reason,
		},
	})
}

// JoinAttempt 处理一次入群事件（校验并踢出未授权用户）
func (h *GroupHandler) JoinAttempt(c *gin.Context) {
	var req struct {
		ChatRef    int64 `json:"chat_ref" binding:"required"`
		ChatUserID int64 `json:"chat_user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.allocator.HandleJoinAttempt(c.Request.Context(), req.ChatRef, req.ChatUserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    nil,
	})
}

// MyGroup 查询用户当前所在群组
func (h *GroupHandler) MyGroup(c *gin.Context) {
	chatUserID, err := strconv.ParseInt(c.Query("chat_user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat_user_id"})
		return
	}

	group, membership, err := h.allocator.UserGroup(c.Request.Context(), chatUserID)
	if err != nil {
		c.JSON(statusForGroupError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data": gin.H{
			"group":      group,
			"membership": membership,
		},
	})
}

// ActiveGroups 列出所有活跃群组
func (h *GroupHandler) ActiveGroups(c *gin.Context) {
	groups, err := h.allocator.ActiveGroups(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    groups,
	})
}

// LeaderStatus 组长注册群聊前的状态检查
func (h *GroupHandler) LeaderStatus(c *gin.Context) {
	chatUserID, err := strconv.ParseInt(c.Query("chat_user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat_user_id"})
		return
	}
	chatRef, err := strconv.ParseInt(c.Query("chat_ref"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat_ref"})
		return
	}

	status, err := h.allocator.CheckLeaderChatStatus(c.Request.Context(), chatUserID, chatRef)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    status,
	})
}

// DeactivateGroup 群聊被移除时停用对应群组
func (h *GroupHandler) DeactivateGroup(c *gin.Context) {
	var req struct {
		ChatRef int64 `json:"chat_ref" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.allocator.DeactivateGroup(c.Request.Context(), req.ChatRef); err != nil {
		c.JSON(statusForGroupError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    nil,
	})
}

// ReactivateGroup 群聊恢复时重新启用群组
func (h *GroupHandler) ReactivateGroup(c *gin.Context) {
	var req struct {
		ChatRef int64 `json:"chat_ref" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.allocator.ReactivateGroup(c.Request.Context(), req.ChatRef); err != nil {
		c.JSON(statusForGroupError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    nil,
	})
}

// UpdateChatTitle 同步群聊标题变更
func (h *GroupHandler) UpdateChatTitle(c *gin.Context) {
	var req struct {
		ChatRef int64  `json:"chat_ref" binding:"required"`
		Title   string `json:"title" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.allocator.UpdateChatTitle(c.Request.Context(), req.ChatRef, req.Title); err != nil {
		c.JSON(statusForGroupError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    nil,
	})
}

// SubmitReport 组长提交每周报告
func (h *GroupHandler) SubmitReport(c *gin.Context) {
	var req struct {
		LeaderChatUserID   int64  `json:"leader_chat_user_id" binding:"required"`
		Status             string `json:"status" binding:"required"`
		ProblemDescription string `json:"problem_description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Status != models.ReportStatusOK && req.Status != models.ReportStatusProblem {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be ok or problem"})
		return
	}

	report, err := h.allocator.SubmitLeaderReport(c.Request.Context(), req.LeaderChatUserID, req.Status, req.ProblemDescription)
	if err != nil {
		c.JSON(statusForGroupError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    report,
	})
}

// MissingReports 列出本周未交报告的群组
func (h *GroupHandler) MissingReports(c *gin.Context) {
	groups, err := h.allocator.GroupsMissingReport(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    groups,
	})
}
