package handler

import (
	"net/http"
	"strconv"

	"scene-forge/app/database"
	"scene-forge/app/model"
	"scene-forge/app/service"

	"github.com/gin-gonic/gin"
)

// AttemptHandler 生成记录处理器
type AttemptHandler struct {
	pipeline *service.PipelineService
	attempts *service.AttemptService
}

// NewAttemptHandler 创建生成记录处理器
func NewAttemptHandler(pipeline *service.PipelineService, attempts *service.AttemptService) *AttemptHandler {
	return &AttemptHandler{
		pipeline: pipeline,
		attempts: attempts,
	}
}

// loadOwnedTarget 加载并校验目标归属
func (h *AttemptHandler) loadOwnedTarget(c *gin.Context) (*model.Target, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		fail(c, http.StatusBadRequest, 400, "无效的目标ID")
		return nil, false
	}

	userID, ok := currentUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, 401, "用户未认证")
		return nil, false
	}

	var target model.Target
	if err := database.DB.
		Joins("JOIN projects ON projects.id = targets.project_id").
		Where("targets.id = ? AND projects.user_id = ?", id, userID).
		First(&target).Error; err != nil {
		fail(c, http.StatusNotFound, 404, "目标不存在")
		return nil, false
	}
	return &target, true
}

// ListAttempts 返回目标的全部生成记录
func (h *AttemptHandler) ListAttempts(c *gin.Context) {
	target, ok := h.loadOwnedTarget(c)
	if !ok {
		return
	}

	attempts, err := h.attempts.List(target.ID)
	if err != nil {
		fail(c, http.StatusInternalServerError, 500, "获取生成记录失败")
		return
	}

	success(c, gin.H{
		"target":   target,
		"attempts": attempts,
	}, "获取生成记录成功")
}

// CancelTarget 取消一个尚未被领取的目标
func (h *AttemptHandler) CancelTarget(c *gin.Context) {
	target, ok := h.loadOwnedTarget(c)
	if !ok {
		return
	}

	if err := h.pipeline.CancelTarget(target.ID); err != nil {
		fail(c, http.StatusConflict, 409, err.Error())
		return
	}

	success(c, nil, "目标已取消")
}

// loadOwnedAttempt 加载并校验生成记录归属
func (h *AttemptHandler) loadOwnedAttempt(c *gin.Context) (*model.Attempt, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		fail(c, http.StatusBadRequest, 400, "无效的生成记录ID")
		return nil, false
	}

	userID, ok := currentUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, 401, "用户未认证")
		return nil, false
	}

	var attempt model.Attempt
	if err := database.DB.
		Joins("JOIN targets ON targets.id = attempts.target_id").
		Joins("JOIN projects ON projects.id = targets.project_id").
		Where("attempts.id = ? AND projects.user_id = ?", id, userID).
		First(&attempt).Error; err != nil {
		fail(c, http.StatusNotFound, 404, "生成记录不存在")
		return nil, false
	}
	return &attempt, true
}

// ActivateAttempt 手动把一条历史成功记录切换为激活产物
func (h *AttemptHandler) ActivateAttempt(c *gin.Context) {
	attempt, ok := h.loadOwnedAttempt(c)
	if !ok {
		return
	}

	if err := h.attempts.Activate(attempt.ID); err != nil {
		fail(c, http.StatusConflict, 409, err.Error())
		return
	}

	success(c, nil, "激活成功")
}

// DeleteAttempt 删除一条非激活的生成记录
func (h *AttemptHandler) DeleteAttempt(c *gin.Context) {
	attempt, ok := h.loadOwnedAttempt(c)
	if !ok {
		return
	}

	if err := h.attempts.Delete(attempt.ID); err != nil {
		fail(c, http.StatusConflict, 409, err.Error())
		return
	}

	success(c, nil, "删除成功")
}
