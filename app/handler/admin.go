package handler

import (
	"net/http"
	"strconv"

	"scene-forge/app/service"

	"github.com/gin-gonic/gin"
)

// AdminHandler 管理操作处理器
type AdminHandler struct {
	sweeper  *service.SweeperService
	attempts *service.AttemptService
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(sweeper *service.SweeperService, attempts *service.AttemptService) *AdminHandler {
	return &AdminHandler{
		sweeper:  sweeper,
		attempts: attempts,
	}
}

// Sweep 手动触发全局卡死任务清扫
func (h *AdminHandler) Sweep(c *gin.Context) {
	count, err := h.sweeper.Sweep(nil)
	if err != nil {
		fail(c, http.StatusInternalServerError, 500, err.Error())
		return
	}

	success(c, gin.H{"swept": count}, "清扫完成")
}

// Cleanup 手动触发过期生成记录清理
func (h *AdminHandler) Cleanup(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("retention_days", "30"))
	if days <= 0 {
		days = 30
	}

	count, err := h.attempts.CleanupOld(days)
	if err != nil {
		fail(c, http.StatusInternalServerError, 500, err.Error())
		return
	}

	success(c, gin.H{"deleted": count}, "清理完成")
}
