package handler

import (
	"net/http"
	"strconv"

	"scene-forge/app/database"
	"scene-forge/app/model"

	"github.com/gin-gonic/gin"
)

// CredentialHandler 用户凭证处理器
type CredentialHandler struct{}

// NewCredentialHandler 创建凭证处理器
func NewCredentialHandler() *CredentialHandler {
	return &CredentialHandler{}
}

// createCredentialRequest 创建凭证请求
type createCredentialRequest struct {
	Provider string `json:"provider" binding:"required,oneof=script image render"`
	Source   string `json:"source" binding:"required,oneof=primary fallback"`
	APIKey   string `json:"api_key" binding:"required"`
	Priority int    `json:"priority"`
}

// CreateCredential 为当前用户登记一个生成服务凭证
// 用户只能登记 primary/fallback，赞助凭证由系统配置写入
func (h *CredentialHandler) CreateCredential(c *gin.Context) {
	var req createCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 400, err.Error())
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, 401, "用户未认证")
		return
	}

	var count int64
	database.DB.Model(&model.ProviderCredential{}).
		Where("user_id = ? AND provider = ? AND source = ?", userID, req.Provider, req.Source).
		Count(&count)
	if count > 0 {
		fail(c, http.StatusConflict, 409, "同来源的凭证已存在，请先删除旧凭证")
		return
	}

	cred := model.ProviderCredential{
		UserID:   &userID,
		Provider: req.Provider,
		Source:   model.CredentialSource(req.Source),
		APIKey:   req.APIKey,
		Priority: req.Priority,
		Status:   model.CredentialStatusActive,
	}
	if err := database.DB.Create(&cred).Error; err != nil {
		fail(c, http.StatusInternalServerError, 500, "创建凭证失败")
		return
	}

	success(c, cred, "创建凭证成功")
}

// GetCredentials 获取当前用户的凭证列表
func (h *CredentialHandler) GetCredentials(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, 401, "用户未认证")
		return
	}

	var creds []model.ProviderCredential
	if err := database.DB.Where("user_id = ?", userID).
		Order("provider ASC, priority ASC").Find(&creds).Error; err != nil {
		fail(c, http.StatusInternalServerError, 500, "获取凭证列表失败")
		return
	}

	success(c, creds, "获取凭证列表成功")
}

// DeleteCredential 删除当前用户的一个凭证
func (h *CredentialHandler) DeleteCredential(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		fail(c, http.StatusBadRequest, 400, "无效的凭证ID")
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, 401, "用户未认证")
		return
	}

	result := database.DB.Where("id = ? AND user_id = ?", id, userID).Delete(&model.ProviderCredential{})
	if result.Error != nil {
		fail(c, http.StatusInternalServerError, 500, "删除凭证失败")
		return
	}
	if result.RowsAffected == 0 {
		fail(c, http.StatusNotFound, 404, "凭证不存在")
		return
	}

	success(c, nil, "删除凭证成功")
}
