package handler

import (
	"net/http"
	"strconv"

	"scene-forge/app/database"
	"scene-forge/app/model"

	"github.com/gin-gonic/gin"
)

// ProjectHandler 项目处理器
type ProjectHandler struct{}

// NewProjectHandler 创建项目处理器
func NewProjectHandler() *ProjectHandler {
	return &ProjectHandler{}
}

// createProjectRequest 创建项目请求
type createProjectRequest struct {
	Title       string `json:"title" binding:"required,max=200"`
	InputText   string `json:"input_text" binding:"required"`
	AspectRatio string `json:"aspect_ratio"`
	DisplayMode string `json:"display_mode"`
}

// CreateProject 创建项目
func (h *ProjectHandler) CreateProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 400, err.Error())
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, 401, "用户未认证")
		return
	}

	project := model.Project{
		UserID:    userID,
		Title:     req.Title,
		InputText: req.InputText,
		Status:    model.ProjectStatusParsed,
	}
	if req.AspectRatio != "" {
		project.AspectRatio = req.AspectRatio
	}
	switch model.DisplayMode(req.DisplayMode) {
	case model.DisplayModeVideoPreferred:
		project.DisplayMode = model.DisplayModeVideoPreferred
	default:
		project.DisplayMode = model.DisplayModeImageOnly
	}

	if err := database.DB.Create(&project).Error; err != nil {
		fail(c, http.StatusInternalServerError, 500, "创建项目失败")
		return
	}

	success(c, project, "创建项目成功")
}

// GetProjects 获取项目列表
func (h *ProjectHandler) GetProjects(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, 401, "用户未认证")
		return
	}

	query := database.DB.Where("user_id = ?", userID)

	// 分页参数
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	offset := (page - 1) * pageSize

	// 状态过滤
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	query.Model(&model.Project{}).Count(&total)

	var projects []model.Project
	if err := query.Order("created_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&projects).Error; err != nil {
		fail(c, http.StatusInternalServerError, 500, "获取项目列表失败")
		return
	}

	success(c, gin.H{
		"list":     projects,
		"total":    total,
		"current":  page,
		"pageSize": pageSize,
	}, "获取项目列表成功")
}

// GetProject 获取单个项目，附带场景列表
func (h *ProjectHandler) GetProject(c *gin.Context) {
	project, ok := loadOwnedProject(c)
	if !ok {
		return
	}

	var scenes []model.Scene
	database.DB.Where("project_id = ?", project.ID).Order("position ASC").Find(&scenes)

	success(c, gin.H{
		"project": project,
		"scenes":  scenes,
	}, "获取项目成功")
}

// loadOwnedProject 供各处理器共用的项目归属校验
func loadOwnedProject(c *gin.Context) (*model.Project, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		fail(c, http.StatusBadRequest, 400, "无效的项目ID")
		return nil, false
	}

	userID, ok := currentUserID(c)
	if !ok {
		fail(c, http.StatusUnauthorized, 401, "用户未认证")
		return nil, false
	}

	var project model.Project
	if err := database.DB.Where("id = ? AND user_id = ?", id, userID).First(&project).Error; err != nil {
		fail(c, http.StatusNotFound, 404, "项目不存在")
		return nil, false
	}
	return &project, true
}
