package handler

import (
	"errors"
	"net/http"

	"scene-forge/app/model"
	"scene-forge/app/service"

	"github.com/gin-gonic/gin"
)

// PipelineHandler 流水线处理器，外部轮询的入口
type PipelineHandler struct {
	pipeline  *service.PipelineService
	preflight *service.PreflightService
	build     *service.BuildService
}

// NewPipelineHandler 创建流水线处理器
func NewPipelineHandler(pipeline *service.PipelineService, preflight *service.PreflightService, build *service.BuildService) *PipelineHandler {
	return &PipelineHandler{
		pipeline:  pipeline,
		preflight: preflight,
		build:     build,
	}
}

// ParseProject 把项目输入切分为分块目标
func (h *PipelineHandler) ParseProject(c *gin.Context) {
	project, ok := loadOwnedProject(c)
	if !ok {
		return
	}

	chunks, err := h.pipeline.ParseProject(project.ID)
	if err != nil {
		fail(c, http.StatusBadRequest, 400, err.Error())
		return
	}

	success(c, gin.H{"chunks": chunks}, "分块完成")
}

// ProcessBatch 领取并处理一批目标，由外部轮询反复调用
func (h *PipelineHandler) ProcessBatch(c *gin.Context) {
	project, ok := loadOwnedProject(c)
	if !ok {
		return
	}

	kind := model.TargetKind(c.Query("kind"))
	if kind == "" {
		fail(c, http.StatusBadRequest, 400, "缺少 kind 参数")
		return
	}

	result, err := h.pipeline.ProcessBatch(c.Request.Context(), project.ID, kind)
	if err != nil {
		fail(c, http.StatusBadRequest, 400, err.Error())
		return
	}

	success(c, result, "批处理完成")
}

// GetStatus 项目状态汇总，顺带清扫卡死目标
func (h *PipelineHandler) GetStatus(c *gin.Context) {
	project, ok := loadOwnedProject(c)
	if !ok {
		return
	}

	summary, err := h.pipeline.Summary(project.ID)
	if err != nil {
		fail(c, http.StatusInternalServerError, 500, err.Error())
		return
	}

	success(c, summary, "获取状态成功")
}

// GetPreflight 渲染前就绪检查
func (h *PipelineHandler) GetPreflight(c *gin.Context) {
	project, ok := loadOwnedProject(c)
	if !ok {
		return
	}

	report, err := h.preflight.Validate(project.ID)
	if err != nil {
		fail(c, http.StatusInternalServerError, 500, err.Error())
		return
	}

	success(c, report, "预检完成")
}

// SubmitBuild 提交整片合成
func (h *PipelineHandler) SubmitBuild(c *gin.Context) {
	project, ok := loadOwnedProject(c)
	if !ok {
		return
	}

	job, err := h.build.Submit(c.Request.Context(), project.ID)
	if err != nil {
		var preflightErr *service.PreflightFailedError
		switch {
		case errors.As(err, &preflightErr):
			c.JSON(http.StatusUnprocessableEntity, ApiResponse{
				Code:    422,
				Message: err.Error(),
				Data:    preflightErr.Report,
			})
		case errors.Is(err, service.ErrBuildConflict):
			fail(c, http.StatusConflict, 409, err.Error())
		default:
			fail(c, http.StatusInternalServerError, 500, err.Error())
		}
		return
	}

	success(c, job, "合成任务已提交")
}

// PollBuild 轮询整片合成进度
func (h *PipelineHandler) PollBuild(c *gin.Context) {
	project, ok := loadOwnedProject(c)
	if !ok {
		return
	}

	job, err := h.build.Poll(c.Request.Context(), project.ID)
	if err != nil {
		fail(c, http.StatusBadRequest, 400, err.Error())
		return
	}

	success(c, job, "获取合成进度成功")
}
