package model

import (
	"time"
)

// RenderStage 渲染任务阶段
type RenderStage string

const (
	RenderStageValidating RenderStage = "validating"
	RenderStageSubmitted  RenderStage = "submitted"
	RenderStageRendering  RenderStage = "rendering"
	RenderStageUploading  RenderStage = "uploading"
	RenderStageCompleted  RenderStage = "completed"
	RenderStageFailed     RenderStage = "failed"
)

// IsTerminal 判断渲染阶段是否为终态
func (s RenderStage) IsTerminal() bool {
	return s == RenderStageCompleted || s == RenderStageFailed
}

// RenderJob 整片渲染任务，同一项目同时只允许一个非终态任务
type RenderJob struct {
	ID              uint        `json:"id" gorm:"primarykey"`
	ProjectID       uint        `json:"project_id" gorm:"not null;index"`
	ExternalJobID   string      `json:"external_job_id" gorm:"size:100"` // 外部渲染引擎的任务ID
	Stage           RenderStage `json:"stage" gorm:"size:20;default:validating;index"`
	ProgressPercent int         `json:"progress_percent" gorm:"default:0"`
	OutputURL       string      `json:"output_url"`
	ErrorMessage    string      `json:"error_message" gorm:"type:text"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// TableName 指定表名
func (RenderJob) TableName() string {
	return "render_jobs"
}
