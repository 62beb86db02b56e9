package model

import (
	"time"
)

// ProjectStatus 项目状态，按流水线阶段推进
type ProjectStatus string

const (
	ProjectStatusParsed           ProjectStatus = "parsed"            // 输入已分块
	ProjectStatusFormatting       ProjectStatus = "formatting"        // 分镜脚本生成中
	ProjectStatusFormatted        ProjectStatus = "formatted"         // 分镜脚本已完成
	ProjectStatusGeneratingAssets ProjectStatus = "generating_assets" // 场景素材生成中
	ProjectStatusCompleted        ProjectStatus = "completed"         // 成片已产出
	ProjectStatusFailed           ProjectStatus = "failed"
)

// DisplayMode 成片展示模式，预检根据它判断场景必需的素材
type DisplayMode string

const (
	DisplayModeImageOnly      DisplayMode = "image_only"      // 每个场景必须有图片
	DisplayModeVideoPreferred DisplayMode = "video_preferred" // 每个场景必须有视频
)

// Project 项目模型，聚合一次完整的生成流程
type Project struct {
	ID           uint          `json:"id" gorm:"primarykey"`
	UserID       uint          `json:"user_id" gorm:"not null;index"`
	Title        string        `json:"title" gorm:"size:200;not null"`
	InputText    string        `json:"input_text" gorm:"type:text"` // 原始文本或音频转写稿
	AspectRatio  string        `json:"aspect_ratio" gorm:"size:10;default:16:9"`
	DisplayMode  DisplayMode   `json:"display_mode" gorm:"size:20;default:image_only"`
	Status       ProjectStatus `json:"status" gorm:"size:30;default:parsed;index"`
	TotalTargets int           `json:"total_targets" gorm:"default:0"`
	ReadyCount   int           `json:"ready_count" gorm:"default:0"`
	LastError    string        `json:"last_error" gorm:"type:text"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// TableName 指定表名
func (Project) TableName() string {
	return "projects"
}

// NextStage 返回当前阶段的下一个阶段
// 阶段只能逐级推进，terminal 阶段没有后继
func (s ProjectStatus) NextStage() (ProjectStatus, bool) {
	switch s {
	case ProjectStatusParsed:
		return ProjectStatusFormatting, true
	case ProjectStatusFormatting:
		return ProjectStatusFormatted, true
	case ProjectStatusFormatted:
		return ProjectStatusGeneratingAssets, true
	case ProjectStatusGeneratingAssets:
		return ProjectStatusCompleted, true
	default:
		return s, false
	}
}

// StageKind 返回某阶段应该驱动的目标类型，没有生成工作的阶段返回 false
// formatted 阶段返回素材类型，第一次素材调用会把素材目标落地
func (s ProjectStatus) StageKind() (TargetKind, bool) {
	switch s {
	case ProjectStatusFormatting:
		return KindChunkScript, true
	case ProjectStatusFormatted, ProjectStatusGeneratingAssets:
		return KindSceneImage, true
	default:
		return "", false
	}
}
