package model

import (
	"time"
)

// TargetKind 生成目标类型
type TargetKind string

const (
	KindChunkScript  TargetKind = "chunk_script"  // 文本分块 -> 分镜脚本
	KindSceneImage   TargetKind = "scene_image"   // 场景图片
	KindSceneVideo   TargetKind = "scene_video"   // 场景视频
	KindProjectBuild TargetKind = "project_build" // 整片合成
)

// TargetStatus 生成目标状态
type TargetStatus string

const (
	TargetStatusPending    TargetStatus = "pending"
	TargetStatusInProgress TargetStatus = "in_progress"
	TargetStatusCompleted  TargetStatus = "completed"
	TargetStatusFailed     TargetStatus = "failed"
	TargetStatusCancelled  TargetStatus = "cancelled"
)

// targetTransitions 状态转移表，不在表内的转移一律拒绝
var targetTransitions = map[TargetStatus][]TargetStatus{
	TargetStatusPending:    {TargetStatusInProgress, TargetStatusCancelled},
	TargetStatusInProgress: {TargetStatusCompleted, TargetStatusFailed},
	TargetStatusCompleted:  {},
	TargetStatusFailed:     {},
	TargetStatusCancelled:  {},
}

// CanTransitionTo 判断状态转移是否合法
func (s TargetStatus) CanTransitionTo(next TargetStatus) bool {
	for _, allowed := range targetTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal 判断是否为终态
func (s TargetStatus) IsTerminal() bool {
	return s == TargetStatusCompleted || s == TargetStatusFailed || s == TargetStatusCancelled
}

// Target 生成目标模型，一个目标对应一个逻辑生成槽位
type Target struct {
	ID           uint         `json:"id" gorm:"primarykey"`
	ProjectID    uint         `json:"project_id" gorm:"not null;index"`
	SceneID      *uint        `json:"scene_id" gorm:"index"` // 分块/整片目标没有场景
	Kind         TargetKind   `json:"kind" gorm:"size:20;not null;index"`
	Position     int          `json:"position" gorm:"default:0"` // 项目内排序
	Payload      string       `json:"payload" gorm:"type:text"`  // 按类型解释的输入内容，分块目标存分块文本
	Status       TargetStatus `json:"status" gorm:"size:20;default:pending;index"`
	ErrorMessage string       `json:"error_message" gorm:"type:text"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// TableName 指定表名
func (Target) TableName() string {
	return "targets"
}
