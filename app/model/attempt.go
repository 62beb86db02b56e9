package model

import (
	"time"
)

// AttemptStatus 生成记录状态
type AttemptStatus string

const (
	AttemptStatusRunning   AttemptStatus = "running"
	AttemptStatusSucceeded AttemptStatus = "succeeded"
	AttemptStatusFailed    AttemptStatus = "failed"
)

// CredentialSource 凭证来源，用于计费归属
type CredentialSource string

const (
	SourcePrimary  CredentialSource = "primary"
	SourceFallback CredentialSource = "fallback"
	SourceSponsor  CredentialSource = "sponsor"
)

// Attempt 一次针对目标的生成执行记录
// 同一目标下最多只有一条 is_active = true 的记录，激活通过事务内的整体交换完成
type Attempt struct {
	ID               uint             `json:"id" gorm:"primarykey"`
	TargetID         uint             `json:"target_id" gorm:"not null;index"`
	AttemptNumber    int              `json:"attempt_number" gorm:"default:1"` // 目标内的第几次生成
	Provider         string           `json:"provider" gorm:"size:50"`
	CredentialSource CredentialSource `json:"credential_source" gorm:"size:20;default:primary"`
	ArtifactRef      string           `json:"artifact_ref"` // 成功前为空
	IsActive         bool             `json:"is_active" gorm:"default:false;index"`
	Status           AttemptStatus    `json:"status" gorm:"size:20;default:running;index"`
	ErrorClass       string           `json:"error_class" gorm:"size:30"`
	ErrorMessage     string           `json:"error_message" gorm:"type:text"`
	RetryCount       int              `json:"retry_count" gorm:"default:0"` // 本次执行内部的提供方调用次数
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// TableName 指定表名
func (Attempt) TableName() string {
	return "attempts"
}
