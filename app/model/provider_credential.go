package model

import (
	"time"
)

// 凭证状态常量
const (
	CredentialStatusActive   = "active"
	CredentialStatusDisabled = "disabled"
	CredentialStatusQuotaOut = "quota_exhausted"
)

// ProviderCredential 外部生成服务的访问凭证
// UserID 为空表示系统级（赞助）凭证，所有用户共享
type ProviderCredential struct {
	ID        uint             `json:"id" gorm:"primarykey"`
	UserID    *uint            `json:"user_id" gorm:"index"`
	Provider  string           `json:"provider" gorm:"size:50;not null;index"`
	Source    CredentialSource `json:"source" gorm:"size:20;not null"`
	APIKey    string           `json:"-" gorm:"not null"` // json:"-" 确保密钥不会被序列化
	Priority  int              `json:"priority" gorm:"default:0"` // 数值越小优先级越高
	Status    string           `json:"status" gorm:"size:20;default:active"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// TableName 指定表名
func (ProviderCredential) TableName() string {
	return "provider_credentials"
}

// IsAvailable 检查凭证是否可用
func (c *ProviderCredential) IsAvailable() bool {
	return c.Status == CredentialStatusActive
}
