package model

import (
	"time"
)

// Scene 场景模型，由已激活的分镜脚本落地生成
type Scene struct {
	ID                 uint      `json:"id" gorm:"primarykey"`
	ProjectID          uint      `json:"project_id" gorm:"not null;index"`
	Position           int       `json:"position" gorm:"not null"` // 项目内的场景顺序
	Narration          string    `json:"narration" gorm:"type:text"`
	ImagePrompt        string    `json:"image_prompt" gorm:"type:text"`
	ScriptJSON         string    `json:"script_json" gorm:"type:text"` // 激活的分镜脚本片段
	HasNarrationAudio  bool      `json:"has_narration_audio" gorm:"default:false"`
	HasBackgroundMusic bool      `json:"has_background_music" gorm:"default:false"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// TableName 指定表名
func (Scene) TableName() string {
	return "scenes"
}
