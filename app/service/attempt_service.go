package service

import (
	"fmt"
	"time"

	"scene-forge/app/logger"
	"scene-forge/app/model"

	"gorm.io/gorm"
)

// AttemptService 生成记录管理
// 激活交换是它的唯一写入口，其他代码不得直接改 is_active
type AttemptService struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewAttemptService 创建生成记录服务
func NewAttemptService(db *gorm.DB, log *logger.Logger) *AttemptService {
	return &AttemptService{db: db, log: log}
}

// Begin 为目标创建一条新的生成记录，序号递增
func (s *AttemptService) Begin(targetID uint, providerName string) (*model.Attempt, error) {
	var count int64
	if err := s.db.Model(&model.Attempt{}).Where("target_id = ?", targetID).Count(&count).Error; err != nil {
		return nil, err
	}

	attempt := &model.Attempt{
		TargetID:      targetID,
		AttemptNumber: int(count) + 1,
		Provider:      providerName,
		Status:        model.AttemptStatusRunning,
	}
	if err := s.db.Create(attempt).Error; err != nil {
		return nil, fmt.Errorf("创建生成记录失败: %w", err)
	}
	return attempt, nil
}

// CompleteAndActivate 标记生成成功并激活产物
// 先整体取消激活再激活新记录，在同一事务内完成，保证每个目标最多一条激活记录
func (s *AttemptService) CompleteAndActivate(attemptID uint, artifactRef string, source model.CredentialSource, calls int) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var attempt model.Attempt
		if err := tx.First(&attempt, attemptID).Error; err != nil {
			return fmt.Errorf("生成记录不存在: %w", err)
		}

		if err := tx.Model(&model.Attempt{}).
			Where("target_id = ? AND is_active = ?", attempt.TargetID, true).
			Update("is_active", false).Error; err != nil {
			return fmt.Errorf("取消旧激活记录失败: %w", err)
		}

		return tx.Model(&attempt).Updates(map[string]any{
			"status":            model.AttemptStatusSucceeded,
			"artifact_ref":      artifactRef,
			"credential_source": source,
			"retry_count":       calls,
			"is_active":         true,
		}).Error
	})
}

// Fail 标记生成失败，记录结构化的错误分类和原始信息
func (s *AttemptService) Fail(attemptID uint, class ErrorClass, message string, source model.CredentialSource, calls int) error {
	updates := map[string]any{
		"status":        model.AttemptStatusFailed,
		"error_class":   string(class),
		"error_message": message,
		"retry_count":   calls,
	}
	if source != "" {
		updates["credential_source"] = source
	}
	return s.db.Model(&model.Attempt{}).Where("id = ?", attemptID).Updates(updates).Error
}

// Activate 手动把一条历史成功记录切换为激活产物
func (s *AttemptService) Activate(attemptID uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var attempt model.Attempt
		if err := tx.First(&attempt, attemptID).Error; err != nil {
			return fmt.Errorf("生成记录不存在: %w", err)
		}
		if attempt.Status != model.AttemptStatusSucceeded {
			return fmt.Errorf("只有成功的生成记录才能激活")
		}

		if err := tx.Model(&model.Attempt{}).
			Where("target_id = ? AND is_active = ?", attempt.TargetID, true).
			Update("is_active", false).Error; err != nil {
			return err
		}

		return tx.Model(&attempt).Update("is_active", true).Error
	})
}

// List 返回目标的全部生成记录，按序号排列
func (s *AttemptService) List(targetID uint) ([]model.Attempt, error) {
	var attempts []model.Attempt
	err := s.db.Where("target_id = ?", targetID).Order("attempt_number ASC").Find(&attempts).Error
	return attempts, err
}

// ActiveArtifact 返回目标当前激活产物的引用，没有激活记录时返回空串
func (s *AttemptService) ActiveArtifact(targetID uint) (string, error) {
	var attempt model.Attempt
	err := s.db.Where("target_id = ? AND is_active = ?", targetID, true).First(&attempt).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return attempt.ArtifactRef, nil
}

// Delete 删除一条非激活的生成记录，激活记录禁止删除
func (s *AttemptService) Delete(attemptID uint) error {
	var attempt model.Attempt
	if err := s.db.First(&attempt, attemptID).Error; err != nil {
		return fmt.Errorf("生成记录不存在: %w", err)
	}
	if attempt.IsActive {
		return fmt.Errorf("激活中的生成记录不能删除")
	}
	return s.db.Delete(&attempt).Error
}

// CleanupOld 清理过期的失败记录，激活记录永不清理
func (s *AttemptService) CleanupOld(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	result := s.db.Where("status = ? AND is_active = ? AND updated_at < ?",
		model.AttemptStatusFailed, false, cutoff).Delete(&model.Attempt{})
	if result.Error != nil {
		return 0, result.Error
	}

	if result.RowsAffected > 0 {
		s.log.Infof("清理了 %d 条过期的失败生成记录（超过 %d 天）", result.RowsAffected, retentionDays)
	}
	return result.RowsAffected, nil
}
