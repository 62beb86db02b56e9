package service

import (
	"time"

	"scene-forge/app/logger"
	"scene-forge/app/model"

	"gorm.io/gorm"
)

// ErrMsgTimedOut 卡死目标的统一错误信息
const ErrMsgTimedOut = "生成超时"

// SweeperService 卡死任务巡检
// in_progress 超过阈值的目标被强制转为 failed，重复执行不会产生新的转移
type SweeperService struct {
	db        *gorm.DB
	log       *logger.Logger
	threshold time.Duration
}

// NewSweeperService 创建巡检服务
func NewSweeperService(db *gorm.DB, log *logger.Logger, threshold time.Duration) *SweeperService {
	return &SweeperService{
		db:        db,
		log:       log,
		threshold: threshold,
	}
}

// Sweep 清扫卡死目标，projectID 为空时全局清扫
// 返回被标记为失败的目标数量
func (s *SweeperService) Sweep(projectID *uint) (int64, error) {
	cutoff := time.Now().Add(-s.threshold)

	query := s.db.Model(&model.Target{}).
		Where("status = ? AND updated_at < ?", model.TargetStatusInProgress, cutoff)
	if projectID != nil {
		query = query.Where("project_id = ?", *projectID)
	}

	result := query.Updates(map[string]any{
		"status":        model.TargetStatusFailed,
		"error_message": ErrMsgTimedOut,
	})
	if result.Error != nil {
		return 0, result.Error
	}

	// 同步把遗留的 running 生成记录标记为失败
	attemptQuery := s.db.Model(&model.Attempt{}).
		Where("status = ? AND updated_at < ?", model.AttemptStatusRunning, cutoff)
	if projectID != nil {
		attemptQuery = attemptQuery.Where(
			"target_id IN (?)",
			s.db.Model(&model.Target{}).Select("id").Where("project_id = ?", *projectID),
		)
	}
	if err := attemptQuery.Updates(map[string]any{
		"status":        model.AttemptStatusFailed,
		"error_class":   string(ClassTimeout),
		"error_message": ErrMsgTimedOut,
	}).Error; err != nil {
		return result.RowsAffected, err
	}

	if result.RowsAffected > 0 {
		s.log.Warnf("清扫了 %d 个卡死目标（超过 %v 未更新）", result.RowsAffected, s.threshold)
	}
	return result.RowsAffected, nil
}
