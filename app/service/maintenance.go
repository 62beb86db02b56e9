package service

import (
	"scene-forge/app/config"
	"scene-forge/app/logger"

	"github.com/robfig/cron/v3"
)

// MaintenanceService 后台维护任务
// 只做清扫和清理，生成工作永远由外部轮询驱动，不在这里调度
type MaintenanceService struct {
	cfg      config.PipelineConfig
	log      *logger.Logger
	sweeper  *SweeperService
	attempts *AttemptService
	cron     *cron.Cron
}

// NewMaintenanceService 创建维护服务
func NewMaintenanceService(cfg config.PipelineConfig, log *logger.Logger, sweeper *SweeperService, attempts *AttemptService) *MaintenanceService {
	return &MaintenanceService{
		cfg:      cfg,
		log:      log,
		sweeper:  sweeper,
		attempts: attempts,
		cron:     cron.New(),
	}
}

// Start 启动定时维护
func (m *MaintenanceService) Start() error {
	if _, err := m.cron.AddFunc(m.cfg.SweepCron, m.runOnce); err != nil {
		return err
	}
	m.cron.Start()
	m.log.Infof("后台维护已启动: schedule=%s", m.cfg.SweepCron)
	return nil
}

// Stop 停止定时维护，等待进行中的任务结束
func (m *MaintenanceService) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.log.Info("后台维护已停止")
}

// runOnce 执行一轮清扫和清理
func (m *MaintenanceService) runOnce() {
	if _, err := m.sweeper.Sweep(nil); err != nil {
		m.log.Errorf("全局清扫失败: %v", err)
	}
	if _, err := m.attempts.CleanupOld(m.cfg.AttemptRetentionDays); err != nil {
		m.log.Errorf("清理过期生成记录失败: %v", err)
	}
}
