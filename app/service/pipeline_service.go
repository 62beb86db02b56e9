package service

import (
	"context"
	"fmt"
	"time"

	"scene-forge/app/config"
	"scene-forge/app/logger"
	"scene-forge/app/model"
	"scene-forge/app/provider"
	"scene-forge/app/storage"
	"scene-forge/app/utils"

	"gorm.io/gorm"
)

// BatchResult 单次批处理调用的进度汇总
type BatchResult struct {
	Processed int   `json:"processed"` // 本次成功完成的目标数
	Failed    int   `json:"failed"`    // 本次终态失败的目标数
	Remaining int64 `json:"remaining"` // 该类型仍未到终态的目标数
}

// PipelineService 生成流水线
// 目标状态只通过这里的领取/完成/失败路径变化，激活只通过 AttemptService 的交换
type PipelineService struct {
	db       *gorm.DB
	cfg      *config.Config
	log      *logger.Logger
	script   provider.ScriptClient
	image    provider.ImageClient
	render   provider.RenderClient
	blob     storage.BlobStore
	retry    *RetryController
	attempts *AttemptService
	sweeper  *SweeperService
}

// NewPipelineService 创建流水线服务，所有外部协作方通过构造函数注入
func NewPipelineService(
	db *gorm.DB,
	cfg *config.Config,
	log *logger.Logger,
	script provider.ScriptClient,
	image provider.ImageClient,
	render provider.RenderClient,
	blob storage.BlobStore,
	retry *RetryController,
	attempts *AttemptService,
	sweeper *SweeperService,
) *PipelineService {
	return &PipelineService{
		db:       db,
		cfg:      cfg,
		log:      log,
		script:   script,
		image:    image,
		render:   render,
		blob:     blob,
		retry:    retry,
		attempts: attempts,
		sweeper:  sweeper,
	}
}

// providerFor 返回目标类型对应的生成服务名
func providerFor(kind model.TargetKind) string {
	switch kind {
	case model.KindChunkScript:
		return "script"
	case model.KindSceneImage:
		return "image"
	default:
		return "render"
	}
}

// ParseProject 将项目输入文本切分为分块目标，项目进入 formatting 阶段
func (s *PipelineService) ParseProject(projectID uint) (int, error) {
	var project model.Project
	if err := s.db.First(&project, projectID).Error; err != nil {
		return 0, fmt.Errorf("项目不存在: %w", err)
	}
	if project.Status != model.ProjectStatusParsed {
		return 0, fmt.Errorf("项目当前阶段 %s 不允许再次分块", project.Status)
	}

	chunks := utils.SplitChunks(project.InputText, s.cfg.Pipeline.ChunkMaxChars)
	if len(chunks) == 0 {
		return 0, fmt.Errorf("项目输入为空，无法分块")
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		for i, chunk := range chunks {
			target := model.Target{
				ProjectID: project.ID,
				Kind:      model.KindChunkScript,
				Position:  i,
				Payload:   chunk,
				Status:    model.TargetStatusPending,
			}
			if err := tx.Create(&target).Error; err != nil {
				return err
			}
		}
		// 阶段推进使用条件更新，并发的重复解析只有一个会生效
		res := tx.Model(&model.Project{}).
			Where("id = ? AND status = ?", project.ID, model.ProjectStatusParsed).
			Updates(map[string]any{
				"status":        model.ProjectStatusFormatting,
				"total_targets": len(chunks),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("项目阶段已被并发修改")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.Infof("项目分块完成: project=%d, chunks=%d", project.ID, len(chunks))
	return len(chunks), nil
}

// ClaimBatch 原子领取一批待处理目标
// 以条件更新的影响行数为准，两个并发调用不会领到同一个目标
func (s *PipelineService) ClaimBatch(projectID uint, kind model.TargetKind, limit int) ([]model.Target, error) {
	var ids []uint
	if err := s.db.Model(&model.Target{}).
		Where("project_id = ? AND kind = ? AND status = ?", projectID, kind, model.TargetStatusPending).
		Order("position ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("查询待处理目标失败: %w", err)
	}

	claimed := make([]model.Target, 0, len(ids))
	for _, id := range ids {
		res := s.db.Model(&model.Target{}).
			Where("id = ? AND status = ?", id, model.TargetStatusPending).
			Update("status", model.TargetStatusInProgress)
		if res.Error != nil {
			return nil, fmt.Errorf("领取目标失败: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// 已被并发调用领走或取消
			continue
		}

		var target model.Target
		if err := s.db.First(&target, id).Error; err != nil {
			return nil, err
		}
		claimed = append(claimed, target)
	}
	return claimed, nil
}

// ProcessBatch 领取并顺序处理一批目标
// 批内串行执行是有意的限流控制，不做并发扇出
func (s *PipelineService) ProcessBatch(ctx context.Context, projectID uint, kind model.TargetKind) (*BatchResult, error) {
	if kind != model.KindChunkScript && kind != model.KindSceneImage && kind != model.KindSceneVideo {
		return nil, fmt.Errorf("类型 %s 不支持批处理", kind)
	}

	var project model.Project
	if err := s.db.First(&project, projectID).Error; err != nil {
		return nil, fmt.Errorf("项目不存在: %w", err)
	}

	// 机会式清扫同项目的卡死目标
	if _, err := s.sweeper.Sweep(&projectID); err != nil {
		s.log.Errorf("清扫卡死目标失败: %v", err)
	}

	// 分镜完成后的第一次素材调用会把素材目标落地
	if (kind == model.KindSceneImage || kind == model.KindSceneVideo) &&
		project.Status == model.ProjectStatusFormatted {
		if err := s.ensureAssetTargets(&project); err != nil {
			return nil, err
		}
	}

	claimed, err := s.ClaimBatch(projectID, kind, s.cfg.Pipeline.BatchSize)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{}

	if len(claimed) == 0 {
		// 没有可领取的目标：全部到达终态则项目推进一个阶段，否则等待后续轮询
		if err := s.advanceStageIfDrained(&project, kind); err != nil {
			return nil, err
		}
	} else {
		budget := time.Duration(s.cfg.Pipeline.BudgetSeconds) * time.Second
		batchCtx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()

		for i := range claimed {
			if err := s.processTarget(batchCtx, &project, &claimed[i]); err != nil {
				result.Failed++
			} else {
				result.Processed++
			}
		}
	}

	if err := s.db.Model(&model.Target{}).
		Where("project_id = ? AND kind = ? AND status IN (?)",
			projectID, kind, []model.TargetStatus{model.TargetStatusPending, model.TargetStatusInProgress}).
		Count(&result.Remaining).Error; err != nil {
		return nil, err
	}

	// 本批处理完后没有剩余目标，同一次调用内直接推进阶段，不要求额外的空轮询
	if len(claimed) > 0 && result.Remaining == 0 {
		if err := s.advanceStageIfDrained(&project, kind); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// processTarget 驱动单个目标走完 生成 -> 激活 -> 完成 的闭环
func (s *PipelineService) processTarget(ctx context.Context, project *model.Project, target *model.Target) error {
	providerName := providerFor(target.Kind)

	attempt, err := s.attempts.Begin(target.ID, providerName)
	if err != nil {
		s.failTarget(target, err.Error())
		return err
	}

	structured := target.Kind == model.KindChunkScript
	res := s.retry.Execute(ctx, project.UserID, providerName, structured,
		func(ctx context.Context, apiKey string, opts GenerateOptions) (string, error) {
			switch target.Kind {
			case model.KindChunkScript:
				return s.generateChunkScript(ctx, project, target, apiKey, opts)
			case model.KindSceneImage:
				return s.generateSceneImage(ctx, project, target, apiKey)
			case model.KindSceneVideo:
				return s.generateSceneVideo(ctx, project, target, apiKey)
			default:
				return "", fmt.Errorf("未知的目标类型: %s", target.Kind)
			}
		})

	if res.Err != nil {
		message := fmt.Sprintf("[%s] %v", res.Class, res.Err)
		if err := s.attempts.Fail(attempt.ID, res.Class, res.Err.Error(), res.Source, res.Calls); err != nil {
			s.log.Errorf("记录生成失败状态出错: %v", err)
		}
		s.failTarget(target, message)
		s.log.Warnf("目标生成失败: target=%d, kind=%s, class=%s, 错误: %v", target.ID, target.Kind, res.Class, res.Err)
		return res.Err
	}

	if err := s.attempts.CompleteAndActivate(attempt.ID, res.ArtifactRef, res.Source, res.Calls); err != nil {
		s.failTarget(target, "激活产物失败: "+err.Error())
		return err
	}
	s.completeTarget(target)

	s.log.Infof("目标生成完成: target=%d, kind=%s, source=%s, calls=%d", target.ID, target.Kind, res.Source, res.Calls)
	return nil
}

// completeTarget 目标转为完成态，仅允许从 in_progress 出发
func (s *PipelineService) completeTarget(target *model.Target) {
	res := s.db.Model(&model.Target{}).
		Where("id = ? AND status = ?", target.ID, model.TargetStatusInProgress).
		Updates(map[string]any{
			"status":        model.TargetStatusCompleted,
			"error_message": "",
		})
	if res.Error != nil {
		s.log.Errorf("更新目标完成状态失败: %v", res.Error)
		return
	}
	if res.RowsAffected == 0 {
		// 处理期间被清扫成了失败，留给下一次显式生成
		s.log.Warnf("目标已不在处理中，跳过完成转移: target=%d", target.ID)
		return
	}
	s.db.Model(&model.Project{}).Where("id = ?", target.ProjectID).
		Update("ready_count", gorm.Expr("ready_count + 1"))
}

// failTarget 目标转为失败态，不做目标级自动重试
// 失败后必须由调用方再次显式触发，避免对故障提供方的紧循环冲击
func (s *PipelineService) failTarget(target *model.Target, message string) {
	res := s.db.Model(&model.Target{}).
		Where("id = ? AND status = ?", target.ID, model.TargetStatusInProgress).
		Updates(map[string]any{
			"status":        model.TargetStatusFailed,
			"error_message": message,
		})
	if res.Error != nil {
		s.log.Errorf("更新目标失败状态出错: %v", res.Error)
	}
}

// advanceStageIfDrained 当前类型的目标全部到达终态且至少一个完成时，项目推进一个阶段
// 空集不推进；素材阶段的收尾由渲染编排负责，这里只推进分镜阶段
func (s *PipelineService) advanceStageIfDrained(project *model.Project, kind model.TargetKind) error {
	if kind != model.KindChunkScript || project.Status != model.ProjectStatusFormatting {
		return nil
	}

	var total, completed, nonTerminal int64
	base := s.db.Model(&model.Target{}).Where("project_id = ? AND kind = ?", project.ID, kind)
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return err
	}
	if total == 0 {
		return nil
	}
	if err := base.Session(&gorm.Session{}).
		Where("status = ?", model.TargetStatusCompleted).Count(&completed).Error; err != nil {
		return err
	}
	if err := base.Session(&gorm.Session{}).
		Where("status IN (?)", []model.TargetStatus{model.TargetStatusPending, model.TargetStatusInProgress}).
		Count(&nonTerminal).Error; err != nil {
		return err
	}

	if nonTerminal > 0 || completed == 0 {
		return nil
	}

	next, ok := project.Status.NextStage()
	if !ok {
		return nil
	}

	res := s.db.Model(&model.Project{}).
		Where("id = ? AND status = ?", project.ID, project.Status).
		Update("status", next)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// 并发调用已经推进过了
		return nil
	}

	project.Status = next
	s.log.Infof("项目阶段推进: project=%d, %s", project.ID, next)

	// 分镜阶段收尾时把激活的脚本落地为场景
	if next == model.ProjectStatusFormatted {
		if err := s.materializeScenes(project); err != nil {
			return err
		}
	}
	return nil
}

// CancelTarget 取消一个尚未被领取的目标
// 已领取或已到终态的目标不能取消，只能等清扫或自然结束
func (s *PipelineService) CancelTarget(targetID uint) error {
	res := s.db.Model(&model.Target{}).
		Where("id = ? AND status = ?", targetID, model.TargetStatusPending).
		Update("status", model.TargetStatusCancelled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("目标不存在或已不在待处理状态")
	}
	return nil
}

// KindCounts 单一目标类型的状态统计
type KindCounts map[model.TargetStatus]int64

// ProjectSummary 项目状态汇总
// NextKind 提示调用方当前阶段应该轮询的目标类型，终态阶段为空
type ProjectSummary struct {
	Project  *model.Project                  `json:"project"`
	Targets  map[model.TargetKind]KindCounts `json:"targets"`
	NextKind model.TargetKind                `json:"next_kind,omitempty"`
	Swept    int64                           `json:"swept"` // 本次汇总顺带清扫的卡死目标数
}

// Summary 返回项目的阶段和各类型目标统计，顺带清扫卡死目标
func (s *PipelineService) Summary(projectID uint) (*ProjectSummary, error) {
	swept, err := s.sweeper.Sweep(&projectID)
	if err != nil {
		s.log.Errorf("清扫卡死目标失败: %v", err)
	}

	var project model.Project
	if err := s.db.First(&project, projectID).Error; err != nil {
		return nil, fmt.Errorf("项目不存在: %w", err)
	}

	type row struct {
		Kind   model.TargetKind
		Status model.TargetStatus
		Count  int64
	}
	var rows []row
	if err := s.db.Model(&model.Target{}).
		Select("kind, status, COUNT(1) as count").
		Where("project_id = ?", projectID).
		Group("kind, status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	summary := &ProjectSummary{
		Project: &project,
		Targets: make(map[model.TargetKind]KindCounts),
		Swept:   swept,
	}
	if kind, ok := project.Status.StageKind(); ok {
		summary.NextKind = kind
	}
	for _, r := range rows {
		if summary.Targets[r.Kind] == nil {
			summary.Targets[r.Kind] = make(KindCounts)
		}
		summary.Targets[r.Kind][r.Status] = r.Count
	}
	return summary, nil
}
