package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"scene-forge/app/config"
	"scene-forge/app/logger"
	"scene-forge/app/model"
	"scene-forge/app/provider"
	"scene-forge/app/storage"

	"gorm.io/gorm"
)

// ErrBuildConflict 同一项目已有进行中的渲染任务，新请求直接拒绝而不是排队
var ErrBuildConflict = errors.New("项目已有进行中的渲染任务")

// PreflightFailedError 预检未通过，携带完整报告供调用方展示
type PreflightFailedError struct {
	Report *PreflightReport
}

func (e *PreflightFailedError) Error() string {
	return fmt.Sprintf("预检未通过，%d 个问题待处理", len(e.Report.Errors))
}

// buildScene 合成清单中的单个场景
type buildScene struct {
	Position           int    `json:"position"`
	Narration          string `json:"narration"`
	ImageURL           string `json:"image_url,omitempty"`
	VideoURL           string `json:"video_url,omitempty"`
	HasBackgroundMusic bool   `json:"background_music"`
}

// buildManifest 提交给渲染引擎的合成清单
type buildManifest struct {
	Title       string       `json:"title"`
	AspectRatio string       `json:"aspect_ratio"`
	Scenes      []buildScene `json:"scenes"`
}

// BuildService 整片合成编排
// 提交被预检把关，完成状态必须带可用的输出URL
type BuildService struct {
	db        *gorm.DB
	cfg       *config.Config
	log       *logger.Logger
	render    provider.RenderClient
	blob      storage.BlobStore
	preflight *PreflightService
	resolver  CredentialResolver
	attempts  *AttemptService
}

// NewBuildService 创建合成编排服务
func NewBuildService(
	db *gorm.DB,
	cfg *config.Config,
	log *logger.Logger,
	render provider.RenderClient,
	blob storage.BlobStore,
	preflight *PreflightService,
	resolver CredentialResolver,
	attempts *AttemptService,
) *BuildService {
	return &BuildService{
		db:        db,
		cfg:       cfg,
		log:       log,
		render:    render,
		blob:      blob,
		preflight: preflight,
		resolver:  resolver,
		attempts:  attempts,
	}
}

// Submit 提交整片合成
// 预检不通过返回 PreflightFailedError，存在非终态任务返回 ErrBuildConflict
func (b *BuildService) Submit(ctx context.Context, projectID uint) (*model.RenderJob, error) {
	var project model.Project
	if err := b.db.First(&project, projectID).Error; err != nil {
		return nil, fmt.Errorf("项目不存在: %w", err)
	}

	report, err := b.preflight.Validate(projectID)
	if err != nil {
		return nil, err
	}
	if !report.Ready {
		return nil, &PreflightFailedError{Report: report}
	}

	var activeCount int64
	if err := b.db.Model(&model.RenderJob{}).
		Where("project_id = ? AND stage NOT IN (?)",
			projectID, []model.RenderStage{model.RenderStageCompleted, model.RenderStageFailed}).
		Count(&activeCount).Error; err != nil {
		return nil, err
	}
	if activeCount > 0 {
		return nil, ErrBuildConflict
	}

	manifest, err := b.composeManifest(&project)
	if err != nil {
		return nil, err
	}

	// 整片合成同样走目标/生成记录账本
	target := model.Target{
		ProjectID: project.ID,
		Kind:      model.KindProjectBuild,
		Status:    model.TargetStatusPending,
	}
	if err := b.db.Create(&target).Error; err != nil {
		return nil, err
	}
	res := b.db.Model(&model.Target{}).
		Where("id = ? AND status = ?", target.ID, model.TargetStatusPending).
		Update("status", model.TargetStatusInProgress)
	if res.Error != nil || res.RowsAffected == 0 {
		return nil, fmt.Errorf("领取合成目标失败")
	}

	attempt, err := b.attempts.Begin(target.ID, "render")
	if err != nil {
		return nil, err
	}

	job := model.RenderJob{
		ProjectID: project.ID,
		Stage:     model.RenderStageValidating,
	}
	if err := b.db.Create(&job).Error; err != nil {
		return nil, err
	}

	cred, err := b.resolver.Resolve(project.UserID, "render", "")
	if err != nil {
		b.failBuild(&job, &target, attempt.ID, ClassCredentialInvalid, err.Error())
		return nil, err
	}

	// 实际解析到的凭证来源先记到生成记录上，完成时据此归属计费
	if err := b.db.Model(&model.Attempt{}).Where("id = ?", attempt.ID).
		Update("credential_source", cred.Source).Error; err != nil {
		b.log.Errorf("记录凭证来源失败: %v", err)
	}

	jobID, err := b.render.Start(ctx, cred.APIKey, manifest)
	if err != nil {
		class, _ := Classify(err)
		b.failBuild(&job, &target, attempt.ID, class, err.Error())
		return nil, err
	}

	if err := b.db.Model(&job).Updates(map[string]any{
		"external_job_id": jobID,
		"stage":           model.RenderStageSubmitted,
	}).Error; err != nil {
		return nil, err
	}
	job.ExternalJobID = jobID
	job.Stage = model.RenderStageSubmitted

	b.log.Infof("整片合成已提交: project=%d, job=%s", project.ID, jobID)
	return &job, nil
}

// Poll 对账外部渲染引擎的进度和终态
func (b *BuildService) Poll(ctx context.Context, projectID uint) (*model.RenderJob, error) {
	var job model.RenderJob
	err := b.db.Where("project_id = ?", projectID).Order("created_at DESC, id DESC").First(&job).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("项目还没有渲染任务")
	}
	if err != nil {
		return nil, err
	}
	if job.Stage.IsTerminal() {
		return &job, nil
	}

	var project model.Project
	if err := b.db.First(&project, projectID).Error; err != nil {
		return nil, err
	}

	cred, err := b.resolver.Resolve(project.UserID, "render", "")
	if err != nil {
		return nil, err
	}

	status, err := b.render.Status(ctx, cred.APIKey, job.ExternalJobID)
	if err != nil {
		// 查询失败不改变任务状态，等下一次轮询
		return nil, err
	}

	switch status.State {
	case provider.RenderStateCompleted:
		if status.OutputURL == "" {
			// 引擎声称完成但没有产物，强制失败而不是留下误导性的完成态
			b.finishBuild(&job, model.RenderStageFailed, "", "渲染引擎报告完成但未返回输出URL")
		} else {
			b.finishBuild(&job, model.RenderStageCompleted, status.OutputURL, "")
		}
	case provider.RenderStateFailed:
		message := status.Error
		if message == "" {
			message = "渲染引擎报告失败"
		}
		b.finishBuild(&job, model.RenderStageFailed, "", message)
	case provider.RenderStateUploading:
		b.db.Model(&job).Updates(map[string]any{
			"stage":            model.RenderStageUploading,
			"progress_percent": status.Progress,
		})
		job.Stage = model.RenderStageUploading
		job.ProgressPercent = status.Progress
		b.touchBuildTarget(projectID)
	default:
		b.db.Model(&job).Updates(map[string]any{
			"stage":            model.RenderStageRendering,
			"progress_percent": status.Progress,
		})
		job.Stage = model.RenderStageRendering
		job.ProgressPercent = status.Progress
		b.touchBuildTarget(projectID)
	}

	return &job, nil
}

// finishBuild 渲染任务落终态，同步收尾合成目标和项目状态
func (b *BuildService) finishBuild(job *model.RenderJob, stage model.RenderStage, outputURL, message string) {
	if err := b.db.Model(job).Updates(map[string]any{
		"stage":         stage,
		"output_url":    outputURL,
		"error_message": message,
		"progress_percent": func() int {
			if stage == model.RenderStageCompleted {
				return 100
			}
			return job.ProgressPercent
		}(),
	}).Error; err != nil {
		b.log.Errorf("更新渲染任务状态失败: %v", err)
		return
	}
	job.Stage = stage
	job.OutputURL = outputURL
	job.ErrorMessage = message

	target, attempt := b.pendingBuildTarget(job.ProjectID)

	if stage == model.RenderStageCompleted {
		if attempt != nil {
			// 计费归属用提交时记下的凭证来源
			if err := b.attempts.CompleteAndActivate(attempt.ID, outputURL, attempt.CredentialSource, 1); err != nil {
				b.log.Errorf("激活合成产物失败: %v", err)
			}
		}
		if target != nil {
			b.db.Model(target).Where("status = ?", model.TargetStatusInProgress).
				Update("status", model.TargetStatusCompleted)
		}
		b.db.Model(&model.Project{}).
			Where("id = ? AND status = ?", job.ProjectID, model.ProjectStatusGeneratingAssets).
			Update("status", model.ProjectStatusCompleted)
		b.log.Infof("整片合成完成: project=%d, url=%s", job.ProjectID, outputURL)
		return
	}

	if attempt != nil {
		if err := b.attempts.Fail(attempt.ID, ClassUnknown, message, "", 1); err != nil {
			b.log.Errorf("记录合成失败状态出错: %v", err)
		}
	}
	if target != nil {
		b.db.Model(target).Where("status = ?", model.TargetStatusInProgress).
			Updates(map[string]any{
				"status":        model.TargetStatusFailed,
				"error_message": message,
			})
	}
	b.db.Model(&model.Project{}).Where("id = ?", job.ProjectID).Update("last_error", message)
	b.log.Warnf("整片合成失败: project=%d, 错误: %s", job.ProjectID, message)
}

// failBuild 提交阶段就失败的收尾
func (b *BuildService) failBuild(job *model.RenderJob, target *model.Target, attemptID uint, class ErrorClass, message string) {
	b.db.Model(job).Updates(map[string]any{
		"stage":         model.RenderStageFailed,
		"error_message": message,
	})
	if err := b.attempts.Fail(attemptID, class, message, "", 1); err != nil {
		b.log.Errorf("记录合成失败状态出错: %v", err)
	}
	b.db.Model(target).Where("status = ?", model.TargetStatusInProgress).
		Updates(map[string]any{
			"status":        model.TargetStatusFailed,
			"error_message": message,
		})
	b.db.Model(&model.Project{}).Where("id = ?", job.ProjectID).Update("last_error", message)
}

// pendingBuildTarget 找到当前处理中的合成目标和它的生成记录
func (b *BuildService) pendingBuildTarget(projectID uint) (*model.Target, *model.Attempt) {
	var target model.Target
	err := b.db.Where("project_id = ? AND kind = ? AND status = ?",
		projectID, model.KindProjectBuild, model.TargetStatusInProgress).
		Order("created_at DESC, id DESC").First(&target).Error
	if err != nil {
		return nil, nil
	}

	var attempt model.Attempt
	err = b.db.Where("target_id = ? AND status = ?", target.ID, model.AttemptStatusRunning).
		Order("attempt_number DESC").First(&attempt).Error
	if err != nil {
		return &target, nil
	}
	return &target, &attempt
}

// touchBuildTarget 非终态轮询时刷新合成目标和生成记录的活跃时间
// 外部渲染可能远超卡死阈值，不刷新会被巡检误判超时
func (b *BuildService) touchBuildTarget(projectID uint) {
	target, attempt := b.pendingBuildTarget(projectID)
	now := time.Now()
	if target != nil {
		b.db.Model(target).Update("updated_at", now)
	}
	if attempt != nil {
		b.db.Model(attempt).Update("updated_at", now)
	}
}

// composeManifest 从所有目标的激活产物组装合成清单
func (b *BuildService) composeManifest(project *model.Project) ([]byte, error) {
	var scenes []model.Scene
	if err := b.db.Where("project_id = ?", project.ID).Order("position ASC").Find(&scenes).Error; err != nil {
		return nil, err
	}

	manifest := buildManifest{
		Title:       project.Title,
		AspectRatio: project.AspectRatio,
	}
	for i := range scenes {
		entry := buildScene{
			Position:           scenes[i].Position,
			Narration:          scenes[i].Narration,
			HasBackgroundMusic: scenes[i].HasBackgroundMusic,
		}
		if ref, err := b.preflight.activeAssetRef(scenes[i].ID, model.KindSceneImage); err == nil && ref != "" {
			entry.ImageURL = b.artifactURL(ref)
		}
		if ref, err := b.preflight.activeAssetRef(scenes[i].ID, model.KindSceneVideo); err == nil && ref != "" {
			entry.VideoURL = b.artifactURL(ref)
		}
		manifest.Scenes = append(manifest.Scenes, entry)
	}

	return json.Marshal(manifest)
}

// artifactURL 把产物引用转成外部引擎可访问的地址
func (b *BuildService) artifactURL(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	return b.blob.URL(ref)
}
