package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"scene-forge/app/model"
	"scene-forge/app/provider"
)

func newBuildFixture(t *testing.T) (*pipelineFixture, *BuildService) {
	return newBuildFixtureWithResolver(t, newFakeResolver(model.SourcePrimary))
}

func newBuildFixtureWithResolver(t *testing.T, resolver *fakeResolver) (*pipelineFixture, *BuildService) {
	t.Helper()

	f := newPipelineFixture(t)
	log := newTestLogger()
	preflight := NewPreflightService(f.db, log, f.blob)
	build := NewBuildService(f.db, f.cfg, log, f.render, f.blob,
		preflight, resolver, f.attempts)
	return f, build
}

// readyProject 预检能通过的最小项目
func readyProject(t *testing.T, f *pipelineFixture) *model.Project {
	t.Helper()

	project := createTestProject(t, f.db, model.ProjectStatusGeneratingAssets, model.DisplayModeImageOnly, "文本")
	createSceneWithAsset(t, f, project.ID, 0, model.KindSceneImage, true)
	return project
}

func TestSubmitRejectsUnreadyProject(t *testing.T) {
	f, build := newBuildFixture(t)
	project := createTestProject(t, f.db, model.ProjectStatusFormatted, model.DisplayModeImageOnly, "文本")

	_, err := build.Submit(context.Background(), project.ID)
	var preflightErr *PreflightFailedError
	if !errors.As(err, &preflightErr) {
		t.Fatalf("期望 PreflightFailedError, 得到 %v", err)
	}
	if len(preflightErr.Report.Errors) == 0 {
		t.Error("预检报告应当带具体问题")
	}
}

func TestSubmitRejectsConcurrentBuild(t *testing.T) {
	f, build := newBuildFixture(t)
	project := readyProject(t, f)
	f.db.Create(&model.RenderJob{ProjectID: project.ID, Stage: model.RenderStageRendering})

	if _, err := build.Submit(context.Background(), project.ID); !errors.Is(err, ErrBuildConflict) {
		t.Fatalf("期望 ErrBuildConflict, 得到 %v", err)
	}
}

func TestSubmitStartsRenderAndLedger(t *testing.T) {
	f, build := newBuildFixture(t)
	project := readyProject(t, f)

	job, err := build.Submit(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("Submit 失败: %v", err)
	}
	if job.Stage != model.RenderStageSubmitted || job.ExternalJobID != "job-1" {
		t.Errorf("任务状态 = %s, 外部ID = %s", job.Stage, job.ExternalJobID)
	}

	// 整片合成同样走目标/生成记录账本
	var target model.Target
	if err := f.db.Where("project_id = ? AND kind = ?", project.ID, model.KindProjectBuild).
		First(&target).Error; err != nil {
		t.Fatalf("没有合成目标: %v", err)
	}
	if target.Status != model.TargetStatusInProgress {
		t.Errorf("合成目标状态 = %s", target.Status)
	}

	var attempt model.Attempt
	if err := f.db.Where("target_id = ?", target.ID).First(&attempt).Error; err != nil {
		t.Fatalf("没有合成生成记录: %v", err)
	}
	if attempt.Status != model.AttemptStatusRunning {
		t.Errorf("生成记录状态 = %s", attempt.Status)
	}
}

func TestPollCompletedWithoutURLForcedToFailed(t *testing.T) {
	f, build := newBuildFixture(t)
	project := readyProject(t, f)
	if _, err := build.Submit(context.Background(), project.ID); err != nil {
		t.Fatalf("Submit 失败: %v", err)
	}

	// 引擎声称完成但没有产物
	f.render.statuses = []*provider.RenderStatus{{State: provider.RenderStateCompleted}}

	job, err := build.Poll(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("Poll 失败: %v", err)
	}
	if job.Stage != model.RenderStageFailed {
		t.Fatalf("任务状态 = %s, 无产物的完成必须转为失败", job.Stage)
	}
	if job.ErrorMessage == "" {
		t.Error("失败原因应当被记录")
	}

	var target model.Target
	f.db.Where("project_id = ? AND kind = ?", project.ID, model.KindProjectBuild).First(&target)
	if target.Status != model.TargetStatusFailed {
		t.Errorf("合成目标状态 = %s", target.Status)
	}

	var reloaded model.Project
	f.db.First(&reloaded, project.ID)
	if reloaded.Status == model.ProjectStatusCompleted {
		t.Error("失败的合成不应推进项目到 completed")
	}
	if reloaded.LastError == "" {
		t.Error("项目应记录最近一次错误")
	}
}

func TestPollCompletedFinishesProject(t *testing.T) {
	f, build := newBuildFixture(t)
	project := readyProject(t, f)
	if _, err := build.Submit(context.Background(), project.ID); err != nil {
		t.Fatalf("Submit 失败: %v", err)
	}

	f.render.statuses = []*provider.RenderStatus{
		{State: provider.RenderStateCompleted, OutputURL: "https://cdn.example.com/final.mp4", Progress: 100},
	}

	job, err := build.Poll(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("Poll 失败: %v", err)
	}
	if job.Stage != model.RenderStageCompleted {
		t.Fatalf("任务状态 = %s", job.Stage)
	}
	if job.OutputURL != "https://cdn.example.com/final.mp4" || job.ProgressPercent != 100 {
		t.Errorf("完成态不完整: url=%s, progress=%d", job.OutputURL, job.ProgressPercent)
	}

	var reloaded model.Project
	f.db.First(&reloaded, project.ID)
	if reloaded.Status != model.ProjectStatusCompleted {
		t.Errorf("项目状态 = %s, 期望 completed", reloaded.Status)
	}

	var target model.Target
	f.db.Where("project_id = ? AND kind = ?", project.ID, model.KindProjectBuild).First(&target)
	if target.Status != model.TargetStatusCompleted {
		t.Errorf("合成目标状态 = %s", target.Status)
	}
	ref, _ := f.attempts.ActiveArtifact(target.ID)
	if ref != "https://cdn.example.com/final.mp4" {
		t.Errorf("激活产物 = %s", ref)
	}

	// 终态任务的后续轮询不再访问外部引擎
	before := f.render.statusCall
	again, err := build.Poll(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("重复 Poll 失败: %v", err)
	}
	if again.Stage != model.RenderStageCompleted || f.render.statusCall != before {
		t.Error("终态任务的轮询不应再查询引擎")
	}
}

func TestPollCompletedAttributesResolvedSource(t *testing.T) {
	// 只有赞助凭证可用时，计费归属必须落在实际使用的来源上
	f, build := newBuildFixtureWithResolver(t, newFakeResolver(model.SourceSponsor))
	project := readyProject(t, f)
	if _, err := build.Submit(context.Background(), project.ID); err != nil {
		t.Fatalf("Submit 失败: %v", err)
	}

	f.render.statuses = []*provider.RenderStatus{
		{State: provider.RenderStateCompleted, OutputURL: "https://cdn.example.com/final.mp4", Progress: 100},
	}
	if _, err := build.Poll(context.Background(), project.ID); err != nil {
		t.Fatalf("Poll 失败: %v", err)
	}

	var target model.Target
	if err := f.db.Where("project_id = ? AND kind = ?", project.ID, model.KindProjectBuild).
		First(&target).Error; err != nil {
		t.Fatalf("没有合成目标: %v", err)
	}
	var attempt model.Attempt
	if err := f.db.Where("target_id = ? AND is_active = ?", target.ID, true).
		First(&attempt).Error; err != nil {
		t.Fatalf("没有激活的生成记录: %v", err)
	}
	if attempt.CredentialSource != model.SourceSponsor {
		t.Errorf("计费归属 = %s, 期望 sponsor", attempt.CredentialSource)
	}
}

func TestPollKeepsLongRenderAliveThroughSweep(t *testing.T) {
	f, build := newBuildFixture(t)
	project := readyProject(t, f)
	if _, err := build.Submit(context.Background(), project.ID); err != nil {
		t.Fatalf("Submit 失败: %v", err)
	}

	var target model.Target
	if err := f.db.Where("project_id = ? AND kind = ?", project.ID, model.KindProjectBuild).
		First(&target).Error; err != nil {
		t.Fatalf("没有合成目标: %v", err)
	}

	// 渲染耗时远超卡死阈值，提交时间早已过期
	backdate(t, f, &target, time.Hour)

	f.render.statuses = []*provider.RenderStatus{
		{State: provider.RenderStateRendering, Progress: 60},
		{State: provider.RenderStateCompleted, OutputURL: "https://cdn.example.com/final.mp4", Progress: 100},
	}

	// 轮询刷新活跃时间，随后的清扫不应动这个目标
	if _, err := build.Poll(context.Background(), project.ID); err != nil {
		t.Fatalf("Poll 失败: %v", err)
	}
	swept, err := f.sweeper.Sweep(nil)
	if err != nil {
		t.Fatalf("Sweep 失败: %v", err)
	}
	if swept != 0 {
		t.Fatalf("清扫数 = %d, 刚轮询过的合成目标不应被判为卡死", swept)
	}

	// 渲染完成后账本必须完整收尾
	if _, err := build.Poll(context.Background(), project.ID); err != nil {
		t.Fatalf("Poll 失败: %v", err)
	}
	var reloaded model.Target
	f.db.First(&reloaded, target.ID)
	if reloaded.Status != model.TargetStatusCompleted {
		t.Errorf("合成目标状态 = %s, 期望 completed", reloaded.Status)
	}
	ref, _ := f.attempts.ActiveArtifact(target.ID)
	if ref != "https://cdn.example.com/final.mp4" {
		t.Errorf("激活产物 = %q", ref)
	}
}

func TestPollUpdatesProgress(t *testing.T) {
	f, build := newBuildFixture(t)
	project := readyProject(t, f)
	if _, err := build.Submit(context.Background(), project.ID); err != nil {
		t.Fatalf("Submit 失败: %v", err)
	}

	f.render.statuses = []*provider.RenderStatus{
		{State: provider.RenderStateRendering, Progress: 42},
	}

	job, err := build.Poll(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("Poll 失败: %v", err)
	}
	if job.Stage != model.RenderStageRendering || job.ProgressPercent != 42 {
		t.Errorf("进度未更新: stage=%s, progress=%d", job.Stage, job.ProgressPercent)
	}
}

func TestPollFailedRecordsEngineError(t *testing.T) {
	f, build := newBuildFixture(t)
	project := readyProject(t, f)
	if _, err := build.Submit(context.Background(), project.ID); err != nil {
		t.Fatalf("Submit 失败: %v", err)
	}

	f.render.statuses = []*provider.RenderStatus{
		{State: provider.RenderStateFailed, Error: "转码崩溃"},
	}

	job, err := build.Poll(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("Poll 失败: %v", err)
	}
	if job.Stage != model.RenderStageFailed || job.ErrorMessage != "转码崩溃" {
		t.Errorf("失败态不完整: stage=%s, 错误=%s", job.Stage, job.ErrorMessage)
	}
}
