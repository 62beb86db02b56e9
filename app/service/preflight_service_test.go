package service

import (
	"testing"

	"scene-forge/app/model"
)

func newPreflightFixture(t *testing.T) (*pipelineFixture, *PreflightService) {
	t.Helper()

	f := newPipelineFixture(t)
	return f, NewPreflightService(f.db, newTestLogger(), f.blob)
}

// createSceneWithAsset 创建场景并挂一个已激活的素材产物
func createSceneWithAsset(t *testing.T, f *pipelineFixture, projectID uint, position int, kind model.TargetKind, store bool) *model.Scene {
	t.Helper()

	scene := &model.Scene{
		ProjectID:  projectID,
		Position:   position,
		Narration:  "解说词",
		ScriptJSON: `{"narration":"解说词"}`,
	}
	if err := f.db.Create(scene).Error; err != nil {
		t.Fatalf("创建场景失败: %v", err)
	}
	if kind == "" {
		return scene
	}

	target := &model.Target{
		ProjectID: projectID,
		SceneID:   &scene.ID,
		Kind:      kind,
		Position:  position,
		Status:    model.TargetStatusCompleted,
	}
	if err := f.db.Create(target).Error; err != nil {
		t.Fatalf("创建素材目标失败: %v", err)
	}

	key := "projects/test/asset.bin"
	if store {
		if _, err := f.blob.Put(key, []byte("data")); err != nil {
			t.Fatalf("写入测试产物失败: %v", err)
		}
	}
	attempt, err := f.attempts.Begin(target.ID, providerFor(kind))
	if err != nil {
		t.Fatalf("创建生成记录失败: %v", err)
	}
	if err := f.attempts.CompleteAndActivate(attempt.ID, key, model.SourcePrimary, 1); err != nil {
		t.Fatalf("激活产物失败: %v", err)
	}
	return scene
}

func findIssue(issues []Issue, code IssueCode) bool {
	for _, issue := range issues {
		if issue.Code == code {
			return true
		}
	}
	return false
}

func TestValidateRejectsProjectWithoutScenes(t *testing.T) {
	f, preflight := newPreflightFixture(t)
	project := createTestProject(t, f.db, model.ProjectStatusFormatted, model.DisplayModeImageOnly, "文本")

	report, err := preflight.Validate(project.ID)
	if err != nil {
		t.Fatalf("Validate 失败: %v", err)
	}
	if report.Ready {
		t.Error("没有场景的项目不应就绪")
	}
	if !findIssue(report.Errors, IssueNoScenes) {
		t.Errorf("错误列表 = %+v", report.Errors)
	}
}

func TestValidateImageOnlyRequiresImage(t *testing.T) {
	f, preflight := newPreflightFixture(t)
	project := createTestProject(t, f.db, model.ProjectStatusGeneratingAssets, model.DisplayModeImageOnly, "文本")
	createSceneWithAsset(t, f, project.ID, 0, "", false) // 没有任何素材

	report, err := preflight.Validate(project.ID)
	if err != nil {
		t.Fatalf("Validate 失败: %v", err)
	}
	if report.Ready {
		t.Error("缺少必需图片的项目不应就绪")
	}
	if !findIssue(report.Errors, IssueMissingSceneImage) {
		t.Errorf("错误列表 = %+v", report.Errors)
	}
}

func TestValidateReadyWithWarnings(t *testing.T) {
	f, preflight := newPreflightFixture(t)
	project := createTestProject(t, f.db, model.ProjectStatusGeneratingAssets, model.DisplayModeImageOnly, "文本")
	scene := createSceneWithAsset(t, f, project.ID, 0, model.KindSceneImage, true)

	// 有背景音乐但没有解说音频，只是警告
	f.db.Model(scene).Updates(map[string]any{
		"has_background_music": true,
		"has_narration_audio":  false,
	})

	report, err := preflight.Validate(project.ID)
	if err != nil {
		t.Fatalf("Validate 失败: %v", err)
	}
	if !report.Ready {
		t.Fatalf("警告不应阻断就绪: %+v", report.Errors)
	}
	if !findIssue(report.Warnings, IssueNoNarrationAudio) {
		t.Errorf("警告列表 = %+v", report.Warnings)
	}
}

func TestValidateDetectsUnreachableArtifact(t *testing.T) {
	f, preflight := newPreflightFixture(t)
	project := createTestProject(t, f.db, model.ProjectStatusGeneratingAssets, model.DisplayModeImageOnly, "文本")
	createSceneWithAsset(t, f, project.ID, 0, model.KindSceneImage, false) // 引用存在但产物没落盘

	report, err := preflight.Validate(project.ID)
	if err != nil {
		t.Fatalf("Validate 失败: %v", err)
	}
	if report.Ready {
		t.Error("产物不可达的项目不应就绪")
	}
	if !findIssue(report.Errors, IssueUnreachableArtifact) {
		t.Errorf("错误列表 = %+v", report.Errors)
	}
}

func TestValidateVideoPreferredRequiresVideo(t *testing.T) {
	f, preflight := newPreflightFixture(t)
	project := createTestProject(t, f.db, model.ProjectStatusGeneratingAssets, model.DisplayModeVideoPreferred, "文本")
	// 只有图片没有视频
	createSceneWithAsset(t, f, project.ID, 0, model.KindSceneImage, true)

	report, err := preflight.Validate(project.ID)
	if err != nil {
		t.Fatalf("Validate 失败: %v", err)
	}
	if report.Ready {
		t.Error("视频模式下缺少视频不应就绪")
	}
	if !findIssue(report.Errors, IssueMissingSceneVideo) {
		t.Errorf("错误列表 = %+v", report.Errors)
	}
}

func TestValidateVideoPreferredImageIsDecorative(t *testing.T) {
	f, preflight := newPreflightFixture(t)
	project := createTestProject(t, f.db, model.ProjectStatusGeneratingAssets, model.DisplayModeVideoPreferred, "文本")
	// 有视频没有图片，图片缺失只是警告
	createSceneWithAsset(t, f, project.ID, 0, model.KindSceneVideo, true)

	report, err := preflight.Validate(project.ID)
	if err != nil {
		t.Fatalf("Validate 失败: %v", err)
	}
	if !report.Ready {
		t.Fatalf("修饰性素材缺失不应阻断就绪: %+v", report.Errors)
	}
	if !findIssue(report.Warnings, IssueMissingDecorative) {
		t.Errorf("警告列表 = %+v", report.Warnings)
	}
}

func TestValidateRejectsEmptyScript(t *testing.T) {
	f, preflight := newPreflightFixture(t)
	project := createTestProject(t, f.db, model.ProjectStatusGeneratingAssets, model.DisplayModeImageOnly, "文本")
	scene := createSceneWithAsset(t, f, project.ID, 0, model.KindSceneImage, true)
	f.db.Model(scene).Update("script_json", "   ")

	report, err := preflight.Validate(project.ID)
	if err != nil {
		t.Fatalf("Validate 失败: %v", err)
	}
	if report.Ready {
		t.Error("脚本为空的场景不应就绪")
	}
	if !findIssue(report.Errors, IssueMalformedScript) {
		t.Errorf("错误列表 = %+v", report.Errors)
	}
}
