package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"scene-forge/app/model"
	"scene-forge/app/provider"

	"gorm.io/gorm"
)

// sceneVideoManifest 单场景视频生成的提交内容
type sceneVideoManifest struct {
	Narration   string `json:"narration"`
	ImageURL    string `json:"image_url,omitempty"` // 已激活的场景图片作为参考
	AspectRatio string `json:"aspect_ratio"`
}

// generateSceneVideo 生成场景视频
// 外部引擎是异步的，这里在调用预算内同步轮询到终态
func (s *PipelineService) generateSceneVideo(ctx context.Context, project *model.Project, target *model.Target, apiKey string) (string, error) {
	scene, err := s.sceneFor(target)
	if err != nil {
		return "", err
	}

	manifest := sceneVideoManifest{
		Narration:   scene.Narration,
		AspectRatio: project.AspectRatio,
	}
	if ref, err := s.activeSceneImage(scene.ID); err == nil && ref != "" {
		manifest.ImageURL = s.blob.URL(ref)
	}

	body, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("序列化视频请求失败: %w", err)
	}

	jobID, err := s.render.Start(ctx, apiKey, body)
	if err != nil {
		return "", err
	}

	interval := time.Duration(s.cfg.Pipeline.RenderPollSeconds) * time.Second
	for {
		select {
		case <-ctx.Done():
			// 预算耗尽，任务留在外部引擎，由清扫转为失败后再显式重试
			return "", fmt.Errorf("视频生成超出调用预算: %w", ctx.Err())
		case <-time.After(interval):
		}

		status, err := s.render.Status(ctx, apiKey, jobID)
		if err != nil {
			return "", err
		}

		switch status.State {
		case provider.RenderStateCompleted:
			if status.OutputURL == "" {
				return "", fmt.Errorf("视频引擎报告完成但未返回输出URL")
			}
			return status.OutputURL, nil
		case provider.RenderStateFailed:
			return "", fmt.Errorf("视频生成失败: %s", status.Error)
		}
	}
}

// activeSceneImage 返回场景已激活的图片产物引用
func (s *PipelineService) activeSceneImage(sceneID uint) (string, error) {
	var target model.Target
	err := s.db.Where("scene_id = ? AND kind = ?", sceneID, model.KindSceneImage).First(&target).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return s.attempts.ActiveArtifact(target.ID)
}
