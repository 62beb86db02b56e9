package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"

	"scene-forge/app/model"

	"github.com/disintegration/imaging"
	"gorm.io/gorm"
)

// aspectDims 画幅对应的输出尺寸
func aspectDims(aspectRatio string) (int, int) {
	switch aspectRatio {
	case "9:16":
		return 720, 1280
	case "1:1":
		return 1024, 1024
	default: // 16:9
		return 1280, 720
	}
}

// generateSceneImage 生成场景图片并归一化到项目画幅
func (s *PipelineService) generateSceneImage(ctx context.Context, project *model.Project, target *model.Target, apiKey string) (string, error) {
	scene, err := s.sceneFor(target)
	if err != nil {
		return "", err
	}

	data, err := s.image.Generate(ctx, apiKey, scene.ImagePrompt, nil)
	if err != nil {
		return "", err
	}

	src, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("解码生成的图片失败: %w", err)
	}

	// 裁切缩放到项目画幅
	width, height := aspectDims(project.AspectRatio)
	normalized := imaging.Fill(src, width, height, imaging.Center, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, normalized, imaging.JPEG, imaging.JPEGQuality(88)); err != nil {
		return "", &InfraError{Op: "编码图片产物", Err: err}
	}

	digest := sha256.Sum256(buf.Bytes())
	key := fmt.Sprintf("projects/%d/images/scene-%03d-%x.jpg", project.ID, scene.Position, digest[:6])
	if _, err := s.blob.Put(key, buf.Bytes()); err != nil {
		return "", &InfraError{Op: "写入图片产物", Err: err}
	}
	return key, nil
}

// sceneFor 读取目标关联的场景
func (s *PipelineService) sceneFor(target *model.Target) (*model.Scene, error) {
	if target.SceneID == nil {
		return nil, fmt.Errorf("目标 %d 没有关联场景", target.ID)
	}
	var scene model.Scene
	if err := s.db.First(&scene, *target.SceneID).Error; err != nil {
		return nil, fmt.Errorf("场景不存在: %w", err)
	}
	return &scene, nil
}

// ensureAssetTargets 分镜完成后为每个场景落地素材目标
// 阶段推进的条件更新先行，并发调用只有一个会创建目标
func (s *PipelineService) ensureAssetTargets(project *model.Project) error {
	var scenes []model.Scene
	if err := s.db.Where("project_id = ?", project.ID).Order("position ASC").Find(&scenes).Error; err != nil {
		return err
	}
	if len(scenes) == 0 {
		return fmt.Errorf("项目没有场景，无法创建素材目标")
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Project{}).
			Where("id = ? AND status = ?", project.ID, model.ProjectStatusFormatted).
			Update("status", model.ProjectStatusGeneratingAssets)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 并发调用已经落地过素材目标
			return nil
		}

		created := 0
		for i := range scenes {
			sceneID := scenes[i].ID
			image := model.Target{
				ProjectID: project.ID,
				SceneID:   &sceneID,
				Kind:      model.KindSceneImage,
				Position:  scenes[i].Position,
				Status:    model.TargetStatusPending,
			}
			if err := tx.Create(&image).Error; err != nil {
				return err
			}
			created++

			if project.DisplayMode == model.DisplayModeVideoPreferred {
				video := model.Target{
					ProjectID: project.ID,
					SceneID:   &sceneID,
					Kind:      model.KindSceneVideo,
					Position:  scenes[i].Position,
					Status:    model.TargetStatusPending,
				}
				if err := tx.Create(&video).Error; err != nil {
					return err
				}
				created++
			}
		}

		if err := tx.Model(&model.Project{}).Where("id = ?", project.ID).
			Update("total_targets", gorm.Expr("total_targets + ?", created)).Error; err != nil {
			return err
		}

		project.Status = model.ProjectStatusGeneratingAssets
		s.log.Infof("素材目标已落地: project=%d, targets=%d", project.ID, created)
		return nil
	})
}
