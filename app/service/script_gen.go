package service

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"scene-forge/app/model"
	"scene-forge/app/provider"

	"gorm.io/gorm"
)

// sceneScript 分镜脚本中的单个场景
type sceneScript struct {
	Narration          string `json:"narration"`
	ImagePrompt        string `json:"image_prompt"`
	HasBackgroundMusic bool   `json:"background_music"`
}

// chunkScript 一个分块的结构化分镜脚本
type chunkScript struct {
	Scenes []sceneScript `json:"scenes"`
}

// generateChunkScript 为一个文本分块生成结构化分镜脚本
// 修复调用提交的是上一次的畸形输出，不是原始分块
func (s *PipelineService) generateChunkScript(ctx context.Context, project *model.Project, target *model.Target, apiKey string, opts GenerateOptions) (string, error) {
	var result *provider.ScriptResult
	var err error

	if opts.RepairInput != "" {
		result, err = s.script.Repair(ctx, apiKey, opts.RepairInput)
	} else {
		result, err = s.script.Generate(ctx, apiKey, provider.ScriptRequest{
			Prompt:      buildScriptPrompt(project, target.Payload),
			Temperature: opts.Temperature,
			Strict:      true,
		})
	}
	if err != nil {
		return "", err
	}

	payload, err := validateScriptPayload(result)
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256(payload)
	key := fmt.Sprintf("projects/%d/scripts/chunk-%03d-%x.json",
		project.ID, target.Position, digest[:6])
	if _, err := s.blob.Put(key, payload); err != nil {
		return "", &InfraError{Op: "写入脚本产物", Err: err}
	}
	return key, nil
}

// buildScriptPrompt 组装分镜脚本生成提示词
func buildScriptPrompt(project *model.Project, chunk string) string {
	return fmt.Sprintf(
		"将以下文本改写为视频分镜脚本，画幅 %s。每个场景给出解说词(narration)和配图提示词(image_prompt)。\n\n%s",
		project.AspectRatio, chunk)
}

// validateScriptPayload 校验结构化输出，畸形输出转为 SchemaError 以便进入修复流程
func validateScriptPayload(result *provider.ScriptResult) ([]byte, error) {
	if len(result.Payload) == 0 {
		return nil, &SchemaError{Malformed: result.RawText, Reason: "服务未返回结构化内容"}
	}

	var script chunkScript
	if err := json.Unmarshal(result.Payload, &script); err != nil {
		return nil, &SchemaError{Malformed: string(result.Payload), Reason: "JSON 解析失败: " + err.Error()}
	}
	if len(script.Scenes) == 0 {
		return nil, &SchemaError{Malformed: string(result.Payload), Reason: "脚本不包含任何场景"}
	}
	for i, scene := range script.Scenes {
		if scene.Narration == "" {
			return nil, &SchemaError{Malformed: string(result.Payload), Reason: fmt.Sprintf("场景 %d 缺少解说词", i)}
		}
		if scene.ImagePrompt == "" {
			return nil, &SchemaError{Malformed: string(result.Payload), Reason: fmt.Sprintf("场景 %d 缺少配图提示词", i)}
		}
	}

	return result.Payload, nil
}

// materializeScenes 把全部分块的激活脚本落地为场景记录
// 按分块顺序拼接，重复执行会先清空再重建
func (s *PipelineService) materializeScenes(project *model.Project) error {
	var targets []model.Target
	if err := s.db.Where("project_id = ? AND kind = ? AND status = ?",
		project.ID, model.KindChunkScript, model.TargetStatusCompleted).
		Order("position ASC").Find(&targets).Error; err != nil {
		return err
	}

	var scenes []model.Scene
	position := 0
	for i := range targets {
		ref, err := s.attempts.ActiveArtifact(targets[i].ID)
		if err != nil {
			return err
		}
		if ref == "" {
			// 完成的目标必须有激活产物，否则是数据异常
			return fmt.Errorf("分块目标 %d 没有激活的脚本产物", targets[i].ID)
		}

		data, err := s.blob.Get(ref)
		if err != nil {
			return fmt.Errorf("读取脚本产物失败: %w", err)
		}
		var script chunkScript
		if err := json.Unmarshal(data, &script); err != nil {
			return fmt.Errorf("激活的脚本产物不是合法 JSON: %w", err)
		}

		for _, sc := range script.Scenes {
			raw, _ := json.Marshal(sc)
			scenes = append(scenes, model.Scene{
				ProjectID:          project.ID,
				Position:           position,
				Narration:          sc.Narration,
				ImagePrompt:        sc.ImagePrompt,
				ScriptJSON:         string(raw),
				HasBackgroundMusic: sc.HasBackgroundMusic,
			})
			position++
		}
	}

	if len(scenes) == 0 {
		return fmt.Errorf("没有可落地的场景")
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", project.ID).Delete(&model.Scene{}).Error; err != nil {
			return err
		}
		return tx.Create(&scenes).Error
	})
}
