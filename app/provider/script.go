package provider

import (
	"context"
	"fmt"
	"time"

	"scene-forge/app/config"

	"resty.dev/v3"
)

// RestyScriptClient 基于 HTTP 的结构化脚本生成客户端
type RestyScriptClient struct {
	config config.ProviderConfig
	client *resty.Client
}

// NewScriptClient 创建脚本生成客户端
func NewScriptClient(cfg config.ProviderConfig) *RestyScriptClient {
	client := resty.New()
	client.SetBaseURL(cfg.URL)
	client.SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second)

	return &RestyScriptClient{
		config: cfg,
		client: client,
	}
}

// Generate 提交脚本生成请求
func (c *RestyScriptClient) Generate(ctx context.Context, apiKey string, req ScriptRequest) (*ScriptResult, error) {
	var result ScriptResult

	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(apiKey).
		SetBody(map[string]any{
			"model":         c.config.Model,
			"prompt":        req.Prompt,
			"temperature":   req.Temperature,
			"strict_schema": req.Strict,
		}).
		SetResult(&result).
		Post("/v1/script/generate")

	if err != nil {
		return nil, fmt.Errorf("请求脚本生成服务失败: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, newError(resp)
	}

	return &result, nil
}

// Repair 提交修复请求，输入是上一次的畸形输出而不是原始素材
func (c *RestyScriptClient) Repair(ctx context.Context, apiKey string, malformed string) (*ScriptResult, error) {
	var result ScriptResult

	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(apiKey).
		SetBody(map[string]any{
			"model":     c.config.Model,
			"malformed": malformed,
		}).
		SetResult(&result).
		Post("/v1/script/repair")

	if err != nil {
		return nil, fmt.Errorf("请求脚本修复服务失败: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, newError(resp)
	}

	return &result, nil
}
