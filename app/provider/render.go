package provider

import (
	"context"
	"fmt"
	"time"

	"scene-forge/app/config"

	"resty.dev/v3"
)

// RestyRenderClient 基于 HTTP 的异步渲染客户端
// 渲染引擎是提交-轮询模式，状态查询不会推送
type RestyRenderClient struct {
	config config.ProviderConfig
	client *resty.Client
}

// NewRenderClient 创建渲染客户端
func NewRenderClient(cfg config.ProviderConfig) *RestyRenderClient {
	client := resty.New()
	client.SetBaseURL(cfg.URL)
	client.SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second)

	return &RestyRenderClient{
		config: cfg,
		client: client,
	}
}

// startResponse 渲染任务提交响应
type startResponse struct {
	JobID string `json:"job_id"`
}

// Start 提交渲染任务，返回外部任务ID
func (c *RestyRenderClient) Start(ctx context.Context, apiKey string, manifest []byte) (string, error) {
	var result startResponse

	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(manifest).
		SetResult(&result).
		Post("/v1/render")

	if err != nil {
		return "", fmt.Errorf("提交渲染任务失败: %w", err)
	}
	if resp.StatusCode() != 200 {
		return "", newError(resp)
	}

	if result.JobID == "" {
		return "", fmt.Errorf("渲染服务未返回任务ID")
	}

	return result.JobID, nil
}

// Status 查询渲染任务状态
func (c *RestyRenderClient) Status(ctx context.Context, apiKey string, jobID string) (*RenderStatus, error) {
	var result RenderStatus

	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(apiKey).
		SetResult(&result).
		Get("/v1/render/" + jobID)

	if err != nil {
		return nil, fmt.Errorf("查询渲染任务状态失败: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, newError(resp)
	}

	return &result, nil
}
