package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"scene-forge/app/config"

	"resty.dev/v3"
)

// RestyImageClient 基于 HTTP 的图片生成客户端
type RestyImageClient struct {
	config config.ProviderConfig
	client *resty.Client
}

// NewImageClient 创建图片生成客户端
func NewImageClient(cfg config.ProviderConfig) *RestyImageClient {
	client := resty.New()
	client.SetBaseURL(cfg.URL)
	client.SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second)

	return &RestyImageClient{
		config: cfg,
		client: client,
	}
}

// imageResponse 图片生成响应
type imageResponse struct {
	ImageBase64 string `json:"image_base64"`
}

// Generate 提交图片生成请求，返回图片字节
func (c *RestyImageClient) Generate(ctx context.Context, apiKey string, prompt string, referenceImages []string) ([]byte, error) {
	var result imageResponse

	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(apiKey).
		SetBody(map[string]any{
			"model":            c.config.Model,
			"prompt":           prompt,
			"reference_images": referenceImages,
		}).
		SetResult(&result).
		Post("/v1/images/generate")

	if err != nil {
		return nil, fmt.Errorf("请求图片生成服务失败: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, newError(resp)
	}

	if result.ImageBase64 == "" {
		return nil, fmt.Errorf("图片生成响应为空")
	}

	data, err := base64.StdEncoding.DecodeString(result.ImageBase64)
	if err != nil {
		return nil, fmt.Errorf("解码图片数据失败: %w", err)
	}

	return data, nil
}
