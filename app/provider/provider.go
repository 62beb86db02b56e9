package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"resty.dev/v3"
)

// Error 外部生成服务返回的错误
// 保留状态码和限流提示，供重试控制器分类
type Error struct {
	StatusCode int
	RetryAfter time.Duration // 来自 Retry-After 响应头，0 表示未提供
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("生成服务错误 (状态码 %d): %s", e.StatusCode, e.Message)
}

// IsRateLimit 判断是否为限流错误
func (e *Error) IsRateLimit() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsAuth 判断是否为凭证/配额错误
func (e *Error) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized ||
		e.StatusCode == http.StatusPaymentRequired ||
		e.StatusCode == http.StatusForbidden
}

// ScriptRequest 结构化脚本生成请求
type ScriptRequest struct {
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	Strict      bool    `json:"strict_schema"` // 严格模式要求输出符合分镜 JSON Schema
}

// ScriptResult 结构化脚本生成结果
// Payload 为空而 RawText 非空时，输出未通过服务端的结构校验
type ScriptResult struct {
	Payload json.RawMessage `json:"payload"`
	RawText string          `json:"raw_text"`
}

// ScriptClient 结构化脚本生成服务
type ScriptClient interface {
	Generate(ctx context.Context, apiKey string, req ScriptRequest) (*ScriptResult, error)
	// Repair 将畸形输出重新提交给修复调用，只做格式矫正不重新创作
	Repair(ctx context.Context, apiKey string, malformed string) (*ScriptResult, error)
}

// ImageClient 图片生成服务
type ImageClient interface {
	Generate(ctx context.Context, apiKey string, prompt string, referenceImages []string) ([]byte, error)
}

// RenderState 外部渲染引擎的任务状态
type RenderState string

const (
	RenderStateQueued    RenderState = "queued"
	RenderStateRendering RenderState = "rendering"
	RenderStateUploading RenderState = "uploading"
	RenderStateCompleted RenderState = "completed"
	RenderStateFailed    RenderState = "failed"
)

// RenderStatus 渲染任务状态查询结果
type RenderStatus struct {
	State     RenderState `json:"state"`
	Progress  int         `json:"progress"`
	OutputURL string      `json:"output_url"`
	Error     string      `json:"error"`
}

// RenderClient 异步视频渲染服务，提交后轮询
type RenderClient interface {
	Start(ctx context.Context, apiKey string, manifest []byte) (string, error)
	Status(ctx context.Context, apiKey string, jobID string) (*RenderStatus, error)
}

// newError 将非 2xx 响应转换为 Error
func newError(resp *resty.Response) *Error {
	retryAfter := time.Duration(0)
	if header := resp.Header().Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
			retryAfter = time.Duration(seconds) * time.Second
		}
	}
	return &Error{
		StatusCode: resp.StatusCode(),
		RetryAfter: retryAfter,
		Message:    resp.String(),
	}
}
