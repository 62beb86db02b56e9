package service

import (
	"errors"
	"fmt"
	"time"

	"scene-forge/app/provider"
)

// ErrorClass 生成错误分类，决定重试策略
type ErrorClass string

const (
	ClassTransientRateLimit ErrorClass = "transient_rate_limit" // 限流/临时配额，可退避重试
	ClassSchemaInvalid      ErrorClass = "schema_invalid"       // 结构化输出不合法，可降温重试或修复
	ClassCredentialInvalid  ErrorClass = "credential_invalid"   // 凭证失效或配额耗尽，可切换凭证来源
	ClassInfraFailure       ErrorClass = "infra_failure"        // 本侧基础设施故障，不再消耗提供方配额
	ClassTimeout            ErrorClass = "timeout"              // 仅由卡死巡检写入
	ClassUnknown            ErrorClass = "unknown"
)

// SchemaError 结构化生成输出未通过校验
// Malformed 保留畸形输出原文，供修复调用重新提交
type SchemaError struct {
	Malformed string
	Reason    string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("结构化输出校验失败: %s", e.Reason)
}

// InfraError 生成调用成功后本侧处理失败（如产物落盘失败）
// 不应重新调用提供方，避免在存储故障上浪费配额
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("基础设施故障 (%s): %v", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

// Classify 对生成错误分类，限流错误同时返回提供方给出的重试提示
func Classify(err error) (ErrorClass, time.Duration) {
	var schemaErr *SchemaError
	if errors.As(err, &schemaErr) {
		return ClassSchemaInvalid, 0
	}

	var infraErr *InfraError
	if errors.As(err, &infraErr) {
		return ClassInfraFailure, 0
	}

	var provErr *provider.Error
	if errors.As(err, &provErr) {
		if provErr.IsRateLimit() {
			return ClassTransientRateLimit, provErr.RetryAfter
		}
		if provErr.IsAuth() {
			return ClassCredentialInvalid, 0
		}
	}

	return ClassUnknown, 0
}
