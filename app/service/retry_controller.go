package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"scene-forge/app/config"
	"scene-forge/app/logger"
	"scene-forge/app/model"
	"scene-forge/app/provider"
)

// 降温重试使用的温度
const reducedTemperature = 0.2

// GenerateOptions 单次生成调用的可变参数
// RepairInput 非空表示这是一次修复调用，输入为上一次的畸形输出
type GenerateOptions struct {
	Temperature float64
	RepairInput string
}

// GenerateFunc 一次具体的生成调用，成功时返回产物引用
type GenerateFunc func(ctx context.Context, apiKey string, opts GenerateOptions) (string, error)

// ExecResult 重试控制器的执行结果
type ExecResult struct {
	ArtifactRef string
	Source      model.CredentialSource // 最终成功的凭证来源，用于计费归属
	Calls       int                    // 实际发起的提供方调用次数
	Class       ErrorClass
	Err         error
}

// RetryController 集中式重试/回退控制器
// 所有生成类型共用同一套按错误分类的策略，退避在调用路径内同步等待
type RetryController struct {
	cfg      config.PipelineConfig
	log      *logger.Logger
	resolver CredentialResolver
}

// NewRetryController 创建重试控制器
func NewRetryController(cfg config.PipelineConfig, log *logger.Logger, resolver CredentialResolver) *RetryController {
	return &RetryController{
		cfg:      cfg,
		log:      log,
		resolver: resolver,
	}
}

// Execute 驱动一次生成执行直到成功或终态失败
// structured 表示输出是结构化内容，畸形输出允许降温重试和修复
func (r *RetryController) Execute(ctx context.Context, userID uint, providerName string, structured bool, fn GenerateFunc) *ExecResult {
	result := &ExecResult{}

	cred, err := r.resolver.Resolve(userID, providerName, "")
	if err != nil {
		result.Class = ClassCredentialInvalid
		result.Err = err
		return result
	}

	opts := GenerateOptions{Temperature: 0.7}
	rateRetries := 0   // 已消耗的限流重试次数
	schemaPhase := 0   // 0 首次 / 1 已降温 / 2 已修复
	fellBack := false  // 凭证回退只允许一次

	for {
		select {
		case <-ctx.Done():
			result.Class = ClassUnknown
			result.Err = ctx.Err()
			return result
		default:
		}

		result.Calls++
		ref, err := fn(ctx, cred.APIKey, opts)
		if err == nil {
			result.ArtifactRef = ref
			result.Source = cred.Source
			return result
		}

		class, hint := Classify(err)
		result.Class = class
		result.Err = err

		switch class {
		case ClassTransientRateLimit:
			if !fellBack && rateRetries < r.cfg.MaxAttempts-1 {
				delay := r.backoff(rateRetries)
				if hint > 0 {
					// 提供方给出的重试提示优先于计算出的延迟
					delay = hint
				}
				rateRetries++
				r.log.Warnf("生成被限流，%v 后重试 (%d/%d): provider=%s", delay, rateRetries, r.cfg.MaxAttempts-1, providerName)
				if !r.sleep(ctx, delay) {
					result.Class = ClassUnknown
					result.Err = ctx.Err()
					return result
				}
				continue
			}
			// 同一凭证的重试已耗尽，尝试回退凭证一次
			if next := r.fallbackOnce(userID, providerName, cred, &fellBack); next != nil {
				cred = next
				continue
			}
			return result

		case ClassSchemaInvalid:
			if !structured {
				return result
			}
			switch schemaPhase {
			case 0:
				// 先降温重试一次
				schemaPhase = 1
				opts.Temperature = reducedTemperature
				r.log.Warnf("结构化输出不合法，降温重试: provider=%s", providerName)
				continue
			case 1:
				// 再做一次修复调用，提交畸形输出本身而非原始输入
				if schemaErr, ok := err.(*SchemaError); ok && schemaErr.Malformed != "" {
					schemaPhase = 2
					opts.RepairInput = schemaErr.Malformed
					r.log.Warnf("降温重试仍不合法，进入修复调用: provider=%s", providerName)
					continue
				}
				return result
			default:
				return result
			}

		case ClassCredentialInvalid:
			r.suspendCredential(cred, err, providerName)
			if next := r.fallbackOnce(userID, providerName, cred, &fellBack); next != nil {
				cred = next
				continue
			}
			return result

		case ClassInfraFailure:
			// 生成调用本身成功了，不再消耗提供方配额，留给下一次显式生成
			return result

		default:
			return result
		}
	}
}

// suspendCredential 凭证失效后挂起，配额耗尽和无效凭证分别标记
func (r *RetryController) suspendCredential(cred *model.ProviderCredential, cause error, providerName string) {
	status := model.CredentialStatusDisabled
	var provErr *provider.Error
	if errors.As(cause, &provErr) && provErr.StatusCode == http.StatusPaymentRequired {
		status = model.CredentialStatusQuotaOut
	}
	if err := r.resolver.Suspend(cred, status); err != nil {
		r.log.Errorf("挂起凭证失败: provider=%s, source=%s, %v", providerName, cred.Source, err)
		return
	}
	r.log.Warnf("凭证已挂起: provider=%s, source=%s, status=%s", providerName, cred.Source, status)
}

// fallbackOnce 解析回退链中的下一个凭证，整个执行过程只允许回退一次
func (r *RetryController) fallbackOnce(userID uint, providerName string, current *model.ProviderCredential, fellBack *bool) *model.ProviderCredential {
	if *fellBack {
		return nil
	}
	next, err := r.resolver.Resolve(userID, providerName, current.Source)
	if err != nil || next == nil {
		return nil
	}
	*fellBack = true
	r.log.Warnf("切换凭证来源: provider=%s, %s -> %s", providerName, current.Source, next.Source)
	return next
}

// backoff 计算第 n 次重试的指数退避延迟 min(base * 2^n, cap)
func (r *RetryController) backoff(n int) time.Duration {
	base := time.Duration(r.cfg.BackoffBaseMs) * time.Millisecond
	cap := time.Duration(r.cfg.BackoffCapMs) * time.Millisecond

	delay := base << uint(n)
	if delay > cap || delay <= 0 {
		delay = cap
	}
	return delay
}

// sleep 可被上下文打断的同步等待
func (r *RetryController) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
