package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"scene-forge/app/model"
	"scene-forge/app/provider"
)

func rateLimitErr(retryAfter time.Duration) error {
	return &provider.Error{
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: retryAfter,
		Message:    "rate limited",
	}
}

func authErr() error {
	return &provider.Error{StatusCode: http.StatusUnauthorized, Message: "invalid key"}
}

func TestExecuteRateLimitRetriesThenSucceeds(t *testing.T) {
	cfg := newTestConfig()
	retry := NewRetryController(cfg.Pipeline, newTestLogger(), newFakeResolver(model.SourcePrimary))

	calls := 0
	res := retry.Execute(context.Background(), 1, "script", true,
		func(ctx context.Context, apiKey string, opts GenerateOptions) (string, error) {
			calls++
			if calls < 3 {
				return "", rateLimitErr(0)
			}
			return "artifact-key", nil
		})

	if res.Err != nil {
		t.Fatalf("Execute 应当成功，得到错误: %v", res.Err)
	}
	if res.ArtifactRef != "artifact-key" {
		t.Errorf("产物引用 = %s", res.ArtifactRef)
	}
	if res.Calls != 3 {
		t.Errorf("调用次数 = %d, 期望 3", res.Calls)
	}
	if res.Source != model.SourcePrimary {
		t.Errorf("凭证来源 = %s, 不应发生回退", res.Source)
	}
}

func TestExecuteRateLimitFallsBackAfterExhaustion(t *testing.T) {
	cfg := newTestConfig()
	resolver := newFakeResolver(model.SourcePrimary, model.SourceSponsor)
	retry := NewRetryController(cfg.Pipeline, newTestLogger(), resolver)

	res := retry.Execute(context.Background(), 1, "script", true,
		func(ctx context.Context, apiKey string, opts GenerateOptions) (string, error) {
			if apiKey == "primary-key" {
				return "", rateLimitErr(0)
			}
			return "artifact-key", nil
		})

	if res.Err != nil {
		t.Fatalf("Execute 应当在回退凭证上成功，得到错误: %v", res.Err)
	}
	// 同一凭证先耗尽 MaxAttempts 次调用，回退后第一次就成功
	if res.Calls != cfg.Pipeline.MaxAttempts+1 {
		t.Errorf("调用次数 = %d, 期望 %d", res.Calls, cfg.Pipeline.MaxAttempts+1)
	}
	if res.Source != model.SourceSponsor {
		t.Errorf("凭证来源 = %s, 期望 sponsor", res.Source)
	}
}

func TestExecuteRateLimitExhaustedWithoutFallback(t *testing.T) {
	cfg := newTestConfig()
	retry := NewRetryController(cfg.Pipeline, newTestLogger(), newFakeResolver(model.SourcePrimary))

	res := retry.Execute(context.Background(), 1, "script", true,
		func(ctx context.Context, apiKey string, opts GenerateOptions) (string, error) {
			return "", rateLimitErr(0)
		})

	if res.Err == nil {
		t.Fatal("没有回退凭证时重试耗尽应当失败")
	}
	if res.Class != ClassTransientRateLimit {
		t.Errorf("错误分类 = %s", res.Class)
	}
	if res.Calls != cfg.Pipeline.MaxAttempts {
		t.Errorf("调用次数 = %d, 期望 %d", res.Calls, cfg.Pipeline.MaxAttempts)
	}
}

func TestExecuteSchemaCoolsDownThenRepairs(t *testing.T) {
	cfg := newTestConfig()
	retry := NewRetryController(cfg.Pipeline, newTestLogger(), newFakeResolver(model.SourcePrimary))

	var temps []float64
	var repairInputs []string
	res := retry.Execute(context.Background(), 1, "script", true,
		func(ctx context.Context, apiKey string, opts GenerateOptions) (string, error) {
			temps = append(temps, opts.Temperature)
			repairInputs = append(repairInputs, opts.RepairInput)
			if opts.RepairInput != "" {
				return "repaired-key", nil
			}
			return "", &SchemaError{Malformed: "{broken", Reason: "JSON 解析失败"}
		})

	if res.Err != nil {
		t.Fatalf("修复调用应当成功，得到错误: %v", res.Err)
	}
	if res.Calls != 3 {
		t.Fatalf("调用次数 = %d, 期望 首次+降温+修复 共 3 次", res.Calls)
	}
	if temps[1] != reducedTemperature {
		t.Errorf("第二次调用温度 = %v, 期望降温到 %v", temps[1], reducedTemperature)
	}
	// 修复调用提交的是畸形输出本身
	if repairInputs[2] != "{broken" {
		t.Errorf("修复输入 = %q", repairInputs[2])
	}
}

func TestExecuteSchemaTerminalForUnstructured(t *testing.T) {
	cfg := newTestConfig()
	retry := NewRetryController(cfg.Pipeline, newTestLogger(), newFakeResolver(model.SourcePrimary))

	res := retry.Execute(context.Background(), 1, "image", false,
		func(ctx context.Context, apiKey string, opts GenerateOptions) (string, error) {
			return "", &SchemaError{Malformed: "x", Reason: "不合法"}
		})

	if res.Err == nil {
		t.Fatal("非结构化输出的 schema 错误应当直接终态")
	}
	if res.Calls != 1 {
		t.Errorf("调用次数 = %d, 期望 1", res.Calls)
	}
	if res.Class != ClassSchemaInvalid {
		t.Errorf("错误分类 = %s", res.Class)
	}
}

func TestExecuteInfraFailureIsTerminal(t *testing.T) {
	cfg := newTestConfig()
	retry := NewRetryController(cfg.Pipeline, newTestLogger(), newFakeResolver(model.SourcePrimary))

	res := retry.Execute(context.Background(), 1, "script", true,
		func(ctx context.Context, apiKey string, opts GenerateOptions) (string, error) {
			return "", &InfraError{Op: "写入产物", Err: errors.New("磁盘已满")}
		})

	if res.Err == nil {
		t.Fatal("基础设施故障应当终态失败")
	}
	if res.Calls != 1 {
		t.Errorf("调用次数 = %d, 不应重试消耗提供方配额", res.Calls)
	}
	if res.Class != ClassInfraFailure {
		t.Errorf("错误分类 = %s", res.Class)
	}
}

func TestExecuteCredentialFallbackOnlyOnce(t *testing.T) {
	cfg := newTestConfig()
	resolver := newFakeResolver(model.SourcePrimary, model.SourceFallback, model.SourceSponsor)
	retry := NewRetryController(cfg.Pipeline, newTestLogger(), resolver)

	var keys []string
	res := retry.Execute(context.Background(), 1, "script", true,
		func(ctx context.Context, apiKey string, opts GenerateOptions) (string, error) {
			keys = append(keys, apiKey)
			return "", authErr()
		})

	if res.Err == nil {
		t.Fatal("凭证全部失效应当失败")
	}
	if res.Class != ClassCredentialInvalid {
		t.Errorf("错误分类 = %s", res.Class)
	}
	// 回退只允许一次，不会把整条链都烧一遍
	if len(keys) != 2 {
		t.Fatalf("调用了 %d 个凭证, 期望 2", len(keys))
	}
	if keys[0] != "primary-key" || keys[1] != "fallback-key" {
		t.Errorf("凭证顺序 = %v", keys)
	}
	// 失效的凭证按顺序被挂起，后续解析不会再选中
	want := []string{"primary:disabled", "fallback:disabled"}
	if len(resolver.suspended) != len(want) {
		t.Fatalf("挂起记录 = %v, 期望 %v", resolver.suspended, want)
	}
	for i := range want {
		if resolver.suspended[i] != want[i] {
			t.Errorf("挂起记录[%d] = %s, 期望 %s", i, resolver.suspended[i], want[i])
		}
	}
}

func TestExecuteQuotaExhaustionSuspendsAsQuotaOut(t *testing.T) {
	cfg := newTestConfig()
	resolver := newFakeResolver(model.SourcePrimary, model.SourceSponsor)
	retry := NewRetryController(cfg.Pipeline, newTestLogger(), resolver)

	res := retry.Execute(context.Background(), 1, "script", true,
		func(ctx context.Context, apiKey string, opts GenerateOptions) (string, error) {
			if apiKey == "primary-key" {
				return "", &provider.Error{StatusCode: http.StatusPaymentRequired, Message: "余额不足"}
			}
			return "artifact-key", nil
		})

	if res.Err != nil {
		t.Fatalf("回退凭证应当成功，得到错误: %v", res.Err)
	}
	if res.Source != model.SourceSponsor {
		t.Errorf("凭证来源 = %s, 期望 sponsor", res.Source)
	}
	// 配额耗尽和无效凭证的挂起状态要区分开，便于运维恢复
	if len(resolver.suspended) != 1 || resolver.suspended[0] != "primary:quota_exhausted" {
		t.Errorf("挂起记录 = %v, 期望 [primary:quota_exhausted]", resolver.suspended)
	}
	if resolver.creds[model.SourcePrimary].Status != model.CredentialStatusQuotaOut {
		t.Errorf("凭证状态 = %s", resolver.creds[model.SourcePrimary].Status)
	}
}

func TestExecuteCanceledContext(t *testing.T) {
	cfg := newTestConfig()
	retry := NewRetryController(cfg.Pipeline, newTestLogger(), newFakeResolver(model.SourcePrimary))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := retry.Execute(ctx, 1, "script", true,
		func(ctx context.Context, apiKey string, opts GenerateOptions) (string, error) {
			return "artifact-key", nil
		})

	if res.Err == nil {
		t.Fatal("已取消的上下文不应发起调用")
	}
	if res.Calls != 0 {
		t.Errorf("调用次数 = %d, 期望 0", res.Calls)
	}
}

func TestBackoffExponentialWithCap(t *testing.T) {
	cfg := newTestConfig()
	cfg.Pipeline.BackoffBaseMs = 1000
	cfg.Pipeline.BackoffCapMs = 30000
	retry := NewRetryController(cfg.Pipeline, newTestLogger(), newFakeResolver(model.SourcePrimary))

	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{60, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := retry.backoff(tc.n); got != tc.want {
			t.Errorf("backoff(%d) = %v, 期望 %v", tc.n, got, tc.want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		class    ErrorClass
		wantHint time.Duration
	}{
		{"限流", rateLimitErr(7 * time.Second), ClassTransientRateLimit, 7 * time.Second},
		{"凭证失效", authErr(), ClassCredentialInvalid, 0},
		{"配额耗尽", &provider.Error{StatusCode: http.StatusPaymentRequired}, ClassCredentialInvalid, 0},
		{"schema", &SchemaError{Reason: "x"}, ClassSchemaInvalid, 0},
		{"基础设施", &InfraError{Op: "落盘", Err: errors.New("io")}, ClassInfraFailure, 0},
		{"包装后的schema", fmt.Errorf("外层: %w", &SchemaError{Reason: "x"}), ClassSchemaInvalid, 0},
		{"未知", errors.New("boom"), ClassUnknown, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			class, hint := Classify(tc.err)
			if class != tc.class {
				t.Errorf("分类 = %s, 期望 %s", class, tc.class)
			}
			if hint != tc.wantHint {
				t.Errorf("重试提示 = %v, 期望 %v", hint, tc.wantHint)
			}
		})
	}
}
