package service

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"path/filepath"
	"testing"
	"time"

	"scene-forge/app/config"
	"scene-forge/app/logger"
	"scene-forge/app/model"
	"scene-forge/app/provider"
	"scene-forge/app/storage"

	"github.com/disintegration/imaging"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}
	if err := db.AutoMigrate(
		&model.User{},
		&model.Project{},
		&model.Scene{},
		&model.Target{},
		&model.Attempt{},
		&model.ProviderCredential{},
		&model.RenderJob{},
	); err != nil {
		t.Fatalf("迁移测试表失败: %v", err)
	}
	return db
}

func newTestLogger() *logger.Logger {
	return logger.New(config.LogConfig{Level: "error", Format: "text", Output: "stdout"})
}

func newTestConfig() *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{
			BatchSize:             2,
			MaxAttempts:           3,
			BackoffBaseMs:         1,
			BackoffCapMs:          10,
			StuckThresholdMinutes: 15,
			BudgetSeconds:         30,
			ChunkMaxChars:         100,
			RenderPollSeconds:     0,
			AttemptRetentionDays:  30,
		},
	}
}

func newTestBlob(t *testing.T) *storage.LocalBlobStore {
	t.Helper()

	blob, err := storage.NewLocalBlobStore(config.StorageConfig{
		ArtifactDir: t.TempDir(),
		BaseURL:     "/artifacts",
	})
	if err != nil {
		t.Fatalf("创建测试产物存储失败: %v", err)
	}
	return blob
}

// fakeResolver 固定凭证集合的解析器，不区分提供方
// suspended 记录被挂起的来源和状态，按挂起顺序排列
type fakeResolver struct {
	creds     map[model.CredentialSource]*model.ProviderCredential
	suspended []string
}

func newFakeResolver(sources ...model.CredentialSource) *fakeResolver {
	r := &fakeResolver{creds: make(map[model.CredentialSource]*model.ProviderCredential)}
	for _, source := range sources {
		r.creds[source] = &model.ProviderCredential{
			Source: source,
			APIKey: string(source) + "-key",
			Status: model.CredentialStatusActive,
		}
	}
	return r
}

func (r *fakeResolver) Resolve(userID uint, providerName string, after model.CredentialSource) (*model.ProviderCredential, error) {
	start := 0
	if after != "" {
		for i, source := range sourceOrder {
			if source == after {
				start = i + 1
				break
			}
		}
	}
	for _, source := range sourceOrder[start:] {
		if cred, ok := r.creds[source]; ok && cred.IsAvailable() {
			return cred, nil
		}
	}
	return nil, fmt.Errorf("没有可用的 %s 凭证", providerName)
}

func (r *fakeResolver) Suspend(cred *model.ProviderCredential, status string) error {
	cred.Status = status
	r.suspended = append(r.suspended, string(cred.Source)+":"+status)
	return nil
}

// fakeScriptClient 按注入函数响应的脚本服务
type fakeScriptClient struct {
	generate func(apiKey string, req provider.ScriptRequest) (*provider.ScriptResult, error)
	repair   func(apiKey string, malformed string) (*provider.ScriptResult, error)
}

func (f *fakeScriptClient) Generate(ctx context.Context, apiKey string, req provider.ScriptRequest) (*provider.ScriptResult, error) {
	return f.generate(apiKey, req)
}

func (f *fakeScriptClient) Repair(ctx context.Context, apiKey string, malformed string) (*provider.ScriptResult, error) {
	if f.repair == nil {
		return nil, fmt.Errorf("修复调用未配置")
	}
	return f.repair(apiKey, malformed)
}

// validScriptResult 返回一个通过校验的单场景脚本
func validScriptResult() *provider.ScriptResult {
	return &provider.ScriptResult{
		Payload: []byte(`{"scenes":[{"narration":"山间晨雾缓缓散开","image_prompt":"mountain sunrise, mist","background_music":true}]}`),
	}
}

// fakeImageClient 固定返回内容的图片服务
type fakeImageClient struct {
	data []byte
	err  error
}

func (f *fakeImageClient) Generate(ctx context.Context, apiKey string, prompt string, referenceImages []string) ([]byte, error) {
	return f.data, f.err
}

// testImageBytes 生成一张可被解码的小图
func testImageBytes(t *testing.T) []byte {
	t.Helper()

	img := imaging.New(8, 8, color.NRGBA{R: 200, G: 120, B: 40, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		t.Fatalf("编码测试图片失败: %v", err)
	}
	return buf.Bytes()
}

// fakeRenderClient 按预设序列响应的渲染引擎
type fakeRenderClient struct {
	startID    string
	startErr   error
	statuses   []*provider.RenderStatus
	statusErr  error
	statusCall int
}

func (f *fakeRenderClient) Start(ctx context.Context, apiKey string, manifest []byte) (string, error) {
	return f.startID, f.startErr
}

func (f *fakeRenderClient) Status(ctx context.Context, apiKey string, jobID string) (*provider.RenderStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if len(f.statuses) == 0 {
		return &provider.RenderStatus{State: provider.RenderStateQueued}, nil
	}
	idx := f.statusCall
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	f.statusCall++
	return f.statuses[idx], nil
}

// pipelineFixture 组装一套可直接驱动的流水线依赖
type pipelineFixture struct {
	db       *gorm.DB
	cfg      *config.Config
	blob     *storage.LocalBlobStore
	script   *fakeScriptClient
	image    *fakeImageClient
	render   *fakeRenderClient
	attempts *AttemptService
	sweeper  *SweeperService
	pipeline *PipelineService
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	db := newTestDB(t)
	cfg := newTestConfig()
	log := newTestLogger()
	blob := newTestBlob(t)

	script := &fakeScriptClient{
		generate: func(apiKey string, req provider.ScriptRequest) (*provider.ScriptResult, error) {
			return validScriptResult(), nil
		},
	}
	image := &fakeImageClient{data: testImageBytes(t)}
	render := &fakeRenderClient{startID: "job-1"}

	resolver := newFakeResolver(model.SourcePrimary)
	retry := NewRetryController(cfg.Pipeline, log, resolver)
	attempts := NewAttemptService(db, log)
	sweeper := NewSweeperService(db, log, 15*time.Minute)

	pipeline := NewPipelineService(db, cfg, log, script, image, render, blob, retry, attempts, sweeper)

	return &pipelineFixture{
		db:       db,
		cfg:      cfg,
		blob:     blob,
		script:   script,
		image:    image,
		render:   render,
		attempts: attempts,
		sweeper:  sweeper,
		pipeline: pipeline,
	}
}

func createTestProject(t *testing.T, db *gorm.DB, status model.ProjectStatus, mode model.DisplayMode, input string) *model.Project {
	t.Helper()

	project := &model.Project{
		UserID:      1,
		Title:       "测试项目",
		InputText:   input,
		AspectRatio: "16:9",
		DisplayMode: mode,
		Status:      status,
	}
	if err := db.Create(project).Error; err != nil {
		t.Fatalf("创建测试项目失败: %v", err)
	}
	return project
}
