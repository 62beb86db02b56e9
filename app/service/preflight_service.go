package service

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"scene-forge/app/logger"
	"scene-forge/app/model"
	"scene-forge/app/storage"

	gocache "github.com/patrickmn/go-cache"
	"gorm.io/gorm"
	"resty.dev/v3"
)

// IssueCode 预检问题类型
type IssueCode string

const (
	IssueNoScenes            IssueCode = "no_scenes"
	IssueMissingSceneImage   IssueCode = "missing_scene_image"
	IssueMissingSceneVideo   IssueCode = "missing_scene_video"
	IssueUnreachableArtifact IssueCode = "unreachable_artifact"
	IssueMalformedScript     IssueCode = "malformed_script"
	IssueNoNarrationAudio    IssueCode = "no_narration_audio"
	IssueMissingDecorative   IssueCode = "missing_decorative_image"
)

// Issue 单条预检问题，带定位引用和可操作的说明
type Issue struct {
	Code      IssueCode `json:"code"`
	TargetRef string    `json:"target_ref"`
	Message   string    `json:"message"`
}

// PreflightReport 预检结果
// 硬错误阻断渲染，警告只提示不影响 Ready
type PreflightReport struct {
	Ready    bool    `json:"ready"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// PreflightService 渲染前的就绪检查，是整片合成唯一的放行依据
type PreflightService struct {
	db         *gorm.DB
	log        *logger.Logger
	blob       storage.BlobStore
	client     *resty.Client
	probeCache *gocache.Cache
}

// NewPreflightService 创建预检服务
func NewPreflightService(db *gorm.DB, log *logger.Logger, blob storage.BlobStore) *PreflightService {
	client := resty.New()
	client.SetTimeout(10 * time.Second)

	return &PreflightService{
		db:         db,
		log:        log,
		blob:       blob,
		client:     client,
		probeCache: gocache.New(5*time.Minute, 10*time.Minute),
	}
}

// Validate 聚合整个项目的就绪状态
// 缺失必需素材宁可拒绝合成，也不产出残缺成片；缺失修饰性素材只是警告
func (p *PreflightService) Validate(projectID uint) (*PreflightReport, error) {
	var project model.Project
	if err := p.db.First(&project, projectID).Error; err != nil {
		return nil, fmt.Errorf("项目不存在: %w", err)
	}

	var scenes []model.Scene
	if err := p.db.Where("project_id = ?", projectID).Order("position ASC").Find(&scenes).Error; err != nil {
		return nil, err
	}

	report := &PreflightReport{}

	if len(scenes) == 0 {
		report.addError(IssueNoScenes, fmt.Sprintf("project:%d", projectID),
			"项目没有任何场景，请先完成分镜脚本生成")
		report.Ready = false
		return report, nil
	}

	for i := range scenes {
		p.checkScene(&project, &scenes[i], report)
	}

	report.Ready = len(report.Errors) == 0
	return report, nil
}

// checkScene 检查单个场景的素材就绪情况
func (p *PreflightService) checkScene(project *model.Project, scene *model.Scene, report *PreflightReport) {
	ref := fmt.Sprintf("scene:%d", scene.ID)

	if strings.TrimSpace(scene.ScriptJSON) == "" {
		report.addError(IssueMalformedScript, ref,
			fmt.Sprintf("场景 %d 的脚本内容为空，请重新生成分镜", scene.Position))
	}

	imageRef, err := p.activeAssetRef(scene.ID, model.KindSceneImage)
	if err != nil {
		p.log.Errorf("查询场景图片产物失败: %v", err)
	}
	videoRef, err := p.activeAssetRef(scene.ID, model.KindSceneVideo)
	if err != nil {
		p.log.Errorf("查询场景视频产物失败: %v", err)
	}

	switch project.DisplayMode {
	case model.DisplayModeVideoPreferred:
		if videoRef == "" {
			report.addError(IssueMissingSceneVideo, ref,
				fmt.Sprintf("场景 %d 没有激活的视频素材，请先完成视频生成", scene.Position))
		} else if !p.reachable(videoRef) {
			report.addError(IssueUnreachableArtifact, ref,
				fmt.Sprintf("场景 %d 的视频素材无法访问: %s", scene.Position, videoRef))
		}
		if imageRef == "" {
			// 视频模式下图片只是封面/修饰素材
			report.addWarning(IssueMissingDecorative, ref,
				fmt.Sprintf("场景 %d 没有图片素材，成片封面可能不理想", scene.Position))
		}
	default: // image_only
		if imageRef == "" {
			report.addError(IssueMissingSceneImage, ref,
				fmt.Sprintf("场景 %d 没有激活的图片素材，请先完成图片生成", scene.Position))
		} else if !p.reachable(imageRef) {
			report.addError(IssueUnreachableArtifact, ref,
				fmt.Sprintf("场景 %d 的图片素材无法访问: %s", scene.Position, imageRef))
		}
	}

	if !scene.HasNarrationAudio && scene.HasBackgroundMusic {
		report.addWarning(IssueNoNarrationAudio, ref,
			fmt.Sprintf("场景 %d 只有背景音乐没有解说音频", scene.Position))
	}
}

// activeAssetRef 返回场景某类素材的激活产物引用
func (p *PreflightService) activeAssetRef(sceneID uint, kind model.TargetKind) (string, error) {
	var attempt model.Attempt
	err := p.db.
		Joins("JOIN targets ON targets.id = attempts.target_id").
		Where("targets.scene_id = ? AND targets.kind = ? AND attempts.is_active = ?", sceneID, kind, true).
		First(&attempt).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return attempt.ArtifactRef, nil
}

// reachable 探测产物可达性，HTTP 引用做 HEAD 请求并缓存结果
func (p *PreflightService) reachable(ref string) bool {
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return p.blob.Exists(ref)
	}

	if cached, found := p.probeCache.Get(ref); found {
		return cached.(bool)
	}

	resp, err := p.client.R().Head(ref)
	ok := err == nil && resp.StatusCode() >= 200 && resp.StatusCode() < 400
	if err == nil && resp.StatusCode() == http.StatusMethodNotAllowed {
		// 有些存储不支持 HEAD，不因此判定不可达
		ok = true
	}

	p.probeCache.Set(ref, ok, gocache.DefaultExpiration)
	return ok
}

func (r *PreflightReport) addError(code IssueCode, ref, message string) {
	r.Errors = append(r.Errors, Issue{Code: code, TargetRef: ref, Message: message})
}

func (r *PreflightReport) addWarning(code IssueCode, ref, message string) {
	r.Warnings = append(r.Warnings, Issue{Code: code, TargetRef: ref, Message: message})
}
