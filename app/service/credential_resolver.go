package service

import (
	"fmt"
	"time"

	"scene-forge/app/model"

	gocache "github.com/patrickmn/go-cache"
	"gorm.io/gorm"
)

// 凭证来源的回退顺序
var sourceOrder = []model.CredentialSource{
	model.SourcePrimary,
	model.SourceFallback,
	model.SourceSponsor,
}

// CredentialResolver 凭证解析器
// after 为空返回优先级最高的可用凭证，否则返回回退链中 after 之后的下一个
type CredentialResolver interface {
	Resolve(userID uint, providerName string, after model.CredentialSource) (*model.ProviderCredential, error)
	// Suspend 将失效凭证置为不可用，后续解析跳过
	Suspend(cred *model.ProviderCredential, status string) error
}

// DBCredentialResolver 基于凭证表的解析器，解析结果带 TTL 缓存
type DBCredentialResolver struct {
	db    *gorm.DB
	cache *gocache.Cache
}

// NewCredentialResolver 创建凭证解析器
func NewCredentialResolver(db *gorm.DB) *DBCredentialResolver {
	return &DBCredentialResolver{
		db:    db,
		cache: gocache.New(5*time.Minute, 10*time.Minute),
	}
}

// Resolve 按回退顺序解析下一个可用凭证
func (r *DBCredentialResolver) Resolve(userID uint, providerName string, after model.CredentialSource) (*model.ProviderCredential, error) {
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
		cred, err := r.lookup(userID, providerName, source)
		if err != nil {
			return nil, err
		}
		if cred != nil {
			return cred, nil
		}
	}

	if after == "" {
		return nil, fmt.Errorf("没有可用的 %s 凭证", providerName)
	}
	return nil, fmt.Errorf("%s 的凭证回退链已耗尽", providerName)
}

// lookup 查询单个来源的可用凭证，赞助凭证不区分用户
func (r *DBCredentialResolver) lookup(userID uint, providerName string, source model.CredentialSource) (*model.ProviderCredential, error) {
	cacheKey := fmt.Sprintf("cred:%d:%s:%s", userID, providerName, source)
	if cached, found := r.cache.Get(cacheKey); found {
		cred := cached.(model.ProviderCredential)
		if cred.IsAvailable() {
			return &cred, nil
		}
		r.cache.Delete(cacheKey)
	}

	var cred model.ProviderCredential
	query := r.db.Where("provider = ? AND source = ? AND status = ?",
		providerName, source, model.CredentialStatusActive).
		Order("priority ASC")
	if source == model.SourceSponsor {
		query = query.Where("user_id IS NULL")
	} else {
		query = query.Where("user_id = ?", userID)
	}

	if err := query.First(&cred).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("查询凭证失败: %w", err)
	}

	r.cache.Set(cacheKey, cred, gocache.DefaultExpiration)
	return &cred, nil
}

// Suspend 标记凭证不可用并清空解析缓存
// 赞助凭证的缓存键按请求用户展开，无法精确定位，整体失效换正确性
func (r *DBCredentialResolver) Suspend(cred *model.ProviderCredential, status string) error {
	if cred == nil || cred.ID == 0 {
		return nil
	}
	if err := r.db.Model(&model.ProviderCredential{}).
		Where("id = ?", cred.ID).Update("status", status).Error; err != nil {
		return fmt.Errorf("挂起凭证失败: %w", err)
	}
	cred.Status = status
	r.cache.Flush()
	return nil
}
