package database

import (
	"fmt"
	"scene-forge/app/config"
	"scene-forge/app/logger"
	"scene-forge/app/model"
	"scene-forge/app/utils"
)

// InitAdminUser 初始化管理员账户
func InitAdminUser(cfg *config.Config, log *logger.Logger) error {
	// 检查配置文件中是否有管理员用户名和密码
	if cfg.Server.Username == "" || cfg.Server.Password == "" {
		log.Warnf("配置文件中未设置管理员账户，跳过初始化")
		return nil
	}

	// 首先查找是否已存在管理员用户
	var existingAdmin model.User
	result := DB.Where("is_admin = ?", true).First(&existingAdmin)

	if result.Error == nil {
		// 管理员用户已存在，检查是否需要更新用户名和密码
		needUpdate := false

		if existingAdmin.Username != cfg.Server.Username {
			// 检查新用户名是否已被其他用户使用
			var conflictUser model.User
			conflictResult := DB.Where("username = ? AND id != ?", cfg.Server.Username, existingAdmin.ID).First(&conflictUser)
			if conflictResult.Error == nil {
				return fmt.Errorf("用户名 '%s' 已被其他用户使用，无法更新管理员用户名", cfg.Server.Username)
			}

			oldUsername := existingAdmin.Username
			existingAdmin.Username = cfg.Server.Username
			needUpdate = true
			log.Infof("管理员用户名从 '%s' 更新为 '%s'", oldUsername, cfg.Server.Username)
		}

		if !utils.VerifyPassword(cfg.Server.Password, existingAdmin.Password) {
			expectedHash, err := utils.HashPassword(cfg.Server.Password)
			if err != nil {
				return fmt.Errorf("哈希密码失败: %v", err)
			}
			existingAdmin.Password = expectedHash
			needUpdate = true
			log.Infof("管理员 '%s' 密码已更新", cfg.Server.Username)
		}

		if needUpdate {
			if err := DB.Save(&existingAdmin).Error; err != nil {
				return fmt.Errorf("更新管理员账户失败: %v", err)
			}
		}
		return nil
	}

	// 不存在管理员用户，创建新的管理员用户
	hashedPassword, err := utils.HashPassword(cfg.Server.Password)
	if err != nil {
		return fmt.Errorf("哈希密码失败: %v", err)
	}

	adminUser := model.User{
		Username: cfg.Server.Username,
		Password: hashedPassword,
		IsActive: true,
		IsAdmin:  true,
	}

	if err := DB.Create(&adminUser).Error; err != nil {
		return fmt.Errorf("创建管理员账户失败: %v", err)
	}

	log.Infof("管理员账户 '%s' 创建成功", cfg.Server.Username)
	return nil
}

// InitSponsorCredentials 将配置中的系统赞助密钥写入凭证表
// 赞助凭证是凭证回退链的最后一环，所有用户共享
func InitSponsorCredentials(cfg *config.Config, log *logger.Logger) error {
	sponsors := map[string]string{
		"script": cfg.Providers.Script.SponsorKey,
		"image":  cfg.Providers.Image.SponsorKey,
		"render": cfg.Providers.Render.SponsorKey,
	}

	for provider, key := range sponsors {
		if key == "" {
			continue
		}

		var existing model.ProviderCredential
		result := DB.Where("user_id IS NULL AND provider = ? AND source = ?",
			provider, model.SourceSponsor).First(&existing)

		if result.Error == nil {
			if existing.APIKey != key {
				existing.APIKey = key
				existing.Status = model.CredentialStatusActive
				if err := DB.Save(&existing).Error; err != nil {
					return fmt.Errorf("更新系统凭证失败: %v", err)
				}
				log.Infof("系统凭证已更新: provider=%s", provider)
			}
			continue
		}

		cred := model.ProviderCredential{
			Provider: provider,
			Source:   model.SourceSponsor,
			APIKey:   key,
			Priority: 100, // 赞助凭证优先级最低
			Status:   model.CredentialStatusActive,
		}
		if err := DB.Create(&cred).Error; err != nil {
			return fmt.Errorf("创建系统凭证失败: %v", err)
		}
		log.Infof("系统凭证创建成功: provider=%s", provider)
	}

	return nil
}
