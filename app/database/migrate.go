package database

import "scene-forge/app/model"

func AutoMigrate() error {
	// 自动迁移表结构
	return DB.AutoMigrate(
		&model.User{},
		&model.Project{},
		&model.Scene{},
		&model.Target{},
		&model.Attempt{},
		&model.RenderJob{},
		&model.ProviderCredential{},
	)
}
