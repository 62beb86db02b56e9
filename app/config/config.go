package config

import (
	"fmt"
	"log"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret"`      // JWT 密钥
	ExpireTime int    `mapstructure:"expire_time"` // 过期时间（小时）
	Issuer     string `mapstructure:"issuer"`      // 签发者
}

// PipelineConfig 流水线调度参数
// 批次大小、重试次数和退避延迟与第三方限流强相关，全部通过配置调整
type PipelineConfig struct {
	BatchSize             int    `mapstructure:"batch_size"`              // 每次调用领取的目标数量
	MaxAttempts           int    `mapstructure:"max_attempts"`            // 限流错误的最大重试次数
	BackoffBaseMs         int    `mapstructure:"backoff_base_ms"`         // 指数退避基准延迟（毫秒）
	BackoffCapMs          int    `mapstructure:"backoff_cap_ms"`          // 指数退避延迟上限（毫秒）
	StuckThresholdMinutes int    `mapstructure:"stuck_threshold_minutes"` // 超过该分钟数的 in_progress 视为卡死
	BudgetSeconds         int    `mapstructure:"budget_seconds"`          // 单次调用的总时间预算（秒）
	ChunkMaxChars         int    `mapstructure:"chunk_max_chars"`         // 文本分块的最大字符数
	RenderPollSeconds     int    `mapstructure:"render_poll_seconds"`     // 视频任务轮询间隔（秒）
	SweepCron             string `mapstructure:"sweep_cron"`              // 卡死任务巡检的 cron 表达式
	AttemptRetentionDays  int    `mapstructure:"attempt_retention_days"`  // 失败生成记录的保留天数
}

// ProvidersConfig 外部生成服务配置
type ProvidersConfig struct {
	Script ProviderConfig `mapstructure:"script"`
	Image  ProviderConfig `mapstructure:"image"`
	Render ProviderConfig `mapstructure:"render"`
}

type ProviderConfig struct {
	URL            string `mapstructure:"url"`             // 服务地址
	Model          string `mapstructure:"model"`           // 模型名称
	TimeoutSeconds int    `mapstructure:"timeout_seconds"` // 单次请求超时（秒）
	SponsorKey     string `mapstructure:"sponsor_key"`     // 系统赞助密钥，启动时写入凭证表
}

type StorageConfig struct {
	ArtifactDir string `mapstructure:"artifact_dir"` // 生成产物的本地存储目录
	BaseURL     string `mapstructure:"base_url"`     // 产物的对外访问地址前缀
}

func Load() *Config {
	setDefaults()

	// 读取配置
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("未找到配置文件，使用默认配置")
		} else {
			log.Fatalf("读取配置文件出错: %v", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("无法解码配置: %v", err)
	}

	// 验证配置
	if err := validateConfig(&config); err != nil {
		log.Fatalf("配置验证失败: %v", err)
	}

	return &config
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetDefault("server.port", "5000")

	// 日志默认配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	// JWT默认配置
	viper.SetDefault("jwt.secret", "your-secret-key-change-in-production")
	viper.SetDefault("jwt.expire_time", 24) // 24小时
	viper.SetDefault("jwt.issuer", "scene-forge")

	// 流水线默认配置
	viper.SetDefault("pipeline.batch_size", 2)
	viper.SetDefault("pipeline.max_attempts", 3)
	viper.SetDefault("pipeline.backoff_base_ms", 1000)
	viper.SetDefault("pipeline.backoff_cap_ms", 30000)
	viper.SetDefault("pipeline.stuck_threshold_minutes", 15)
	viper.SetDefault("pipeline.budget_seconds", 300)
	viper.SetDefault("pipeline.chunk_max_chars", 1200)
	viper.SetDefault("pipeline.render_poll_seconds", 5)
	viper.SetDefault("pipeline.sweep_cron", "@every 10m")
	viper.SetDefault("pipeline.attempt_retention_days", 30)

	// 外部生成服务默认配置
	viper.SetDefault("providers.script.timeout_seconds", 120)
	viper.SetDefault("providers.image.timeout_seconds", 180)
	viper.SetDefault("providers.render.timeout_seconds", 60)

	// 存储默认配置
	viper.SetDefault("storage.artifact_dir", "data/artifacts")
	viper.SetDefault("storage.base_url", "/artifacts")
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.JWT.Secret == "" {
		return fmt.Errorf("JWT密钥未设置")
	}
	if config.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("批次大小必须大于 0")
	}
	if config.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("最大重试次数必须大于 0")
	}
	if config.Pipeline.BackoffCapMs < config.Pipeline.BackoffBaseMs {
		return fmt.Errorf("退避延迟上限不能小于基准延迟")
	}
	return nil
}
