package server

import (
	"context"
	"net/http"
	"time"

	"scene-forge/app/config"
	"scene-forge/app/database"
	"scene-forge/app/handler"
	"scene-forge/app/logger"
	"scene-forge/app/middleware"
	"scene-forge/app/provider"
	"scene-forge/app/service"
	"scene-forge/app/storage"

	"github.com/gin-gonic/gin"
)

// Server 表示 HTTP 服务器
type Server struct {
	Config      *config.Config
	Logger      *logger.Logger
	gin         *gin.Engine
	http        *http.Server
	maintenance *service.MaintenanceService
}

// New 创建一个新的 Server 实例，组装全部服务依赖
func New(cfg *config.Config, log *logger.Logger) *Server {
	router := gin.Default()

	blob, err := storage.NewLocalBlobStore(cfg.Storage)
	if err != nil {
		log.Fatalf("初始化产物存储失败: %v", err)
	}

	// 外部生成服务客户端
	scriptClient := provider.NewScriptClient(cfg.Providers.Script)
	imageClient := provider.NewImageClient(cfg.Providers.Image)
	renderClient := provider.NewRenderClient(cfg.Providers.Render)

	// 领域服务
	resolver := service.NewCredentialResolver(database.DB)
	retry := service.NewRetryController(cfg.Pipeline, log, resolver)
	attempts := service.NewAttemptService(database.DB, log)
	sweeper := service.NewSweeperService(database.DB, log,
		time.Duration(cfg.Pipeline.StuckThresholdMinutes)*time.Minute)
	pipeline := service.NewPipelineService(database.DB, cfg, log,
		scriptClient, imageClient, renderClient, blob, retry, attempts, sweeper)
	preflight := service.NewPreflightService(database.DB, log, blob)
	build := service.NewBuildService(database.DB, cfg, log,
		renderClient, blob, preflight, resolver, attempts)

	s := &Server{
		gin: router,
		http: &http.Server{
			Addr:    ":" + cfg.Server.Port,
			Handler: router,
		},
		Config:      cfg,
		Logger:      log,
		maintenance: service.NewMaintenanceService(cfg.Pipeline, log, sweeper, attempts),
	}

	// 设置路由
	s.setupRoutes(pipeline, preflight, build, attempts, sweeper)

	return s
}

// Start 启动服务器
func (s *Server) Start() error {
	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)

	// 启动后台维护
	if err := s.maintenance.Start(); err != nil {
		return err
	}

	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	// 停止后台维护
	s.maintenance.Stop()

	// 关闭数据库连接
	if err := database.Close(); err != nil {
		s.Logger.Errorf("关闭数据库连接失败: %v", err)
	}
	return s.http.Shutdown(ctx)
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes(
	pipeline *service.PipelineService,
	preflight *service.PreflightService,
	build *service.BuildService,
	attempts *service.AttemptService,
	sweeper *service.SweeperService,
) {
	// 创建处理器实例
	authHandler := handler.NewAuthHandler(s.Config)
	projectHandler := handler.NewProjectHandler()
	pipelineHandler := handler.NewPipelineHandler(pipeline, preflight, build)
	attemptHandler := handler.NewAttemptHandler(pipeline, attempts)
	credentialHandler := handler.NewCredentialHandler()
	adminHandler := handler.NewAdminHandler(sweeper, attempts)

	// 生成产物的静态访问
	s.gin.Static(s.Config.Storage.BaseURL, s.Config.Storage.ArtifactDir)

	// API路由组
	api := s.gin.Group("/api")

	// 认证相关路由（不需要JWT验证）
	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/register", authHandler.Register)
		auth.POST("/refresh", authHandler.RefreshToken)
	}

	// 需要JWT验证的路由
	protected := api.Group("/")
	protected.Use(middleware.JWTAuth(s.Config))
	{
		// 用户相关
		protected.GET("/me", authHandler.Me)

		// 项目相关路由
		projects := protected.Group("/projects")
		{
			projects.POST("/", projectHandler.CreateProject)
			projects.GET("/", projectHandler.GetProjects)
			projects.GET("/:id", projectHandler.GetProject)

			// 流水线操作
			projects.POST("/:id/parse", pipelineHandler.ParseProject)
			projects.POST("/:id/process", pipelineHandler.ProcessBatch)
			projects.GET("/:id/status", pipelineHandler.GetStatus)

			// 合成相关
			projects.GET("/:id/preflight", pipelineHandler.GetPreflight)
			projects.POST("/:id/build", pipelineHandler.SubmitBuild)
			projects.GET("/:id/build", pipelineHandler.PollBuild)
		}

		// 生成目标与记录
		targets := protected.Group("/targets")
		{
			targets.GET("/:id/attempts", attemptHandler.ListAttempts)
			targets.POST("/:id/cancel", attemptHandler.CancelTarget)
		}
		attemptGroup := protected.Group("/attempts")
		{
			attemptGroup.POST("/:id/activate", attemptHandler.ActivateAttempt)
			attemptGroup.DELETE("/:id", attemptHandler.DeleteAttempt)
		}

		// 凭证管理
		credentials := protected.Group("/credentials")
		{
			credentials.POST("/", credentialHandler.CreateCredential)
			credentials.GET("/", credentialHandler.GetCredentials)
			credentials.DELETE("/:id", credentialHandler.DeleteCredential)
		}

		// 管理操作
		admin := protected.Group("/admin")
		admin.Use(middleware.AdminOnly())
		{
			admin.POST("/sweep", adminHandler.Sweep)
			admin.POST("/cleanup", adminHandler.Cleanup)
		}
	}
}
