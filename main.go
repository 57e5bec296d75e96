package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/TIANLI0/WearKit/config"
	"github.com/TIANLI0/WearKit/handler"
	"github.com/TIANLI0/WearKit/middleware"
	"github.com/TIANLI0/WearKit/service"
	"github.com/TIANLI0/WearKit/utils"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	BuildID   = "unknown"
	GitCommit = "unknown"
	GitBranch = "unknown"
)

func main() {
	// 加载配置
	cfg := config.New()

	// 初始化日志
	if err := utils.InitLogger(cfg.Server.Mode); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer utils.Sync()

	utils.Logger.Info("starting WearKit server",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("git_branch", GitBranch))

	ctx := context.Background()

	// 初始化Redis
	redisService := service.NewRedisService(&cfg.Redis)
	redisUp := true
	if err := redisService.Ping(ctx); err != nil {
		utils.Logger.Warn("redis connection failed, falling back to in-memory job store", zap.Error(err))
		redisUp = false
	} else {
		utils.Logger.Info("redis connected successfully")
	}
	defer redisService.Close()

	// 初始化模型托管客户端
	modelHost := service.NewModelHostClient(&cfg.ModelHost)

	// 一次性判定加速器档位
	vramMB, err := modelHost.VRAMCapacityMB(ctx)
	if err != nil {
		utils.Logger.Warn("failed to query accelerator capacity, assuming full tier", zap.Error(err))
		vramMB = 0
	}
	tier := service.SelectResourceTier(vramMB, cfg.Resource.VRAMThresholdMB)
	utils.Logger.Info("resource tier selected",
		zap.Int("vram_mb", vramMB),
		zap.String("tier", string(tier)))

	// 启动时探测一次可选能力
	caps := modelHost.ProbeCapabilities(ctx)

	// 任务存储与结果交付
	var store service.JobStore
	var sink service.ResultSink
	if redisUp {
		store = service.NewRedisJobStore(redisService)
	} else {
		store = service.NewMemoryJobStore()
	}
	if cfg.Storage.Mode == "redis" && redisUp {
		sink = service.NewRedisResultSink(redisService)
	} else {
		sink = service.NewInlineResultSink()
	}

	// 显式构造协作方并注入编排器
	collab := service.Collaborators{
		Segmenter: modelHost,
		Poser:     modelHost,
		FaceLoc:   modelHost,
		Embedder:  modelHost,
		Generator: modelHost,
		Refiner:   modelHost,
		Releaser:  modelHost,
	}

	orch := service.NewPipelineOrchestrator(&cfg.Pipeline, collab, caps, tier,
		store, sink)
	if !cfg.Server.Sync {
		orch.Start(ctx)
	}

	// 初始化Handler
	tryOnHandler := handler.NewTryOnHandler(cfg, orch, store, redisService)

	// 设置Gin模式
	gin.SetMode(cfg.Server.Mode)

	// 创建路由
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS())

	// 健康检查和版本信息
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"version": Version,
			"tier":    string(tier),
		})
	})

	r.GET("/version", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"version":    Version,
			"build_time": BuildTime,
			"build_id":   BuildID,
			"git_commit": GitCommit,
			"git_branch": GitBranch,
		})
	})

	// API路由
	api := r.Group("/api/v1")
	{
		api.POST("/tryon", tryOnHandler.Submit)
		api.GET("/tryon/:id", tryOnHandler.Status)
		api.GET("/tryon/:id/result", tryOnHandler.Result)
	}

	// 启动服务器
	utils.Logger.Info("server starting", zap.String("port", cfg.Server.Port))
	if err := r.Run(cfg.Server.Port); err != nil {
		utils.Logger.Fatal("failed to start server", zap.Error(err))
	}
}
