// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"neora-go/internal/config"
	"neora-go/internal/handler"
	"neora-go/internal/middleware"
	"neora-go/internal/repository"
	"neora-go/internal/service"
	"neora-go/pkg/database"
	"neora-go/pkg/kafka"
	"neora-go/pkg/log"
	"neora-go/pkg/metrics"
	"neora-go/pkg/pubsub"
	"neora-go/pkg/storage"
	"neora-go/pkg/token"
	"neora-go/pkg/workflow"
)

const defaultConfigPath = "./configs/config.yaml"

func main() {
	// 1. 初始化配置，NEORA_CONFIG 可覆盖配置文件路径
	configPath := os.Getenv("NEORA_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	// 3. 初始化数据库、广播后端、对象存储与审计生产者
	if err := database.InitMySQL(cfg.Database.MySQL.DSN); err != nil {
		log.Fatal("MySQL 初始化失败", err)
	}
	defer database.CloseMySQL()

	broadcaster := newBroadcaster(startCtx, cfg)
	defer broadcaster.Close()

	var audioStore storage.AudioStore
	if cfg.MinIO.Endpoint != "" {
		store, err := storage.NewMinIOStore(startCtx, cfg.MinIO)
		if err != nil {
			log.Fatal("MinIO 初始化失败", err)
		}
		audioStore = store
	} else {
		log.Warnf("MinIO 未配置，语音消息不保存音频文件")
	}

	auditProducer := kafka.NewAuditProducer(cfg.Kafka)
	defer auditProducer.Close()

	// 4. 初始化 Repository
	userRepo := repository.NewUserRepository(database.DB)
	messageRepo := repository.NewMessageRepository(database.DB)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(
		cfg.JWT.Secret,
		time.Duration(cfg.JWT.AccessTokenExpireMinutes)*time.Minute,
		time.Duration(cfg.JWT.RefreshTokenExpireDays)*24*time.Hour,
	)
	workflowClient := workflow.NewClient(cfg.Workflow)
	messageService := service.NewMessageService(messageRepo, cfg.Stream.DefaultPageSize, cfg.Stream.MaxPageSize)
	chatService := service.NewChatService(messageService, workflowClient, broadcaster, audioStore, auditProducer, cfg.Stream)

	resolver := middleware.NewCredentialResolver(jwtManager, userRepo, cfg.JWT)
	gateway := handler.NewGateway(resolver, broadcaster, handler.GatewayConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SendBuffer:     cfg.Stream.SendBuffer,
	})
	messageHandler := handler.NewMessageHandler(messageService, chatService, cfg.Stream.MaxAudioBytes)

	// 6. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())
	// multipart 超出内存部分写入临时文件，音频大小在 handler 中校验
	r.MaxMultipartMemory = cfg.Stream.MaxAudioBytes + 1<<20

	// 7. 注册路由
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"status": "ok"}})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.GET("/ws/stream", gateway.Stream)
	r.GET("/ws/chat", gateway.Chat)

	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware(resolver))
	{
		apiV1.GET("/messages", messageHandler.List)
		apiV1.DELETE("/messages/clear", messageHandler.Clear)

		submit := apiV1.Group("")
		submit.Use(middleware.RateLimit(cfg.RateLimit))
		{
			submit.POST("/messages", messageHandler.Send)
			submit.POST("/voice", messageHandler.SendVoice)
		}
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 回复流程最长需要 connect + read 超时，停机时给它留出完成的时间
	shutdownTimeout := cfg.Workflow.ConnectTimeout + cfg.Workflow.ReadTimeout + 5*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Shutdown 不等待已劫持的 WebSocket 连接
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}

// newBroadcaster 按配置选择进程内或 Redis 广播后端。
func newBroadcaster(ctx context.Context, cfg config.Config) pubsub.Broadcaster {
	switch cfg.Stream.PubSubBackend {
	case "redis":
		if err := database.InitRedis(ctx, cfg.Database.Redis); err != nil {
			log.Fatal("Redis 初始化失败", err)
		}
		log.Infof("使用 Redis 广播后端, channel 前缀 %s", cfg.Stream.RedisChannelPrefix)
		return pubsub.NewRedisBroadcaster(database.RDB, cfg.Stream.RedisChannelPrefix)
	case "memory", "":
		log.Info("使用进程内广播后端")
		return pubsub.NewMemoryBroadcaster()
	default:
		log.Fatalf("未知的 pubsub_backend: %s", cfg.Stream.PubSubBackend)
		return nil
	}
}
