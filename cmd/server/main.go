package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	httpin "github.com/EthanQC/liveroom/internal/adapters/in/http"
	"github.com/EthanQC/liveroom/internal/adapters/in/ws"
	"github.com/EthanQC/liveroom/internal/adapters/out/mq"
	"github.com/EthanQC/liveroom/internal/adapters/out/mysql"
	redisRepo "github.com/EthanQC/liveroom/internal/adapters/out/redis"
	"github.com/EthanQC/liveroom/internal/application/eventsvc"
	"github.com/EthanQC/liveroom/internal/application/presence"
	"github.com/EthanQC/liveroom/internal/config"
	"github.com/EthanQC/liveroom/internal/metrics"
	"github.com/EthanQC/liveroom/pkg/jwt"
	"github.com/EthanQC/liveroom/pkg/zlog"
)

func main() {
	// 加载配置
	cfg, v, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logCfg, err := zlog.FromViper(v, "log", "liveroom-server")
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载日志配置失败: %v\n", err)
		os.Exit(1)
	}
	logger := zlog.MustInitGlobal(*logCfg)
	defer logger.Sync()
	logger.Info("liveroom server starting", zap.String("env", config.Env()))

	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化Redis
	redisClient, err := redisRepo.NewClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to init redis", zap.Error(err))
	}
	defer redisClient.Close()
	presenceStore := redisRepo.NewPresenceStoreRedis(redisClient, cfg.Presence.DeviceTTL, cfg.Presence.AggregateTTL, nil, logger)
	streamStore := redisRepo.NewStreamStoreRedis(redisClient)

	// 初始化数据库
	db, err := mysql.Open(cfg.MySQL)
	if err != nil {
		logger.Fatal("Failed to init database", zap.Error(err))
	}
	if err := mysql.Migrate(db); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("Failed to get sql db", zap.Error(err))
	}
	defer sqlDB.Close()

	events := eventsvc.NewService(
		mysql.NewEventRepositoryMySQL(db, cfg.Entry.StartingGold),
		eventsvc.Config{CyclePeriod: cfg.Entry.CyclePeriod, EntryCost: cfg.Entry.EntryCost, PrizePercent: cfg.Entry.PrizePercent},
		nil, logger,
	)

	// Kafka 可选，未配置时只在本进程内推送
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			logger.Warn("kafka producer unavailable, presence fan-out disabled", zap.Error(err))
		} else {
			publisher := mq.NewPresencePublisherKafka(producer, cfg.Kafka.PresenceTopic)
			defer publisher.Close()
			relay := presence.NewRelay(presenceStore, publisher, logger)
			go func() {
				if err := relay.Run(ctx); err != nil {
					logger.Error("presence relay stopped", zap.Error(err))
				}
			}()
			logger.Info("presence fan-out enabled", zap.Strings("brokers", cfg.Kafka.Brokers))
		}
	}

	if cfg.Auth.TokenSecret == "" {
		logger.Fatal("auth.token_secret is required")
	}
	tokens := jwt.NewManager(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL, nil)

	hub := ws.NewRTCHub(tokens, streamStore, ws.HubConfig{
		RenewBefore: cfg.Auth.RenewBefore,
		MaxMembers:  cfg.Validator.MaxParticipants,
	}, nil, logger)
	defer hub.Close()

	handler := httpin.NewHandler(events, tokens, map[string]httpin.Pinger{
		"redis": presenceStore,
		"mysql": httpin.PingFunc(sqlDB.PingContext),
	}, logger)

	gin.SetMode(gin.ReleaseMode)
	router := httpin.NewRouter(httpin.RouterDeps{
		Handler:  handler,
		RTC:      hub,
		Presence: ws.NewPresenceHandler(presence.NewWatcher(presenceStore, logger), logger),
		Gatherer: reg,
		Logger:   logger,
	})

	// 启动HTTP服务器
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: router,
	}
	go func() {
		logger.Info("HTTP server starting", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", zap.Error(err))
	}
	logger.Info("Server exited")
}
