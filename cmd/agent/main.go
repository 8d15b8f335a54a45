package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EthanQC/liveroom/internal/adapters/out/httpclient"
	redisRepo "github.com/EthanQC/liveroom/internal/adapters/out/redis"
	"github.com/EthanQC/liveroom/internal/adapters/out/rtc"
	"github.com/EthanQC/liveroom/internal/application/entry"
	"github.com/EthanQC/liveroom/internal/application/presence"
	"github.com/EthanQC/liveroom/internal/application/recovery"
	"github.com/EthanQC/liveroom/internal/application/room"
	"github.com/EthanQC/liveroom/internal/application/validator"
	"github.com/EthanQC/liveroom/internal/config"
	"github.com/EthanQC/liveroom/internal/domain/connection"
	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/ports/out"
	"github.com/EthanQC/liveroom/pkg/zlog"
)

// logPlayer 无界面环境下用日志代替悬浮播放器
type logPlayer struct{ logger *zap.Logger }

func (p logPlayer) Show(d out.MiniPlayerDescriptor) {
	p.logger.Info("mini player",
		zap.String("session", d.SessionID),
		zap.String("name", d.DisplayName),
		zap.String("participants", d.ParticipantCountText),
		zap.String("status", d.Status))
}

func (p logPlayer) Hide() { p.logger.Info("mini player hidden") }

func main() {
	cfg, v, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logCfg, err := zlog.FromViper(v, "log", "liveroom-agent")
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载日志配置失败: %v\n", err)
		os.Exit(1)
	}
	logger := zlog.MustInitGlobal(*logCfg)
	defer logger.Sync()

	ac := cfg.Agent
	if ac.UserID == "" {
		logger.Fatal("agent.user_id is required")
	}
	if ac.DeviceID == "" {
		ac.DeviceID = uuid.NewString()
	}
	role, ok := out.ParseRole(ac.Role)
	if !ok {
		logger.Fatal("invalid agent.role", zap.String("role", ac.Role))
	}
	logger = logger.With(zap.String("user_id", ac.UserID), zap.String("device_id", ac.DeviceID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := redisRepo.NewClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to init redis", zap.Error(err))
	}
	defer redisClient.Close()
	presenceStore := redisRepo.NewPresenceStoreRedis(redisClient, cfg.Presence.DeviceTTL, cfg.Presence.AggregateTTL, nil, logger)
	streamStore := redisRepo.NewStreamStoreRedis(redisClient)

	// 在线状态心跳
	registry := presence.NewRegistry(presenceStore, nil, presence.Config{
		HeartbeatInterval:       cfg.Presence.HeartbeatInterval,
		ConnectionCheckInterval: cfg.Presence.ConnectionCheckInterval,
		OfflineThreshold:        cfg.Presence.OfflineThreshold,
		MaxDevices:              cfg.Presence.MaxDevices,
		WriteTimeout:            cfg.Presence.WriteTimeout,
	}, nil, logger)
	if err := registry.Initialize(ctx, ac.UserID, presence.Device{
		DeviceID:   ac.DeviceID,
		DeviceType: entity.DeviceType(ac.DeviceType),
		AppVersion: ac.AppVersion,
		Platform:   ac.Platform,
	}); err != nil {
		logger.Fatal("presence initialize failed", zap.Error(err))
	}

	api := httpclient.New(ac.APIBaseURL, ac.UserID)
	check := validator.New(streamStore, validator.Config{
		MaxRetries:      cfg.Validator.MaxRetries,
		BaseDelay:       cfg.Validator.BaseDelay,
		BreakerFailures: cfg.Validator.BreakerFailures,
		BreakerCooldown: cfg.Validator.BreakerCooldown,
		MaxParticipants: cfg.Validator.MaxParticipants,
		Retry: validator.RetryPolicy{
			Base:       cfg.Retry.Base,
			Factor:     cfg.Retry.Factor,
			Max:        cfg.Retry.Max,
			MaxRetries: cfg.Retry.MaxRetries,
		},
	}, logger)

	var strategy recovery.Strategy = recovery.Noop{}
	if cfg.Recovery.Enabled {
		strategy = recovery.NewBackoff(recovery.BackoffConfig{
			MaxAttempts: cfg.Recovery.MaxAttempts,
			Initial:     cfg.Recovery.Initial,
			Max:         cfg.Recovery.Max,
			Multiplier:  cfg.Recovery.Multiplier,
		}, logger)
	}

	manager, err := room.NewManager(room.Deps{
		Transport:  rtc.NewWSTransport(cfg.Connection.TransportURL, logger),
		Tokens:     api,
		Validator:  check,
		Streams:    streamStore,
		MiniPlayer: logPlayer{logger: logger},
		Recovery:   strategy,
		Logger:     logger,
	}, room.Config{
		AppID:          cfg.Connection.AppID,
		ReconnectDelay: cfg.Connection.ReconnectDelay,
	})
	if err != nil {
		logger.Fatal("connection manager init failed", zap.Error(err))
	}
	manager.OnChange(func(c connection.Change) {
		logger.Info("connection state changed",
			zap.String("from", string(c.From)), zap.String("to", string(c.To)),
			zap.String("event", string(c.Event)), zap.Int("code", c.Code))
	})

	if ac.Channel != "" {
		if role == out.RoleHost {
			now := time.Now()
			if err := streamStore.SaveStream(ctx, &entity.StreamSession{
				ID:           ac.Channel,
				HostID:       ac.UserID,
				Title:        ac.DisplayName,
				Participants: []string{ac.UserID},
				IsActive:     true,
				ViewerCount:  1,
				LastActivity: now,
				StartedAt:    now,
			}); err != nil {
				logger.Fatal("open stream failed", zap.Error(err))
			}
		}
		outcome, err := manager.Join(ctx, room.JoinParams{
			Channel:     ac.Channel,
			UserID:      ac.UserID,
			Role:        role,
			DisplayName: ac.DisplayName,
		})
		if err != nil {
			logger.Error("join failed", zap.String("channel", ac.Channel), zap.Error(err))
		} else {
			logger.Info("joined",
				zap.String("channel", ac.Channel),
				zap.String("state", string(outcome.Info.State)),
				zap.String("fallback", string(outcome.FallbackAction)))
		}
	}

	if ac.EnterEvent {
		enterCurrentEvent(ctx, api, cfg, logger)
	}

	// SIGUSR1 切后台，SIGUSR2 回前台
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
loop:
	for sig := range sigs {
		switch sig {
		case syscall.SIGUSR1:
			applyAppState(ctx, registry, manager, entity.AppStateBackground, ac.DisplayName, logger)
		case syscall.SIGUSR2:
			applyAppState(ctx, registry, manager, entity.AppStateForeground, "", logger)
		default:
			break loop
		}
	}

	logger.Info("agent shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := manager.Leave(shutdownCtx); err != nil {
		logger.Warn("leave failed", zap.Error(err))
	}
	manager.Close()
	if err := registry.Cleanup(shutdownCtx); err != nil {
		logger.Warn("presence cleanup failed", zap.Error(err))
	}
	logger.Info("agent exited")
}

func applyAppState(ctx context.Context, registry *presence.Registry, manager *room.Manager, state entity.AppState, name string, logger *zap.Logger) {
	if err := registry.SetAppState(ctx, state); err != nil {
		logger.Warn("presence app state failed", zap.String("state", string(state)), zap.Error(err))
	}
	connState, err := manager.SetAppState(ctx, state)
	if err != nil {
		logger.Warn("connection app state failed", zap.String("state", string(state)), zap.Error(err))
	}
	if state == entity.AppStateBackground {
		if err := manager.Minimize(name); err != nil {
			logger.Debug("minimize skipped", zap.Error(err))
		}
	} else {
		manager.Restore()
	}
	logger.Info("app state applied", zap.String("state", string(state)), zap.String("connection", string(connState)))
}

func enterCurrentEvent(ctx context.Context, api *httpclient.Client, cfg *config.AppConfig, logger *zap.Logger) {
	coord := entry.NewCoordinator(api, api, entry.Config{
		WatchdogTimeout: cfg.Entry.WatchdogTimeout,
		CyclePeriod:     cfg.Entry.CyclePeriod,
		EntryCost:       cfg.Entry.EntryCost,
		PrizePercent:    cfg.Entry.PrizePercent,
	}, nil, logger)

	offset, err := coord.CalculateServerTimeOffset(ctx)
	if err != nil {
		logger.Warn("server time sync failed, using local clock", zap.Error(err))
	}
	cyc := coord.CurrentCycle()
	res, err := coord.EnterEvent(ctx, cyc.ID, entry.NewIdempotencyKey())
	if err != nil {
		logger.Error("event entry failed", zap.String("event_id", cyc.ID), zap.Error(err))
		return
	}
	logger.Info("event entry finished",
		zap.String("event_id", cyc.ID),
		zap.String("status", string(res.Status)),
		zap.Int64("ticket", res.TicketNumber),
		zap.String("error", res.Error),
		zap.Duration("server_offset", offset),
		zap.Int64("seconds_left", coord.CalculateTimeLeft(cyc.End)))

	if pool, err := api.PrizePool(ctx, cyc.ID); err == nil {
		logger.Info("prize pool", zap.String("event_id", cyc.ID), zap.Int64("pool", pool.PrizePool), zap.Int64("entrants", pool.Entrants))
	}
}
