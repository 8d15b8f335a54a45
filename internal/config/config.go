package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig 应用配置
type AppConfig struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	MySQL      MySQLConfig      `mapstructure:"mysql"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Presence   PresenceConfig   `mapstructure:"presence"`
	Validator  ValidatorConfig  `mapstructure:"validator"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Recovery   RecoveryConfig   `mapstructure:"recovery"`
	Entry      EntryConfig      `mapstructure:"entry"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Agent      AgentConfig      `mapstructure:"agent"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type MySQLConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	PresenceTopic string   `mapstructure:"presence_topic"`
}

// PresenceConfig 心跳与聚合参数
type PresenceConfig struct {
	HeartbeatInterval       time.Duration `mapstructure:"heartbeat_interval"`
	ConnectionCheckInterval time.Duration `mapstructure:"connection_check_interval"`
	OfflineThreshold        time.Duration `mapstructure:"offline_threshold"`
	MaxDevices              int           `mapstructure:"max_devices"`
	DeviceTTL               time.Duration `mapstructure:"device_ttl"`
	AggregateTTL            time.Duration `mapstructure:"aggregate_ttl"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
}

// ValidatorConfig 会话校验与熔断参数
type ValidatorConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
	MaxParticipants int           `mapstructure:"max_participants"`
}

// RetryConfig 通用指数退避参数
type RetryConfig struct {
	Base       time.Duration `mapstructure:"base"`
	Factor     float64       `mapstructure:"factor"`
	Max        time.Duration `mapstructure:"max"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type ConnectionConfig struct {
	AppID          string        `mapstructure:"app_id"`
	TransportURL   string        `mapstructure:"transport_url"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

type RecoveryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Initial     time.Duration `mapstructure:"initial"`
	Max         time.Duration `mapstructure:"max"`
	Multiplier  float64       `mapstructure:"multiplier"`
}

type EntryConfig struct {
	WatchdogTimeout time.Duration `mapstructure:"watchdog_timeout"`
	CyclePeriod     time.Duration `mapstructure:"cycle_period"`
	EntryCost       int64         `mapstructure:"entry_cost"`
	PrizePercent    int64         `mapstructure:"prize_percent"`
	StartingGold    int64         `mapstructure:"starting_gold"`
}

type AuthConfig struct {
	TokenSecret string        `mapstructure:"token_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
	RenewBefore time.Duration `mapstructure:"renew_before"`
}

// AgentConfig 无界面设备代理
type AgentConfig struct {
	APIBaseURL  string `mapstructure:"api_base_url"`
	UserID      string `mapstructure:"user_id"`
	DeviceID    string `mapstructure:"device_id"`
	DeviceType  string `mapstructure:"device_type"`
	Platform    string `mapstructure:"platform"`
	AppVersion  string `mapstructure:"app_version"`
	Channel     string `mapstructure:"channel"`
	Role        string `mapstructure:"role"`
	EnterEvent  bool   `mapstructure:"enter_event"`
	DisplayName string `mapstructure:"display_name"`
}

// SetDefaults 写入默认值
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8090)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.max_open_conns", 50)

	v.SetDefault("kafka.presence_topic", "liveroom.presence.changed")

	v.SetDefault("presence.heartbeat_interval", 15*time.Second)
	v.SetDefault("presence.connection_check_interval", 5*time.Second)
	v.SetDefault("presence.offline_threshold", 45*time.Second)
	v.SetDefault("presence.max_devices", 10)
	v.SetDefault("presence.device_ttl", 90*time.Second)
	v.SetDefault("presence.aggregate_ttl", 24*time.Hour)
	v.SetDefault("presence.write_timeout", 5*time.Second)

	v.SetDefault("validator.max_retries", 3)
	v.SetDefault("validator.base_delay", time.Second)
	v.SetDefault("validator.breaker_failures", 5)
	v.SetDefault("validator.breaker_cooldown", 30*time.Second)
	v.SetDefault("validator.max_participants", 16)

	v.SetDefault("retry.base", time.Second)
	v.SetDefault("retry.factor", 2.0)
	v.SetDefault("retry.max", 8*time.Second)
	v.SetDefault("retry.max_retries", 3)

	v.SetDefault("connection.app_id", "liveroom")
	v.SetDefault("connection.reconnect_delay", time.Second)

	v.SetDefault("recovery.enabled", true)
	v.SetDefault("recovery.max_attempts", 4)
	v.SetDefault("recovery.initial", time.Second)
	v.SetDefault("recovery.max", 16*time.Second)
	v.SetDefault("recovery.multiplier", 2.0)

	v.SetDefault("entry.watchdog_timeout", 12*time.Second)
	v.SetDefault("entry.cycle_period", time.Hour)
	v.SetDefault("entry.entry_cost", 100)
	v.SetDefault("entry.prize_percent", 70)
	v.SetDefault("entry.starting_gold", 1000)

	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("auth.renew_before", 30*time.Second)

	v.SetDefault("agent.api_base_url", "http://127.0.0.1:8090")
	v.SetDefault("agent.device_type", "desktop")
	v.SetDefault("agent.platform", "linux")
	v.SetDefault("agent.role", "audience")
}

// Env 当前运行环境
func Env() string {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}
	return env
}

// Load 按 APP_ENV 读取配置文件，环境变量 LIVEROOM_* 覆盖
func Load() (*AppConfig, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(fmt.Sprintf("config.%s", Env()))
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../configs")
	v.AddConfigPath("../../configs")
	v.SetEnvPrefix("LIVEROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("read config failed: %w", err)
		}
	}

	cfg, err := FromViper(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// FromViper 反序列化并校验
func FromViper(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 仅包含默认值的配置，测试与工具使用
func Default() *AppConfig {
	v := viper.New()
	SetDefaults(v)
	cfg, err := FromViper(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate 严格校验
func (c *AppConfig) Validate() error {
	p := c.Presence
	if p.HeartbeatInterval <= 0 || p.ConnectionCheckInterval <= 0 {
		return fmt.Errorf("config error: presence intervals must be positive")
	}
	if p.OfflineThreshold <= p.HeartbeatInterval {
		return fmt.Errorf("config error: presence.offline_threshold must exceed heartbeat_interval")
	}
	if p.MaxDevices <= 0 {
		return fmt.Errorf("config error: presence.max_devices must be positive")
	}
	if p.DeviceTTL < p.OfflineThreshold {
		return fmt.Errorf("config error: presence.device_ttl must be >= offline_threshold")
	}
	if c.Validator.MaxRetries <= 0 || c.Validator.BaseDelay < 0 {
		return fmt.Errorf("config error: validator retry settings invalid")
	}
	if c.Validator.BreakerFailures == 0 || c.Validator.BreakerCooldown <= 0 {
		return fmt.Errorf("config error: validator breaker settings invalid")
	}
	if c.Retry.Base <= 0 || c.Retry.Max < c.Retry.Base || c.Retry.Factor < 1 {
		return fmt.Errorf("config error: retry settings invalid")
	}
	if c.Entry.WatchdogTimeout <= 0 || c.Entry.CyclePeriod < time.Second {
		return fmt.Errorf("config error: entry settings invalid")
	}
	if c.Entry.PrizePercent < 0 || c.Entry.PrizePercent > 100 {
		return fmt.Errorf("config error: entry.prize_percent must be within [0,100]")
	}
	return nil
}
