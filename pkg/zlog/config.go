package zlog

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileConfig 本地轮转文件策略
type FileConfig struct {
	Path       string `mapstructure:"path"`        // 日志文件路径
	MaxSizeMB  int    `mapstructure:"max_size"`    // 单个日志文件最大容量（MB）
	MaxBackups int    `mapstructure:"max_backups"` // 保留旧文件数量
	MaxAgeDay  int    `mapstructure:"max_age"`     // 最长保存天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧日志文件
}

// Config 日志配置
type Config struct {
	Service      string     `mapstructure:"service"`       // 归属服务名
	Level        string     `mapstructure:"level"`         // debug|info|warn|error
	Encoding     string     `mapstructure:"encoding"`      // json|console
	Stdout       bool       `mapstructure:"stdout"`        // 是否同时输出到控制台
	File         FileConfig `mapstructure:"file"`          // 文件相关配置
	EnableMetric bool       `mapstructure:"enable_metric"` // 是否上报 Prometheus 指标
}

func setDefaults(v *viper.Viper, prefix string) {
	v.SetDefault(prefix+"service", "unknown")
	v.SetDefault(prefix+"level", "info")
	v.SetDefault(prefix+"encoding", "json")
	v.SetDefault(prefix+"stdout", true)
	v.SetDefault(prefix+"file.max_size", 100)
	v.SetDefault(prefix+"file.max_backups", 60)
	v.SetDefault(prefix+"file.max_age", 1)
	v.SetDefault(prefix+"enable_metric", true)
}

// LoadConfig 从独立的日志配置文件加载
func LoadConfig(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filePath)
	v.AutomaticEnv()
	v.SetEnvPrefix("ZLOG")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read log config failed: %w", err)
	}
	setDefaults(v, "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal log config failed: %w", err)
	}
	return &cfg, cfg.normalize()
}

// FromViper 从应用配置的 key 子树读取，逐项取值以合并默认值；service 非空时覆盖配置里的服务名
func FromViper(v *viper.Viper, key, service string) (*Config, error) {
	prefix := ""
	if key != "" {
		prefix = key + "."
	}
	setDefaults(v, prefix)

	cfg := Config{
		Service:  v.GetString(prefix + "service"),
		Level:    v.GetString(prefix + "level"),
		Encoding: v.GetString(prefix + "encoding"),
		Stdout:   v.GetBool(prefix + "stdout"),
		File: FileConfig{
			Path:       v.GetString(prefix + "file.path"),
			MaxSizeMB:  v.GetInt(prefix + "file.max_size"),
			MaxBackups: v.GetInt(prefix + "file.max_backups"),
			MaxAgeDay:  v.GetInt(prefix + "file.max_age"),
			Compress:   v.GetBool(prefix + "file.compress"),
		},
		EnableMetric: v.GetBool(prefix + "enable_metric"),
	}
	if service != "" {
		cfg.Service = service
	}
	return &cfg, cfg.normalize()
}

// normalize 严格校验，并为文件配置补齐默认值
func (cfg *Config) normalize() error {
	cfg.Level = strings.ToLower(cfg.Level)
	cfg.Encoding = strings.ToLower(cfg.Encoding)

	if cfg.Service == "" {
		return fmt.Errorf("config error: service must not be empty")
	}

	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config error: level must be debug/info/warn/error")
	}

	switch cfg.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("config error: encoding must be json/console")
	}

	// 不输出到控制台时必须有文件
	if !cfg.Stdout && cfg.File.Path == "" {
		return fmt.Errorf("config error: file.path is required when stdout is false")
	}

	if cfg.File.Path != "" {
		if cfg.File.MaxSizeMB <= 0 {
			cfg.File.MaxSizeMB = 100
		}
		if cfg.File.MaxBackups < 0 {
			cfg.File.MaxBackups = 60
		}
		if cfg.File.MaxAgeDay < 0 {
			cfg.File.MaxAgeDay = 30
		}
	}
	return nil
}

// LogFilenameWithDate 按日期拼接文件名
func LogFilenameWithDate(base string) string {
	return base + "." + time.Now().Format("2006-01-02")
}
