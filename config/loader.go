package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/smallnest/permgate/permission"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

var globalConfig *Config

// Load 加载配置文件
func Load(configPath string) (*Config, error) {
	// 创建 viper 实例
	v := viper.New()

	// 设置配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// 默认配置文件搜索路径（按优先级）
		home, err := ResolveUserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}

		// 1) 当前工作目录下 .permgate/config.{json,yaml}
		v.AddConfigPath(filepath.Join(".", DirName))
		// 2) 用户目录 ~/.permgate/config.{json,yaml}
		v.AddConfigPath(filepath.Join(home, DirName))
		v.SetConfigName("config")
	}

	// 设置环境变量前缀
	v.SetEnvPrefix("PERMGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 设置默认值
	setDefaults(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// 配置文件不存在，使用默认值和环境变量
	}

	// 解析配置
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Approvals.Path = ExpandUserPath(cfg.Approvals.Path)
	cfg.Broker.ArtifactDir = ExpandUserPath(cfg.Broker.ArtifactDir)

	globalConfig = &cfg
	return &cfg, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 日志
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", false)

	// Gateway 默认配置
	v.SetDefault("gateway.host", "127.0.0.1")
	v.SetDefault("gateway.port", 18790)
	// Use time.Duration defaults; plain integers would become nanoseconds when unmarshaled.
	v.SetDefault("gateway.read_timeout", 30*time.Second)
	v.SetDefault("gateway.write_timeout", 30*time.Second)
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.event_buffer", 100)

	// Broker 默认配置
	v.SetDefault("broker.host", "127.0.0.1")
	v.SetDefault("broker.prompt_timeout", 300*time.Second)
	v.SetDefault("broker.shutdown_timeout", 5*time.Second)
	v.SetDefault("broker.max_body_bytes", int64(10<<20))
	v.SetDefault("broker.artifact_dir", "")

	// Bridge 默认配置
	v.SetDefault("bridge.command", "")
	v.SetDefault("bridge.args", []string{"bridge"})

	// 自动审批
	v.SetDefault("approvals.enabled", true)
	v.SetDefault("approvals.path", DefaultApprovalsPath())
	v.SetDefault("approvals.watch", true)
}

// Save 保存配置到文件
func Save(cfg *Config, path string) error {
	// 确保目录存在
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// 转换为 JSON（带缩进）
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 写入文件
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Get 获取全局配置
func Get() *Config {
	return globalConfig
}

// Validate 验证配置
func Validate(cfg *Config) error {
	if err := validateLog(cfg); err != nil {
		return fmt.Errorf("log config invalid: %w", err)
	}

	if err := validateGateway(cfg); err != nil {
		return fmt.Errorf("gateway config invalid: %w", err)
	}

	if err := validateBroker(cfg); err != nil {
		return fmt.Errorf("broker config invalid: %w", err)
	}

	if cfg.Approvals.Enabled && strings.TrimSpace(cfg.Approvals.Path) == "" {
		return fmt.Errorf("approvals config invalid: path cannot be empty when enabled")
	}

	return nil
}

// validateLog 验证日志配置
func validateLog(cfg *Config) error {
	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		return err
	}
	switch cfg.Log.Encoding {
	case "", "console", "json":
	default:
		return fmt.Errorf("encoding must be console or json")
	}
	return nil
}

// validateGateway 验证网关配置
func validateGateway(cfg *Config) error {
	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port must be between 1 and 65535")
	}

	if cfg.Gateway.ReadTimeout <= 0 {
		return fmt.Errorf("gateway read_timeout must be positive")
	}

	if cfg.Gateway.WriteTimeout <= 0 {
		return fmt.Errorf("gateway write_timeout must be positive")
	}

	return nil
}

// validateBroker 验证权限代理配置
func validateBroker(cfg *Config) error {
	if !IsLoopbackHost(cfg.Broker.Host) {
		return fmt.Errorf("broker host %q must be a loopback address", cfg.Broker.Host)
	}

	if cfg.Broker.PromptTimeout <= 0 {
		return fmt.Errorf("broker prompt_timeout must be positive")
	}

	if cfg.Broker.ShutdownTimeout <= 0 {
		return fmt.Errorf("broker shutdown_timeout must be positive")
	}

	if cfg.Broker.MaxBodyBytes <= 0 {
		return fmt.Errorf("broker max_body_bytes must be positive")
	}

	return nil
}

// IsLoopbackHost reports whether host is "localhost" or a loopback IP.
func IsLoopbackHost(host string) bool {
	return permission.IsLoopbackHost(host)
}
