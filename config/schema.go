package config

import "time"

// Config 主配置结构
type Config struct {
	Log       LogConfig       `mapstructure:"log" json:"log"`
	Gateway   GatewayConfig   `mapstructure:"gateway" json:"gateway"`
	Broker    BrokerConfig    `mapstructure:"broker" json:"broker"`
	Bridge    BridgeConfig    `mapstructure:"bridge" json:"bridge"`
	Approvals ApprovalsConfig `mapstructure:"approvals" json:"approvals"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string   `mapstructure:"level" json:"level"`
	Encoding    string   `mapstructure:"encoding" json:"encoding"` // console, json
	Development bool     `mapstructure:"development" json:"development"`
	OutputPaths []string `mapstructure:"output_paths" json:"output_paths,omitempty"`
}

// GatewayConfig 网关配置
type GatewayConfig struct {
	Host         string        `mapstructure:"host" json:"host"`
	Port         int           `mapstructure:"port" json:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	// Token 为空时不鉴权
	Token       string `mapstructure:"token" json:"token,omitempty"`
	EventBuffer int    `mapstructure:"event_buffer" json:"event_buffer"`
}

// BrokerConfig 权限代理配置
type BrokerConfig struct {
	// Host 会话端点监听地址，必须是回环地址
	Host            string        `mapstructure:"host" json:"host"`
	PromptTimeout   time.Duration `mapstructure:"prompt_timeout" json:"prompt_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" json:"max_body_bytes"`
	// ArtifactDir 启动配置输出目录，空表示系统临时目录
	ArtifactDir string `mapstructure:"artifact_dir" json:"artifact_dir,omitempty"`
}

// BridgeConfig 桥接进程配置
type BridgeConfig struct {
	Command string   `mapstructure:"command" json:"command,omitempty"`
	Args    []string `mapstructure:"args" json:"args"`
}

// ApprovalsConfig 自动审批策略配置
type ApprovalsConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Path    string `mapstructure:"path" json:"path"`
	Watch   bool   `mapstructure:"watch" json:"watch"`
}
