package cli

import (
	"fmt"
	"strings"

	"github.com/smallnest/permgate/config"
	"github.com/smallnest/permgate/internal/logger"
	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	logLevelArg string
)

var rootCmd = &cobra.Command{
	Use:   "permgate",
	Short: "Per-session permission broker for sandboxed agents",
	Long: `permgate runs loopback permission endpoints, one per agent session.
The agent's permission tool (permgate bridge) posts each approval request to
its session endpoint and waits until a human or the approval policy answers.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ./.permgate/config.* or ~/.permgate/config.*)")
	rootCmd.PersistentFlags().StringVar(&logLevelArg, "log-level", "", "Log level override (debug, info, warn, error)")
}

// Execute 执行根命令
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig 加载并校验配置，应用命令行覆盖
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if lvl := strings.TrimSpace(logLevelArg); lvl != "" {
		cfg.Log.Level = lvl
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// initLogger 按配置初始化日志；outputs 非空时覆盖输出路径
func initLogger(cfg config.LogConfig, outputs ...string) error {
	paths := cfg.OutputPaths
	if len(outputs) > 0 {
		paths = outputs
	}
	return logger.Init(logger.Options{
		Level:       cfg.Level,
		Development: cfg.Development,
		Encoding:    cfg.Encoding,
		OutputPaths: paths,
	})
}

// gatewayURL 构造网关 WebSocket 地址
func gatewayURL(cfg *config.Config) string {
	return fmt.Sprintf("ws://%s:%d/ws", cfg.Gateway.Host, cfg.Gateway.Port)
}
