package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/smallnest/permgate/bridge"
	"github.com/smallnest/permgate/config"
	"github.com/smallnest/permgate/internal/logger"
	"github.com/smallnest/permgate/lifecycle"
	"github.com/spf13/cobra"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Run the stdio MCP permission tool (spawned by the agent)",
	Long: `Speak MCP over stdin/stdout and forward every permission_prompt call to
the session endpoint named by PERMISSION_SERVER_PORT. Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: runBridge,
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
}

// runBridge 运行桥接进程
func runBridge(cmd *cobra.Command, args []string) error {
	rawPort := strings.TrimSpace(os.Getenv(lifecycle.EnvServerPort))
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("%s must be a valid port, got %q", lifecycle.EnvServerPort, rawPort)
	}

	level := logLevelArg
	if level == "" {
		level = "warn"
	}
	// stdout 承载协议帧，日志只能写 stderr
	if err := initLogger(config.LogConfig{Level: level, Encoding: "console"}, "stderr"); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	srv := bridge.NewServer(bridge.Options{
		Port:      port,
		SessionID: os.Getenv(lifecycle.EnvSessionID),
	}, os.Stdin, os.Stdout)
	return srv.Serve(context.Background())
}
