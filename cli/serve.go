package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/smallnest/permgate/approvals"
	"github.com/smallnest/permgate/bus"
	"github.com/smallnest/permgate/config"
	"github.com/smallnest/permgate/gateway"
	"github.com/smallnest/permgate/internal/logger"
	"github.com/smallnest/permgate/lifecycle"
	"github.com/smallnest/permgate/permission"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	servePort  int
	serveHost  string
	serveToken string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the permission broker and its UI gateway",
	Long: `Run the broker registry together with the WebSocket gateway the UI uses
to start sessions and answer permission prompts.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Gateway port (overrides config)")
	serveCmd.Flags().StringVarP(&serveHost, "bind", "b", "", "Gateway bind address (overrides config)")
	serveCmd.Flags().StringVarP(&serveToken, "token", "t", "", "Gateway authentication token (overrides config)")

	rootCmd.AddCommand(serveCmd)
}

// runServe 运行权限代理与网关
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Gateway.Port = servePort
	}
	if serveHost != "" {
		cfg.Gateway.Host = serveHost
	}
	if serveToken != "" {
		cfg.Gateway.Token = serveToken
	}

	if err := initLogger(cfg.Log); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// 创建上下文并处理信号
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventBus := bus.NewEventBus(cfg.Gateway.EventBuffer)
	registry := permission.NewRegistry(gateway.NewBusNotifier(eventBus),
		permission.WithHost(cfg.Broker.Host),
		permission.WithPromptTimeout(cfg.Broker.PromptTimeout),
		permission.WithShutdownTimeout(cfg.Broker.ShutdownTimeout),
		permission.WithMaxBodyBytes(cfg.Broker.MaxBodyBytes),
	)
	controller := lifecycle.NewController(registry, lifecycle.Config{
		ArtifactDir:   cfg.Broker.ArtifactDir,
		BridgeCommand: cfg.Bridge.Command,
		BridgeArgs:    cfg.Bridge.Args,
	})

	if cfg.Approvals.Enabled {
		startAutoResolver(ctx, cfg.Approvals, registry, eventBus)
	}

	server := gateway.NewServer(gateway.Options{
		Host:         cfg.Gateway.Host,
		Port:         cfg.Gateway.Port,
		Token:        cfg.Gateway.Token,
		ReadTimeout:  cfg.Gateway.ReadTimeout,
		WriteTimeout: cfg.Gateway.WriteTimeout,
	}, registry, controller, eventBus)

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	fmt.Printf("Gateway listening on %s\n", server.Addr())
	fmt.Printf("WebSocket: ws://%s/ws\n", server.Addr())
	fmt.Printf("Health: http://%s/health\n", server.Addr())
	if cfg.Gateway.Token != "" {
		fmt.Println("Authentication: enabled")
	}
	fmt.Println("\nPress Ctrl+C to stop")

	<-ctx.Done()
	fmt.Println("\nShutting down...")

	_ = server.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Broker.ShutdownTimeout+5*time.Second)
	defer cancel()
	registry.Close(shutdownCtx)
	_ = eventBus.Close()

	logger.Info("Permission broker stopped")
	return nil
}

// startAutoResolver 启动自动审批；策略加载失败只告警，提示仍交给 UI
func startAutoResolver(ctx context.Context, cfg config.ApprovalsConfig, registry *permission.Registry, eventBus *bus.EventBus) {
	store, err := approvals.NewStore(cfg.Path)
	if err != nil {
		logger.Warn("Approval policy disabled", zap.String("path", cfg.Path), zap.Error(err))
		return
	}

	if cfg.Watch {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			logger.Warn("Failed to create approvals dir", zap.Error(err))
		} else if err := store.Watch(ctx); err != nil {
			logger.Warn("Failed to watch approval policy", zap.Error(err))
		}
	}

	go approvals.NewAutoResolver(store, registry, eventBus).Run(ctx)
}
