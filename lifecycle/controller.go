// Package lifecycle ties a session endpoint to the launch artifacts the agent
// needs in order to reach it.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/smallnest/permgate/internal/logger"
	"go.uber.org/zap"
)

// Broker is the subset of the permission registry the controller drives.
type Broker interface {
	Start(ctx context.Context, sessionID string) (int, error)
	Stop(ctx context.Context, sessionID string)
	SetArtifacts(sessionID string, paths ...string) error
}

// Config 生命周期配置
type Config struct {
	// ArtifactDir 启动配置目录，默认系统临时目录
	ArtifactDir string
	// BridgeCommand 桥接命令，空表示当前可执行文件
	BridgeCommand string
	// BridgeArgs 桥接参数，默认 ["bridge"]
	BridgeArgs []string
}

// Launch describes a started session: where its endpoint listens and which
// config the agent should be launched with.
type Launch struct {
	SessionID  string   `json:"session_id"`
	Port       int      `json:"port"`
	ConfigPath string   `json:"config_path"`
	Command    string   `json:"command"`
	Args       []string `json:"args"`
}

// Controller 会话生命周期控制器
type Controller struct {
	broker Broker
	cfg    Config
}

// NewController 创建生命周期控制器
func NewController(broker Broker, cfg Config) *Controller {
	if strings.TrimSpace(cfg.ArtifactDir) == "" {
		cfg.ArtifactDir = os.TempDir()
	}
	if len(cfg.BridgeArgs) == 0 {
		cfg.BridgeArgs = []string{"bridge"}
	}
	return &Controller{broker: broker, cfg: cfg}
}

// Begin starts the session endpoint and writes its launch config. If the
// artifact cannot be produced the session is stopped again.
func (c *Controller) Begin(ctx context.Context, sessionID string) (*Launch, error) {
	port, err := c.broker.Start(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	launch, err := c.writeArtifact(sessionID, port)
	if err != nil {
		c.broker.Stop(ctx, sessionID)
		return nil, err
	}

	if err := c.broker.SetArtifacts(sessionID, launch.ConfigPath); err != nil {
		// the session vanished in between (stopped or replaced)
		_ = os.Remove(launch.ConfigPath)
		return nil, err
	}

	logger.Info("Session started",
		zap.String("session_id", sessionID),
		zap.Int("port", port),
		zap.String("config_path", launch.ConfigPath))
	return launch, nil
}

// End stops the session: pending prompts are denied, the endpoint shut down
// and the launch config removed.
func (c *Controller) End(ctx context.Context, sessionID string) {
	c.broker.Stop(ctx, sessionID)
}

func (c *Controller) writeArtifact(sessionID string, port int) (*Launch, error) {
	command, err := ResolveCommand(c.cfg.BridgeCommand)
	if err != nil {
		return nil, err
	}

	path := ArtifactPath(c.cfg.ArtifactDir, sessionID, port)
	cfg := NewMCPConfig(command, c.cfg.BridgeArgs, port, sessionID)
	if err := SaveMCPConfig(path, cfg); err != nil {
		return nil, err
	}

	return &Launch{
		SessionID:  sessionID,
		Port:       port,
		ConfigPath: path,
		Command:    command,
		Args:       append([]string(nil), c.cfg.BridgeArgs...),
	}, nil
}

// ResolveCommand turns the configured bridge command into an absolute path.
// Empty means the running executable; bare names are looked up on PATH.
func ResolveCommand(command string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("resolve bridge command: %w", err)
		}
		return exe, nil
	}

	if !strings.ContainsRune(command, os.PathSeparator) && !strings.Contains(command, "/") {
		path, err := exec.LookPath(command)
		if err != nil {
			return "", fmt.Errorf("resolve bridge command %q: %w", command, err)
		}
		return path, nil
	}

	abs, err := filepath.Abs(command)
	if err != nil {
		return "", fmt.Errorf("resolve bridge command %q: %w", command, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("resolve bridge command %q: %w", command, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("resolve bridge command %q: is a directory", command)
	}
	return abs, nil
}
