package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DirName is the per-user and per-project config directory name.
const DirName = ".permgate"

// ResolveUserHomeDir returns the best-effort user home directory.
// On Windows, prefer USERPROFILE or HOMEDRIVE+HOMEPATH to avoid HOME drift.
func ResolveUserHomeDir() (string, error) {
	if runtime.GOOS == "windows" {
		if profile := strings.TrimSpace(os.Getenv("USERPROFILE")); profile != "" {
			return profile, nil
		}
		drive := strings.TrimSpace(os.Getenv("HOMEDRIVE"))
		path := strings.TrimSpace(os.Getenv("HOMEPATH"))
		if drive != "" && path != "" {
			return filepath.Clean(drive + path), nil
		}
	}
	return os.UserHomeDir()
}

// ExpandUserPath expands a leading "~" to the resolved user home directory.
// If expansion fails, the original path is returned.
func ExpandUserPath(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return path
	}
	if p == "~" {
		if home, err := ResolveUserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(p, "~/") || strings.HasPrefix(p, "~\\") {
		home, err := ResolveUserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return path
		}
		rest := strings.TrimPrefix(strings.TrimPrefix(p, "~/"), "~\\")
		return filepath.Join(home, filepath.FromSlash(rest))
	}
	return path
}

// GetDefaultConfigPath 获取默认配置文件路径
func GetDefaultConfigPath() (string, error) {
	home, err := ResolveUserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, DirName, "config.json"), nil
}

// DefaultApprovalsPath 获取默认审批策略文件路径
func DefaultApprovalsPath() string {
	return filepath.Join("~", DirName, "approvals.yaml")
}
