package lifecycle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// EnvServerPort carries the session endpoint port to the bridge process.
	EnvServerPort = "PERMISSION_SERVER_PORT"

	// EnvSessionID carries the session id the bridge was launched for.
	EnvSessionID = "PERMGATE_SESSION_ID"

	// ServerName is the mcpServers key of the generated launch config.
	ServerName = "permgate"

	artifactPrefix = "permgate-mcp-"
)

// MCPConfig is the launch config handed to the agent so that it spawns the
// bridge as an MCP server.
type MCPConfig struct {
	MCPServers map[string]MCPServer `json:"mcpServers"`
}

// MCPServer describes a single stdio MCP server entry.
type MCPServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
}

// NewMCPConfig builds the launch config for one session endpoint.
func NewMCPConfig(command string, args []string, port int, sessionID string) *MCPConfig {
	return &MCPConfig{
		MCPServers: map[string]MCPServer{
			ServerName: {
				Command: command,
				Args:    append([]string(nil), args...),
				Env: map[string]string{
					EnvServerPort: strconv.Itoa(port),
					EnvSessionID:  sessionID,
				},
			},
		},
	}
}

// ArtifactPath returns the launch config path for a session endpoint under
// dir. The port keeps names unique when a session id is reused after a rekey.
func ArtifactPath(dir, sessionID string, port int) string {
	return filepath.Join(dir, artifactPrefix+sanitizeID(sessionID)+"-"+strconv.Itoa(port)+".json")
}

// sanitizeID keeps [A-Za-z0-9._-]. Rewritten ids get a hash suffix so that
// two distinct ids never share a file.
func sanitizeID(id string) string {
	var b strings.Builder
	changed := false
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
			changed = true
		}
	}
	out := strings.Trim(b.String(), ".")
	if out != b.String() {
		changed = true
	}
	if out == "" {
		out = "session"
		changed = true
	}
	if changed {
		sum := sha256.Sum256([]byte(id))
		out += "-" + hex.EncodeToString(sum[:4])
	}
	return out
}

// SaveMCPConfig writes cfg to path via a temp file and rename, creating
// parent directories as needed.
func SaveMCPConfig(path string, cfg *MCPConfig) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("mcp config path is empty")
	}
	if cfg == nil {
		return fmt.Errorf("mcp config is nil")
	}

	parent := filepath.Dir(path)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("mkdir mcp config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode mcp config: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(parent, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create mcp config tmp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write mcp config tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close mcp config tmp: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename mcp config tmp: %w", err)
	}
	return nil
}

// LoadMCPConfig reads a launch config written by SaveMCPConfig.
func LoadMCPConfig(path string) (*MCPConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mcp config: %w", err)
	}
	var cfg MCPConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode mcp config: %w", err)
	}
	return &cfg, nil
}
