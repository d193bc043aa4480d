package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("USERPROFILE", dir)
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func minimalValidConfig() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Encoding: "console"},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         18790,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Broker: BrokerConfig{
			Host:            "127.0.0.1",
			PromptTimeout:   300 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			MaxBodyBytes:    10 << 20,
		},
		Approvals: ApprovalsConfig{Enabled: true, Path: "/tmp/approvals.yaml"},
	}
}

func TestLoadDefaults(t *testing.T) {
	home := isolateHome(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Broker.PromptTimeout != 300*time.Second {
		t.Errorf("expected default prompt timeout 300s, got %v", cfg.Broker.PromptTimeout)
	}
	if cfg.Broker.ShutdownTimeout != 5*time.Second {
		t.Errorf("expected default shutdown timeout 5s, got %v", cfg.Broker.ShutdownTimeout)
	}
	if cfg.Broker.Host != "127.0.0.1" {
		t.Errorf("expected loopback broker host, got %q", cfg.Broker.Host)
	}
	if len(cfg.Bridge.Args) != 1 || cfg.Bridge.Args[0] != "bridge" {
		t.Errorf("expected default bridge args, got %v", cfg.Bridge.Args)
	}
	if cfg.Approvals.Path != filepath.Join(home, DirName, "approvals.yaml") {
		t.Errorf("expected approvals path expanded under home, got %q", cfg.Approvals.Path)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should validate, got %v", err)
	}
	if Get() != cfg {
		t.Fatalf("expected Load to set the global config")
	}
}

func TestLoadFromFile(t *testing.T) {
	isolateHome(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
log:
  level: debug
  encoding: json
gateway:
  port: 9001
  token: secret-token
broker:
  prompt_timeout: 90s
  artifact_dir: /var/tmp/permgate
bridge:
  command: /usr/local/bin/permgate
approvals:
  enabled: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Encoding != "json" {
		t.Errorf("unexpected log config: %+v", cfg.Log)
	}
	if cfg.Gateway.Port != 9001 || cfg.Gateway.Token != "secret-token" {
		t.Errorf("unexpected gateway config: %+v", cfg.Gateway)
	}
	if cfg.Gateway.ReadTimeout != 30*time.Second {
		t.Errorf("expected default read timeout kept, got %v", cfg.Gateway.ReadTimeout)
	}
	if cfg.Broker.PromptTimeout != 90*time.Second {
		t.Errorf("expected prompt timeout 90s, got %v", cfg.Broker.PromptTimeout)
	}
	if cfg.Broker.ArtifactDir != "/var/tmp/permgate" {
		t.Errorf("unexpected artifact dir %q", cfg.Broker.ArtifactDir)
	}
	if cfg.Bridge.Command != "/usr/local/bin/permgate" {
		t.Errorf("unexpected bridge command %q", cfg.Bridge.Command)
	}
	if cfg.Approvals.Enabled {
		t.Errorf("expected approvals disabled")
	}
}

func TestLoadSearchesLocalConfigDir(t *testing.T) {
	dir := isolateHome(t)
	if err := os.MkdirAll(filepath.Join(dir, DirName), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, DirName, "config.json"), []byte(`{"gateway":{"port":9100}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Port != 9100 {
		t.Fatalf("expected port from local config dir, got %d", cfg.Gateway.Port)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	isolateHome(t)
	t.Setenv("PERMGATE_BROKER_PROMPT_TIMEOUT", "45s")
	t.Setenv("PERMGATE_GATEWAY_TOKEN", "from-env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Broker.PromptTimeout != 45*time.Second {
		t.Errorf("expected env prompt timeout, got %v", cfg.Broker.PromptTimeout)
	}
	if cfg.Gateway.Token != "from-env" {
		t.Errorf("expected env token, got %q", cfg.Gateway.Token)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	isolateHome(t)
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected malformed config to fail")
	}
}

func TestSetDefaultsGatewayTimeoutUsesSecondGranularity(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		t.Fatalf("unmarshal defaults: %v", err)
	}
	if cfg.Gateway.ReadTimeout != 30*time.Second || cfg.Gateway.WriteTimeout != 30*time.Second {
		t.Fatalf("expected 30s gateway timeouts, got %v / %v", cfg.Gateway.ReadTimeout, cfg.Gateway.WriteTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"localhost broker", func(c *Config) { c.Broker.Host = "localhost" }, true},
		{"ipv6 loopback broker", func(c *Config) { c.Broker.Host = "::1" }, true},
		{"public broker host", func(c *Config) { c.Broker.Host = "0.0.0.0" }, false},
		{"zero prompt timeout", func(c *Config) { c.Broker.PromptTimeout = 0 }, false},
		{"zero shutdown timeout", func(c *Config) { c.Broker.ShutdownTimeout = 0 }, false},
		{"zero body cap", func(c *Config) { c.Broker.MaxBodyBytes = 0 }, false},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, false},
		{"bad encoding", func(c *Config) { c.Log.Encoding = "xml" }, false},
		{"bad gateway port", func(c *Config) { c.Gateway.Port = 70000 }, false},
		{"approvals without path", func(c *Config) { c.Approvals.Path = " " }, false},
		{"approvals disabled without path", func(c *Config) { c.Approvals.Enabled = false; c.Approvals.Path = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := minimalValidConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if (err == nil) != tt.ok {
				t.Fatalf("Validate() err=%v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestExpandUserPath(t *testing.T) {
	home := isolateHome(t)

	if got := ExpandUserPath("~/x/y"); got != filepath.Join(home, "x", "y") {
		t.Fatalf("unexpected expansion %q", got)
	}
	if got := ExpandUserPath("~"); got != home {
		t.Fatalf("unexpected expansion %q", got)
	}
	if got := ExpandUserPath("/abs/path"); got != "/abs/path" {
		t.Fatalf("absolute path should be unchanged, got %q", got)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	isolateHome(t)
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := minimalValidConfig()
	cfg.Gateway.Port = 9555

	if err := Save(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Gateway.Port != 9555 {
		t.Fatalf("expected saved port, got %d", loaded.Gateway.Port)
	}
}
