package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// required are the flags without defaults.
var required = []string{
	"--sip-server", "pbx.example.com:5060",
	"--sip-username", "2001",
	"--sip-password", "secret",
}

func withRequired(args ...string) []string {
	return append(append([]string{}, required...), args...)
}

func TestDefaults(t *testing.T) {
	for _, env := range []string{
		"FLOWPHONE_DATA_DIR", "FLOWPHONE_HTTP_PORT", "FLOWPHONE_SIP_PORT",
		"FLOWPHONE_SIP_TRANSPORT", "FLOWPHONE_LOG_LEVEL", "FLOWPHONE_CONFIG",
		"FLOWPHONE_RING_TIMEOUT", "FLOWPHONE_SIP_DOMAIN",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}

	cfg, err := Load(withRequired())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.SIPPort != defaultSIPPort {
		t.Errorf("SIPPort = %d, want %d", cfg.SIPPort, defaultSIPPort)
	}
	if cfg.SIPTransport != "udp" {
		t.Errorf("SIPTransport = %q, want udp", cfg.SIPTransport)
	}
	if cfg.RingTimeout != 20*time.Second {
		t.Errorf("RingTimeout = %v, want 20s", cfg.RingTimeout)
	}
	if cfg.SIPDomain != "pbx.example.com" {
		t.Errorf("SIPDomain = %q, want pbx.example.com", cfg.SIPDomain)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.LoginEnabled() {
		t.Error("LoginEnabled() = true, want false")
	}
	if got := cfg.HTTPListenAddr(); got != "127.0.0.1:8090" {
		t.Errorf("HTTPListenAddr() = %q, want 127.0.0.1:8090", got)
	}
}

func TestEnvVarOverride(t *testing.T) {
	t.Setenv("FLOWPHONE_HTTP_PORT", "9090")
	t.Setenv("FLOWPHONE_DATA_DIR", "/tmp/flowphone-test")
	t.Setenv("FLOWPHONE_LOG_LEVEL", "debug")
	t.Setenv("FLOWPHONE_RING_TIMEOUT", "30s")

	cfg, err := Load(withRequired())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.DataDir != "/tmp/flowphone-test" {
		t.Errorf("DataDir = %q, want /tmp/flowphone-test", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.RingTimeout != 30*time.Second {
		t.Errorf("RingTimeout = %v, want 30s", cfg.RingTimeout)
	}
}

func TestEnvVarInvalidValue(t *testing.T) {
	t.Setenv("FLOWPHONE_HTTP_PORT", "not-a-port")

	if _, err := Load(withRequired()); err == nil {
		t.Fatal("expected error for invalid env value, got nil")
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	t.Setenv("FLOWPHONE_HTTP_PORT", "9090")
	t.Setenv("FLOWPHONE_LOG_LEVEL", "debug")

	cfg, err := Load(withRequired("--http-port", "3000", "--log-level", "warn"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowphone.yaml")
	data := `
history_max_days: 90
sip:
  server: pbx.example.org
  domain: example.org
  username: "2002"
  password: hunter2
  display_name: Front Desk
  transport: tcp
  allowed_sources:
    - 10.0.0.0/8
    - 192.168.1.10
media:
  rtp_port_min: 20000
  rtp_port_max: 20100
  ring_timeout: 15s
http:
  port: 8100
mqtt:
  broker: tcp://localhost:1883
log:
  level: warn
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("FLOWPHONE_HTTP_PORT", "8200")

	cfg, err := Load([]string{"--config", path, "--log-level", "error"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SIPServer != "pbx.example.org" {
		t.Errorf("SIPServer = %q, want pbx.example.org", cfg.SIPServer)
	}
	if cfg.SIPDomain != "example.org" {
		t.Errorf("SIPDomain = %q, want example.org", cfg.SIPDomain)
	}
	if cfg.SIPUsername != "2002" {
		t.Errorf("SIPUsername = %q, want 2002", cfg.SIPUsername)
	}
	if cfg.DisplayName != "Front Desk" {
		t.Errorf("DisplayName = %q, want Front Desk", cfg.DisplayName)
	}
	if cfg.SIPTransport != "tcp" {
		t.Errorf("SIPTransport = %q, want tcp", cfg.SIPTransport)
	}
	if got := strings.Join(cfg.AllowedSourceList(), " "); got != "10.0.0.0/8 192.168.1.10" {
		t.Errorf("AllowedSourceList() = %q, want %q", got, "10.0.0.0/8 192.168.1.10")
	}
	if cfg.RTPPortMin != 20000 || cfg.RTPPortMax != 20100 {
		t.Errorf("RTP ports = %d-%d, want 20000-20100", cfg.RTPPortMin, cfg.RTPPortMax)
	}
	if cfg.RingTimeout != 15*time.Second {
		t.Errorf("RingTimeout = %v, want 15s", cfg.RingTimeout)
	}
	if cfg.HTTPPort != 8200 {
		t.Errorf("HTTPPort = %d, want 8200 (env should override file)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (CLI should override file)", cfg.LogLevel)
	}
	if cfg.HistoryDays != 90 {
		t.Errorf("HistoryDays = %d, want 90", cfg.HistoryDays)
	}
	if cfg.MQTTBroker != "tcp://localhost:1883" {
		t.Errorf("MQTTBroker = %q, want tcp://localhost:1883", cfg.MQTTBroker)
	}
	if cfg.MQTTTopicPrefix != defaultMQTTTopicPrefix {
		t.Errorf("MQTTTopicPrefix = %q, want %q", cfg.MQTTTopicPrefix, defaultMQTTTopicPrefix)
	}
}

func TestConfigFileMissing(t *testing.T) {
	_, err := Load(withRequired("--config", "/nonexistent/flowphone.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestConfigFileInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("sip: [unclosed"), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := Load(withRequired("--config", path)); err == nil {
		t.Fatal("expected error for invalid yaml, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing server", []string{"--sip-username", "2001", "--sip-password", "x"}},
		{"missing username", []string{"--sip-server", "pbx", "--sip-password", "x"}},
		{"missing password", []string{"--sip-server", "pbx", "--sip-username", "2001"}},
		{"invalid http port", withRequired("--http-port", "99999")},
		{"invalid log level", withRequired("--log-level", "verbose")},
		{"invalid log format", withRequired("--log-format", "xml")},
		{"tls transport", withRequired("--sip-transport", "tls")},
		{"odd rtp min", withRequired("--rtp-port-min", "16001")},
		{"rtp range too small", withRequired("--rtp-port-min", "16000", "--rtp-port-max", "16001")},
		{"short expiry", withRequired("--register-expiry", "10")},
		{"bad external ip", withRequired("--external-ip", "not-an-ip")},
		{"short ring timeout", withRequired("--ring-timeout", "100ms")},
		{"bad trace level", withRequired("--sip-trace", "everything")},
		{"fcm token without credentials", withRequired("--fcm-token", "abc")},
		{"negative history days", withRequired("--history-max-days", "-1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.args); err == nil {
				t.Errorf("Load(%v) error = nil, want error", tt.args)
			}
		})
	}
}

func TestHTTPListenAddrWithLogin(t *testing.T) {
	cfg := &Config{HTTPPort: 8090, APIPasswordHash: "$argon2id$..."}
	if got := cfg.HTTPListenAddr(); got != "0.0.0.0:8090" {
		t.Errorf("HTTPListenAddr() = %q, want 0.0.0.0:8090", got)
	}
}

func TestJWTSecretBytes(t *testing.T) {
	cfg := &Config{}
	key, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("JWTSecretBytes() error = %v", err)
	}
	if len(key) != 32 {
		t.Errorf("len(key) = %d, want 32", len(key))
	}
	if len(cfg.JWTSecret) != 64 {
		t.Errorf("len(JWTSecret) = %d, want 64", len(cfg.JWTSecret))
	}

	again, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("second JWTSecretBytes() error = %v", err)
	}
	if string(again) != string(key) {
		t.Error("generated secret was not kept for the process lifetime")
	}

	bad := &Config{JWTSecret: "abcd"}
	if _, err := bad.JWTSecretBytes(); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
