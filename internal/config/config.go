package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the FlowPhone agent.
// Precedence: CLI flags > env vars > YAML file > defaults.
type Config struct {
	ConfigFile  string
	DataDir     string
	DatabaseURL string // Postgres DSN; when set, call history is stored in Postgres
	HistoryDays int    // days of call history to keep; 0 keeps everything
	HTTPPort    int

	SIPServer      string // PBX host[:port]
	SIPDomain      string // defaults to the host part of SIPServer
	SIPUsername    string
	SIPPassword    string
	DisplayName    string
	SIPTransport   string
	SIPPort        int
	RegisterExpiry int
	SIPTrace       string
	AllowedSources string // comma-separated IPs or CIDRs allowed to send INVITE

	RTPPortMin   int
	RTPPortMax   int
	ExternalIP   string // address placed in SDP (auto-detected if empty)
	RingTimeout  time.Duration
	RingbackFile string

	LogLevel  string
	LogFormat string

	JWTSecret       string // hex-encoded 32-byte secret for API token signing
	APIPasswordHash string // argon2id hash; empty keeps the API on loopback without login
	CORSOrigins     string // comma-separated browser origins allowed to call the API

	MQTTBroker      string
	MQTTClientID    string
	MQTTTopicPrefix string

	FCMCredentials string // path to a Firebase service account JSON file
	FCMToken       string // device token that receives missed-call pushes
}

// defaults
const (
	defaultDataDir         = "./data"
	defaultHTTPPort        = 8090
	defaultSIPPort         = 5062
	defaultSIPTransport    = "udp"
	defaultRegisterExpiry  = 300
	defaultRTPPortMin      = 16000
	defaultRTPPortMax      = 16100
	defaultRingTimeout     = 20 * time.Second
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultMQTTClientID    = "flowphone"
	defaultMQTTTopicPrefix = "flowphone"
)

// envPrefix is the prefix for all FlowPhone environment variables.
const envPrefix = "FLOWPHONE_"

// Load parses configuration from args (without the program name), the
// environment and an optional YAML file.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("flowphone", flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigFile, "config", "", "path to a YAML config file")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call history database")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "Postgres connection string (call history uses sqlite if empty)")
	fs.IntVar(&cfg.HistoryDays, "history-max-days", 0, "delete call history older than this many days (0 keeps all)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "local API listen port")

	fs.StringVar(&cfg.SIPServer, "sip-server", "", "PBX registrar host[:port]")
	fs.StringVar(&cfg.SIPDomain, "sip-domain", "", "SIP domain (defaults to the sip-server host)")
	fs.StringVar(&cfg.SIPUsername, "sip-username", "", "extension / auth username")
	fs.StringVar(&cfg.SIPPassword, "sip-password", "", "SIP auth password")
	fs.StringVar(&cfg.DisplayName, "display-name", "", "display name sent in From")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp)")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "local SIP listen port")
	fs.IntVar(&cfg.RegisterExpiry, "register-expiry", defaultRegisterExpiry, "requested registration expiry in seconds")
	fs.StringVar(&cfg.SIPTrace, "sip-trace", "off", "SIP message tracing (off, headers, full)")
	fs.StringVar(&cfg.AllowedSources, "sip-allowed-sources", "", "comma-separated IPs/CIDRs allowed to send calls (all if empty)")

	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "IP address advertised in SDP (auto-detected if empty)")
	fs.DurationVar(&cfg.RingTimeout, "ring-timeout", defaultRingTimeout, "how long an incoming call rings before it is rejected")
	fs.StringVar(&cfg.RingbackFile, "ringback-file", "", "G.711 WAV played locally while a call rings")

	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for API token signing (auto-generated if empty)")
	fs.StringVar(&cfg.APIPasswordHash, "api-password-hash", "", "argon2id hash of the API password (see hash-password)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated origins allowed to call the API from a browser")

	fs.StringVar(&cfg.MQTTBroker, "mqtt-broker", "", "MQTT broker URL for event publishing (disabled if empty)")
	fs.StringVar(&cfg.MQTTClientID, "mqtt-client-id", defaultMQTTClientID, "MQTT client id")
	fs.StringVar(&cfg.MQTTTopicPrefix, "mqtt-topic-prefix", defaultMQTTTopicPrefix, "MQTT topic prefix")

	fs.StringVar(&cfg.FCMCredentials, "fcm-credentials", "", "Firebase service account JSON for missed-call push")
	fs.StringVar(&cfg.FCMToken, "fcm-token", "", "FCM device token for missed-call push")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Flags given on the command line win over everything else.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	if !set["config"] {
		if v, ok := os.LookupEnv(envName("config")); ok && v != "" {
			cfg.ConfigFile = v
		}
	}
	if cfg.ConfigFile != "" {
		values, err := loadFile(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		if err := applyValues(fs, set, values, "config file"); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(fs, set); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envName maps a flag name to its environment variable.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag that was not given on the command line
// from its FLOWPHONE_* environment variable.
func applyEnvOverrides(fs *flag.FlagSet, set map[string]bool) error {
	values := make(map[string]string)
	fs.VisitAll(func(f *flag.Flag) {
		if f.Name == "config" {
			return
		}
		if v, ok := os.LookupEnv(envName(f.Name)); ok && v != "" {
			values[f.Name] = v
		}
	})
	return applyValues(fs, set, values, "environment")
}

func applyValues(fs *flag.FlagSet, set map[string]bool, values map[string]string, source string) error {
	for name, val := range values {
		if set[name] {
			continue
		}
		if err := fs.Set(name, val); err != nil {
			return fmt.Errorf("%s: invalid value %q for %s: %w", source, val, name, err)
		}
	}
	return nil
}

// fileConfig is the YAML layout. Zero values mean "not set".
type fileConfig struct {
	DataDir     string `yaml:"data_dir"`
	DatabaseURL string `yaml:"database_url"`
	HistoryDays int    `yaml:"history_max_days"`

	HTTP struct {
		Port         int      `yaml:"port"`
		JWTSecret    string   `yaml:"jwt_secret"`
		PasswordHash string   `yaml:"password_hash"`
		CORSOrigins  []string `yaml:"cors_origins"`
	} `yaml:"http"`

	SIP struct {
		Server         string   `yaml:"server"`
		Domain         string   `yaml:"domain"`
		Username       string   `yaml:"username"`
		Password       string   `yaml:"password"`
		DisplayName    string   `yaml:"display_name"`
		Transport      string   `yaml:"transport"`
		Port           int      `yaml:"port"`
		Expiry         int      `yaml:"expiry"`
		Trace          string   `yaml:"trace"`
		AllowedSources []string `yaml:"allowed_sources"`
	} `yaml:"sip"`

	Media struct {
		RTPPortMin   int    `yaml:"rtp_port_min"`
		RTPPortMax   int    `yaml:"rtp_port_max"`
		ExternalIP   string `yaml:"external_ip"`
		RingTimeout  string `yaml:"ring_timeout"`
		RingbackFile string `yaml:"ringback_file"`
	} `yaml:"media"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	MQTT struct {
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`

	Push struct {
		FCMCredentials string `yaml:"fcm_credentials"`
		FCMToken       string `yaml:"fcm_token"`
	} `yaml:"push"`
}

func loadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return fc.values(), nil
}

// values flattens the file into flag name/value pairs.
func (fc *fileConfig) values() map[string]string {
	m := make(map[string]string)
	str := func(name, v string) {
		if v != "" {
			m[name] = v
		}
	}
	num := func(name string, v int) {
		if v != 0 {
			m[name] = strconv.Itoa(v)
		}
	}

	str("data-dir", fc.DataDir)
	str("database-url", fc.DatabaseURL)
	num("history-max-days", fc.HistoryDays)
	num("http-port", fc.HTTP.Port)
	str("jwt-secret", fc.HTTP.JWTSecret)
	str("api-password-hash", fc.HTTP.PasswordHash)
	str("cors-origins", strings.Join(fc.HTTP.CORSOrigins, ","))

	str("sip-server", fc.SIP.Server)
	str("sip-domain", fc.SIP.Domain)
	str("sip-username", fc.SIP.Username)
	str("sip-password", fc.SIP.Password)
	str("display-name", fc.SIP.DisplayName)
	str("sip-transport", fc.SIP.Transport)
	num("sip-port", fc.SIP.Port)
	num("register-expiry", fc.SIP.Expiry)
	str("sip-trace", fc.SIP.Trace)
	str("sip-allowed-sources", strings.Join(fc.SIP.AllowedSources, ","))

	num("rtp-port-min", fc.Media.RTPPortMin)
	num("rtp-port-max", fc.Media.RTPPortMax)
	str("external-ip", fc.Media.ExternalIP)
	str("ring-timeout", fc.Media.RingTimeout)
	str("ringback-file", fc.Media.RingbackFile)

	str("log-level", fc.Log.Level)
	str("log-format", fc.Log.Format)

	str("mqtt-broker", fc.MQTT.Broker)
	str("mqtt-client-id", fc.MQTT.ClientID)
	str("mqtt-topic-prefix", fc.MQTT.TopicPrefix)

	str("fcm-credentials", fc.Push.FCMCredentials)
	str("fcm-token", fc.Push.FCMToken)
	return m
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.HistoryDays < 0 {
		return fmt.Errorf("history-max-days must not be negative, got %d", c.HistoryDays)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if strings.TrimSpace(c.SIPServer) == "" {
		return fmt.Errorf("sip-server is required")
	}
	if strings.TrimSpace(c.SIPUsername) == "" {
		return fmt.Errorf("sip-username is required")
	}
	if c.SIPPassword == "" {
		return fmt.Errorf("sip-password is required")
	}
	if c.SIPDomain == "" {
		c.SIPDomain = hostOnly(c.SIPServer)
	}

	c.SIPTransport = strings.ToLower(c.SIPTransport)
	if c.SIPTransport != "udp" && c.SIPTransport != "tcp" {
		return fmt.Errorf("sip-transport must be one of udp, tcp; got %q", c.SIPTransport)
	}
	if c.RegisterExpiry < 60 || c.RegisterExpiry > 86400 {
		return fmt.Errorf("register-expiry must be between 60 and 86400, got %d", c.RegisterExpiry)
	}

	validTrace := map[string]bool{"off": true, "headers": true, "full": true}
	if !validTrace[strings.ToLower(c.SIPTrace)] {
		return fmt.Errorf("sip-trace must be one of off, headers, full; got %q", c.SIPTrace)
	}
	c.SIPTrace = strings.ToLower(c.SIPTrace)

	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP ports must be even (RTP uses even ports, RTCP uses the next odd port).
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}
	if c.ExternalIP != "" && net.ParseIP(c.ExternalIP) == nil {
		return fmt.Errorf("external-ip must be an IP address, got %q", c.ExternalIP)
	}
	if c.RingTimeout < time.Second {
		return fmt.Errorf("ring-timeout must be at least 1s, got %s", c.RingTimeout)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.MQTTBroker != "" && c.MQTTTopicPrefix == "" {
		return fmt.Errorf("mqtt-topic-prefix is required when mqtt-broker is set")
	}
	// The push credentials and target device only make sense together.
	if (c.FCMCredentials == "") != (c.FCMToken == "") {
		return fmt.Errorf("fcm-credentials and fcm-token must both be provided or both be omitted")
	}

	return nil
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

// AllowedSourceList returns the configured INVITE source filter entries.
func (c *Config) AllowedSourceList() []string {
	var out []string
	for _, s := range strings.Split(c.AllowedSources, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SIPListenAddr is the local SIP bind address.
func (c *Config) SIPListenAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.SIPPort))
}

// HTTPListenAddr binds the API to loopback unless a login password is
// configured.
func (c *Config) HTTPListenAddr() string {
	host := "127.0.0.1"
	if c.LoginEnabled() {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.HTTPPort))
}

// LoginEnabled reports whether the API requires a bearer token.
func (c *Config) LoginEnabled() bool {
	return c.APIPasswordHash != ""
}

// PushEnabled reports whether missed-call push notifications are configured.
func (c *Config) PushEnabled() bool {
	return c.FCMCredentials != "" && c.FCMToken != ""
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// MediaIP returns the IP address to use in SDP.
// If ExternalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4 address.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
