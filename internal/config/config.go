// Package config loads the MTA's static configuration: listener
// addresses, spool backend selection, timer-wheel resolution, and the
// default egress-path/queue policy served by policy.Static when no
// scripting engine is wired in. Grounded on the teacher's YAML+env+
// godotenv layering (internal/config/config.go): Load parses YAML,
// LoadFromEnv additionally applies environment overrides so secrets can
// live in .env locally and in real env vars on a container platform.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/relaycore/kumogo/internal/policy"
)

// Config holds all static configuration for the mail transfer agent.
type Config struct {
	SMTP       SMTPConfig       `yaml:"smtp"`
	HTTP       HTTPConfig       `yaml:"http"`
	Admin      AdminConfig      `yaml:"admin"`
	Spool      SpoolConfig      `yaml:"spool"`
	Logging    LoggingConfig    `yaml:"logging"`
	TimerWheel TimerWheelConfig `yaml:"timer_wheel"`
	Queue      QueueDefaults    `yaml:"queue_defaults"`
	Egress     EgressDefaults   `yaml:"egress_defaults"`
	SES        SESConfig        `yaml:"ses"`
}

// SMTPConfig holds the SMTP ingress listener configuration.
type SMTPConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Hostname           string `yaml:"hostname"` // EHLO banner name
	MaxMessageSize     int64  `yaml:"max_message_size"`
	MaxRecipients      int    `yaml:"max_recipients"`
	ReadTimeoutSecs    int    `yaml:"read_timeout_secs"`
	RequireTLSCertFile string `yaml:"tls_cert_file"`
	RequireTLSKeyFile  string `yaml:"tls_key_file"`
}

// GetHost returns the SMTP listener host, with container-platform
// detection mirroring the teacher's ServerConfig.GetHost.
func (c SMTPConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SMTP_HOST"); host != "" {
		return host
	}
	return c.Host
}

// ReadTimeout returns the configured per-command read timeout.
func (c SMTPConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSecs) * time.Second
}

// HTTPConfig holds the HTTP injection listener configuration (POST /api/inject/v1).
type HTTPConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MaxInFlight int64  `yaml:"max_in_flight"`
}

// GetHost mirrors SMTPConfig.GetHost's container-platform detection.
func (c HTTPConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("HTTP_HOST"); host != "" {
		return host
	}
	return c.Host
}

// AdminConfig holds the admin HTTP/WebSocket surface configuration (§6).
type AdminConfig struct {
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	BearerToken        string   `yaml:"bearer_token"`
}

// GetHost mirrors SMTPConfig.GetHost's container-platform detection.
func (c AdminConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("ADMIN_HOST"); host != "" {
		return host
	}
	return c.Host
}

// SpoolConfig selects and configures the durable spool backend.
type SpoolConfig struct {
	Type        string `yaml:"type"` // "localfs" or "pg"
	LocalPath   string `yaml:"local_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// LoggingConfig controls the operational logger and the persisted
// per-message record log.
type LoggingConfig struct {
	Level         string `yaml:"level"` // "debug"|"info"|"warn"|"error"
	RedactPII     bool   `yaml:"redact_pii"`
	RecordLogPath string `yaml:"record_log_path"`
	// RecordLogRotateBytes is the uncompressed size at which the
	// zstd-compressed record log rotates to a new segment (§6). Zero
	// disables rotation: the record log grows as a single segment.
	RecordLogRotateBytes int64 `yaml:"record_log_rotate_bytes"`
}

// TimerWheelConfig controls the hierarchical timer wheel's tick resolution.
type TimerWheelConfig struct {
	TickMillis int `yaml:"tick_millis"`
	Tiers      int `yaml:"tiers"`
}

// Tick returns the configured tick resolution as a duration.
func (c TimerWheelConfig) Tick() time.Duration {
	return time.Duration(c.TickMillis) * time.Millisecond
}

// QueueDefaults is the YAML-friendly mirror of policy.QueueConfig served
// by policy.Static when no scripting engine overrides it per-queue.
type QueueDefaults struct {
	Strategy       string  `yaml:"strategy"` // "timer_wheel"|"skip_list"|"singleton"|"singleton_v2"
	RetryBaseDelay float64 `yaml:"retry_base_delay"`
	RetryGrowth    float64 `yaml:"retry_growth"`
	RetryJitterMax float64 `yaml:"retry_jitter_max"`
	MaxAge         float64 `yaml:"max_age"`
	MaintainerIdle float64 `yaml:"maintainer_idle"`
}

// ToPolicy converts QueueDefaults into the runtime policy.QueueConfig shape.
func (c QueueDefaults) ToPolicy() policy.QueueConfig {
	return policy.QueueConfig{
		Strategy:       parseStrategy(c.Strategy),
		RetryBaseDelay: c.RetryBaseDelay,
		RetryGrowth:    c.RetryGrowth,
		RetryJitterMax: c.RetryJitterMax,
		MaxAge:         c.MaxAge,
		MaintainerIdle: c.MaintainerIdle,
	}
}

func parseStrategy(s string) policy.QueueStrategy {
	switch strings.ToLower(s) {
	case "skip_list":
		return policy.StrategySkipList
	case "singleton":
		return policy.StrategySingletonTimerWheel
	case "singleton_v2":
		return policy.StrategySingletonTimerWheelV2
	default:
		return policy.StrategyTimerWheel
	}
}

// EgressDefaults is the YAML-friendly mirror of policy.EgressPathConfig.
type EgressDefaults struct {
	MaxConnectionRate          int      `yaml:"max_connection_rate"`
	MaxMessageRate             int      `yaml:"max_message_rate"`
	MaxConnections             int      `yaml:"max_connections"`
	SMTPPort                   int      `yaml:"smtp_port"`
	EnableTLS                  string   `yaml:"enable_tls"` // "disabled"|"opportunistic"|"opportunistic_insecure"|"required"|"required_insecure"
	EnableMTASTS               bool     `yaml:"enable_mta_sts"`
	EnableDANE                 bool     `yaml:"enable_dane"`
	ConnectTimeoutSecs         float64  `yaml:"connect_timeout_secs"`
	EHLOTimeoutSecs            float64  `yaml:"ehlo_timeout_secs"`
	MailFromTimeoutSecs        float64  `yaml:"mail_from_timeout_secs"`
	RcptToTimeoutSecs          float64  `yaml:"rcpt_to_timeout_secs"`
	DataTimeoutSecs            float64  `yaml:"data_timeout_secs"`
	DataDotTimeoutSecs         float64  `yaml:"data_dot_timeout_secs"`
	IdleTimeoutSecs            float64  `yaml:"idle_timeout_secs"`
	ProhibitedHosts            []string `yaml:"prohibited_hosts"`
	SkipHosts                  []string `yaml:"skip_hosts"`
	MXList                     []string `yaml:"mx_list"`
	EHLODomain                 string   `yaml:"ehlo_domain"`
	RemotePort                 int      `yaml:"remote_port"`
	MaxDeliveriesPerConnection int      `yaml:"max_deliveries_per_connection"`
}

// ToPolicy converts EgressDefaults into the runtime policy.EgressPathConfig shape.
func (c EgressDefaults) ToPolicy() policy.EgressPathConfig {
	return policy.EgressPathConfig{
		MaxConnectionRate:          c.MaxConnectionRate,
		MaxMessageRate:             c.MaxMessageRate,
		MaxConnections:             c.MaxConnections,
		SMTPPort:                   c.SMTPPort,
		EnableTLS:                  parseTLSMode(c.EnableTLS),
		EnableMTASTS:               c.EnableMTASTS,
		EnableDANE:                 c.EnableDANE,
		ConnectTimeoutSecs:         c.ConnectTimeoutSecs,
		EHLOTimeoutSecs:            c.EHLOTimeoutSecs,
		MailFromTimeoutSecs:        c.MailFromTimeoutSecs,
		RcptToTimeoutSecs:          c.RcptToTimeoutSecs,
		DataTimeoutSecs:            c.DataTimeoutSecs,
		DataDotTimeoutSecs:         c.DataDotTimeoutSecs,
		IdleTimeoutSecs:            c.IdleTimeoutSecs,
		ProhibitedHosts:            c.ProhibitedHosts,
		SkipHosts:                  c.SkipHosts,
		MXList:                     c.MXList,
		EHLODomain:                 c.EHLODomain,
		RemotePort:                 c.RemotePort,
		MaxDeliveriesPerConnection: c.MaxDeliveriesPerConnection,
	}
}

func parseTLSMode(s string) policy.TLSMode {
	switch strings.ToLower(s) {
	case "opportunistic":
		return policy.TLSOpportunistic
	case "opportunistic_insecure":
		return policy.TLSOpportunisticInsecure
	case "required":
		return policy.TLSRequired
	case "required_insecure":
		return policy.TLSRequiredInsecure
	default:
		return policy.TLSDisabled
	}
}

// SESConfig holds AWS SES configuration, shared by the egress/ses
// dispatch target (send path) and the deliverability-signals client
// (internal/ses, behind the admin routes) — both need the same
// region/credentials.
type SESConfig struct {
	Region         string   `yaml:"region"`
	AccessKey      string   `yaml:"access_key"`
	SecretKey      string   `yaml:"secret_key"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        bool     `yaml:"enabled"`
	ISPs           []string `yaml:"isps"` // ISPs to query for VDM deliverability signals
}

// Timeout returns the configured timeout as a duration.
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DefaultISPs returns the configured ISP list, or AWS SES's standard VDM
// ISP names if none was configured.
func (c SESConfig) DefaultISPs() []string {
	if len(c.ISPs) > 0 {
		return c.ISPs
	}
	return []string{"Att", "Yahoo", "Gmail", "Hotmail", "Aol", "Icloud", "Cox", "WP"}
}

// Load reads and parses the configuration file, applying defaults for
// anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 25
	}
	if cfg.SMTP.Hostname == "" {
		cfg.SMTP.Hostname = "localhost"
	}
	if cfg.SMTP.ReadTimeoutSecs == 0 {
		cfg.SMTP.ReadTimeoutSecs = 300
	}
	if cfg.SMTP.MaxRecipients == 0 {
		cfg.SMTP.MaxRecipients = 1024
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8000
	}
	if cfg.HTTP.MaxInFlight == 0 {
		cfg.HTTP.MaxInFlight = 10000
	}
	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 8001
	}
	if cfg.Spool.Type == "" {
		cfg.Spool.Type = "localfs"
	}
	if cfg.Spool.LocalPath == "" {
		cfg.Spool.LocalPath = "/var/spool/kumogo"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.TimerWheel.TickMillis == 0 {
		cfg.TimerWheel.TickMillis = 1000
	}
	if cfg.TimerWheel.Tiers == 0 {
		cfg.TimerWheel.Tiers = 4
	}
	if cfg.Queue.RetryBaseDelay == 0 {
		cfg.Queue.RetryBaseDelay = 60
	}
	if cfg.Queue.RetryGrowth == 0 {
		cfg.Queue.RetryGrowth = 2
	}
	if cfg.Queue.MaxAge == 0 {
		cfg.Queue.MaxAge = 86400
	}
	if cfg.Queue.MaintainerIdle == 0 {
		cfg.Queue.MaintainerIdle = 360
	}
	if cfg.Egress.MaxConnections == 0 {
		cfg.Egress.MaxConnections = 32
	}
	if cfg.Egress.MaxConnectionRate == 0 {
		cfg.Egress.MaxConnectionRate = 100
	}
	if cfg.Egress.MaxMessageRate == 0 {
		cfg.Egress.MaxMessageRate = 100
	}
	if cfg.Egress.SMTPPort == 0 {
		cfg.Egress.SMTPPort = 25
	}
	if cfg.Egress.MaxDeliveriesPerConnection == 0 {
		cfg.Egress.MaxDeliveriesPerConnection = 100
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env
// vars, so secrets can live in .env locally and in real env vars on a
// container platform.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("SPOOL_LOCAL_PATH"); v != "" {
		cfg.Spool.LocalPath = v
	}
	if v := os.Getenv("SPOOL_POSTGRES_DSN"); v != "" {
		cfg.Spool.PostgresDSN = v
		if cfg.Spool.Type == "" {
			cfg.Spool.Type = "pg"
		}
	}
	if v := os.Getenv("ADMIN_BEARER_TOKEN"); v != "" {
		cfg.Admin.BearerToken = v
	}

	return cfg, nil
}
