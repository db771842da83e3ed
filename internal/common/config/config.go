package config

import (
	"os"
	"regexp"
	"time"

	"github.com/amoylab/timerbridge/internal/common/cnst"
	"github.com/amoylab/timerbridge/pkg/helper"
	"github.com/amoylab/timerbridge/pkg/trace"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// BridgeConfig represents the bridge process configuration
	BridgeConfig struct {
		Port         int                `yaml:"port"`
		Upstream     UpstreamConfig     `yaml:"upstream"`
		Session      SessionConfig      `yaml:"session"`
		Notification NotificationConfig `yaml:"notification"`
		Storage      StorageConfig      `yaml:"storage"`
		Logger       LoggerConfig       `yaml:"logger"`
		Metrics      MetricsConfig      `yaml:"metrics"`
		Tracing      trace.Config       `yaml:"tracing"`
		CORS         *CORSConfig        `yaml:"cors,omitempty"`
	}

	// MockTimerConfig represents the mock timing device configuration
	MockTimerConfig struct {
		Port              int           `yaml:"port"`
		Path              string        `yaml:"path"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		Frequencies       []int         `yaml:"frequencies"` // one entry per receiver node
		Logger            LoggerConfig  `yaml:"logger"`
	}

	// UpstreamConfig describes how every session reaches the timing device
	UpstreamConfig struct {
		Target         string        `yaml:"target"`          // ip[:port] or ws:// URL
		DefaultPort    int           `yaml:"default_port"`    // used when target carries no port
		Path           string        `yaml:"path"`            // websocket path on the device
		DialTimeout    time.Duration `yaml:"dial_timeout"`    // handshake timeout
		WriteTimeout   time.Duration `yaml:"write_timeout"`   // per-frame write deadline
		RedialInterval time.Duration `yaml:"redial_interval"` // minimum spacing between connects
		RedialBurst    int           `yaml:"redial_burst"`    // connects allowed back to back
	}

	// SessionConfig represents the session storage configuration
	SessionConfig struct {
		Type         string             `yaml:"type"`          // "memory" or "redis"
		QueueSize    int                `yaml:"queue_size"`    // outbound events buffered per session
		PingInterval time.Duration      `yaml:"ping_interval"` // downstream keepalive
		Redis        SessionRedisConfig `yaml:"redis"`
	}

	// SessionRedisConfig represents the Redis configuration for session storage
	SessionRedisConfig struct {
		Addr     string        `yaml:"addr"`
		Username string        `yaml:"username"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		Topic    string        `yaml:"topic"`
		Prefix   string        `yaml:"prefix"`
		TTL      time.Duration `yaml:"ttl"` // TTL for session data in Redis
	}

	// NotificationConfig controls where upstream notifications are delivered
	NotificationConfig struct {
		Fanout cnst.FanoutMode `yaml:"fanout"` // owner or all
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
		TimeZone   string `yaml:"time_zone"`   // time zone for log timestamps, e.g., "UTC", default is local
		TimeFormat string `yaml:"time_format"` // time format for log timestamps
	}

	// MetricsConfig represents the Prometheus metrics configuration
	MetricsConfig struct {
		Enabled   bool      `yaml:"enabled"`
		Path      string    `yaml:"path"`
		Namespace string    `yaml:"namespace"`
		Buckets   []float64 `yaml:"buckets"`
	}

	// CORSConfig represents the CORS configuration
	CORSConfig struct {
		AllowOrigins     []string `yaml:"allowOrigins"`
		AllowMethods     []string `yaml:"allowMethods"`
		AllowHeaders     []string `yaml:"allowHeaders"`
		ExposeHeaders    []string `yaml:"exposeHeaders"`
		AllowCredentials bool     `yaml:"allowCredentials"`
	}
)

type Type interface {
	BridgeConfig | MockTimerConfig
}

// LoadConfig loads configuration from a YAML file with environment variable support
func LoadConfig[T Type](filename string) (*T, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := helper.GetCfgPath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	data = resolveEnv(data)
	var cfg T
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, cfgPath, err
	}

	switch c := any(&cfg).(type) {
	case *BridgeConfig:
		c.SetDefaults()
	case *MockTimerConfig:
		c.SetDefaults()
	}

	return &cfg, cfgPath, nil
}

var envPattern = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// resolveEnv replaces environment variable placeholders in YAML content
func resolveEnv(content []byte) []byte {
	return envPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := envPattern.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string
		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}

// SetDefaults fills every unset field of the bridge configuration
func (c *BridgeConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = cnst.DefaultListenPort
	}
	c.Upstream.setDefaults()

	if c.Session.Type == "" {
		c.Session.Type = "memory"
	}
	if c.Session.QueueSize <= 0 {
		c.Session.QueueSize = 256
	}
	if c.Session.PingInterval <= 0 {
		c.Session.PingInterval = 30 * time.Second
	}
	if c.Session.Redis.Topic == "" {
		c.Session.Redis.Topic = "timerbridge:session"
	}
	if c.Session.Redis.Prefix == "" {
		c.Session.Redis.Prefix = "timerbridge"
	}
	if c.Session.Redis.TTL <= 0 {
		c.Session.Redis.TTL = time.Hour
	}

	if c.Notification.Fanout == "" {
		c.Notification.Fanout = cnst.FanoutOwner
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Storage.HistoryLimit <= 0 {
		c.Storage.HistoryLimit = 100
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = cnst.AppName
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = cnst.AppName
	}
}

func (u *UpstreamConfig) setDefaults() {
	if u.DefaultPort == 0 {
		u.DefaultPort = cnst.DefaultUpstreamPort
	}
	if u.Path == "" {
		u.Path = cnst.DefaultUpstreamPath
	}
	if u.DialTimeout <= 0 {
		u.DialTimeout = 5 * time.Second
	}
	if u.WriteTimeout <= 0 {
		u.WriteTimeout = 5 * time.Second
	}
	if u.RedialInterval <= 0 {
		u.RedialInterval = time.Second
	}
	if u.RedialBurst <= 0 {
		u.RedialBurst = 1
	}
}

// SetDefaults fills every unset field of the mock timer configuration
func (c *MockTimerConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = cnst.DefaultUpstreamPort
	}
	if c.Path == "" {
		c.Path = cnst.DefaultUpstreamPath
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 500 * time.Millisecond
	}
	if len(c.Frequencies) == 0 {
		c.Frequencies = []int{5658}
	}
}
