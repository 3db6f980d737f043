// Package config loads the relay configuration from an optional YAML file,
// environment variables and built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Tyrowin/roomrelay/internal/logging"
)

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Database  DatabaseConfig
	Redis     RedisConfig
	Media     MediaConfig
	Auth      AuthConfig
	Log       logging.Config
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string
	Port            int
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// WebSocketConfig controls per-connection pump behaviour.
type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

// DatabaseConfig selects and tunes the SQL backend.
type DatabaseConfig struct {
	Driver          string // sqlite, postgres, mysql
	DSN             string
	FilePath        string        `mapstructure:"file_path"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig configures the optional history cache. An empty address
// disables it.
type RedisConfig struct {
	Address    string
	Password   string
	DB         int
	Prefix     string
	HistoryTTL time.Duration `mapstructure:"history_ttl"`
}

// Enabled reports whether a redis address is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Address) != ""
}

// MediaConfig selects where decoded uploads are stored.
type MediaConfig struct {
	Backend  string // local, s3
	MaxBytes int64  `mapstructure:"max_bytes"`
	Local    LocalMediaConfig
	S3       S3MediaConfig
}

// LocalMediaConfig holds configuration for filesystem blob storage.
type LocalMediaConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// S3MediaConfig holds configuration for S3 or MinIO blob storage.
type S3MediaConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// AuthConfig controls how connection identities are resolved.
type AuthConfig struct {
	JWTSecret    string   `mapstructure:"jwt_secret"`
	RequireToken bool     `mapstructure:"require_token"`
	SeedUsers    []string `mapstructure:"seed_users"`
}

// Load reads ./config/config.yaml (or configDir/config.yaml) when present and
// applies environment overrides on top of the defaults.
func Load(configDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configDir != "" {
		v.AddConfigPath(configDir)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Server.AllowedOrigins = splitList(cfg.Server.AllowedOrigins)
	cfg.Auth.SeedUsers = splitList(cfg.Auth.SeedUsers)

	cfg.Sanitize()
	return &cfg, nil
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// Defaults are all well-typed, decoding cannot fail.
	_ = v.Unmarshal(&cfg)
	cfg.Sanitize()
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:8080"})
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("websocket.ping_interval", "54s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 16<<20)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("rate_limit.refill_interval", "1s")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.file_path", "instance/chat.db")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "relay:history")
	v.SetDefault("redis.history_ttl", "5m")
	v.SetDefault("media.backend", "local")
	v.SetDefault("media.max_bytes", 10<<20)
	v.SetDefault("media.local.base_path", "static/uploads")
	v.SetDefault("media.s3.region", "us-east-1")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.require_token", false)
	v.SetDefault("auth.seed_users", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service_name", "roomrelay")
}

func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("server.port", "PORT", "SERVER_PORT")
	_ = v.BindEnv("server.allowed_origins", "ALLOWED_ORIGINS")
	_ = v.BindEnv("websocket.max_message_size", "MAX_MESSAGE_SIZE")
	_ = v.BindEnv("rate_limit.burst", "RATE_LIMIT_BURST")
	_ = v.BindEnv("rate_limit.refill_interval", "RATE_LIMIT_REFILL_INTERVAL")
	_ = v.BindEnv("database.driver", "DATABASE_DRIVER")
	_ = v.BindEnv("database.dsn", "DATABASE_URL")
	_ = v.BindEnv("redis.address", "REDIS_ADDRESS")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("media.backend", "MEDIA_BACKEND")
	_ = v.BindEnv("media.local.base_path", "UPLOAD_FOLDER")
	_ = v.BindEnv("media.s3.bucket", "S3_BUCKET")
	_ = v.BindEnv("media.s3.endpoint", "S3_ENDPOINT")
	_ = v.BindEnv("media.s3.access_key_id", "S3_ACCESS_KEY_ID")
	_ = v.BindEnv("media.s3.secret_access_key", "S3_SECRET_ACCESS_KEY")
	_ = v.BindEnv("auth.jwt_secret", "SECRET_KEY", "JWT_SECRET")
	_ = v.BindEnv("auth.seed_users", "SEED_USERS")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
}

// Sanitize replaces non-positive or empty values with their defaults.
func (c *Config) Sanitize() {
	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.WebSocket.PongWait <= 0 {
		c.WebSocket.PongWait = 60 * time.Second
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		c.WebSocket.PingInterval = c.WebSocket.PongWait * 9 / 10
	}
	if c.WebSocket.WriteWait <= 0 {
		c.WebSocket.WriteWait = 10 * time.Second
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		c.WebSocket.MaxMessageSize = 16 << 20
	}
	if c.WebSocket.SendBuffer <= 0 {
		c.WebSocket.SendBuffer = 256
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Redis.HistoryTTL <= 0 {
		c.Redis.HistoryTTL = 5 * time.Minute
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "relay:history"
	}
	if c.Media.Backend == "" {
		c.Media.Backend = "local"
	}
	if c.Media.MaxBytes <= 0 {
		c.Media.MaxBytes = 10 << 20
	}
	if c.Media.Local.BasePath == "" {
		c.Media.Local.BasePath = "static/uploads"
	}
}

// splitList accepts both list values and a single comma separated string,
// which is what an environment variable produces.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
