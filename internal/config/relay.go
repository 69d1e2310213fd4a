package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type AppCfg struct {
	Port     int    `mapstructure:"port"`
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
	Instance string `mapstructure:"instance"`
}

type JWTCfg struct {
	Alg           string `mapstructure:"alg"`
	HSSecret      string `mapstructure:"hs_secret"`
	PublicKeyPath string `mapstructure:"public_key_path"`
	CookieName    string `mapstructure:"cookie_name"`
	SingleDevice  bool   `mapstructure:"single_device"`
}

type RedisCfg struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type MongoCfg struct {
	Enabled bool   `mapstructure:"enabled"`
	URI     string `mapstructure:"uri"`
	DB      string `mapstructure:"db"`
}

type KafkaCfg struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type ConsulCfg struct {
	Addr        string `mapstructure:"addr"`
	ServiceName string `mapstructure:"service_name"`
}

type WSCfg struct {
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	WriteDeadline   time.Duration `mapstructure:"write_deadline"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	RateLimitPerSec float64       `mapstructure:"rate_limit_per_sec"`
	RateBurst       int           `mapstructure:"rate_burst"`
}

type CacheCfg struct {
	IdempotencyTTL    time.Duration `mapstructure:"idempotency_ttl"`
	RecentCap         int64         `mapstructure:"recent_cap"`
	RecentTTL         time.Duration `mapstructure:"recent_ttl"`
	PresenceTTL       time.Duration `mapstructure:"presence_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// RelayConfig is the relayd configuration, read from relay.yaml and RELAY_* env.
type RelayConfig struct {
	App    AppCfg    `mapstructure:"app"`
	JWT    JWTCfg    `mapstructure:"jwt"`
	Redis  RedisCfg  `mapstructure:"redis"`
	Mongo  MongoCfg  `mapstructure:"mongo"`
	Kafka  KafkaCfg  `mapstructure:"kafka"`
	Consul ConsulCfg `mapstructure:"consul"`
	WS     WSCfg     `mapstructure:"ws"`
	Cache  CacheCfg  `mapstructure:"cache"`
}

func setRelayDefaults(v *viper.Viper) {
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.instance", "")

	v.SetDefault("jwt.alg", "HS256")
	v.SetDefault("jwt.hs_secret", "")
	v.SetDefault("jwt.public_key_path", "")
	v.SetDefault("jwt.cookie_name", "access_token")
	v.SetDefault("jwt.single_device", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "courier")

	v.SetDefault("mongo.enabled", false)
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.db", "courier")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "courier.events")

	v.SetDefault("consul.addr", "")
	v.SetDefault("consul.service_name", "courier-relay")

	v.SetDefault("ws.ping_interval", 25*time.Second)
	v.SetDefault("ws.write_deadline", 10*time.Second)
	v.SetDefault("ws.max_message_size", 65536+4096)
	v.SetDefault("ws.rate_limit_per_sec", 20.0)
	v.SetDefault("ws.rate_burst", 40)

	v.SetDefault("cache.idempotency_ttl", 5*time.Minute)
	v.SetDefault("cache.recent_cap", 100)
	v.SetDefault("cache.recent_ttl", 24*time.Hour)
	v.SetDefault("cache.presence_ttl", 60*time.Second)
	v.SetDefault("cache.heartbeat_interval", 20*time.Second)
}

// LoadRelay reads the relay config. path may be empty, in which case only
// defaults, .env and RELAY_* variables apply.
func LoadRelay(path string) (*RelayConfig, error) {
	_ = godotenv.Load()

	v := viper.New()
	setRelayDefaults(v)
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read relay config: %w", err)
		}
	}

	var cfg RelayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode relay config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the relay cannot start with.
func (c *RelayConfig) Validate() error {
	switch strings.ToUpper(c.JWT.Alg) {
	case "HS256":
		if c.JWT.HSSecret == "" {
			return errors.New("jwt.hs_secret is required for HS256")
		}
	case "RS256":
		if c.JWT.PublicKeyPath == "" {
			return errors.New("jwt.public_key_path is required for RS256")
		}
	default:
		return fmt.Errorf("unsupported jwt.alg %q", c.JWT.Alg)
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("invalid app.port %d", c.App.Port)
	}
	if c.WS.RateLimitPerSec <= 0 {
		return errors.New("ws.rate_limit_per_sec must be positive")
	}
	if c.Cache.IdempotencyTTL <= 0 || c.Cache.PresenceTTL <= 0 {
		return errors.New("cache ttls must be positive")
	}
	if c.Cache.HeartbeatInterval >= c.Cache.PresenceTTL {
		return errors.New("cache.heartbeat_interval must be shorter than cache.presence_ttl")
	}
	return nil
}

// Dev reports whether the relay runs in development mode.
func (c *RelayConfig) Dev() bool {
	return c.App.Env == "development" || c.App.Env == "dev"
}
