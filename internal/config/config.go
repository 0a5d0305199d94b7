// Package config loads ledgerd settings from ledgerd.yaml and the
// environment, and validates them before any component is built.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the complete ledgerd configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Identity IdentityConfig `mapstructure:"identity"`
	Events   EventsConfig   `mapstructure:"events"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port" validate:"min=1,max=65535"`
	CORSOrigins    []string `mapstructure:"cors_origins"`
	RateLimitRPS   float64  `mapstructure:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst" validate:"gte=0"`
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes" validate:"gt=0"`
}

// GRPCConfig configures the gRPC listener. Port 0 disables it.
type GRPCConfig struct {
	Port int `mapstructure:"port" validate:"min=0,max=65535"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=memory postgres sqlite leveldb"`
	// DSN is a postgres URL, a sqlite file path or a leveldb directory.
	DSN string `mapstructure:"dsn" validate:"required_unless=Driver memory"`
}

type IdentityConfig struct {
	// Mode is "open" (X-Ledger-Identity header is trusted) or "token"
	// (RS256 bearer tokens issued by this server).
	Mode     string        `mapstructure:"mode" validate:"oneof=open token"`
	KeyPath  string        `mapstructure:"key_path" validate:"required_if=Mode token"`
	Issuer   string        `mapstructure:"issuer" validate:"required"`
	TokenTTL time.Duration `mapstructure:"token_ttl" validate:"gte=0"`
}

type EventsConfig struct {
	RedisAddr     string   `mapstructure:"redis_addr" validate:"required_if=QueueWebhooks true"`
	RedisChannel  string   `mapstructure:"redis_channel"`
	WebhookURLs   []string `mapstructure:"webhook_urls" validate:"dive,url"`
	WebhookSecret string   `mapstructure:"webhook_secret"`
	QueueWebhooks bool     `mapstructure:"queue_webhooks"`
	// ProbeInterval is how often Redis and webhook targets are probed.
	// 0 disables probing.
	ProbeInterval time.Duration `mapstructure:"probe_interval" validate:"gte=0"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

// Load reads ledgerd.yaml from path, or from configs/ or the working
// directory when path is empty. A missing file is not an error. Every key
// can be overridden by an environment variable such as
// DEESEC_STORAGE_DRIVER.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ledgerd")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("DEESEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.rate_limit_rps", 20)
	v.SetDefault("server.rate_limit_burst", 40)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("grpc.port", 9090)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("identity.mode", "open")
	v.SetDefault("identity.key_path", "keys/ledger.pem")
	v.SetDefault("identity.issuer", "deesec")
	v.SetDefault("identity.token_ttl", "24h")
	v.SetDefault("events.redis_addr", "")
	v.SetDefault("events.redis_channel", "deesec:events")
	v.SetDefault("events.webhook_urls", []string{})
	v.SetDefault("events.webhook_secret", "")
	v.SetDefault("events.queue_webhooks", false)
	v.SetDefault("events.probe_interval", "1m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field rules the struct
// tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if len(c.Events.WebhookURLs) > 0 && c.Events.WebhookSecret == "" {
		return errors.New("invalid config: events.webhook_secret is required when webhook_urls are set")
	}
	if c.GRPC.Port != 0 && c.GRPC.Port == c.Server.Port {
		return errors.New("invalid config: grpc.port must differ from server.port")
	}
	return nil
}
