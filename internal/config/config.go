package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode               string        `mapstructure:"mode"`
	LogLevel           string        `mapstructure:"log_level"`
	GatewayURL         string        `mapstructure:"gateway_url"`
	Room               string        `mapstructure:"room"`
	Display            string        `mapstructure:"display"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	KeepalivePeriod    time.Duration `mapstructure:"keepalive_period"`
	TransactionTimeout time.Duration `mapstructure:"transaction_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	ReadLimit          int64         `mapstructure:"read_limit"`
	SendBuffer         int           `mapstructure:"send_buffer"`
	ICEServers         []string      `mapstructure:"ice_servers"`
	StatusAddr         string        `mapstructure:"status_addr"`
	Token              string        `mapstructure:"token"`
	APISecret          string        `mapstructure:"api_secret"`
}

const EnvPrefix = "ROOMCLIENT"

// Flags returns the command line flags that override the config file.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("roomclient", pflag.ContinueOnError)
	fs.String("gateway_url", "", "gateway websocket URL (ws:// or wss://)")
	fs.String("room", "", "videoroom id to join")
	fs.String("display", "", "display name of the local publisher")
	fs.String("log_level", "", "log level (trace, debug, info, warn, error)")
	fs.String("status_addr", "", "listen address of the status endpoint, empty disables it")
	fs.String("config", "", "explicit config file path")
	return fs
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("gateway_url", "ws://localhost:8188")
	v.SetDefault("room", "1234")
	v.SetDefault("display", "roomclient")
	v.SetDefault("connect_timeout", "10s")
	v.SetDefault("keepalive_period", "30s")
	v.SetDefault("transaction_timeout", "30s")
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("send_buffer", 32)
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("status_addr", "")
	v.SetDefault("token", "")
	v.SetDefault("api_secret", "")
}

// Load reads config/config.<CONFIG_ENV>.yaml (or the file named by
// --config / ROOMCLIENT_CONFIG), then applies environment variables and
// the flags in fs. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	fileName := v.GetString("config")
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not loaded, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Str("gateway", cfg.GatewayURL).
		Str("room", cfg.Room).
		Msg("config ready")
	return &cfg, nil
}

var ErrInvalidConfig = errors.New("invalid config")

func (c *Config) Validate() error {
	u, err := url.Parse(c.GatewayURL)
	if err != nil {
		return fmt.Errorf("%w: gateway_url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: gateway_url scheme must be ws or wss, got %q", ErrInvalidConfig, u.Scheme)
	}
	if strings.TrimSpace(c.Room) == "" {
		return fmt.Errorf("%w: room is empty", ErrInvalidConfig)
	}
	for name, d := range map[string]time.Duration{
		"connect_timeout":     c.ConnectTimeout,
		"keepalive_period":    c.KeepalivePeriod,
		"transaction_timeout": c.TransactionTimeout,
		"write_timeout":       c.WriteTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("%w: send_buffer must be positive", ErrInvalidConfig)
	}
	return nil
}
