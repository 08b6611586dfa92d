package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "MESHROOM"

type Config struct {
	Mode             string        `mapstructure:"mode"`
	Port             int           `mapstructure:"port"`
	LogLevel         string        `mapstructure:"log_level"`
	ReadLimit        int64         `mapstructure:"read_limit"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	SendBuffer       int           `mapstructure:"send_buffer"`
	JoinRateLimit    int           `mapstructure:"join_rate_limit"`
	JoinRateInterval time.Duration `mapstructure:"join_rate_interval"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
}

type ClientConfig struct {
	Server           string        `mapstructure:"server"`
	Secure           bool          `mapstructure:"secure"`
	Room             string        `mapstructure:"room"`
	Name             string        `mapstructure:"name"`
	Audio            bool          `mapstructure:"audio"`
	Video            bool          `mapstructure:"video"`
	CallSetupTimeout time.Duration `mapstructure:"call_setup_timeout"`
	STUNServer       string        `mapstructure:"stun_server"`
	LogLevel         string        `mapstructure:"log_level"`
}

func newViper(name string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	v.SetConfigFile(fmt.Sprintf("config/%s.%s.yaml", name, env))
	return v
}

func readIn(v *viper.Viper) {
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", v.ConfigFileUsed()).Msg("config file not found, using defaults")
		return
	}
	log.Info().Str("module", "config").Str("file", v.ConfigFileUsed()).Msg("loaded config")
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 9000)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 64*1024)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("join_rate_limit", 5)
	v.SetDefault("join_rate_interval", "10s")
	v.SetDefault("allowed_origins", []string{"*"})
}

func Load() (*Config, error) {
	v := newViper("config")
	setServerDefaults(v)
	readIn(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("server config")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.PingPeriod <= 0 || c.PongWait <= 0 || c.WriteWait <= 0 {
		return fmt.Errorf("ping_period, pong_wait and write_wait must be positive")
	}
	if c.ReadLimit < 0 {
		return fmt.Errorf("read_limit must not be negative")
	}
	if c.PingPeriod >= c.PongWait {
		return fmt.Errorf("ping_period (%s) must be shorter than pong_wait (%s)", c.PingPeriod, c.PongWait)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send_buffer must be positive")
	}
	return nil
}

// LoadClient reads the client config; flags that were set win over env and file.
func LoadClient(flags *pflag.FlagSet) (*ClientConfig, error) {
	v := newViper("client")
	v.SetDefault("server", "localhost:9000")
	v.SetDefault("secure", false)
	v.SetDefault("room", "test-room-1")
	v.SetDefault("audio", true)
	v.SetDefault("video", false)
	v.SetDefault("call_setup_timeout", "30s")
	v.SetDefault("stun_server", "stun:stun.l.google.com:19302")
	v.SetDefault("log_level", "info")
	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}
	readIn(v)

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	if cfg.Server == "" {
		return nil, fmt.Errorf("signaling server host is required")
	}
	return &cfg, nil
}

func (c *ClientConfig) scheme(secure, plain string) string {
	if c.Secure {
		return secure
	}
	return plain
}

// PresenceURL is the websocket address of the presence channel.
func (c *ClientConfig) PresenceURL() string {
	return fmt.Sprintf("%s://%s/ws", c.scheme("wss", "ws"), c.Server)
}

// IdentityURL is the websocket address of the identity broker.
func (c *ClientConfig) IdentityURL() string {
	return fmt.Sprintf("%s://%s/peer", c.scheme("wss", "ws"), c.Server)
}

// ParseLevel maps a config log level to zerolog, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
