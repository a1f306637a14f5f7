package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	Relay       RelayConfig       `mapstructure:"relay"`
	Radio       RadioConfig       `mapstructure:"radio"`
	Media       MediaConfig       `mapstructure:"media"`
	Autoconnect AutoconnectConfig `mapstructure:"autoconnect"`

	v *viper.Viper
}

type RelayConfig struct {
	Driver       string        `mapstructure:"driver"`
	DSN          string        `mapstructure:"dsn"`
	SQLitePath   string        `mapstructure:"sqlite_path"`
	TailInterval time.Duration `mapstructure:"tail_interval"`
}

type RadioConfig struct {
	StalenessWindow time.Duration `mapstructure:"staleness_window"`
	HeartbeatPeriod time.Duration `mapstructure:"heartbeat_period"`
	PollPeriod      time.Duration `mapstructure:"poll_period"`
	EnvelopeTTL     time.Duration `mapstructure:"envelope_ttl"`
	FanoutLimit     int           `mapstructure:"fanout_limit"`
	ICEServers      []string      `mapstructure:"ice_servers"`
}

type MediaConfig struct {
	CaptureFile string `mapstructure:"capture_file"`
	RecordDir   string `mapstructure:"record_dir"`
}

// AutoconnectConfig joins a channel at startup when Callsign is set.
type AutoconnectConfig struct {
	Callsign string `mapstructure:"callsign"`
	Channel  int    `mapstructure:"channel"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "radio-dev-secret")
	v.SetDefault("log_level", "info")

	v.SetDefault("relay.driver", "memory")
	v.SetDefault("relay.dsn", "")
	v.SetDefault("relay.sqlite_path", "./data/radio.db")
	v.SetDefault("relay.tail_interval", "250ms")

	v.SetDefault("radio.staleness_window", "5m")
	v.SetDefault("radio.heartbeat_period", "30s")
	v.SetDefault("radio.poll_period", "15s")
	v.SetDefault("radio.envelope_ttl", "2m")
	v.SetDefault("radio.fanout_limit", 8)
	v.SetDefault("radio.ice_servers", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
		"stun:stun2.l.google.com:19302",
	})

	v.SetDefault("media.capture_file", "")
	v.SetDefault("media.record_dir", "")

	v.SetDefault("autoconnect.callsign", "")
	v.SetDefault("autoconnect.channel", 0)
}

func Load() (*Config, error) {
	return LoadFrom("config")
}

// LoadFrom reads <dir>/config.<CONFIG_ENV>.yaml over the defaults. RADIO_*
// environment variables (also from a .env file) override both.
func LoadFrom(dir string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("module", "config").Msg(".env not loaded")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := filepath.Join(dir, fmt.Sprintf("config.%s.yaml", env))
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix("RADIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("relay", cfg.Relay.Driver).
		Msg("config ready")
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.v = v
	return &cfg, nil
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Watch calls fn with a fresh Config each time the config file changes.
// Only settings that are safe to change at runtime should be applied by fn.
func (c *Config) Watch(fn func(*Config)) {
	if c.v == nil {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(c.v)
		if err != nil {
			log.Error().Err(err).Str("module", "config").Msg("reload failed")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config reloaded")
		fn(next)
	})
	c.v.WatchConfig()
}
