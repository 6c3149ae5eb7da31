package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const devAPISecret = "secret"

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	LiveKit   LiveKit   `mapstructure:"livekit"`
	Token     Token     `mapstructure:"token"`
	Session   Session   `mapstructure:"session"`
	Router    Router    `mapstructure:"router"`
	Reconnect Reconnect `mapstructure:"reconnect"`
	Upstream  Upstream  `mapstructure:"upstream"`
	Rate      Rate      `mapstructure:"rate"`
}

type LiveKit struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	URL       string `mapstructure:"url"`
}

type Token struct {
	TTL          time.Duration `mapstructure:"ttl"`
	DefaultRoom  string        `mapstructure:"default_room"`
	DefaultModel string        `mapstructure:"default_model"`
}

type Session struct {
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	WelcomeMessage string        `mapstructure:"welcome_message"`
}

type Router struct {
	BufferSize  int           `mapstructure:"buffer_size"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
}

type Reconnect struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	Jitter      float64       `mapstructure:"jitter"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	OutboxSize  int           `mapstructure:"outbox_size"`
}

// Upstream.URL empty means events are pushed over HTTP instead of pulled from an agent.
type Upstream struct {
	URL string `mapstructure:"url"`
}

type Rate struct {
	TokenRPS   float64 `mapstructure:"token_rps"`
	TokenBurst int     `mapstructure:"token_burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("livekit.api_key", "devkey")
	v.SetDefault("livekit.api_secret", "")
	v.SetDefault("livekit.url", "")

	v.SetDefault("token.ttl", "10m")
	v.SetDefault("token.default_room", "gemini-test-room")
	v.SetDefault("token.default_model", "gemini-2.5-flash-native-audio-preview-09-2025")

	v.SetDefault("session.idle_timeout", "5m")
	v.SetDefault("session.sweep_interval", "30s")
	v.SetDefault("session.welcome_message", "")

	v.SetDefault("router.buffer_size", 256)
	v.SetDefault("router.sink_timeout", "300ms")

	v.SetDefault("reconnect.base_delay", "500ms")
	v.SetDefault("reconnect.multiplier", 2.0)
	v.SetDefault("reconnect.jitter", 0.2)
	v.SetDefault("reconnect.max_delay", "10s")
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.outbox_size", 64)

	v.SetDefault("upstream.url", "")

	v.SetDefault("rate.token_rps", 1.0)
	v.SetDefault("rate.token_burst", 5)
}

// Load reads config/config.<CONFIG_ENV>.yaml (CONFIG_ENV defaults to dev) after loading
// a .env file if one exists. VOICEGW_* and LIVEKIT_* variables override the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("module", "config").Msg("failed to read .env")
	}

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	setDefaults(v)

	v.SetEnvPrefix("VOICEGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("livekit.api_key", "VOICEGW_LIVEKIT_API_KEY", "LIVEKIT_API_KEY")
	_ = v.BindEnv("livekit.api_secret", "VOICEGW_LIVEKIT_API_SECRET", "LIVEKIT_API_SECRET")
	_ = v.BindEnv("livekit.url", "VOICEGW_LIVEKIT_URL", "LIVEKIT_URL")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Bool("push_mode", cfg.Upstream.URL == "").Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.LiveKit.APISecret == "" {
		if c.Mode == "release" {
			return errors.New("livekit.api_secret is required in release mode")
		}
		log.Warn().Str("module", "config").Msg("livekit.api_secret not set, using the development secret")
		c.LiveKit.APISecret = devAPISecret
	}
	if c.Secret == "" {
		if c.Mode == "release" {
			return errors.New("secret is required in release mode")
		}
		c.Secret = c.LiveKit.APISecret
	}
	if c.Router.BufferSize <= 0 {
		return fmt.Errorf("router.buffer_size must be positive, got %d", c.Router.BufferSize)
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= 1 {
		return fmt.Errorf("reconnect.jitter must be in [0,1), got %v", c.Reconnect.Jitter)
	}
	return nil
}
