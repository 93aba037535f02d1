// Package config loads chatty's settings from defaults, an optional YAML file, CHATTY_*
// environment variables, and command-line flags, in increasing precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatty/pkg/logging"
	"github.com/go-go-golems/chatty/pkg/redisstream"
	"github.com/go-go-golems/chatty/pkg/transport/eventbus"
)

const (
	EnvPrefix = "CHATTY"
	FileName  = "chatty"
)

const (
	TransportEventBus = "eventbus"
	TransportRedis    = "redis"
	TransportMemory   = "memory"
)

const (
	UIModeAuto  = "auto"
	UIModeTUI   = "tui"
	UIModePlain = "plain"
)

type ServerConfig struct {
	URL          string `mapstructure:"url" yaml:"url"`
	EventBusPath string `mapstructure:"eventbus_path" yaml:"eventbus_path"`
	Cookie       string `mapstructure:"cookie" yaml:"cookie,omitempty"`
}

type SessionConfig struct {
	UserID string `mapstructure:"user_id" yaml:"user_id"`
	RoomID string `mapstructure:"room_id" yaml:"room_id"`
}

type TransportConfig struct {
	Kind           string        `mapstructure:"kind" yaml:"kind"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

type ArchiveConfig struct {
	// Path enables the SQLite transcript archive when set.
	Path string `mapstructure:"path" yaml:"path"`
}

type UIConfig struct {
	Mode string `mapstructure:"mode" yaml:"mode"`
}

type Config struct {
	Server    ServerConfig         `mapstructure:"server" yaml:"server"`
	Session   SessionConfig        `mapstructure:"session" yaml:"session"`
	Transport TransportConfig      `mapstructure:"transport" yaml:"transport"`
	Redis     redisstream.Settings `mapstructure:"redis" yaml:"redis"`
	Heartbeat HeartbeatConfig      `mapstructure:"heartbeat" yaml:"heartbeat"`
	Archive   ArchiveConfig        `mapstructure:"archive" yaml:"archive"`
	UI        UIConfig             `mapstructure:"ui" yaml:"ui"`
	Log       logging.Settings     `mapstructure:"log" yaml:"log"`
}

// SetDefaults registers every key so that environment variables resolve even without a file.
func SetDefaults(v *viper.Viper) {
	redis := redisstream.DefaultSettings()

	v.SetDefault("server.url", "http://localhost:8080")
	v.SetDefault("server.eventbus_path", eventbus.DefaultPath)
	v.SetDefault("server.cookie", "")
	v.SetDefault("session.user_id", "")
	v.SetDefault("session.room_id", "")
	v.SetDefault("transport.kind", TransportEventBus)
	v.SetDefault("transport.request_timeout", "5s")
	v.SetDefault("redis.addr", redis.Addr)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", redis.DB)
	v.SetDefault("redis.group", "")
	v.SetDefault("redis.consumer", "")
	v.SetDefault("heartbeat.interval", "5s")
	v.SetDefault("archive.path", "")
	v.SetDefault("ui.mode", UIModeAuto)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.with_caller", false)
	v.SetDefault("log.json", false)
}

// New returns a viper instance with defaults, env lookup and, when found, the config file
// read. An explicit configFile must exist; the default search paths are optional.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("yaml")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", configFile)
		}
		return v, nil
	}

	v.SetConfigName(FileName)
	for _, dir := range SearchPaths() {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}
	return v, nil
}

func SearchPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "chatty"))
	}
	return paths
}

// BindFlags binds config keys to flags. Keys whose flag is missing from fs are skipped.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	for key, flag := range keys {
		f := fs.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind flag --%s to %s", flag, key)
		}
	}
	return nil
}

// Load decodes and validates the effective configuration.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	cfg.Transport.Kind = strings.ToLower(strings.TrimSpace(cfg.Transport.Kind))
	cfg.UI.Mode = strings.ToLower(strings.TrimSpace(cfg.UI.Mode))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Transport.Kind {
	case TransportEventBus:
		if strings.TrimSpace(c.Server.URL) == "" {
			return errors.New("server.url is required for the eventbus transport")
		}
	case TransportRedis:
		if err := c.Redis.Validate(); err != nil {
			return errors.Wrap(err, "redis")
		}
	case TransportMemory:
	default:
		return errors.Errorf("unknown transport.kind %q (want eventbus, redis or memory)", c.Transport.Kind)
	}
	switch c.UI.Mode {
	case UIModeAuto, UIModeTUI, UIModePlain:
	default:
		return errors.Errorf("unknown ui.mode %q (want auto, tui or plain)", c.UI.Mode)
	}
	if c.Heartbeat.Interval <= 0 {
		return errors.Errorf("heartbeat.interval must be positive, got %s", c.Heartbeat.Interval)
	}
	return nil
}

// Redacted hides credentials before the config is printed.
func (c Config) Redacted() Config {
	if c.Server.Cookie != "" {
		c.Server.Cookie = "***"
	}
	if c.Redis.Password != "" {
		c.Redis.Password = "***"
	}
	return c
}

func (t TransportConfig) MarshalYAML() (any, error) {
	return map[string]string{"kind": t.Kind, "request_timeout": t.RequestTimeout.String()}, nil
}

func (h HeartbeatConfig) MarshalYAML() (any, error) {
	return map[string]string{"interval": h.Interval.String()}, nil
}
