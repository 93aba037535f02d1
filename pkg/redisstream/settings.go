package redisstream

import "github.com/pkg/errors"

// Settings holds Redis Streams transport configuration for Watermill.
//
// Group is empty by default: every client then reads every stream entry (fan-out), which is
// what room broadcasts need. Setting Group makes clients sharing it compete for entries.
type Settings struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Group    string `mapstructure:"group" yaml:"group,omitempty"`
	Consumer string `mapstructure:"consumer" yaml:"consumer,omitempty"`
}

func DefaultSettings() Settings {
	return Settings{Addr: "localhost:6379"}
}

func (s Settings) Validate() error {
	if s.Addr == "" {
		return errors.New("redis addr is empty")
	}
	if s.Group != "" && s.Consumer == "" {
		return errors.New("redis consumer is required when a consumer group is set")
	}
	return nil
}
