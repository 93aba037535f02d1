package logging

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Settings controls the global zerolog logger.
type Settings struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	WithCaller bool   `mapstructure:"with_caller" yaml:"with_caller"`
	JSON       bool   `mapstructure:"json" yaml:"json"`
}

// Init configures log.Logger. When File is set logs go to a rotated file instead of stderr,
// which keeps the terminal UI clean.
func Init(s Settings) (io.Closer, error) {
	level := zerolog.InfoLevel
	if strings.TrimSpace(s.Level) != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(s.Level))
		if err != nil {
			return nil, errors.Wrapf(err, "parse log level %q", s.Level)
		}
		level = l
	}
	zerolog.SetGlobalLevel(level)

	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if s.File != "" {
		lj := &lumberjack.Logger{
			Filename:   s.File,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		}
		out, closer = lj, lj
	}
	if !s.JSON && s.File == "" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
