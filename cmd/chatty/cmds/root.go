package cmds

import (
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatty/pkg/config"
	"github.com/go-go-golems/chatty/pkg/logging"
)

// flagKeys maps config keys to the flags that override them. A command binds the ones it
// defines.
var flagKeys = map[string]string{
	"log.level":          "log-level",
	"log.file":           "log-file",
	"log.with_caller":    "with-caller",
	"log.json":           "log-json",
	"server.url":         "server",
	"server.cookie":      "cookie",
	"transport.kind":     "transport",
	"redis.addr":         "redis-addr",
	"redis.group":        "redis-group",
	"redis.consumer":     "redis-consumer",
	"session.user_id":    "user",
	"session.room_id":    "room",
	"heartbeat.interval": "heartbeat-interval",
	"archive.path":       "archive",
	"ui.mode":            "ui",
}

// App carries the effective configuration from the root command to its subcommands.
type App struct {
	ConfigFile string
	Viper      *viper.Viper
	Config     config.Config

	logCloser io.Closer
}

func NewApp() *App { return &App{} }

// Load reads the configuration for cmd and initializes logging. It runs once per invocation.
func (a *App) Load(cmd *cobra.Command) error {
	v, err := config.New(a.ConfigFile)
	if err != nil {
		return err
	}
	if err := config.BindFlags(v, cmd.Flags(), flagKeys); err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	closer, err := logging.Init(cfg.Log)
	if err != nil {
		return errors.Wrap(err, "init logging")
	}
	a.Viper, a.Config, a.logCloser = v, cfg, closer
	log.Debug().
		Str("config_file", v.ConfigFileUsed()).
		Str("transport", cfg.Transport.Kind).
		Str("server", cfg.Server.URL).
		Msg("configuration loaded")
	return nil
}

func (a *App) Close() error {
	if a.logCloser == nil {
		return nil
	}
	return a.logCloser.Close()
}

func NewRootCommand(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "chatty",
		Short:         "chatty joins web chat rooms from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// reinitialize the logger because we can now parse --log-level and co
			// from the command line flags
			return app.Load(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&app.ConfigFile, "config", "", "config file (default: chatty.yaml in . or ~/.config/chatty)")
	pf.String("log-level", "", "log level (trace, debug, info, warn, error)")
	pf.String("log-file", "", "write logs to this file, rotated")
	pf.Bool("with-caller", false, "log the caller of each log line")
	pf.Bool("log-json", false, "log JSON instead of console output")
	pf.String("server", "", "chat server base URL")
	pf.String("cookie", "", "session cookie forwarded to the server")
	pf.String("transport", "", "transport kind: eventbus, redis or memory")
	pf.String("redis-addr", "", "redis address for the redis transport")
	pf.String("redis-group", "", "redis consumer group (empty reads every entry)")
	pf.String("redis-consumer", "", "redis consumer name when a group is set")

	historyCmd, err := NewHistoryCommand(app)
	cobra.CheckErr(err)
	transcriptCmd, err := NewTranscriptCommand(app)
	cobra.CheckErr(err)

	rootCmd.AddCommand(
		NewJoinCommand(app),
		NewRoomsCommand(app),
		buildGlazedCommand(historyCmd),
		buildGlazedCommand(transcriptCmd),
		NewConfigCommand(app),
	)
	return rootCmd
}
