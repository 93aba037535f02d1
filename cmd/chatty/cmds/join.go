package cmds

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatty/pkg/chatrunner"
	"github.com/go-go-golems/chatty/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatty/pkg/webchat"
)

func NewJoinCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join [room-id]",
		Short: "Join a room and chat",
		Long: `Join a room and chat. Inside the room:

  /join <room id>    switch rooms
  /create <name>     create a room
  /quit              leave (also ctrl+c)
  ctrl+y             copy the transcript (terminal UI)`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.Config
			session := webchat.Session{UserID: cfg.Session.UserID, RoomID: cfg.Session.RoomID}
			if len(args) == 1 {
				session.RoomID = args[0]
			}
			if session.Validate() != nil {
				if !isatty.IsTerminal(os.Stdin.Fd()) {
					return errors.New("user and room are required (--user, --room or CHATTY_SESSION_*)")
				}
				if err := chatrunner.AskMissing(&session, ttyReadWriter{}); err != nil {
					return err
				}
			}

			mode, err := chatrunner.ResolveMode(cfg.UI.Mode)
			if err != nil {
				return err
			}
			if mode == chatrunner.RunModeTUI && cfg.Log.File == "" {
				log.Warn().Msg("logging to stderr while the terminal UI runs; use --log-file to keep the screen clean")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w, err := Wire(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = w.Close() }()

			builder := chatrunner.NewChatBuilder().
				WithSession(session).
				WithTransport(w.Transport).
				WithHistory(w.History).
				WithRoomCreator(w.Rooms).
				WithHeartbeatInterval(cfg.Heartbeat.Interval).
				WithMode(mode).
				WithIO(cmd.InOrStdin(), cmd.OutOrStdout())

			if cfg.Archive.Path != "" {
				store, err := openArchive(cfg.Archive.Path)
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()
				builder = builder.WithArchive(store)
			}

			eg, ctx := errgroup.WithContext(ctx)
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			cs, err := builder.WithContext(ctx).Build()
			if err != nil {
				return err
			}

			eg.Go(func() error {
				return w.Run(ctx)
			})
			eg.Go(func() error {
				defer cancel()
				if w.WaitReady(ctx) != nil {
					return nil
				}
				return cs.Run()
			})
			return eg.Wait()
		},
	}
	cmd.Flags().String("user", "", "your user id")
	cmd.Flags().String("room", "", "room id to join (or pass it as argument)")
	cmd.Flags().String("ui", "", "ui mode: auto, tui or plain")
	cmd.Flags().Duration("heartbeat-interval", 0, "presence heartbeat interval (default 5s)")
	cmd.Flags().String("archive", "", "record the transcript in this SQLite file")
	return cmd
}

func openArchive(path string) (*chatstore.SQLiteTranscriptStore, error) {
	dsn, err := chatstore.SQLiteTranscriptDSNForFile(path)
	if err != nil {
		return nil, err
	}
	return chatstore.NewSQLiteTranscriptStore(dsn)
}

// ttyReadWriter prompts on stderr so stdout stays clean for piping.
type ttyReadWriter struct{}

func (ttyReadWriter) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (ttyReadWriter) Write(p []byte) (int, error) { return os.Stderr.Write(p) }
