package cmds

import (
	"context"
	"fmt"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatty/pkg/config"
	"github.com/go-go-golems/chatty/pkg/webchat"
)

func NewRoomsCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List and create rooms",
	}
	listCmd, err := NewRoomsListCommand(app)
	cobra.CheckErr(err)
	cmd.AddCommand(buildGlazedCommand(listCmd), newRoomsCreateCommand(app))
	return cmd
}

type RoomsListCommand struct {
	*cmds.CommandDescription
	app *App
}

type RoomsListSettings struct {
	Wait string `glazed:"wait"`
}

func NewRoomsListCommand(app *App) (*RoomsListCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"list",
		cmds.WithShort("Wait for the next room list broadcast and print it"),
		cmds.WithFlags(
			fields.New(
				"wait",
				fields.TypeString,
				fields.WithDefault("10s"),
				fields.WithHelp("How long to wait for a broadcast"),
			),
		),
		cmds.WithSections(glazedSection),
	)
	return &RoomsListCommand{CommandDescription: desc, app: app}, nil
}

func (c *RoomsListCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &RoomsListSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	return c.run(ctx, s, gp)
}

func (c *RoomsListCommand) run(ctx context.Context, s *RoomsListSettings, gp middlewares.Processor) error {
	wait, err := time.ParseDuration(s.Wait)
	if err != nil || wait <= 0 {
		return errors.Errorf("invalid --wait %q", s.Wait)
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	w, err := Wire(ctx, c.app.Config)
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	go func() { _ = w.Run(ctx) }()
	if err := w.WaitReady(ctx); err != nil {
		return errors.Errorf("transport not ready within %s", wait)
	}

	got := make(chan []webchat.RoomDescriptor, 1)
	sub, err := w.Transport.Subscribe(webchat.TopicRooms, func(_ context.Context, env webchat.Envelope) {
		rooms, err := webchat.DecodeRoomRoster(env.Topic, env.Payload)
		if err != nil {
			return
		}
		select {
		case got <- rooms:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	select {
	case rooms := <-got:
		for _, r := range rooms {
			row := types.NewRow(
				types.MRP("room_id", r.RoomID),
				types.MRP("name", r.DisplayName),
			)
			if err := gp.AddRow(ctx, row); err != nil {
				return err
			}
		}
		return nil
	case <-ctx.Done():
		return errors.Errorf("no room list received within %s", wait)
	}
}

var _ cmds.GlazeCommand = &RoomsListCommand{}

func newRoomsCreateCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Config.Transport.Kind == config.TransportMemory {
				return errors.New("the memory transport keeps rooms in process; use /create inside join")
			}
			api, err := httpAPI(app.Config)
			if err != nil {
				return err
			}
			room, err := api.CreateRoom(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if room.RoomID == "" {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "created %q (id arrives with the next room list)\n", room.DisplayName)
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "created %q as %s\n", room.DisplayName, room.RoomID)
			return err
		},
	}
}
