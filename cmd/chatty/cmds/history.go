package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatty/pkg/config"
	"github.com/go-go-golems/chatty/pkg/ui"
	"github.com/go-go-golems/chatty/pkg/webchat"
)

// HistoryCommand prints a room's server-side history, one row per entry.
type HistoryCommand struct {
	*cmds.CommandDescription
	app *App
}

type HistorySettings struct {
	RoomID string `glazed:"room-id"`
	Raw    bool   `glazed:"raw"`
}

func NewHistoryCommand(app *App) (*HistoryCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"history",
		cmds.WithShort("Print a room's server-side history"),
		cmds.WithFlags(
			fields.New(
				"raw",
				fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Keep entries as the server sent them"),
			),
		),
		cmds.WithArguments(
			fields.New(
				"room-id",
				fields.TypeString,
				fields.WithHelp("Room to read"),
				fields.WithRequired(true),
			),
		),
		cmds.WithSections(glazedSection),
	)
	return &HistoryCommand{CommandDescription: desc, app: app}, nil
}

func (c *HistoryCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &HistorySettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	return c.run(ctx, s, gp)
}

func (c *HistoryCommand) run(ctx context.Context, s *HistorySettings, gp middlewares.Processor) error {
	if c.app.Config.Transport.Kind == config.TransportMemory {
		return errors.New("the memory transport has no server history")
	}
	if s.RoomID == "" {
		return errors.New("room id is required")
	}
	api, err := httpAPI(c.app.Config)
	if err != nil {
		return err
	}
	entries, err := api.FetchHistory(ctx, webchat.HistorySource(s.RoomID))
	if err != nil {
		return err
	}
	for i, e := range entries {
		if !s.Raw {
			e = ui.RenderText(e)
		}
		row := types.NewRow(
			types.MRP("index", i),
			types.MRP("text", e),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &HistoryCommand{}
