package cmds

import (
	"context"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatty/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatty/pkg/ui"
)

// TranscriptCommand replays an archived room transcript. Without a room it lists the
// archived rooms.
type TranscriptCommand struct {
	*cmds.CommandDescription
	app *App
}

type TranscriptSettings struct {
	RoomID    string `glazed:"room-id"`
	Archive   string `glazed:"archive"`
	SessionID string `glazed:"session"`
	Limit     int    `glazed:"limit"`
}

func NewTranscriptCommand(app *App) (*TranscriptCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"transcript",
		cmds.WithShort("Replay an archived transcript, or list archived rooms"),
		cmds.WithFlags(
			fields.New(
				"archive",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("SQLite archive file (defaults to archive.path)"),
			),
			fields.New(
				"session",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Only this join session"),
			),
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(0),
				fields.WithHelp("Only the most recent lines (0 = all)"),
			),
		),
		cmds.WithArguments(
			fields.New(
				"room-id",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Room to replay; omit to list archived rooms"),
			),
		),
		cmds.WithSections(glazedSection),
	)
	return &TranscriptCommand{CommandDescription: desc, app: app}, nil
}

func (c *TranscriptCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &TranscriptSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	return c.run(ctx, s, gp)
}

func (c *TranscriptCommand) run(ctx context.Context, s *TranscriptSettings, gp middlewares.Processor) error {
	path := s.Archive
	if path == "" {
		path = c.app.Config.Archive.Path
	}
	if path == "" {
		return errors.New("no archive configured (--archive or archive.path)")
	}
	store, err := openArchive(path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if s.RoomID == "" {
		rooms, err := store.ListRooms(ctx)
		if err != nil {
			return err
		}
		for _, r := range rooms {
			row := types.NewRow(
				types.MRP("room_id", r.RoomID),
				types.MRP("name", r.DisplayName),
				types.MRP("last_seen", time.UnixMilli(r.LastSeenMs).Format(time.DateTime)),
			)
			if err := gp.AddRow(ctx, row); err != nil {
				return err
			}
		}
		return nil
	}

	records, err := store.List(ctx, chatstore.TranscriptQuery{RoomID: s.RoomID, SessionID: s.SessionID, Limit: s.Limit})
	if err != nil {
		return err
	}
	for _, r := range records {
		row := types.NewRow(
			types.MRP("seq", r.Seq),
			types.MRP("session_id", r.SessionID),
			types.MRP("origin", r.Origin),
			types.MRP("text", ui.RenderText(r.Text)),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &TranscriptCommand{}
