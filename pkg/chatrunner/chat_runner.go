package chatrunner

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	input "github.com/tcnksm/go-input"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatty/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatty/pkg/ui"
	"github.com/go-go-golems/chatty/pkg/webchat"
)

// RunMode defines how the chat session is presented.
type RunMode string

const (
	RunModeTUI   RunMode = "tui"
	RunModePlain RunMode = "plain"
)

// ResolveMode maps the configured ui mode to a run mode. "auto" picks the terminal UI
// only when both stdin and stdout are terminals.
func ResolveMode(mode string) (RunMode, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "auto":
		if isatty.IsTerminal(os.Stdout.Fd()) && isatty.IsTerminal(os.Stdin.Fd()) {
			return RunModeTUI, nil
		}
		return RunModePlain, nil
	case string(RunModeTUI):
		return RunModeTUI, nil
	case string(RunModePlain):
		return RunModePlain, nil
	default:
		return "", errors.Errorf("unknown ui mode %q", mode)
	}
}

// Frontend is what a session renders into and reads from. One frontend lives for the whole
// session; each room gets its own channel.
type Frontend interface {
	webchat.RenderSink
	webchat.InputSource
	webchat.ErrorReporter
	Commands() <-chan ui.Command
	SwitchedRoom(userID, roomID string)
}

var (
	_ Frontend = (*ui.Bridge)(nil)
	_ Frontend = (*ui.Console)(nil)
)

// ChatSession holds the validated configuration and runs one user's chat, switching rooms
// on request. It's typically created by the ChatBuilder.
type ChatSession struct {
	ctx               context.Context
	session           webchat.Session
	transport         webchat.Transport
	history           webchat.HistoryFetcher
	rooms             webchat.RoomCreator
	directory         webchat.DirectoryLookup
	heartbeatInterval time.Duration
	archive           chatstore.TranscriptStore
	mode              RunMode
	programOptions    []tea.ProgramOption
	in                io.Reader
	out               io.Writer
}

// Run executes the chat session based on its configured mode.
func (cs *ChatSession) Run() error {
	switch cs.mode {
	case RunModeTUI:
		return cs.runTUI()
	case RunModePlain:
		return cs.runPlain()
	default:
		return errors.Errorf("unknown run mode: %v", cs.mode)
	}
}

func (cs *ChatSession) runTUI() error {
	bridge := ui.NewBridge()
	model := ui.NewModel(bridge, cs.session.UserID, cs.session.RoomID)
	p := tea.NewProgram(model, cs.programOptions...)

	eg, ctx := errgroup.WithContext(cs.ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg.Go(func() error {
		defer cancel()
		// sink calls must not block once the window is gone
		defer bridge.Close()
		_, err := p.Run()
		return errors.Wrap(err, "run terminal ui")
	})
	eg.Go(func() error {
		defer p.Quit()
		return cs.serve(ctx, bridge)
	})
	return eg.Wait()
}

func (cs *ChatSession) runPlain() error {
	console := ui.NewConsole(cs.in, cs.out)
	ctx, cancel := context.WithCancel(cs.ctx)
	defer cancel()
	// the reader may stay blocked on stdin after the session ends, so it is not waited for
	go func() {
		if err := console.Run(ctx); err != nil {
			log.Warn().Err(err).Str("component", "chatrunner").Msg("console input stopped")
		}
	}()
	return cs.serve(ctx, console)
}

// serve runs one channel per room until the user quits or ctx ends.
func (cs *ChatSession) serve(ctx context.Context, front Frontend) error {
	session := cs.session
	for {
		next, quit, err := cs.serveRoom(ctx, front, session)
		if err != nil || quit {
			return err
		}
		log.Info().Str("component", "chatrunner").Str("from_room", session.RoomID).Str("to_room", next.RoomID).Msg("switching room")
		session = next
	}
}

func (cs *ChatSession) serveRoom(ctx context.Context, front Frontend, session webchat.Session) (webchat.Session, bool, error) {
	front.SwitchedRoom(session.UserID, session.RoomID)

	var sink webchat.RenderSink = front
	var archive *chatstore.ArchivingSink
	if cs.archive != nil {
		archive = chatstore.NewArchivingSink(front, cs.archive, uuid.NewString())
		sink = archive
		defer func() { _ = archive.Close() }()
	}

	ch, err := webchat.NewChannel(webchat.ChannelConfig{
		Transport:         cs.transport,
		History:           cs.history,
		Rooms:             cs.rooms,
		Directory:         cs.directory,
		Sink:              sink,
		Input:             front,
		HeartbeatInterval: cs.heartbeatInterval,
	})
	if err != nil {
		return session, true, err
	}
	if err := ch.Init(ctx, session); err != nil {
		if ctx.Err() != nil {
			return session, true, nil
		}
		return session, true, errors.Wrapf(err, "join room %s", session.RoomID)
	}

	runCtx, stop := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- ch.Run(runCtx) }()

	next, quit := cs.dispatch(ctx, ch, front, session)

	stop()
	if err := <-runDone; err != nil {
		log.Warn().Err(err).Str("component", "chatrunner").Msg("input pump stopped")
	}
	if err := ch.Teardown(); err != nil {
		log.Warn().Err(err).Str("component", "chatrunner").Msg("teardown failed")
	}
	return next, quit, nil
}

// dispatch handles slash commands until one ends this room's channel.
func (cs *ChatSession) dispatch(ctx context.Context, ch *webchat.Channel, front Frontend, session webchat.Session) (webchat.Session, bool) {
	for {
		select {
		case <-ctx.Done():
			return session, true
		case <-ch.Done():
			return session, true
		case cmd := <-front.Commands():
			switch cmd.Kind {
			case ui.CommandQuit:
				return session, true
			case ui.CommandJoin:
				if cmd.Arg == session.RoomID {
					front.ReportError(errors.Errorf("already in room %s", cmd.Arg))
					continue
				}
				return webchat.Session{UserID: session.UserID, RoomID: cmd.Arg}, false
			case ui.CommandCreate:
				name := cmd.Arg
				go func() {
					if _, err := ch.CreateRoom(ctx, name); err != nil && !errors.Is(err, webchat.ErrTornDown) {
						front.ReportError(err)
					}
				}()
			}
		}
	}
}

// AskMissing prompts on tty for the user id and room id when they are not configured.
func AskMissing(session *webchat.Session, tty io.ReadWriter) error {
	prompt := &input.UI{
		Writer: tty,
		Reader: tty,
	}
	ask := func(query string, dst *string) error {
		if strings.TrimSpace(*dst) != "" {
			return nil
		}
		answer, err := prompt.Ask(query, &input.Options{
			Required:  true,
			Loop:      true,
			HideOrder: true,
			ValidateFunc: func(answer string) error {
				if strings.TrimSpace(answer) == "" {
					return errors.New("a value is required")
				}
				return nil
			},
		})
		if err != nil {
			return errors.Wrap(err, "failed to get user input")
		}
		*dst = strings.TrimSpace(answer)
		return nil
	}
	if err := ask("User id", &session.UserID); err != nil {
		return err
	}
	return ask("Room id", &session.RoomID)
}

// --- ChatBuilder ---

// ChatBuilder provides a fluent API for configuring and running a chat session.
type ChatBuilder struct {
	err               error
	ctx               context.Context
	session           webchat.Session
	transport         webchat.Transport
	history           webchat.HistoryFetcher
	rooms             webchat.RoomCreator
	directory         webchat.DirectoryLookup
	heartbeatInterval time.Duration
	archive           chatstore.TranscriptStore
	mode              RunMode
	programOptions    []tea.ProgramOption
	in                io.Reader
	out               io.Writer
}

// NewChatBuilder creates a new builder with default settings.
func NewChatBuilder() *ChatBuilder {
	return &ChatBuilder{
		ctx:               context.Background(),
		heartbeatInterval: 5 * time.Second,
		programOptions:    []tea.ProgramOption{tea.WithAltScreen()},
		in:                os.Stdin,
		out:               os.Stdout,
		mode:              RunModePlain,
	}
}

func (b *ChatBuilder) WithContext(ctx context.Context) *ChatBuilder {
	if b.err != nil {
		return b
	}
	if ctx == nil {
		b.err = errors.New("context cannot be nil")
		return b
	}
	b.ctx = ctx
	return b
}

// WithSession sets the user and the first room. (Required)
func (b *ChatBuilder) WithSession(session webchat.Session) *ChatBuilder {
	if b.err != nil {
		return b
	}
	if err := session.Validate(); err != nil {
		b.err = err
		return b
	}
	b.session = session
	return b
}

// WithTransport sets the pub/sub fabric. (Required)
func (b *ChatBuilder) WithTransport(t webchat.Transport) *ChatBuilder {
	if b.err != nil {
		return b
	}
	if t == nil {
		b.err = errors.New("transport cannot be nil")
		return b
	}
	b.transport = t
	return b
}

func (b *ChatBuilder) WithHistory(h webchat.HistoryFetcher) *ChatBuilder {
	b.history = h
	return b
}

func (b *ChatBuilder) WithRoomCreator(r webchat.RoomCreator) *ChatBuilder {
	b.rooms = r
	return b
}

// WithDirectory overrides the user directory; by default lookups go over the transport.
func (b *ChatBuilder) WithDirectory(d webchat.DirectoryLookup) *ChatBuilder {
	b.directory = d
	return b
}

func (b *ChatBuilder) WithHeartbeatInterval(d time.Duration) *ChatBuilder {
	if b.err != nil {
		return b
	}
	if d <= 0 {
		b.err = errors.Wrapf(webchat.ErrInvalidInterval, "heartbeat interval %s", d)
		return b
	}
	b.heartbeatInterval = d
	return b
}

// WithArchive records every rendered message in store.
func (b *ChatBuilder) WithArchive(store chatstore.TranscriptStore) *ChatBuilder {
	b.archive = store
	return b
}

func (b *ChatBuilder) WithMode(mode RunMode) *ChatBuilder {
	if b.err != nil {
		return b
	}
	switch mode {
	case RunModeTUI, RunModePlain:
		b.mode = mode
	default:
		b.err = errors.Errorf("invalid run mode: %s", mode)
	}
	return b
}

// WithProgramOptions adds options for configuring the bubbletea program.
func (b *ChatBuilder) WithProgramOptions(opts ...tea.ProgramOption) *ChatBuilder {
	b.programOptions = append(b.programOptions, opts...)
	return b
}

// WithIO sets the reader and writer used by the plain mode. Defaults to stdin and stdout.
func (b *ChatBuilder) WithIO(in io.Reader, out io.Writer) *ChatBuilder {
	if b.err != nil {
		return b
	}
	if in == nil || out == nil {
		b.err = errors.New("input and output cannot be nil")
		return b
	}
	b.in, b.out = in, out
	return b
}

func (b *ChatBuilder) Build() (*ChatSession, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.transport == nil {
		return nil, errors.New("transport is required (use WithTransport)")
	}
	if err := b.session.Validate(); err != nil {
		return nil, errors.Wrap(err, "session is required (use WithSession)")
	}
	return &ChatSession{
		ctx:               b.ctx,
		session:           b.session,
		transport:         b.transport,
		history:           b.history,
		rooms:             b.rooms,
		directory:         b.directory,
		heartbeatInterval: b.heartbeatInterval,
		archive:           b.archive,
		mode:              b.mode,
		programOptions:    b.programOptions,
		in:                b.in,
		out:               b.out,
	}, nil
}
