package cmds

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatty/pkg/config"
	"github.com/go-go-golems/chatty/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatty/pkg/webchat"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatty.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// rowCollector is a glazed processor that keeps the rows for inspection.
type rowCollector struct {
	rows []types.Row
}

func (c *rowCollector) AddRow(_ context.Context, row types.Row) error {
	c.rows = append(c.rows, row)
	return nil
}

func (c *rowCollector) Close(_ context.Context) error {
	return nil
}

func (c *rowCollector) column(name string) []any {
	out := make([]any, 0, len(c.rows))
	for _, row := range c.rows {
		v, _ := row.Get(name)
		out = append(out, v)
	}
	return out
}

var _ middlewares.Processor = &rowCollector{}

func loadTestApp(t *testing.T, body string) *App {
	t.Helper()
	v, err := config.New(writeTestConfig(t, body))
	require.NoError(t, err)
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return &App{Viper: v, Config: cfg}
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	app := NewApp()
	root := NewRootCommand(app)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	_ = app.Close()
	return out.String(), err
}

func TestConfigShow_RedactsSecrets(t *testing.T) {
	cfg := writeTestConfig(t, `
server:
  cookie: vertx-web.session=secret
transport:
  kind: memory
log:
  level: error
`)
	out, err := execute(t, "", "config", "show", "--config", cfg, "--transport", "redis", "--redis-addr", "redis:6379")
	require.NoError(t, err)
	require.Contains(t, out, "# from "+cfg)
	require.Contains(t, out, "kind: redis")
	require.Contains(t, out, "addr: redis:6379")
	require.Contains(t, out, "interval: 5s")
	require.Contains(t, out, "***")
	require.NotContains(t, out, "secret")
}

func TestConfig_RejectsUnknownTransport(t *testing.T) {
	cfg := writeTestConfig(t, "log:\n  level: error\n")
	_, err := execute(t, "", "config", "show", "--config", cfg, "--transport", "pigeon")
	require.ErrorContains(t, err, "transport.kind")
}

func TestTranscript_ReplaysArchive(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "archive.db")
	dsn, err := chatstore.SQLiteTranscriptDSNForFile(archive)
	require.NoError(t, err)
	store, err := chatstore.NewSQLiteTranscriptStore(dsn)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, chatstore.MessageRecord{RoomID: "r1", SessionID: "s1", Seq: 1, Origin: "history", Text: "t1 &lt;a@x&gt;: hello"}))
	require.NoError(t, store.Append(ctx, chatstore.MessageRecord{RoomID: "r1", SessionID: "s1", Seq: 2, Text: "t2 &lt;b@x&gt;: hi"}))
	require.NoError(t, store.UpsertRooms(ctx, []chatstore.RoomRecord{{RoomID: "r1", DisplayName: "Lobby", LastSeenMs: 1}}))
	require.NoError(t, store.Close())

	cmd, err := NewTranscriptCommand(loadTestApp(t, "log:\n  level: error\n"))
	require.NoError(t, err)

	gp := &rowCollector{}
	require.NoError(t, cmd.run(ctx, &TranscriptSettings{RoomID: "r1", Archive: archive}, gp))
	require.Equal(t, []any{"t1 <a@x>: hello", "t2 <b@x>: hi"}, gp.column("text"))
	require.Equal(t, []any{uint64(1), uint64(2)}, gp.column("seq"))

	gp = &rowCollector{}
	require.NoError(t, cmd.run(ctx, &TranscriptSettings{RoomID: "r1", Archive: archive, Limit: 1}, gp))
	require.Equal(t, []any{"t2 <b@x>: hi"}, gp.column("text"))

	gp = &rowCollector{}
	require.NoError(t, cmd.run(ctx, &TranscriptSettings{Archive: archive}, gp))
	require.Equal(t, []any{"r1"}, gp.column("room_id"))
	require.Equal(t, []any{"Lobby"}, gp.column("name"))

	err = cmd.run(ctx, &TranscriptSettings{RoomID: "r1"}, &rowCollector{})
	require.ErrorContains(t, err, "no archive configured")
}

func TestTranscript_ArchiveFromConfig(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "archive.db")
	dsn, err := chatstore.SQLiteTranscriptDSNForFile(archive)
	require.NoError(t, err)
	store, err := chatstore.NewSQLiteTranscriptStore(dsn)
	require.NoError(t, err)
	require.NoError(t, store.Append(context.Background(), chatstore.MessageRecord{RoomID: "r1", SessionID: "s1", Seq: 1, Text: "hey"}))
	require.NoError(t, store.Close())

	cmd, err := NewTranscriptCommand(loadTestApp(t, "archive:\n  path: "+archive+"\nlog:\n  level: error\n"))
	require.NoError(t, err)
	gp := &rowCollector{}
	require.NoError(t, cmd.run(context.Background(), &TranscriptSettings{RoomID: "r1"}, gp))
	require.Equal(t, []any{"hey"}, gp.column("text"))
}

func TestHistory_MemoryTransportHasNoServer(t *testing.T) {
	cmd, err := NewHistoryCommand(loadTestApp(t, "transport:\n  kind: memory\nlog:\n  level: error\n"))
	require.NoError(t, err)
	err = cmd.run(context.Background(), &HistorySettings{RoomID: "r1"}, &rowCollector{})
	require.ErrorContains(t, err, "no server history")
}

func TestHistory_EmitsRenderedRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"history":[["t1","a@x","a & b"],"<b>bold</b>"]}}`)
	}))
	defer srv.Close()

	cmd, err := NewHistoryCommand(loadTestApp(t, "server:\n  url: "+srv.URL+"\nlog:\n  level: error\n"))
	require.NoError(t, err)

	gp := &rowCollector{}
	require.NoError(t, cmd.run(context.Background(), &HistorySettings{RoomID: "r1"}, gp))
	require.Equal(t, []any{"t1 <a@x>: a & b", "bold"}, gp.column("text"))
	require.Equal(t, []any{0, 1}, gp.column("index"))

	gp = &rowCollector{}
	require.NoError(t, cmd.run(context.Background(), &HistorySettings{RoomID: "r1", Raw: true}, gp))
	require.Equal(t, []any{"t1 &lt;a@x&gt;: a &amp; b", "<b>bold</b>"}, gp.column("text"))
}

func TestRoomsCreate_MemoryTransport(t *testing.T) {
	cfg := writeTestConfig(t, "transport:\n  kind: memory\nlog:\n  level: error\n")
	_, err := execute(t, "", "rooms", "create", "Ops", "--config", cfg)
	require.ErrorContains(t, err, "memory transport")
}

func TestRoomsList_MemoryTransport(t *testing.T) {
	cmd, err := NewRoomsListCommand(loadTestApp(t, "transport:\n  kind: memory\nlog:\n  level: error\n"))
	require.NoError(t, err)

	gp := &rowCollector{}
	require.NoError(t, cmd.run(context.Background(), &RoomsListSettings{Wait: "5s"}, gp))
	require.Equal(t, []any{"lobby"}, gp.column("room_id"))
	require.Equal(t, []any{"Lobby"}, gp.column("name"))

	err = cmd.run(context.Background(), &RoomsListSettings{Wait: "soon"}, &rowCollector{})
	require.ErrorContains(t, err, "invalid --wait")
}

func TestJoin_PlainMemoryRoundTrip(t *testing.T) {
	cfg := writeTestConfig(t, "transport:\n  kind: memory\nlog:\n  level: error\n")
	archive := filepath.Join(t.TempDir(), "archive.db")
	out, err := execute(t, "", "join", "lobby", "--config", cfg, "--user", "u1", "--ui", "plain", "--archive", archive)
	require.NoError(t, err)
	require.Contains(t, out, "* joined lobby as u1")

	_, err = os.Stat(archive)
	require.NoError(t, err)
}

func TestMemoryWiring_PresenceOutlivesHeartbeatGap(t *testing.T) {
	app := loadTestApp(t, "transport:\n  kind: memory\nheartbeat:\n  interval: 2500ms\nlog:\n  level: error\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := Wire(ctx, app.Config)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	go func() { _ = w.Run(ctx) }()
	require.NoError(t, w.WaitReady(ctx))

	rosters := make(chan webchat.PresenceSnapshot, 64)
	sub, err := w.Transport.Subscribe(webchat.PartakersTopic("lobby"), func(_ context.Context, env webchat.Envelope) {
		snap, err := webchat.DecodePresenceSnapshot(env.Topic, env.Payload)
		if err != nil {
			return
		}
		select {
		case rosters <- snap:
		default:
		}
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	hb := webchat.NewPresenceHeartbeat(w.Transport)
	require.NoError(t, hb.Start(webchat.Session{UserID: "u1", RoomID: "lobby"}, app.Config.Heartbeat.Interval))
	defer hb.Stop()

	present := func(snap webchat.PresenceSnapshot) bool {
		for _, id := range snap.MemberIDs {
			if id == "u1" {
				return true
			}
		}
		return false
	}

	first := time.After(1500 * time.Millisecond)
	for joined := false; !joined; {
		select {
		case snap := <-rosters:
			joined = present(snap)
		case <-first:
			t.Fatal("u1 did not appear before the first heartbeat interval elapsed")
		}
	}

	window := time.After(4 * time.Second)
	for {
		select {
		case snap := <-rosters:
			require.True(t, present(snap), "u1 dropped from the roster between heartbeats")
		case <-window:
			return
		}
	}
}
