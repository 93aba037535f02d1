package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoad_Defaults(t *testing.T) {
	v, err := New(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	require.Equal(t, "http://localhost:8080", cfg.Server.URL)
	require.Equal(t, "/eventbus/websocket", cfg.Server.EventBusPath)
	require.Equal(t, TransportEventBus, cfg.Transport.Kind)
	require.Equal(t, 5*time.Second, cfg.Transport.RequestTimeout)
	require.Equal(t, 5*time.Second, cfg.Heartbeat.Interval)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, UIModeAuto, cfg.UI.Mode)
	require.Equal(t, "info", cfg.Log.Level)
	require.Empty(t, cfg.Archive.Path)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatty.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	path := writeConfig(t, `
server:
  url: https://chat.example.com
transport:
  kind: Redis
redis:
  addr: redis:6379
heartbeat:
  interval: 500ms
session:
  user_id: u-file
ui:
  mode: plain
`)
	t.Setenv("CHATTY_SESSION_ROOM_ID", "room-env")
	t.Setenv("CHATTY_LOG_LEVEL", "debug")

	v, err := New(path)
	require.NoError(t, err)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("user", "", "")
	require.NoError(t, fs.Parse([]string{"--user", "u-flag"}))
	require.NoError(t, BindFlags(v, fs, map[string]string{
		"session.user_id": "user",
		"archive.path":    "archive",
	}))

	cfg, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, "https://chat.example.com", cfg.Server.URL)
	require.Equal(t, TransportRedis, cfg.Transport.Kind)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, 500*time.Millisecond, cfg.Heartbeat.Interval)
	require.Equal(t, "u-flag", cfg.Session.UserID)
	require.Equal(t, "room-env", cfg.Session.RoomID)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, UIModePlain, cfg.UI.Mode)
}

func TestNew_MissingExplicitFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	ok := Config{
		Server:    ServerConfig{URL: "http://x"},
		Transport: TransportConfig{Kind: TransportEventBus},
		Heartbeat: HeartbeatConfig{Interval: time.Second},
		UI:        UIConfig{Mode: UIModeTUI},
	}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.Transport.Kind = "carrier-pigeon"
	require.ErrorContains(t, bad.Validate(), "transport.kind")

	bad = ok
	bad.UI.Mode = "gui"
	require.ErrorContains(t, bad.Validate(), "ui.mode")

	bad = ok
	bad.Heartbeat.Interval = 0
	require.ErrorContains(t, bad.Validate(), "heartbeat.interval")

	bad = ok
	bad.Server.URL = ""
	require.Error(t, bad.Validate())

	mem := ok
	mem.Server.URL = ""
	mem.Transport.Kind = TransportMemory
	require.NoError(t, mem.Validate())

	redis := ok
	redis.Transport.Kind = TransportRedis
	require.Error(t, redis.Validate())
}

func TestRedactedYAML(t *testing.T) {
	cfg := Config{
		Server:    ServerConfig{URL: "http://x", Cookie: "session=secret"},
		Heartbeat: HeartbeatConfig{Interval: 1500 * time.Millisecond},
	}
	cfg.Redis.Password = "hunter2"

	out, err := yaml.Marshal(cfg.Redacted())
	require.NoError(t, err)
	require.NotContains(t, string(out), "secret")
	require.NotContains(t, string(out), "hunter2")
	require.Contains(t, string(out), "interval: 1.5s")
	require.Equal(t, "session=secret", cfg.Server.Cookie)
}
