package redisstream

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatty/pkg/logging"
)

func TestSettingsValidate(t *testing.T) {
	require.NoError(t, DefaultSettings().Validate())
	require.Error(t, Settings{}.Validate())
	require.Error(t, Settings{Addr: "localhost:6379", Group: "g"}.Validate())
	require.NoError(t, Settings{Addr: "localhost:6379", Group: "g", Consumer: "c"}.Validate())
}

func TestBuildPubSub_RejectsInvalidSettings(t *testing.T) {
	_, err := BuildPubSub(Settings{}, logging.NewWatermill(log.Logger))
	require.Error(t, err)
}

// Needs a live server: CHATTY_TEST_REDIS_ADDR=localhost:6379 go test ./pkg/redisstream/...
func TestPubSub_FanOutRoundTrip(t *testing.T) {
	addr := os.Getenv("CHATTY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHATTY_TEST_REDIS_ADDR not set")
	}
	ps, err := BuildPubSub(Settings{Addr: addr}, logging.NewWatermill(log.Logger))
	require.NoError(t, err)
	defer func() { _ = ps.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ps.Ping(ctx))

	topic := "chatty-test-" + uuid.NewString()
	require.NoError(t, ps.PrepareTopic(ctx, topic))
	msgs, err := ps.Subscriber.Subscribe(ctx, topic)
	require.NoError(t, err)

	// fan-out subscribers start at the tail; give the reader a moment to attach
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, ps.Publisher.Publish(topic, message.NewMessage(uuid.NewString(), []byte(`{"users":[]}`))))

	select {
	case m := <-msgs:
		require.JSONEq(t, `{"users":[]}`, string(m.Payload))
		m.Ack()
	case <-ctx.Done():
		t.Fatal("timeout waiting for redis delivery")
	}
}
