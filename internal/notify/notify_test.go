package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATSNotifierPublishes(t *testing.T) {
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 1)
	_, err = sub.ChanSubscribe("factory.input.*", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	n, err := NewNATSNotifier(server.ClientURL(), "", zap.NewNop())
	require.NoError(t, err)
	defer n.Close()

	err = n.Notify(context.Background(), Notification{
		PipelineID: "p1",
		Kind:       KindInputRequested,
		Questions:  []string{"Which database?"},
	})
	require.NoError(t, err)

	select {
	case m := <-msgs:
		assert.Equal(t, "factory.input.p1", m.Subject)
		var got Notification
		require.NoError(t, json.Unmarshal(m.Data, &got))
		assert.Equal(t, []string{"Which database?"}, got.Questions)
		assert.False(t, got.Timestamp.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("no notification received")
	}
}

func TestNATSNotifierConnectFailure(t *testing.T) {
	_, err := NewNATSNotifier("nats://127.0.0.1:1", "", zap.NewNop())
	assert.Error(t, err)
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))
	require.NoError(t, n.Notify(context.Background(), Notification{PipelineID: "p1", Kind: KindPaused}))
	entries := logs.FilterMessage("operator notification").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "p1", entries[0].ContextMap()["pipeline_id"])
}

type failing struct{ calls int }

func (f *failing) Notify(context.Context, Notification) error {
	f.calls++
	return errors.New("boom")
}

func TestMultiTriesEveryNotifier(t *testing.T) {
	a, b := &failing{}, &failing{}
	err := Multi{a, Nop{}, b}.Notify(context.Background(), Notification{})
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}
