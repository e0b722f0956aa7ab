package sink

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/procwatch/internal/probe"
	"go.uber.org/zap/zaptest"
)

func startTestNATSServer(t *testing.T) (*server.Server, string) {
	opts := &server.Options{
		Host: "127.0.0.1",
		Port: -1, // Random port
	}

	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server failed to start")
	}
	return ns, ns.ClientURL()
}

func TestNATSPublisherSubjects(t *testing.T) {
	ns, url := startTestNATSServer(t)
	defer ns.Shutdown()

	publisher, err := NewNATSPublisher(NATSConfig{
		URL:           url,
		SubjectPrefix: "test.procwatch",
		Logger:        zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	defer publisher.Close()

	nc, err := natsgo.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	msgs := make(chan *natsgo.Msg, 16)
	sub, err := nc.ChanSubscribe("test.procwatch.>", msgs)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	tests := []struct {
		rec     probe.Record
		subject string
	}{
		{record(probe.KindExec, 10, 0, "sh"), "test.procwatch.exec"},
		{record(probe.KindKill, 10, 11, "sh"), "test.procwatch.kill"},
		{record(probe.KindExit, 10, 0, "sh"), "test.procwatch.exit"},
		{record(probe.Kind('?'), 10, 0, "sh"), "test.procwatch.unknown"},
	}

	ctx := context.Background()
	for _, tt := range tests {
		assert.Equal(t, tt.subject, publisher.Subject(tt.rec))
		require.NoError(t, publisher.ConsumeRecord(ctx, tt.rec))
	}

	for _, tt := range tests {
		select {
		case msg := <-msgs:
			assert.Equal(t, tt.subject, msg.Subject)

			var ev Event
			require.NoError(t, json.Unmarshal(msg.Data, &ev))
			assert.Equal(t, uint32(10), ev.PID)
			assert.Equal(t, tt.rec.Kind == probe.KindKill, ev.KillPID != nil)
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for %s", tt.subject)
		}
	}

	assert.Equal(t, uint64(len(tests)), publisher.Published())
	assert.NoError(t, publisher.HealthCheck())
}

func TestNATSPublisherClosed(t *testing.T) {
	ns, url := startTestNATSServer(t)
	defer ns.Shutdown()

	publisher, err := NewNATSPublisher(NATSConfig{URL: url})
	require.NoError(t, err)

	require.NoError(t, publisher.Close())
	require.NoError(t, publisher.Close())

	err = publisher.ConsumeRecord(context.Background(), record(probe.KindExec, 1, 0, "sh"))
	assert.ErrorIs(t, err, ErrPublisherClosed)
}

func TestNATSPublisherRequiresURL(t *testing.T) {
	_, err := NewNATSPublisher(NATSConfig{})
	assert.Error(t, err)
}
