package procwatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/procwatch/internal/probe"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"
)

func manualConfig(t *testing.T) *Config {
	cfg := DefaultConfig()
	cfg.EnableEBPF = false
	cfg.BufferSize = 64
	cfg.RingBufferSize = 64
	cfg.BatchTimeout = time.Millisecond
	cfg.Logger = zaptest.NewLogger(t)
	return cfg
}

func receive(t *testing.T, ch <-chan probe.Record) probe.Record {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for record")
		return probe.Record{}
	}
}

type collectingConsumer struct {
	mu      sync.Mutex
	records []probe.Record
}

func (c *collectingConsumer) ConsumeRecord(_ context.Context, rec probe.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	return nil
}

func (c *collectingConsumer) Priority() int                     { return 10 }
func (c *collectingConsumer) Name() string                      { return "collector" }
func (c *collectingConsumer) ShouldConsume(r probe.Record) bool { return r.Kind == probe.KindKill }

func (c *collectingConsumer) snapshot() []probe.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]probe.Record(nil), c.records...)
}

func TestNewObserver(t *testing.T) {
	tests := []struct {
		name        string
		config      *Config
		expectError bool
	}{
		{name: "default config", config: nil},
		{name: "manual config", config: manualConfig(t)},
		{name: "zero buffer", config: &Config{RingBufferSize: 16}, expectError: true},
		{name: "ebpf without object", config: &Config{BufferSize: 1, RingBufferSize: 16, EnableEBPF: true}, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			observer, err := NewObserver("procwatch", tt.config)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, observer)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "procwatch", observer.Name())
			assert.True(t, observer.IsHealthy())
			assert.Equal(t, ModeManual, observer.Mode())
			assert.NotNil(t, observer.Probe())
			assert.False(t, observer.Probe().Attached())
		})
	}
}

func TestObserverManualLifecycle(t *testing.T) {
	observer, err := NewObserver("procwatch", manualConfig(t))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, observer.Start(ctx))
	assert.ErrorIs(t, observer.Start(ctx), ErrAlreadyStarted)
	assert.Equal(t, ModeManual, observer.Mode())

	p := observer.Probe()
	bash := probe.StaticContext{Tgid: 100, PPID: 1, UID: 1000, Command: "bash"}
	child := probe.StaticContext{Tgid: 200, PPID: 100, UID: 1000, Command: "sleep"}

	p.OnProcessCreated(child)
	p.OnKillEntry(bash, 200)
	p.OnKillExit(bash, 0)
	p.OnProcessExited(child)

	events := observer.Events()
	assert.Equal(t, probe.Record{PID: 200, PPID: 100, UID: 1000, Comm: child.Comm(), Kind: probe.KindExec}, receive(t, events))
	assert.Equal(t, probe.Record{PID: 100, PPID: 1, UID: 1000, KillTarget: 200, Comm: bash.Comm(), Kind: probe.KindKill}, receive(t, events))
	assert.Equal(t, probe.KindExit, receive(t, events).Kind)

	require.NoError(t, observer.Stop())
	require.NoError(t, observer.Stop())
	assert.ErrorIs(t, observer.Start(ctx), ErrStopped)
	assert.False(t, p.Attached())
	assert.False(t, observer.IsHealthy())

	_, open := <-events
	assert.False(t, open)
}

func TestObserverStopDeliversBufferedRecords(t *testing.T) {
	observer, err := NewObserver("procwatch", manualConfig(t))
	require.NoError(t, err)
	require.NoError(t, observer.Start(context.Background()))

	for i := uint32(1); i <= 10; i++ {
		observer.Probe().OnProcessCreated(probe.StaticContext{Tgid: i})
	}
	require.NoError(t, observer.Stop())

	var got []uint32
	for rec := range observer.Events() {
		got = append(got, rec.PID)
	}
	assert.Equal(t, []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got)
}

func TestObserverEventsReadableAfterStop(t *testing.T) {
	observer, err := NewObserver("procwatch", manualConfig(t))
	require.NoError(t, err)
	require.NoError(t, observer.Start(context.Background()))

	observer.Probe().OnProcessCreated(probe.StaticContext{Tgid: 42, Command: "init"})
	require.NoError(t, observer.Stop())

	events := observer.Events()
	require.NotNil(t, events)
	assert.Equal(t, uint32(42), receive(t, events).PID)

	select {
	case _, open := <-events:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after Stop")
	}
}

func TestObserverRegisteredConsumer(t *testing.T) {
	observer, err := NewObserver("procwatch", manualConfig(t))
	require.NoError(t, err)

	consumer := &collectingConsumer{}
	observer.RegisterConsumer(consumer)
	require.NoError(t, observer.Start(context.Background()))

	p := observer.Probe()
	sender := probe.StaticContext{Tgid: 10, Command: "kill"}
	p.OnProcessCreated(sender)
	p.OnKillEntry(sender, 11)
	p.OnKillExit(sender, 0)
	require.NoError(t, observer.Stop())

	recs := consumer.snapshot()
	require.Len(t, recs, 1)
	assert.Equal(t, uint32(11), recs[0].KillTarget)
}

func TestObserverHandleFrame(t *testing.T) {
	observer, err := NewObserver("procwatch", manualConfig(t))
	require.NoError(t, err)
	require.NoError(t, observer.Start(context.Background()))
	defer observer.Stop()

	ctx := context.Background()
	require.NoError(t, observer.handleFrame(ctx, encodeFrame(frame(TriggerExec, 50, 50, 0, "sh"))))
	assert.ErrorIs(t, observer.handleFrame(ctx, []byte{1, 2, 3}), ErrShortFrame)
	require.NoError(t, observer.handleFrame(ctx, encodeFrame(frame(Trigger(77), 50, 50, 0, "sh"))))

	rec := receive(t, observer.Events())
	assert.Equal(t, uint32(50), rec.PID)
	assert.Equal(t, "sh", rec.Command())

	stats := observer.Statistics()
	assert.Equal(t, uint64(1), stats.BadFrames)
	assert.Equal(t, uint64(1), stats.UnknownTriggers)
	assert.Equal(t, int64(1), stats.EventsProcessed)
	assert.Equal(t, ModeManual, stats.Mode)
	assert.Equal(t, int32(1), stats.Goroutines, "manual mode runs only the drop reporter")
	assert.Zero(t, stats.ChannelUtilization)
}

func TestObserverKillMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	cfg := manualConfig(t)
	cfg.MeterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	observer, err := NewObserver("procwatch", cfg)
	require.NoError(t, err)
	require.NoError(t, observer.Start(context.Background()))
	defer observer.Stop()

	p := observer.Probe()
	sender := probe.StaticContext{Tgid: 10, Command: "kill"}
	p.OnKillEntry(sender, 11)
	p.OnKillExit(sender, 0)
	p.OnKillEntry(sender, 12)
	p.OnKillExit(sender, -1)
	p.OnKillEntry(sender, 13)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	values := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					values[m.Name] += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					values[m.Name] = dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(1), values["procwatch_kills_total"])
	assert.Equal(t, int64(1), values["procwatch_kills_failed_total"])
	assert.Equal(t, int64(1), values["procwatch_kill_entries_pending"])
}

func TestObserverEBPFFailure(t *testing.T) {
	t.Run("without fallback", func(t *testing.T) {
		cfg := manualConfig(t)
		cfg.EnableEBPF = true
		cfg.BPFObjectPath = "/nonexistent/procwatch.bpf.o"

		observer, err := NewObserver("procwatch", cfg)
		require.NoError(t, err)

		assert.Error(t, observer.Start(context.Background()))
		assert.False(t, observer.Probe().Attached())
		assert.Equal(t, ModeManual, observer.Mode())
	})

	t.Run("with fallback", func(t *testing.T) {
		cfg := manualConfig(t)
		cfg.EnableEBPF = true
		cfg.BPFObjectPath = "/nonexistent/procwatch.bpf.o"
		cfg.EnableFallback = true

		observer, err := NewObserver("procwatch", cfg)
		require.NoError(t, err)

		require.NoError(t, observer.Start(context.Background()))
		assert.Equal(t, ModeFallback, observer.Mode())
		assert.True(t, observer.Probe().Attached())
		require.NoError(t, observer.Stop())
	})
}
