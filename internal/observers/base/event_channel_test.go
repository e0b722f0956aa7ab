package base

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/procwatch/internal/probe"
	"go.uber.org/zap/zaptest"
)

// TestEventChannelManagerBasicOperations tests basic send and receive operations
func TestEventChannelManagerBasicOperations(t *testing.T) {
	ecm := NewEventChannelManager(10, "test", zaptest.NewLogger(t))
	require.NotNil(t, ecm)

	rec := probe.Record{PID: 10, Kind: probe.KindKill, KillTarget: 20}
	assert.True(t, ecm.SendEvent(rec))
	assert.Equal(t, int64(1), ecm.GetSentCount())
	assert.Equal(t, int64(0), ecm.GetDroppedCount())

	select {
	case received := <-ecm.GetChannel():
		assert.Equal(t, rec, received)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for record")
	}
}

func TestEventChannelManagerDropsWhenFull(t *testing.T) {
	ecm := NewEventChannelManager(2, "test", zaptest.NewLogger(t))

	assert.True(t, ecm.SendEvent(execRecord(1)))
	assert.True(t, ecm.SendEvent(execRecord(2)))
	assert.False(t, ecm.SendEvent(execRecord(3)))

	assert.Equal(t, int64(2), ecm.GetSentCount())
	assert.Equal(t, int64(1), ecm.GetDroppedCount())
	assert.Equal(t, float64(100), ecm.GetChannelUtilization())
}

func TestEventChannelManagerClose(t *testing.T) {
	ecm := NewEventChannelManager(4, "test", nil)
	ch := ecm.GetChannel()

	ecm.Close()
	ecm.Close() // second close is a no-op

	assert.False(t, ecm.SendEvent(execRecord(1)))
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, ch, ecm.GetChannel())
}

func TestEventChannelManagerBufferedAfterClose(t *testing.T) {
	ecm := NewEventChannelManager(4, "test", zaptest.NewLogger(t))
	require.True(t, ecm.SendEvent(execRecord(1)))
	require.True(t, ecm.SendEvent(execRecord(2)))

	ecm.Close()

	var pids []uint32
	for rec := range ecm.GetChannel() {
		pids = append(pids, rec.PID)
	}
	assert.Equal(t, []uint32{1, 2}, pids)
}

func TestEventChannelManagerConcurrentSendAndClose(t *testing.T) {
	ecm := NewEventChannelManager(16, "test", nil)
	ch := ecm.GetChannel()

	go func() {
		for range ch {
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				_ = ecm.ConsumeRecord(context.Background(), execRecord(uint32(i*500+j)))
			}
		}(i)
	}

	time.Sleep(time.Millisecond)
	ecm.Close()
	wg.Wait()

	assert.LessOrEqual(t, ecm.GetSentCount()+ecm.GetDroppedCount(), int64(8*500))
}
