package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/serialgate/internal/eventbus"
)

func TestMonitor_LogBuffersAreBounded(t *testing.T) {
	m := New()
	for i := 0; i < MaxLogLines+10; i++ {
		m.handleDevice(eventbus.NewEvent(eventbus.EventTypeDeviceTx, "host", fmt.Sprintf("line %d", i), nil))
	}

	snap := m.Snapshot()
	require.Len(t, snap.Device, MaxLogLines)
	assert.Equal(t, "line 10", snap.Device[0].Message)
	assert.Equal(t, fmt.Sprintf("line %d", MaxLogLines+9), snap.Device[MaxLogLines-1].Message)
	assert.Empty(t, snap.Gateway)
}

func TestMonitor_SpeedHistory(t *testing.T) {
	m := New()
	m.Sample(3)
	m.Sample(5)
	m.Sample(4)

	snap := m.Snapshot()
	require.Len(t, snap.SpeedHistory, SpeedHistoryEntries)
	require.Len(t, snap.SpeedDelta, SpeedHistoryEntries)

	assert.Equal(t, []float32{3, 5, 4}, snap.SpeedHistory[SpeedHistoryEntries-3:])
	assert.Equal(t, []float32{3, 2, -1}, snap.SpeedDelta[SpeedHistoryEntries-3:])
	assert.Equal(t, float32(0), snap.SpeedHistory[0])
}

func TestMonitor_SnapshotIsACopy(t *testing.T) {
	m := New()
	m.handleGateway(eventbus.NewEvent(eventbus.EventTypeGateway, "gateway", "first", nil))

	snap := m.Snapshot()
	snap.Gateway[0].Message = "changed"
	snap.SpeedHistory[0] = 99

	again := m.Snapshot()
	assert.Equal(t, "first", again.Gateway[0].Message)
	assert.Equal(t, float32(0), again.SpeedHistory[0])
}

func TestMonitor_Clear(t *testing.T) {
	m := New()
	m.handleDevice(eventbus.NewEvent(eventbus.EventTypeDeviceRx, "ttyUSB0", "power_on", nil))
	m.handleGateway(eventbus.NewEvent(eventbus.EventTypeGateway, "gateway", "Fetched 1 tasks from endpoint", nil))

	assert.True(t, m.Clear(LogDevice))
	assert.False(t, m.Clear("bogus"))

	snap := m.Snapshot()
	assert.Empty(t, snap.Device)
	assert.Len(t, snap.Gateway, 1)
}

func TestMonitor_AttachRoutesByType(t *testing.T) {
	m := New()
	bus := eventbus.New()
	m.Attach(bus)

	bus.Publish(eventbus.NewEvent(eventbus.EventTypeDeviceRx, "ttyUSB0", "[ttyUSB0 -> Host] speed_up", nil))
	bus.Publish(eventbus.NewEvent(eventbus.EventTypeSession, "gateway", "Created session password", nil))
	bus.Publish(eventbus.NewEvent(eventbus.EventTypeDeviceState, "controller", "speed", nil))
	bus.Close(context.Background())

	snap := m.Snapshot()
	require.Len(t, snap.Device, 1)
	require.Len(t, snap.Gateway, 1)
	assert.Equal(t, "[ttyUSB0 -> Host] speed_up", snap.Device[0].Message)
	assert.Equal(t, "Created session password", snap.Gateway[0].Message)
}

type speedFunc func() int32

func (f speedFunc) ActualSpeed() int32 { return f() }

func TestMonitor_RunSamplesUntilCancelled(t *testing.T) {
	m := New()
	var speed atomic.Int32
	speed.Store(7)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, speedFunc(speed.Load), time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		snap := m.Snapshot()
		return snap.SpeedHistory[SpeedHistoryEntries-1] == 7
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sampler did not stop")
	}
}
