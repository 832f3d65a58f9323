// Package monitor keeps a bounded, in-memory view of recent bridge activity:
// the device and gateway log lines and a short history of the actual speed.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/serialgate/internal/eventbus"
)

// Buffer limits
const (
	MaxLogLines         = 256
	SpeedHistoryEntries = 32

	DefaultSampleInterval = 500 * time.Millisecond
)

// Log names accepted by Clear.
const (
	LogDevice  = "device"
	LogGateway = "gateway"
)

// SpeedSource is read on every sample.
type SpeedSource interface {
	ActualSpeed() int32
}

// Line is a single log buffer entry.
type Line struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Snapshot is a copy of the monitor buffers.
type Snapshot struct {
	Device       []Line    `json:"device"`
	Gateway      []Line    `json:"gateway"`
	SpeedHistory []float32 `json:"speed_history"`
	SpeedDelta   []float32 `json:"speed_delta"`
}

// Monitor collects events from the bus into bounded buffers.
type Monitor struct {
	mu         sync.Mutex
	deviceLog  []Line
	gatewayLog []Line

	speeds        []float32
	deltas        []float32
	previousSpeed int32
	currentSpeed  int32
}

// New creates an empty monitor. Speed histories start zero-filled.
func New() *Monitor {
	return &Monitor{
		speeds: make([]float32, SpeedHistoryEntries),
		deltas: make([]float32, SpeedHistoryEntries),
	}
}

// Attach subscribes the monitor to the bus.
func (m *Monitor) Attach(bus *eventbus.Bus) {
	bus.Subscribe(m.handleDevice, eventbus.EventTypeDeviceTx, eventbus.EventTypeDeviceRx)
	bus.Subscribe(m.handleGateway, eventbus.EventTypeGateway, eventbus.EventTypeSession)
}

func (m *Monitor) handleDevice(e eventbus.Event) {
	m.mu.Lock()
	m.deviceLog = appendBounded(m.deviceLog, Line{Time: e.Time, Message: e.Message})
	m.mu.Unlock()
}

func (m *Monitor) handleGateway(e eventbus.Event) {
	m.mu.Lock()
	m.gatewayLog = appendBounded(m.gatewayLog, Line{Time: e.Time, Message: e.Message})
	m.mu.Unlock()
}

func appendBounded(lines []Line, line Line) []Line {
	if len(lines) == MaxLogLines {
		copy(lines, lines[1:])
		lines = lines[:len(lines)-1]
	}
	return append(lines, line)
}

// Run samples the actual speed every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, source SpeedSource, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	log.Debug().Dur("interval", interval).Msg("Starting speed sampler")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample(source.ActualSpeed())
		}
	}
}

// Sample shifts one speed reading into the history along with its delta
// from the previous reading.
func (m *Monitor) Sample(speed int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.previousSpeed = m.currentSpeed
	m.currentSpeed = speed

	m.speeds = append(m.speeds[1:], float32(m.currentSpeed))
	m.deltas = append(m.deltas[1:], float32(m.currentSpeed-m.previousSpeed))
}

// Clear empties the named log buffer. It reports false for an unknown name.
func (m *Monitor) Clear(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch name {
	case LogDevice:
		m.deviceLog = nil
	case LogGateway:
		m.gatewayLog = nil
	default:
		return false
	}
	return true
}

// Snapshot returns copies of all buffers.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Snapshot{
		Device:       append([]Line{}, m.deviceLog...),
		Gateway:      append([]Line{}, m.gatewayLog...),
		SpeedHistory: append([]float32(nil), m.speeds...),
		SpeedDelta:   append([]float32(nil), m.deltas...),
	}
}
