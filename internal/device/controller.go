// Package device drives the serial-attached device: it translates desired
// state changes into single-byte commands and tracks the device's reported
// speed from its feedback lines.
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/serialgate/internal/eventbus"
)

// DefaultPollInterval is the receive/transmit loop cadence.
const DefaultPollInterval = time.Millisecond

// Link is the byte transport to the device.
type Link interface {
	Name() string
	Send(b byte) bool
	TryRead() (byte, bool)
}

// Config contains controller tuning.
type Config struct {
	PollInterval time.Duration
	QueueSize    int
}

// Controller owns the link, the command queue and the device state.
type Controller struct {
	link         Link
	queue        *Queue
	state        State
	sink         eventbus.Publisher
	pollInterval time.Duration

	// mu serializes mutators so one multi-step adjustment is enqueued
	// contiguously. Readers never take it.
	mu sync.Mutex

	// rx is owned by the receive loop.
	rx lineBuffer
}

// New creates a controller. A nil sink discards events.
func New(link Link, cfg Config, sink eventbus.Publisher) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if sink == nil {
		sink = eventbus.Discard
	}
	return &Controller{
		link:         link,
		queue:        NewQueue(cfg.QueueSize),
		sink:         sink,
		pollInterval: cfg.PollInterval,
	}
}

// Run starts the receive and transmit loops and blocks until ctx is done.
// Commands still queued at that point are flushed to the device before returning.
func (c *Controller) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		c.receiveLoop(ctx)
	}()

	go func() {
		defer wg.Done()
		c.transmitLoop(ctx)
	}()

	wg.Wait()
}

func (c *Controller) receiveLoop(ctx context.Context) {
	log.Info().Str("device", c.link.Name()).Msg("Starting serial RX loop")

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Serial RX loop stopping")
			return
		case <-ticker.C:
			c.receive()
		}
	}
}

func (c *Controller) transmitLoop(ctx context.Context) {
	log.Info().Str("device", c.link.Name()).Msg("Starting serial TX loop")

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushed := 0
			for c.transmit() {
				flushed++
			}
			log.Debug().Int("flushed", flushed).Msg("Serial TX loop stopping")
			return
		case <-ticker.C:
			c.transmit()
		}
	}
}

// receive reads every byte currently available and handles completed lines.
func (c *Controller) receive() {
	for {
		b, ok := c.link.TryRead()
		if !ok {
			return
		}
		if line, done := c.rx.feed(b); done {
			c.handleFeedback(line)
		}
	}
}

func (c *Controller) handleFeedback(line string) {
	if line == "" {
		return
	}

	message := fmt.Sprintf("[%s -> Host] %s", c.link.Name(), line)
	recognized := Feedback(line).apply(&c.state)
	if recognized {
		log.Debug().Msg(message)
	} else {
		log.Warn().Str("feedback", line).Msg("Unrecognized device feedback, ignoring")
	}

	c.sink.Publish(eventbus.NewEvent(eventbus.EventTypeDeviceRx, c.link.Name(), message, map[string]any{
		"line":         line,
		"recognized":   recognized,
		"actual_speed": c.state.ActualSpeed(),
	}))
}

// transmit sends at most one queued command. It reports whether one was popped.
func (c *Controller) transmit() bool {
	cmd, ok := c.queue.TryPop()
	if !ok {
		return false
	}

	sent := c.link.Send(byte(cmd))
	if !sent {
		log.Warn().Str("command", cmd.String()).Msg("Dropped command while sending, ignoring")
	}

	message := fmt.Sprintf("[Host -> %s] %c", c.link.Name(), byte(cmd))
	log.Debug().Str("command", cmd.String()).Bool("sent", sent).Msg(message)

	c.sink.Publish(eventbus.NewEvent(eventbus.EventTypeDeviceTx, "host", message, map[string]any{
		"command": cmd.String(),
		"target":  c.link.Name(),
		"sent":    sent,
	}))
	return true
}

func (c *Controller) enqueue(cmd Command) {
	if err := c.queue.Push(cmd); err != nil {
		log.Warn().
			Err(err).
			Str("command", cmd.String()).
			Int("capacity", c.queue.Cap()).
			Msg("Command rejected")
	}
}

// SetIsOn switches power. Requesting the current power state is a no-op.
func (c *Controller) SetIsOn(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.setIsOn(on) {
		c.publishState("power")
	}
}

func (c *Controller) setIsOn(on bool) bool {
	if c.state.isOn.Load() == on {
		return false
	}

	cmd, speed := CommandOff, MinSpeed
	if on {
		cmd, speed = CommandOn, 1
	}

	c.enqueue(cmd)
	c.state.isOn.Store(on)
	c.state.targetSpeed.Store(speed)
	return true
}

// SetSpeed moves the target speed, clamped to [MinSpeed, MaxSpeed].
// The device only understands relative steps, so one HIGHER or LOWER is
// queued per unit of difference. Speed 0 powers the device off instead.
// A request that changes nothing publishes nothing.
func (c *Controller) SetSpeed(target int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	target = clampSpeed(target)
	isOn := c.state.isOn.Load()

	changed := false
	if !isOn && target > 0 {
		changed = c.setIsOn(true)
	} else if isOn && target == 0 {
		c.setIsOn(false)
		c.publishState("speed")
		return
	}

	diff := target - c.state.targetSpeed.Load()
	step := CommandHigher
	if diff < 0 {
		step, diff = CommandLower, -diff
	}
	for i := int32(0); i < diff; i++ {
		c.enqueue(step)
	}

	c.state.targetSpeed.Store(target)
	if changed || diff > 0 {
		c.publishState("speed")
	}
}

// SetMode changes the mode. It is ignored while the device is off.
// The device cycles through modes, so one MODE command is queued per step
// between the current and the requested mode.
func (c *Controller) SetMode(mode Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.isOn.Load() {
		return
	}

	for i := 0; i < modeSteps(c.state.Mode(), mode); i++ {
		c.enqueue(CommandMode)
	}
	c.state.mode.Store(int32(mode))
	c.publishState("mode")
}

func modeSteps(from, to Mode) int {
	fromIdx, toIdx := -1, -1
	for i, m := range Modes {
		if m == from {
			fromIdx = i
		}
		if m == to {
			toIdx = i
		}
	}
	if fromIdx < 0 || toIdx < 0 {
		return 0
	}
	return (toIdx - fromIdx + len(Modes)) % len(Modes)
}

func (c *Controller) publishState(reason string) {
	snapshot := c.state.Snapshot()
	c.sink.Publish(eventbus.NewEvent(eventbus.EventTypeDeviceState, "controller", reason, map[string]any{
		"is_on":        snapshot.IsOn,
		"mode":         snapshot.Mode.String(),
		"target_speed": snapshot.TargetSpeed,
		"actual_speed": snapshot.ActualSpeed,
	}))
}

// AcceptsCommands reports whether actual speed has caught up with target speed.
// Collaborators use it to avoid overlapping multi-step adjustments.
func (c *Controller) AcceptsCommands() bool {
	return c.state.AcceptsCommands()
}

func (c *Controller) IsOn() bool { return c.state.IsOn() }

func (c *Controller) Mode() Mode { return c.state.Mode() }

func (c *Controller) TargetSpeed() int32 { return c.state.TargetSpeed() }

func (c *Controller) ActualSpeed() int32 { return c.state.ActualSpeed() }

// Snapshot returns the current state as reported upstream.
func (c *Controller) Snapshot() Snapshot { return c.state.Snapshot() }

// Queue exposes the command queue for inspection.
func (c *Controller) Queue() *Queue { return c.queue }

// DeviceName returns the name of the underlying link.
func (c *Controller) DeviceName() string { return c.link.Name() }
