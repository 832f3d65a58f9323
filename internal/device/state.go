package device

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
)

// Speed bounds accepted by the device.
const (
	MinSpeed int32 = 0
	MaxSpeed int32 = 32
)

// Mode is the device operating mode.
type Mode int32

const (
	ModeDefault Mode = iota
)

// Modes lists every mode the device supports.
var Modes = []Mode{ModeDefault}

// String returns the wire name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeDefault:
		return "DEFAULT"
	default:
		return fmt.Sprintf("Mode(%d)", int32(m))
	}
}

// DisplayName returns a human readable mode name.
func (m Mode) DisplayName() string {
	switch m {
	case ModeDefault:
		return "Default"
	default:
		return m.String()
	}
}

// ParseMode parses a mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return ModeDefault, fmt.Errorf("unknown mode %q", s)
}

// MarshalJSON encodes the mode by name.
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts either the mode name or its ordinal.
func (m *Mode) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParseMode(name)
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	}

	var ordinal int32
	if err := json.Unmarshal(data, &ordinal); err != nil {
		return fmt.Errorf("mode must be a name or an ordinal: %w", err)
	}
	for _, known := range Modes {
		if int32(known) == ordinal {
			*m = known
			return nil
		}
	}
	return fmt.Errorf("unknown mode ordinal %d", ordinal)
}

// State is the shared device snapshot.
//
// Every field is independently atomic; there is no cross-field atomicity.
// A reader may observe target speed already updated while actual speed
// still lags behind (or the reverse): target is the desired setpoint, actual
// is what the device last reported, and they converge asynchronously.
type State struct {
	isOn        atomic.Bool
	mode        atomic.Int32
	targetSpeed atomic.Int32
	actualSpeed atomic.Int32
}

func (s *State) IsOn() bool { return s.isOn.Load() }

func (s *State) Mode() Mode { return Mode(s.mode.Load()) }

func (s *State) TargetSpeed() int32 { return s.targetSpeed.Load() }

func (s *State) ActualSpeed() int32 { return s.actualSpeed.Load() }

// AcceptsCommands reports whether the device has caught up with its target.
func (s *State) AcceptsCommands() bool {
	return s.actualSpeed.Load() == s.targetSpeed.Load()
}

// Snapshot is a point-in-time copy of State as reported upstream.
type Snapshot struct {
	IsOn            bool  `json:"is_on"`
	AcceptsCommands bool  `json:"accepts_commands"`
	TargetSpeed     int32 `json:"target_speed"`
	ActualSpeed     int32 `json:"actual_speed"`
	Mode            Mode  `json:"mode"`
}

// Snapshot copies the current field values. Fields are read one at a time.
func (s *State) Snapshot() Snapshot {
	target := s.targetSpeed.Load()
	actual := s.actualSpeed.Load()
	return Snapshot{
		IsOn:            s.isOn.Load(),
		AcceptsCommands: target == actual,
		TargetSpeed:     target,
		ActualSpeed:     actual,
		Mode:            Mode(s.mode.Load()),
	}
}

func clampSpeed(speed int32) int32 {
	if speed < MinSpeed {
		return MinSpeed
	}
	if speed > MaxSpeed {
		return MaxSpeed
	}
	return speed
}
