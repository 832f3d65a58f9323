package device

import (
	"strings"

	"github.com/rs/zerolog/log"
)

// Feedback is a token the device emits after executing a command.
type Feedback string

const (
	FeedbackPowerOn   Feedback = "power_on"
	FeedbackPowerOff  Feedback = "power_off"
	FeedbackSpeedUp   Feedback = "speed_up"
	FeedbackSpeedDown Feedback = "speed_down"
)

// apply updates actual speed for a known token and reports whether it was known.
func (f Feedback) apply(s *State) bool {
	switch f {
	case FeedbackPowerOn:
		s.actualSpeed.Store(1)
	case FeedbackPowerOff:
		s.actualSpeed.Store(0)
	case FeedbackSpeedUp:
		s.actualSpeed.Add(1)
	case FeedbackSpeedDown:
		s.actualSpeed.Add(-1)
	default:
		return false
	}
	return true
}

// MaxLineLength bounds an unterminated feedback line. Longer input is
// discarded, which covers line noise and a mismatched baud rate.
const MaxLineLength = 256

// lineBuffer accumulates bytes until a newline terminator.
// A partial line survives across reads.
type lineBuffer struct {
	buf []byte
}

// feed appends b and returns the completed line, with any trailing
// carriage return removed, once b is the terminator.
func (l *lineBuffer) feed(b byte) (string, bool) {
	if b != '\n' {
		if len(l.buf) >= MaxLineLength {
			log.Warn().Int("length", len(l.buf)).Msg("Device feedback line too long, discarding")
			l.buf = l.buf[:0]
		}
		l.buf = append(l.buf, b)
		return "", false
	}
	line := strings.TrimSuffix(string(l.buf), "\r")
	l.buf = l.buf[:0]
	return line, true
}
