// Package serial owns the byte-level link to the controlled device.
package serial

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	bugst "go.bug.st/serial"
	"golang.org/x/time/rate"
)

// DefaultReadTimeout bounds how long TryRead waits for a byte.
const DefaultReadTimeout = 100 * time.Millisecond

// readErrorLogInterval spaces out warnings for a port that keeps failing.
const readErrorLogInterval = 10 * time.Second

// Port is the subset of a serial port the link needs.
type Port interface {
	io.ReadWriteCloser
}

// Link owns an open device handle.
// Writes block until the byte is handed to the driver; reads return after the
// port's read timeout even when nothing arrived.
type Link struct {
	name string
	baud int
	port Port

	// Read failures since the last warning. Only the reader touches it.
	readErrors int
	readWarn   rate.Sometimes
}

// Open opens the device in raw mode (8N1, no echo, no line discipline) with
// the given read timeout. The baud rate is snapped to the closest supported value.
func Open(name string, baudRate int, readTimeout time.Duration) (*Link, error) {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	baud := ClosestBaudRate(baudRate)

	port, err := bugst.Open(name, &bugst.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("could not open serial port %s: %w", name, err)
	}

	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("could not configure serial port %s: %w", name, err)
	}

	log.Info().Str("device", name).Int("baud", baud).Dur("read_timeout", readTimeout).Msg("Opened serial connection")
	return NewLink(name, baud, port), nil
}

// NewLink wraps an already opened port.
func NewLink(name string, baudRate int, port Port) *Link {
	return &Link{
		name:     name,
		baud:     baudRate,
		port:     port,
		readWarn: rate.Sometimes{First: 1, Interval: readErrorLogInterval},
	}
}

// Name returns the device name the link was opened with.
func (l *Link) Name() string {
	return l.name
}

// BaudRate returns the effective baud rate.
func (l *Link) BaudRate() int {
	return l.baud
}

// Send writes a single byte and reports whether it was fully transmitted.
func (l *Link) Send(b byte) bool {
	n, err := l.port.Write([]byte{b})
	if err != nil {
		log.Debug().Err(err).Str("device", l.name).Msg("Serial write failed")
		return false
	}
	return n == 1
}

// TryRead returns the next byte if one arrived within the read timeout.
// false is not an error, just "nothing yet".
func (l *Link) TryRead() (byte, bool) {
	var buf [1]byte
	n, err := l.port.Read(buf[:])
	if err != nil && !errors.Is(err, io.EOF) {
		l.readErrors++
		l.readWarn.Do(func() {
			log.Warn().Err(err).Str("device", l.name).Int("failures", l.readErrors).Msg("Serial read failed")
			l.readErrors = 0
		})
	}
	if n != 1 {
		return 0, false
	}
	return buf[0], true
}

// Close releases the device handle.
func (l *Link) Close() error {
	err := l.port.Close()
	log.Info().Str("device", l.name).Msg("Closed serial connection")
	return err
}
