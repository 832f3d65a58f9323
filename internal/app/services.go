package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/serialgate/internal/config"
	"github.com/dokzlo13/serialgate/internal/device"
	"github.com/dokzlo13/serialgate/internal/eventbus"
	"github.com/dokzlo13/serialgate/internal/gateway"
	"github.com/dokzlo13/serialgate/internal/ledger"
	"github.com/dokzlo13/serialgate/internal/monitor"
	"github.com/dokzlo13/serialgate/internal/serial"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	Bus     *eventbus.Bus
	Ledger  *LedgerService   // nil when disabled
	Monitor *monitor.Monitor // nil when disabled
	Link    *serial.Link

	// Bridge
	Device  *device.Controller
	Console *device.Console
	Client  *gateway.Client
	Gateway *gateway.Gateway
	Status  *StatusService

	consoleIn io.Reader
	wg        sync.WaitGroup
}

// Option customizes service construction.
type Option func(*Services)

// WithLink uses an already opened serial link instead of opening the configured device.
func WithLink(link *serial.Link) Option {
	return func(s *Services) { s.Link = link }
}

// WithConsoleInput reads console commands from in instead of stdin.
func WithConsoleInput(in io.Reader) Option {
	return func(s *Services) { s.consoleIn = in }
}

// NewServices creates all services with proper dependency injection.
// Failing to open the serial device is an error.
func NewServices(cfg *config.Config, opts ...Option) (*Services, error) {
	s := &Services{cfg: cfg, consoleIn: os.Stdin}
	for _, opt := range opts {
		opt(s)
	}

	if s.Link == nil {
		link, err := serial.Open(cfg.Serial.Device, cfg.Serial.BaudRate, cfg.Serial.ReadTimeout.Duration())
		if err != nil {
			return nil, err
		}
		s.Link = link
	}

	// Initialize event bus
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.Workers, cfg.EventBus.QueueSize)

	// Initialize ledger
	var err error
	s.Ledger, err = NewLedgerService(cfg)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open event ledger: %w", err)
	}

	if cfg.Monitor.Enabled {
		s.Monitor = monitor.New()
	}

	// Initialize device controller
	s.Device = device.New(s.Link, device.Config{
		PollInterval: cfg.Device.PollInterval.Duration(),
		QueueSize:    cfg.Device.QueueSize,
	}, s.Bus)

	// Initialize gateway
	s.Client = gateway.NewClient(gateway.ClientConfig{
		Address:         cfg.Gateway.Address,
		Port:            cfg.Gateway.Port,
		Password:        cfg.Gateway.Password,
		CertificatePath: cfg.Gateway.Certificate,
		Timeout:         cfg.Gateway.Timeout.Duration(),
	})
	s.Gateway = gateway.New(s.Client, s.Device, gateway.Config{
		UpdateInterval:  cfg.Gateway.UpdateInterval.Duration(),
		ErrorRetryRPS:   cfg.Gateway.ErrorRetryRPS,
		ShutdownTimeout: cfg.ShutdownTimeout.Duration(),
	}, s.Bus)

	// Initialize status service
	var l *ledger.Ledger
	if s.Ledger != nil {
		l = s.Ledger.Ledger
	}
	s.Status = NewStatusService(cfg, s.Device, s.Gateway.Session(), s.Gateway.ResetSession, s.Monitor, l)

	return s, nil
}

// Start starts all services in the correct order.
// onShutdown is called when the operator asks to exit from the console;
// onFatalError when the gateway cannot establish its session.
func (s *Services) Start(ctx context.Context, onShutdown func(), onFatalError func(error)) {
	// Subscribers first so no early event is missed
	if s.Ledger != nil {
		s.Ledger.Start(ctx, s.Bus)
	}
	if s.Monitor != nil {
		s.Monitor.Attach(s.Bus)
		go s.Monitor.Run(ctx, s.Device, s.cfg.Monitor.SampleInterval.Duration())
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.Device.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		if err := s.Gateway.Run(ctx); err != nil {
			onFatalError(err)
		}
	}()

	// The console blocks on its reader and is never waited on.
	s.Console = device.NewConsole(s.Device, device.ConsoleHooks{
		Shutdown:     onShutdown,
		ResetSession: s.Gateway.ResetSession,
	})
	go func() {
		if err := s.Console.Run(ctx, s.consoleIn); err != nil {
			log.Warn().Err(err).Msg("Console input failed")
		}
	}()

	s.Status.Start(ctx)
}

// Stop waits for the device and gateway loops, then releases resources.
// The context passed to Start must already be cancelled.
func (s *Services) Stop() error {
	timeout := s.cfg.ShutdownTimeout.Duration()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * timeout):
		log.Warn().Dur("timeout", 2*timeout).Msg("Timed out waiting for bridge loops to stop")
	}

	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		s.Bus.Close(ctx)
		cancel()
	}
	if s.Ledger != nil {
		s.Ledger.Close()
	}
	if s.Client != nil {
		s.Client.Close()
	}
	if s.Link != nil {
		if err := s.Link.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close serial link")
		}
	}
}
