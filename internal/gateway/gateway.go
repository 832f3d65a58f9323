// Package gateway synchronizes the device with the remote dispatch endpoint:
// it polls for tasks, applies them to the device and reports state back.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/serialgate/internal/device"
	"github.com/dokzlo13/serialgate/internal/eventbus"
)

// ErrSessionCreate is returned by Run when the initial session cannot be created.
var ErrSessionCreate = errors.New("could not create session")

// Defaults
const (
	DefaultUpdateInterval  = 500 * time.Millisecond
	DefaultErrorRetryRPS   = 10.0
	DefaultShutdownTimeout = 5 * time.Second
)

// Device is the part of the device controller the gateway drives.
type Device interface {
	SetIsOn(on bool)
	SetSpeed(speed int32)
	SetMode(mode device.Mode)
	Snapshot() device.Snapshot
}

// Config contains poll loop settings.
type Config struct {
	UpdateInterval time.Duration
	// ErrorRetryRPS caps how fast a failed fetch is retried. Failed fetches
	// skip the update interval; a negative value removes the cap entirely.
	ErrorRetryRPS   float64
	ShutdownTimeout time.Duration
}

// Gateway runs the poll loop against a Client.
type Gateway struct {
	client   *Client
	device   Device
	sink     eventbus.Publisher
	session  Session
	interval time.Duration
	limiter  *rate.Limiter

	shutdownTimeout time.Duration
	offlineOnce     sync.Once
}

// New creates a gateway. A nil sink discards events.
func New(client *Client, dev Device, cfg Config, sink eventbus.Publisher) *Gateway {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultUpdateInterval
	}
	if cfg.ErrorRetryRPS == 0 {
		cfg.ErrorRetryRPS = DefaultErrorRetryRPS
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if sink == nil {
		sink = eventbus.Discard
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.ErrorRetryRPS > 0 {
		burst := int(cfg.ErrorRetryRPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.ErrorRetryRPS), burst)
	}

	return &Gateway{
		client:          client,
		device:          dev,
		sink:            sink,
		interval:        cfg.UpdateInterval,
		limiter:         limiter,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

// Run announces the bridge online, creates a session and polls until ctx is
// done. It returns ErrSessionCreate if the session cannot be created, in
// which case the loop never starts. Being cancelled while the session is
// requested is not an error. The offline announcement is sent once
// on the way out, unless the session could not be created.
func (g *Gateway) Run(ctx context.Context) error {
	log.Info().Str("remote", g.client.BaseURL()).Dur("update_interval", g.interval).Msg("Starting gateway client")

	g.broadcastOnline(ctx, true)

	if err := g.createSession(ctx); err != nil {
		if ctx.Err() != nil {
			g.broadcastOffline()
			return nil
		}
		return fmt.Errorf("%w: %v", ErrSessionCreate, err)
	}
	defer g.broadcastOffline()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if !g.cycle(ctx) {
			// Failed fetch: go again without the update interval.
			if err := g.limiter.Wait(ctx); err != nil {
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(g.interval):
		}
	}
}

// cycle runs one fetch/apply/broadcast round. It returns false when the
// fetch failed and the round was skipped.
func (g *Gateway) cycle(ctx context.Context) bool {
	cycleID := uuid.NewString()

	tasks, err := g.client.Fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			g.logFailure(PathFetch, cycleID, err)
		}
		return false
	}

	if len(tasks) > 0 {
		message := fmt.Sprintf("Fetched %d tasks from endpoint", len(tasks))
		log.Debug().Str("cycle", cycleID).Int("tasks", len(tasks)).Msg(message)
		g.publish(message, map[string]any{"cycle": cycleID, "tasks": len(tasks)})
	}

	for _, task := range tasks {
		g.apply(task)
	}

	if err := g.client.SetState(ctx, g.device.Snapshot()); err != nil && ctx.Err() == nil {
		g.logFailure(PathSetState, cycleID, err)
	}
	return true
}

func (g *Gateway) apply(task Task) {
	switch task.Type {
	case TaskPower:
		log.Debug().Bool("is_on", task.IsOn).Msg("Applying power task")
		g.device.SetIsOn(task.IsOn)
	case TaskSpeed:
		log.Debug().Int32("speed", task.Speed).Msg("Applying speed task")
		g.device.SetSpeed(task.Speed)
	case TaskMode:
		log.Debug().Str("mode", task.Mode.String()).Msg("Applying mode task")
		g.device.SetMode(task.Mode)
	}
}

// logFailure emits exactly one log line for a failed request.
func (g *Gateway) logFailure(path, cycleID string, err error) {
	var statusErr *StatusError
	switch {
	case errors.As(err, &statusErr) && statusErr.Body.Recognized:
		log.Error().
			Str("path", path).
			Str("cycle", cycleID).
			Int("status", statusErr.Status).
			Str("error", statusErr.Body.Code).
			Msg("Gateway rejected request")
	case errors.As(err, &statusErr):
		log.Error().
			Str("path", path).
			Str("cycle", cycleID).
			Int("status", statusErr.Status).
			Msg("Could not decode gateway error")
	default:
		log.Error().Err(err).Str("path", path).Str("cycle", cycleID).Msg("Gateway request failed")
	}

	g.publish(err.Error(), map[string]any{"path": path, "cycle": cycleID, "failed": true})
}

func (g *Gateway) broadcastOnline(ctx context.Context, online bool) {
	if err := g.client.SetOnline(ctx, online); err != nil {
		g.logFailure(PathSetOnline, "", err)
		return
	}
	g.publish(fmt.Sprintf("Reported online=%t", online), map[string]any{"is_online": online})
}

func (g *Gateway) broadcastOffline() {
	g.offlineOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.shutdownTimeout)
		defer cancel()
		g.broadcastOnline(ctx, false)
	})
}

func (g *Gateway) createSession(ctx context.Context) error {
	password, err := g.client.NewSession(ctx)
	if err != nil {
		g.logFailure(PathNewSession, "", err)
		return err
	}

	g.session.set(password)
	log.Info().Msg("Created session password")
	g.sink.Publish(eventbus.NewEvent(eventbus.EventTypeSession, "gateway", "Created session password", nil))
	return nil
}

// ResetSession drops the current session password, re-announces the bridge
// and requests a new session. It is not coordinated with the poll loop:
// a request issued meanwhile may go out while no session is held.
func (g *Gateway) ResetSession(ctx context.Context) error {
	g.session.clear()
	g.sink.Publish(eventbus.NewEvent(eventbus.EventTypeSession, "gateway", "Cleared session password", nil))

	g.broadcastOnline(ctx, false)
	g.broadcastOnline(ctx, true)
	return g.createSession(ctx)
}

// Session exposes the session password holder for readers such as the status server.
func (g *Gateway) Session() *Session {
	return &g.session
}

func (g *Gateway) publish(message string, data map[string]any) {
	g.sink.Publish(eventbus.NewEvent(eventbus.EventTypeGateway, "gateway", message, data))
}
