package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/serialgate/internal/config"
	"github.com/dokzlo13/serialgate/internal/device"
	"github.com/dokzlo13/serialgate/internal/eventbus"
	"github.com/dokzlo13/serialgate/internal/ledger"
	"github.com/dokzlo13/serialgate/internal/monitor"
)

const defaultEventsLimit = 100

// SessionStatus reports whether a gateway session is held.
type SessionStatus interface {
	Active() bool
}

// StatusService provides the local HTTP status endpoints.
type StatusService struct {
	cfg          *config.Config
	device       *device.Controller
	session      SessionStatus
	resetSession func(ctx context.Context) error
	monitor      *monitor.Monitor // nil when disabled
	ledger       *ledger.Ledger   // nil when disabled
	server       *http.Server
}

// NewStatusService creates a new StatusService. mon and l may be nil.
func NewStatusService(
	cfg *config.Config,
	dev *device.Controller,
	session SessionStatus,
	resetSession func(ctx context.Context) error,
	mon *monitor.Monitor,
	l *ledger.Ledger,
) *StatusService {
	return &StatusService{
		cfg:          cfg,
		device:       dev,
		session:      session,
		resetSession: resetSession,
		monitor:      mon,
		ledger:       l,
	}
}

// Start begins the status server if enabled.
func (s *StatusService) Start(ctx context.Context) {
	if !s.cfg.Status.Enabled {
		return
	}

	go s.run(ctx)
}

// Handler returns the status routes.
func (s *StatusService) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
	})

	// Ready once the gateway holds a session
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		if !s.session.Active() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "no session"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /logs", s.handleLogs)
	mux.HandleFunc("DELETE /logs/{name}", s.handleClearLogs)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("POST /session/reset", s.handleSessionReset)
	mux.HandleFunc("POST /power", s.handlePower)
	mux.HandleFunc("POST /speed", s.handleSpeed)

	return mux
}

func (s *StatusService) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"device":   s.device.DeviceName(),
		"state":    s.device.Snapshot(),
		"queued":   s.device.Queue().Len(),
		"rejected": s.device.Queue().Rejected(),
		"session":  s.session.Active(),
	})
}

func (s *StatusService) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "monitor disabled"})
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.Snapshot())
}

func (s *StatusService) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "monitor disabled"})
		return
	}
	if !s.monitor.Clear(r.PathValue("name")) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown log"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents lists ledger entries, filtered by ?type= or ?since=<duration>.
func (s *StatusService) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "ledger disabled"})
		return
	}

	query := r.URL.Query()
	limit := defaultEventsLimit
	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
			return
		}
		limit = n
	}

	var (
		entries []*ledger.Entry
		err     error
	)
	switch {
	case query.Get("type") != "":
		entries, err = s.ledger.GetByType(eventbus.EventType(query.Get("type")), limit)
	default:
		since := time.Hour
		if v := query.Get("since"); v != "" {
			since, err = time.ParseDuration(v)
			if err != nil || since <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid since"})
				return
			}
		}
		now := time.Now()
		entries, err = s.ledger.GetByTimeRange(now.Add(-since), now, limit)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to query event ledger")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "ledger query failed"})
		return
	}

	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"event_id":  e.EventID,
			"type":      e.EventType,
			"timestamp": e.Timestamp,
			"source":    e.Source,
			"message":   e.Message,
			"payload":   e.Payload,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *StatusService) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	if err := s.resetSession(r.Context()); err != nil {
		log.Error().Err(err).Msg("Session reset via status server failed")
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

type powerRequest struct {
	IsOn *bool `json:"is_on"`
}

type speedRequest struct {
	Speed     *int32 `json:"speed"`
	AutoPower *bool  `json:"auto_power"` // default: true
}

// handlePower switches the device. Like the device's own controls it is
// refused while a previous adjustment is still being carried out.
func (s *StatusService) handlePower(w http.ResponseWriter, r *http.Request) {
	var req powerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsOn == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "body must be {\"is_on\": bool}"})
		return
	}
	if !s.device.AcceptsCommands() {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "device is still adjusting"})
		return
	}

	log.Info().Bool("is_on", *req.IsOn).Msg("Power change requested via status server")
	s.device.SetIsOn(*req.IsOn)
	writeJSON(w, http.StatusOK, s.device.Snapshot())
}

// handleSpeed sets the target speed. With auto_power (the default) a
// positive speed powers the device on; without it the device must already be on.
func (s *StatusService) handleSpeed(w http.ResponseWriter, r *http.Request) {
	var req speedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Speed == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "body must be {\"speed\": int}"})
		return
	}
	if !s.device.AcceptsCommands() {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "device is still adjusting"})
		return
	}
	autoPower := req.AutoPower == nil || *req.AutoPower
	if !autoPower && !s.device.IsOn() {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "device is off"})
		return
	}

	log.Info().Int32("speed", *req.Speed).Msg("Speed change requested via status server")
	s.device.SetSpeed(*req.Speed)
	writeJSON(w, http.StatusOK, s.device.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write status response")
	}
}

func (s *StatusService) run(ctx context.Context) {
	addr := s.cfg.Status.Addr()

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("Starting status server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Status server shutdown error")
		}
	}()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Status server error")
	}
}
