package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/serialgate/internal/config"
	"github.com/dokzlo13/serialgate/internal/db"
	"github.com/dokzlo13/serialgate/internal/device"
	"github.com/dokzlo13/serialgate/internal/eventbus"
	"github.com/dokzlo13/serialgate/internal/ledger"
	"github.com/dokzlo13/serialgate/internal/monitor"
)

type nullLink struct{}

func (nullLink) Name() string          { return "null0" }
func (nullLink) Send(byte) bool        { return true }
func (nullLink) TryRead() (byte, bool) { return 0, false }

type fakeSession struct{ active bool }

func (s *fakeSession) Active() bool { return s.active }

func newStatusService(t *testing.T, mon *monitor.Monitor, l *ledger.Ledger, reset func(context.Context) error) (*StatusService, *device.Controller, *fakeSession) {
	t.Helper()
	ctrl := device.New(nullLink{}, device.Config{QueueSize: 8}, nil)
	session := &fakeSession{}
	if reset == nil {
		reset = func(context.Context) error { return nil }
	}
	return NewStatusService(config.Default(), ctrl, session, reset, mon, l), ctrl, session
}

func do(t *testing.T, h http.Handler, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	return doBody(t, h, method, target, "")
}

func doBody(t *testing.T, h http.Handler, method, target, reqBody string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(reqBody)))

	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestStatus_HealthAndReady(t *testing.T) {
	svc, _, session := newStatusService(t, nil, nil, nil)
	h := svc.Handler()

	rec, body := do(t, h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	rec, _ = do(t, h, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	session.active = true
	rec, body = do(t, h, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])

	rec, _ = do(t, h, http.MethodPost, "/health")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatus_State(t *testing.T) {
	svc, ctrl, _ := newStatusService(t, nil, nil, nil)
	ctrl.SetSpeed(3)

	rec, body := do(t, svc.Handler(), http.MethodGet, "/state")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "null0", body["device"])
	assert.Equal(t, float64(3), body["queued"], "power on lands at speed 1, then two steps")
	assert.Equal(t, false, body["session"])

	state := body["state"].(map[string]any)
	assert.Equal(t, true, state["is_on"])
	assert.Equal(t, float64(3), state["target_speed"])
	assert.Equal(t, float64(0), state["actual_speed"])
	assert.Equal(t, false, state["accepts_commands"])
	assert.Equal(t, "DEFAULT", state["mode"])
}

func TestStatus_Logs(t *testing.T) {
	svc, _, _ := newStatusService(t, nil, nil, nil)
	rec, _ := do(t, svc.Handler(), http.MethodGet, "/logs")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	mon := monitor.New()
	bus := eventbus.New()
	mon.Attach(bus)
	bus.Publish(eventbus.NewEvent(eventbus.EventTypeDeviceTx, "host", "[Host -> null0] i", nil))
	bus.Close(context.Background())

	svc, _, _ = newStatusService(t, mon, nil, nil)
	h := svc.Handler()

	rec, body := do(t, h, http.MethodGet, "/logs")
	require.Equal(t, http.StatusOK, rec.Code)
	deviceLog := body["device"].([]any)
	require.Len(t, deviceLog, 1)
	assert.Equal(t, "[Host -> null0] i", deviceLog[0].(map[string]any)["message"])
	assert.Len(t, body["speed_history"], monitor.SpeedHistoryEntries)

	rec, _ = do(t, h, http.MethodDelete, "/logs/device")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, mon.Snapshot().Device)

	rec, _ = do(t, h, http.MethodDelete, "/logs/serial")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatus_Events(t *testing.T) {
	svc, _, _ := newStatusService(t, nil, nil, nil)
	rec, _ := do(t, svc.Handler(), http.MethodGet, "/events")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	database, err := db.Open(filepath.Join(t.TempDir(), "status.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	l := ledger.New(database.DB)
	require.NoError(t, l.Append(eventbus.NewEvent(eventbus.EventTypeDeviceTx, "host", "[Host -> null0] i", nil)))
	require.NoError(t, l.Append(eventbus.NewEvent(eventbus.EventTypeGateway, "gateway", "Reported online=true", nil)))

	svc, _, _ = newStatusService(t, nil, l, nil)
	h := svc.Handler()

	rec, body := do(t, h, http.MethodGet, "/events?type=gateway")
	require.Equal(t, http.StatusOK, rec.Code)
	events := body["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "Reported online=true", events[0].(map[string]any)["message"])

	rec, body = do(t, h, http.MethodGet, "/events?since=5m&limit=10")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["events"], 2)

	rec, _ = do(t, h, http.MethodGet, "/events?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = do(t, h, http.MethodGet, "/events?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatus_SessionReset(t *testing.T) {
	calls := 0
	svc, _, _ := newStatusService(t, nil, nil, func(context.Context) error {
		calls++
		if calls > 1 {
			return errors.New("/newsession: code 401/bad password")
		}
		return nil
	})
	h := svc.Handler()

	rec, body := do(t, h, http.MethodPost, "/session/reset")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reset", body["status"])

	rec, body = do(t, h, http.MethodPost, "/session/reset")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, body["error"], "bad password")
	assert.Equal(t, 2, calls)
}

func TestStatus_Power(t *testing.T) {
	svc, ctrl, _ := newStatusService(t, nil, nil, nil)
	h := svc.Handler()

	rec, _ := doBody(t, h, http.MethodPost, "/power", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := doBody(t, h, http.MethodPost, "/power", `{"is_on":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["is_on"])
	assert.Equal(t, float64(1), body["target_speed"])
	assert.Equal(t, []device.Command{device.CommandOn}, drainQueue(ctrl.Queue()))

	// Target is 1, actual still 0 until the device reports back.
	rec, _ = doBody(t, h, http.MethodPost, "/power", `{"is_on":false}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.True(t, ctrl.IsOn())
}

func TestStatus_Speed(t *testing.T) {
	svc, ctrl, _ := newStatusService(t, nil, nil, nil)
	h := svc.Handler()

	rec, _ := doBody(t, h, http.MethodPost, "/speed", `{"speed":"fast"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doBody(t, h, http.MethodPost, "/speed", `{"speed":3,"auto_power":false}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, ctrl.IsOn())

	rec, body := doBody(t, h, http.MethodPost, "/speed", `{"speed":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["is_on"])
	assert.Equal(t, float64(3), body["target_speed"])
	assert.Equal(t,
		[]device.Command{device.CommandOn, device.CommandHigher, device.CommandHigher},
		drainQueue(ctrl.Queue()))

	rec, _ = doBody(t, h, http.MethodPost, "/speed", `{"speed":5}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "refused until actual speed catches up")
	assert.Equal(t, int32(3), ctrl.TargetSpeed())
}

func drainQueue(q *device.Queue) []device.Command {
	var out []device.Command
	for {
		c, ok := q.TryPop()
		if !ok {
			return out
		}
		out = append(out, c)
	}
}
