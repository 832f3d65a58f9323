package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/serialgate/internal/db"
	"github.com/dokzlo13/serialgate/internal/eventbus"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "ledger.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return New(database.DB)
}

func TestLedger_AppendAndGetByType(t *testing.T) {
	l := openLedger(t)

	tx := eventbus.NewEvent(eventbus.EventTypeDeviceTx, "host", "[Host -> ttyUSB0] i", map[string]any{
		"command": "ON",
		"sent":    true,
	})
	require.NoError(t, l.Append(tx))
	require.NoError(t, l.Append(eventbus.NewEvent(eventbus.EventTypeGateway, "gateway", "Reported online=true", nil)))

	entries, err := l.GetByType(eventbus.EventTypeDeviceTx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, tx.ID, entry.EventID)
	assert.Equal(t, eventbus.EventTypeDeviceTx, entry.EventType)
	assert.Equal(t, "host", entry.Source)
	assert.Equal(t, "[Host -> ttyUSB0] i", entry.Message)
	assert.Equal(t, "ON", entry.Payload["command"])
	assert.Equal(t, true, entry.Payload["sent"])
	assert.WithinDuration(t, tx.Time, entry.Timestamp, time.Millisecond)

	gw, err := l.GetByType(eventbus.EventTypeGateway, 10)
	require.NoError(t, err)
	require.Len(t, gw, 1)
	assert.Nil(t, gw[0].Payload)
}

func TestLedger_AppendIsIdempotent(t *testing.T) {
	l := openLedger(t)

	e := eventbus.NewEvent(eventbus.EventTypeSession, "gateway", "Created session password", nil)
	require.NoError(t, l.Append(e))
	require.NoError(t, l.Append(e))

	entries, err := l.GetByType(eventbus.EventTypeSession, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLedger_GetByTimeRange(t *testing.T) {
	l := openLedger(t)
	now := time.Now()

	old := eventbus.NewEvent(eventbus.EventTypeDeviceRx, "ttyUSB0", "old", nil)
	old.Time = now.Add(-2 * time.Hour)
	recent := eventbus.NewEvent(eventbus.EventTypeDeviceRx, "ttyUSB0", "recent", nil)
	recent.Time = now.Add(-time.Minute)
	require.NoError(t, l.Append(old))
	require.NoError(t, l.Append(recent))

	entries, err := l.GetByTimeRange(now.Add(-time.Hour), now, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "recent", entries[0].Message)
}

func TestLedger_DeleteOlderThan(t *testing.T) {
	l := openLedger(t)

	old := eventbus.NewEvent(eventbus.EventTypeDeviceTx, "host", "old", nil)
	old.Time = time.Now().Add(-48 * time.Hour)
	require.NoError(t, l.Append(old))
	require.NoError(t, l.Append(eventbus.NewEvent(eventbus.EventTypeDeviceTx, "host", "fresh", nil)))

	deleted, err := l.DeleteOlderThan(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	entries, err := l.GetByType(eventbus.EventTypeDeviceTx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh", entries[0].Message)
}

func TestLedger_Attach(t *testing.T) {
	l := openLedger(t)
	bus := eventbus.New()
	l.Attach(bus)

	bus.Publish(eventbus.NewEvent(eventbus.EventTypeDeviceState, "controller", "speed", map[string]any{"target_speed": 3}))
	bus.Close(context.Background())

	entries, err := l.GetByType(eventbus.EventTypeDeviceState, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, float64(3), entries[0].Payload["target_speed"])
}
