package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversToSubscribers(t *testing.T) {
	bus := NewWithConfig(1, 8)

	var mu sync.Mutex
	var got []Event
	bus.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	}, EventTypeDeviceTx, EventTypeGateway)

	bus.Publish(NewEvent(EventTypeDeviceTx, "device", "tx", nil))
	bus.Publish(NewEvent(EventTypeDeviceRx, "device", "ignored", nil))
	bus.Publish(NewEvent(EventTypeGateway, "gateway", "fetched", nil))

	bus.Close(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, EventTypeDeviceTx, got[0].Type)
	assert.Equal(t, EventTypeGateway, got[1].Type)
	assert.NotEmpty(t, got[0].ID)
	assert.NotEqual(t, got[0].ID, got[1].ID)
}

func TestBus_DropsWhenQueueFull(t *testing.T) {
	bus := NewWithConfig(1, 1)

	release := make(chan struct{})
	var delivered int
	var mu sync.Mutex
	bus.Subscribe(func(Event) {
		<-release
		mu.Lock()
		delivered++
		mu.Unlock()
	}, EventTypeDeviceRx)

	// One in flight, one queued, the rest dropped.
	for i := 0; i < 10; i++ {
		bus.Publish(NewEvent(EventTypeDeviceRx, "device", "line", nil))
		time.Sleep(time.Millisecond)
	}
	close(release)
	bus.Close(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, delivered, 10)
	assert.GreaterOrEqual(t, delivered, 1)
}

func TestBus_PublishAfterCloseIsDropped(t *testing.T) {
	bus := New()
	called := false
	bus.Subscribe(func(Event) { called = true }, EventTypeSession)
	bus.Close(context.Background())

	assert.NotPanics(t, func() {
		bus.Publish(NewEvent(EventTypeSession, "gateway", "late", nil))
	})
	assert.False(t, called)
}

func TestBus_RecoversFromPanickingHandler(t *testing.T) {
	bus := NewWithConfig(1, 4)
	done := make(chan struct{})
	bus.Subscribe(func(e Event) {
		if e.Message == "boom" {
			panic("handler failure")
		}
		close(done)
	}, EventTypeGateway)

	bus.Publish(NewEvent(EventTypeGateway, "gateway", "boom", nil))
	bus.Publish(NewEvent(EventTypeGateway, "gateway", "ok", nil))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking handler")
	}
	bus.Close(context.Background())
}
