package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SidA7MD/iset-sub000/monitor"
)

// silentDevices returns a fixed set of silent device ids and remembers the
// cutoff it was called with.
type silentDevices struct {
	deviceIDs []string
	cutoff    time.Time
}

func (s *silentDevices) MarkSilentDevicesOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.cutoff = cutoff
	return s.deviceIDs, nil
}

func TestWatchdog_PublishesOfflineStatus(t *testing.T) {
	registry := NewRegistry()
	broadcaster := NewBroadcaster(registry, nil)

	subscriber := newConnection(testAccount("DEV1"))
	registry.Register(subscriber)
	require.NoError(t, registry.JoinDeviceTopic(subscriber, "DEV1"))

	devices := &silentDevices{deviceIDs: []string{"DEV1", "DEV2"}}
	watchdog := NewWatchdog(devices, broadcaster)
	watchdog.sweep(context.Background())

	// the cutoff is the shared freshness window
	assert.WithinDuration(t, time.Now().Add(-monitor.OnlineWindow), devices.cutoff, time.Minute)

	received := drainEvents(subscriber)
	require.Len(t, received, 1, "subscriber only sees its own device going offline")
	assert.Equal(t, EventDeviceStatus, received[0].Event)
	var status StatusEvent
	require.NoError(t, json.Unmarshal(received[0].Data, &status))
	assert.Equal(t, "DEV1", status.DeviceID)
	assert.Equal(t, monitor.StatusOffline, status.Status)
}
