package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SidA7MD/iset-sub000/monitor"
)

func TestReconciler_ApplyReading(t *testing.T) {
	r := NewReconciler()

	r.ApplyReading(monitor.Reading{DeviceID: "DEV1", Temperature: 22.5, Humidity: 50, Gas: 300, Timestamp: time.Now()})

	snapshot, ok := r.Snapshot("DEV1")
	require.True(t, ok)
	assert.Equal(t, 22.5, snapshot.Temperature)
	assert.True(t, snapshot.Online)
	assert.True(t, r.IsOnline("DEV1"))
}

func TestReconciler_ApplyStatusKeepsReadingFields(t *testing.T) {
	r := NewReconciler()
	r.ApplyReading(monitor.Reading{DeviceID: "DEV1", Temperature: 22.5, Humidity: 50, Gas: 300})

	r.ApplyStatus(monitor.Status{DeviceID: "DEV1", Status: monitor.StatusOffline, Timestamp: time.Now()})

	snapshot, ok := r.Snapshot("DEV1")
	require.True(t, ok)
	assert.Equal(t, 22.5, snapshot.Temperature, "status updates must not touch reading fields")
	assert.False(t, snapshot.Online)
	assert.False(t, r.IsOnline("DEV1"))

	r.ApplyStatus(monitor.Status{DeviceID: "DEV1", Status: monitor.StatusOnline, Timestamp: time.Now()})
	assert.True(t, r.IsOnline("DEV1"))
}

func TestReconciler_SeedNeverOverwritesLiveData(t *testing.T) {
	r := NewReconciler()

	r.ApplyReading(monitor.Reading{DeviceID: "DEV1", Temperature: 25})

	stale := &monitor.Reading{DeviceID: "DEV1", Temperature: 19, Timestamp: time.Now().Add(-time.Hour)}
	if r.SeedFromHistory("DEV1", stale) {
		t.Fatal("a history seed must be rejected once live data arrived")
	}
	snapshot, _ := r.Snapshot("DEV1")
	assert.Equal(t, 25.0, snapshot.Temperature)

	// seeding an untouched device works
	if !r.SeedFromHistory("DEV2", &monitor.Reading{DeviceID: "DEV2", Temperature: 18, Timestamp: time.Now()}) {
		t.Fatal("seed of an untouched device must be applied")
	}
	snapshot, ok := r.Snapshot("DEV2")
	require.True(t, ok)
	assert.Equal(t, 18.0, snapshot.Temperature)

	// a live event wins over a previous seed
	r.ApplyReading(monitor.Reading{DeviceID: "DEV2", Temperature: 21})
	assert.False(t, r.SeedFromHistory("DEV2", stale))
}

func TestReconciler_SeedAfterStatusFillsReadingFields(t *testing.T) {
	r := NewReconciler()

	r.ApplyStatus(monitor.Status{DeviceID: "DEV1", Status: monitor.StatusOffline, Timestamp: time.Now()})

	historical := &monitor.Reading{DeviceID: "DEV1", Temperature: 23, Humidity: 55, Timestamp: time.Now().Add(-time.Minute)}
	if !r.SeedFromHistory("DEV1", historical) {
		t.Fatal("a status-only snapshot must still accept its reading seed")
	}
	snapshot, ok := r.Snapshot("DEV1")
	require.True(t, ok)
	assert.Equal(t, 23.0, snapshot.Temperature)
	assert.Equal(t, 55.0, snapshot.Humidity)
	// the live status keeps the device offline despite the recent seed
	assert.False(t, r.IsOnline("DEV1"))

	// the seed is one-time, a second one is rejected once a reading arrived
	r.ApplyReading(monitor.Reading{DeviceID: "DEV1", Temperature: 24})
	assert.False(t, r.SeedFromHistory("DEV1", historical))
}

func TestReconciler_SeedNil(t *testing.T) {
	r := NewReconciler()
	assert.False(t, r.SeedFromHistory("DEV1", nil))
	_, ok := r.Snapshot("DEV1")
	assert.False(t, ok)
}

func TestReconciler_OnlineWindow(t *testing.T) {
	r := NewReconciler()
	now := time.Now()
	r.now = func() time.Time { return now }

	r.ApplyReading(monitor.Reading{DeviceID: "DEV1", Temperature: 20, Timestamp: now})
	assert.True(t, r.IsOnline("DEV1"))

	// still within the freshness window
	r.now = func() time.Time { return now.Add(monitor.OnlineWindow) }
	assert.True(t, r.IsOnline("DEV1"))

	// a device that silently stopped sending degrades to offline without any
	// server push
	r.now = func() time.Time { return now.Add(monitor.OnlineWindow + time.Second) }
	assert.False(t, r.IsOnline("DEV1"))

	snapshot, _ := r.Snapshot("DEV1")
	assert.False(t, snapshot.Online)
}

func TestReconciler_SeedOfOldReadingIsOffline(t *testing.T) {
	r := NewReconciler()
	now := time.Now()
	r.now = func() time.Time { return now }

	require.True(t, r.SeedFromHistory("DEV1", &monitor.Reading{
		DeviceID: "DEV1", Temperature: 20, Timestamp: now.Add(-time.Hour),
	}))
	assert.False(t, r.IsOnline("DEV1"))

	require.True(t, r.SeedFromHistory("DEV2", &monitor.Reading{
		DeviceID: "DEV2", Temperature: 20, Timestamp: now.Add(-time.Minute),
	}))
	assert.True(t, r.IsOnline("DEV2"))
}

func TestReconciler_ClearAndClearAll(t *testing.T) {
	r := NewReconciler()
	r.ApplyReading(monitor.Reading{DeviceID: "DEV1"})
	r.ApplyReading(monitor.Reading{DeviceID: "DEV2"})

	r.Clear("DEV1")
	_, ok := r.Snapshot("DEV1")
	assert.False(t, ok)
	_, ok = r.Snapshot("DEV2")
	assert.True(t, ok)

	// after a clear, a seed is accepted again
	assert.True(t, r.SeedFromHistory("DEV1", &monitor.Reading{DeviceID: "DEV1", Timestamp: time.Now()}))

	r.ClearAll()
	assert.Empty(t, r.Devices())
}

func TestReconciler_AssignmentDropsOutOfScopeDevices(t *testing.T) {
	r := NewReconciler()
	r.ApplyReading(monitor.Reading{DeviceID: "DEV1"})
	r.ApplyReading(monitor.Reading{DeviceID: "DEV2"})

	r.reconcileAssignment([]monitor.Device{{DeviceID: "DEV2"}, {DeviceID: "DEV3"}})

	_, ok := r.Snapshot("DEV1")
	assert.False(t, ok, "unassigned device must be cleared")
	_, ok = r.Snapshot("DEV2")
	assert.True(t, ok)
}
