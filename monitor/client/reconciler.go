package client

import (
	"context"
	"sync"
	"time"

	"github.com/SidA7MD/iset-sub000/monitor"
	"github.com/SidA7MD/iset-sub000/monitor/realtime"
)

// Snapshot is the reconciled view of one device: its latest reading plus the
// derived online state.
type Snapshot struct {
	DeviceID       string
	Temperature    float64
	Humidity       float64
	Gas            float64
	Timestamp      time.Time
	AlertTriggered bool
	AlertTypes     []string
	Online         bool
	LastSeen       time.Time
}

// snapshot additionally tracks which live events have populated the entry.
// A history seed must never overwrite live data, live data is always fresher
// in practice. Reading and status are tracked separately so a status event
// arriving first does not block the one-time reading seed.
type snapshot struct {
	Snapshot
	liveReading bool
	liveStatus  bool
}

// Reconciler merges live realtime events with seeded history into per-device
// snapshots. The online state is derived from last-seen within a fixed
// freshness window rather than trusting a server-pushed flag alone, so a
// client that silently stops receiving events degrades its display anyway.
type Reconciler struct {
	mutex     sync.Mutex
	snapshots map[string]*snapshot
	now       func() time.Time
}

// NewReconciler returns an empty reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{
		snapshots: make(map[string]*snapshot),
		now:       time.Now,
	}
}

// ApplyReading replaces the live fields of the device's snapshot and
// refreshes last-seen.
func (r *Reconciler) ApplyReading(reading monitor.Reading) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	s := r.ensureLocked(reading.DeviceID)
	s.Temperature = reading.Temperature
	s.Humidity = reading.Humidity
	s.Gas = reading.Gas
	s.Timestamp = reading.Timestamp
	s.AlertTriggered = reading.AlertTriggered
	s.AlertTypes = reading.AlertTypes
	s.Online = true
	s.LastSeen = r.now()
	s.liveReading = true
	s.liveStatus = true
}

// ApplyStatus updates only the online flag and last-seen; reading fields are
// left untouched.
func (r *Reconciler) ApplyStatus(status monitor.Status) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	s := r.ensureLocked(status.DeviceID)
	s.Online = status.Status == monitor.StatusOnline
	s.LastSeen = r.now()
	s.liveStatus = true
}

// SeedFromHistory initializes a snapshot that has no live reading yet. It
// reports whether the seed was applied; a seed arriving after a live reading
// is rejected. A snapshot populated only by a status event accepts the seed
// for its reading fields but keeps the live online state.
func (r *Reconciler) SeedFromHistory(deviceID string, reading *monitor.Reading) bool {
	if reading == nil {
		return false
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if s, ok := r.snapshots[deviceID]; ok {
		if s.liveReading {
			return false
		}
		if s.liveStatus {
			s.Temperature = reading.Temperature
			s.Humidity = reading.Humidity
			s.Gas = reading.Gas
			s.Timestamp = reading.Timestamp
			s.AlertTriggered = reading.AlertTriggered
			s.AlertTypes = reading.AlertTypes
			return true
		}
	}
	r.snapshots[deviceID] = &snapshot{Snapshot: Snapshot{
		DeviceID:       deviceID,
		Temperature:    reading.Temperature,
		Humidity:       reading.Humidity,
		Gas:            reading.Gas,
		Timestamp:      reading.Timestamp,
		AlertTriggered: reading.AlertTriggered,
		AlertTypes:     reading.AlertTypes,
		Online:         r.now().Sub(reading.Timestamp) <= monitor.OnlineWindow,
		LastSeen:       reading.Timestamp,
	}}
	return true
}

// IsOnline derives the online state: the snapshot must not be flagged
// offline and last-seen must be within the freshness window.
func (r *Reconciler) IsOnline(deviceID string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	s, ok := r.snapshots[deviceID]
	if !ok {
		return false
	}
	return s.Online && r.now().Sub(s.LastSeen) <= monitor.OnlineWindow
}

// Snapshot returns a copy of the device's snapshot, with the online flag
// re-derived at call time.
func (r *Reconciler) Snapshot(deviceID string) (Snapshot, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	s, ok := r.snapshots[deviceID]
	if !ok {
		return Snapshot{}, false
	}
	result := s.Snapshot
	result.Online = s.Online && r.now().Sub(s.LastSeen) <= monitor.OnlineWindow
	return result, true
}

// Devices returns the ids of all devices the reconciler currently tracks.
func (r *Reconciler) Devices() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	ids := make([]string, 0, len(r.snapshots))
	for id := range r.snapshots {
		ids = append(ids, id)
	}
	return ids
}

// Clear drops the snapshot of one device, used on device unassignment.
func (r *Reconciler) Clear(deviceID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.snapshots, deviceID)
}

// ClearAll drops every snapshot, used on logout.
func (r *Reconciler) ClearAll() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	clear(r.snapshots)
}

func (r *Reconciler) ensureLocked(deviceID string) *snapshot {
	s, ok := r.snapshots[deviceID]
	if !ok {
		s = &snapshot{Snapshot: Snapshot{DeviceID: deviceID}}
		r.snapshots[deviceID] = s
	}
	return s
}

// Attach subscribes the reconciler to a controller's event stream. The
// returned function detaches it again; detaching on teardown is mandatory.
func (r *Reconciler) Attach(controller *Controller) func() {
	return controller.OnEvent(func(event realtime.Event) {
		switch e := event.(type) {
		case realtime.ReadingEvent:
			r.ApplyReading(monitor.Reading(e))
		case realtime.StatusEvent:
			r.ApplyStatus(monitor.Status(e))
		case realtime.AssignedEvent:
			r.reconcileAssignment(e.Devices)
		}
	})
}

// reconcileAssignment drops snapshots of devices that left the scope. New
// devices get their snapshots from history seeding or the next live event.
func (r *Reconciler) reconcileAssignment(devices []monitor.Device) {
	assigned := make(map[string]struct{}, len(devices))
	for _, device := range devices {
		assigned[device.DeviceID] = struct{}{}
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for id := range r.snapshots {
		if _, ok := assigned[id]; !ok {
			delete(r.snapshots, id)
		}
	}
}

// Seed fetches the device list and each device's latest persisted reading
// through the REST surface, once per dashboard load. Live events that arrive
// while seeding is in flight win over the fetched history.
func (r *Reconciler) Seed(ctx context.Context, rest *REST) error {
	devices, err := rest.Devices(ctx)
	if err != nil {
		return err
	}
	for _, device := range devices {
		reading, err := rest.LatestReading(ctx, device.DeviceID)
		if err != nil {
			return err
		}
		r.SeedFromHistory(device.DeviceID, reading)
	}
	return nil
}
