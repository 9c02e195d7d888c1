package realtime

import (
	"context"
	"time"

	"github.com/SidA7MD/iset-sub000/core/logger"
	"github.com/SidA7MD/iset-sub000/monitor"
)

// SilentDeviceMarker flips devices that have not been seen since the cutoff
// to offline and returns their ids. The store satisfies this interface.
type SilentDeviceMarker interface {
	MarkSilentDevicesOffline(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Watchdog derives offline status for devices that simply stopped sending,
// without an explicit status push. It shares the freshness window with the
// client-side reconciler.
type Watchdog struct {
	devices     SilentDeviceMarker
	broadcaster *Broadcaster
	interval    time.Duration
}

// NewWatchdog returns a new watchdog checking once per minute.
func NewWatchdog(devices SilentDeviceMarker, broadcaster *Broadcaster) *Watchdog {
	return &Watchdog{
		devices:     devices,
		broadcaster: broadcaster,
		interval:    time.Minute,
	}
}

// Run blocks until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watchdog) sweep(ctx context.Context) {
	now := time.Now().UTC()
	deviceIDs, err := w.devices.MarkSilentDevicesOffline(ctx, now.Add(-monitor.OnlineWindow))
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5401: cannot mark silent devices offline")
		return
	}
	for _, deviceID := range deviceIDs {
		logger.WithDevice(logger.FromContext(ctx), deviceID).Infoln("device went silent, marked offline")
		w.broadcaster.Publish(ctx, deviceID, StatusEvent{
			DeviceID:  deviceID,
			Status:    monitor.StatusOffline,
			Timestamp: now,
		})
	}
}
