package realtime

import (
	"context"

	"github.com/SidA7MD/iset-sub000/monitor"
	"github.com/SidA7MD/iset-sub000/monitor/sink"
)

// Broadcaster publishes typed events to the correct topics. Publishing is
// synchronous fan-out to the currently joined connections: no buffering, no
// redelivery, and a no-op when a topic has no members.
type Broadcaster struct {
	registry *Registry
	recorder sink.Recorder
}

// NewBroadcaster returns a new broadcaster. A nil recorder falls back to the
// structured log recorder.
func NewBroadcaster(registry *Registry, recorder sink.Recorder) *Broadcaster {
	if recorder == nil {
		recorder = sink.LogRecorder{}
	}
	return &Broadcaster{registry: registry, recorder: recorder}
}

// Publish routes an event to the device-scoped topic only. Events published
// from one goroutine arrive at each subscriber in publish order; no ordering
// guarantee is made across devices.
func (b *Broadcaster) Publish(ctx context.Context, deviceID string, event Event) {
	b.record(ctx, event)

	frame := marshalEvent(event)
	for _, conn := range b.registry.Members(TopicDevice(deviceID)) {
		conn.enqueue(frame)
	}
}

// NotifyIdentity routes an event to the identity-scoped topic only, for
// account-wide notifications such as device reassignment.
func (b *Broadcaster) NotifyIdentity(ctx context.Context, identityID string, event Event) {
	frame := marshalEvent(event)
	for _, conn := range b.registry.Members(TopicIdentity(identityID)) {
		conn.enqueue(frame)
	}
}

// record feeds the observability sink: every alert event, and reading events
// only when they carry the triggered-alert flag.
func (b *Broadcaster) record(ctx context.Context, event Event) {
	switch e := event.(type) {
	case AlertEvent:
		b.recorder.RecordAlert(ctx, monitor.Alert(e))
	case ReadingEvent:
		if e.AlertTriggered {
			b.recorder.RecordReading(ctx, monitor.Reading(e))
		}
	}
}
