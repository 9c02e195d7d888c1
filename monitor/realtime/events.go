package realtime

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/SidA7MD/iset-sub000/monitor"
)

// Wire event names, server to client.
const (
	EventConnected      = "connection:success"
	EventSensorData     = "sensor:data"
	EventDeviceAlert    = "device:alert"
	EventDeviceStatus   = "device:status"
	EventDeviceAssigned = "user:device-assigned"
	EventError          = "error"
)

// Wire event names, client to server.
const (
	EventSubscribe   = "device:subscribe"
	EventAcknowledge = "alert:acknowledge"
)

// Envelope is the wire frame: one JSON object per websocket text message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is the closed union of server-to-client event payloads. Each payload
// type carries its own event name, so a publish call cannot pair a name with
// the wrong payload shape.
type Event interface {
	EventName() string
}

// ConnectedEvent confirms a successful handshake.
type ConnectedEvent struct {
	IdentityID   string    `json:"identityId"`
	ConnectionID string    `json:"connectionId"`
	DeviceIDs    []string  `json:"authorizedDeviceIds"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventName implements Event
func (ConnectedEvent) EventName() string { return EventConnected }

// ReadingEvent is a live sensor reading.
type ReadingEvent monitor.Reading

// EventName implements Event
func (ReadingEvent) EventName() string { return EventSensorData }

// AlertEvent is a triggered threshold alert.
type AlertEvent monitor.Alert

// EventName implements Event
func (AlertEvent) EventName() string { return EventDeviceAlert }

// StatusEvent is a device online/offline transition.
type StatusEvent monitor.Status

// EventName implements Event
func (StatusEvent) EventName() string { return EventDeviceStatus }

// AssignedEvent tells an identity that its device assignment changed. The
// client is expected to re-subscribe; already-open subscriptions are not
// retroactively widened or narrowed.
type AssignedEvent struct {
	Devices   []monitor.Device `json:"devices"`
	Timestamp time.Time        `json:"timestamp"`
}

// EventName implements Event
func (AssignedEvent) EventName() string { return EventDeviceAssigned }

// ErrorEvent is a scoped error reported back to a single connection.
type ErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// EventName implements Event
func (ErrorEvent) EventName() string { return EventError }

// SubscribeRequest is the payload of a device:subscribe client event.
type SubscribeRequest struct {
	DeviceID string `json:"deviceId"`
}

// AcknowledgeRequest is the payload of an alert:acknowledge client event.
type AcknowledgeRequest struct {
	AlertID uuid.UUID `json:"alertId"`
}

// marshalEvent renders the wire frame for an event. Payload types are our
// own, marshalling cannot fail in practice.
func marshalEvent(event Event) []byte {
	data, err := json.Marshal(event)
	if err != nil {
		panic(err)
	}
	frame, err := json.Marshal(Envelope{Event: event.EventName(), Data: data})
	if err != nil {
		panic(err)
	}
	return frame
}
