package monitor

import (
	"time"

	"github.com/google/uuid"
)

// Roles an account can hold. Admins observe all devices, users only the
// devices assigned to them.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// OnlineWindow is the freshness window for the derived online state. A device
// without any reading for longer than this window counts as offline, both for
// the server-side watchdog and for the client-side reconciler.
const OnlineWindow = 5 * time.Minute

// Account is an operator account. Identity is the external identity the
// bearer token refers to, typically an email address.
type Account struct {
	AccountID uuid.UUID `json:"account_id"`
	Identity  string    `json:"identity"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	DeviceIDs []string  `json:"device_ids"`
}

// Device is a registered sensor device. The device id is an external
// identifier chosen at provisioning time, such as "DEV1".
type Device struct {
	DeviceID  string     `json:"deviceId"`
	Name      string     `json:"name"`
	AccountID uuid.UUID  `json:"account_id,omitempty"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
}

// Reading is one sensor sample pushed by a device.
type Reading struct {
	DeviceID       string    `json:"deviceId"`
	Temperature    float64   `json:"temperature"`
	Humidity       float64   `json:"humidity"`
	Gas            float64   `json:"gas"`
	Timestamp      time.Time `json:"timestamp"`
	AlertTriggered bool      `json:"alertTriggered"`
	AlertTypes     []string  `json:"alertTypes,omitempty"`
}

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is a persisted threshold violation.
type Alert struct {
	AlertID      uuid.UUID `json:"id"`
	DeviceID     string    `json:"deviceId"`
	AlertType    string    `json:"alertType"`
	Severity     string    `json:"severity"`
	Value        float64   `json:"value"`
	Threshold    float64   `json:"threshold"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"createdAt"`
	Acknowledged bool      `json:"acknowledged"`
}

// Device status values as sent on the wire.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Status is a device status change.
type Status struct {
	DeviceID  string    `json:"deviceId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
