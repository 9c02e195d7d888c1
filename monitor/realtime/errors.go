package realtime

import (
	"errors"
	"fmt"
)

// ErrExpiredCredential marks an authentication failure that a credential
// refresh can cure, as opposed to one that needs a re-login.
var ErrExpiredCredential = errors.New("credential expired")

// Stable wire error codes. Authentication codes terminate the handshake;
// the remaining codes are scoped to a single request and leave the
// connection alive.
const (
	CodeTokenMissing    = "TOKEN_MISSING"
	CodeTokenInvalid    = "TOKEN_INVALID"
	CodeTokenExpired    = "TOKEN_EXPIRED"
	CodeAccountUnknown  = "ACCOUNT_UNKNOWN"
	CodeAccountInactive = "ACCOUNT_INACTIVE"

	CodeMissingDeviceID   = "MISSING_DEVICE_ID"
	CodeDeviceNotAssigned = "DEVICE_NOT_ASSIGNED"
	CodeAlertAckError     = "ALERT_ACK_ERROR"
)

// AuthenticationError is fatal to the connection attempt. The code tells the
// client whether to refresh the credential or to re-login.
type AuthenticationError struct {
	Code    string
	Message string
}

// Error implements error
func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AuthorizationError is scoped to a single requested action; the connection
// stays open.
type AuthorizationError struct {
	Code    string
	Message string
}

// Error implements error
func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
