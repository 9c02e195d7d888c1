/*
Package store is the record store of the monitoring platform. It owns the
postgres tables for accounts, devices, sensor readings and alerts and exposes
plain find/save/update operations. The realtime subsystem only touches it
once per connection, for the authorization lookup at connect time.
*/
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/SidA7MD/iset-sub000/core/csql"
	"github.com/SidA7MD/iset-sub000/monitor"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides access to the persistent records.
type Store struct {
	db *csql.DB
}

// Builder is a builder helper for the Store
type Builder struct {
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
}

// MustNewStore returns a new store. It creates the database tables
// if they do not exist yet, and panics on failure.
func MustNewStore(b *Builder) *Store {
	if b.DB == nil {
		panic("DB is missing")
	}
	s := &Store{db: b.DB}

	_, err := s.db.Exec(`
CREATE table IF NOT EXISTS ` + s.db.Schema + `.account
(account_id uuid DEFAULT uuid_generate_v4(),
identity varchar NOT NULL UNIQUE,
role varchar NOT NULL DEFAULT 'user',
active boolean NOT NULL DEFAULT true,
password_hash varchar NOT NULL DEFAULT '',
created_at timestamp NOT NULL DEFAULT now(),
PRIMARY KEY(account_id)
);
CREATE table IF NOT EXISTS ` + s.db.Schema + `.device
(device_id varchar NOT NULL,
name varchar NOT NULL DEFAULT '',
account_id uuid,
status varchar NOT NULL DEFAULT 'offline',
last_seen timestamp,
created_at timestamp NOT NULL DEFAULT now(),
PRIMARY KEY(device_id)
);
CREATE table IF NOT EXISTS ` + s.db.Schema + `.reading
(serial SERIAL,
device_id varchar NOT NULL references ` + s.db.Schema + `.device(device_id) ON DELETE CASCADE,
temperature double precision NOT NULL,
humidity double precision NOT NULL,
gas double precision NOT NULL,
alert_triggered boolean NOT NULL DEFAULT false,
alert_types varchar[] NOT NULL DEFAULT '{}',
created_at timestamp NOT NULL,
PRIMARY KEY(serial)
);
CREATE INDEX IF NOT EXISTS reading_device_created ON ` + s.db.Schema + `.reading(device_id, created_at DESC);
CREATE table IF NOT EXISTS ` + s.db.Schema + `.alert
(alert_id uuid DEFAULT uuid_generate_v4(),
device_id varchar NOT NULL references ` + s.db.Schema + `.device(device_id) ON DELETE CASCADE,
alert_type varchar NOT NULL,
severity varchar NOT NULL,
value double precision NOT NULL,
threshold double precision NOT NULL,
message varchar NOT NULL DEFAULT '',
acknowledged boolean NOT NULL DEFAULT false,
created_at timestamp NOT NULL,
PRIMARY KEY(alert_id)
);`)
	if err != nil {
		panic(err)
	}
	return s
}

// AccountByIdentity looks up an account by its external identity and resolves
// its authorization scope. Admin accounts are authorized for every registered
// device, user accounts only for the devices assigned to them.
func (s *Store) AccountByIdentity(ctx context.Context, identity string) (*monitor.Account, error) {
	account := monitor.Account{Identity: identity}
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, role, active FROM `+s.db.Schema+`.account WHERE identity=$1;`,
		identity).Scan(&account.AccountID, &account.Role, &account.Active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	query := `SELECT device_id FROM ` + s.db.Schema + `.device WHERE account_id=$1 ORDER BY device_id;`
	args := []any{account.AccountID}
	if account.Role == monitor.RoleAdmin {
		query = `SELECT device_id FROM ` + s.db.Schema + `.device ORDER BY device_id;`
		args = nil
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var deviceID string
		if err := rows.Scan(&deviceID); err != nil {
			return nil, err
		}
		account.DeviceIDs = append(account.DeviceIDs, deviceID)
	}
	return &account, rows.Err()
}

// PasswordHashByIdentity returns the stored password hash for the identity.
func (s *Store) PasswordHashByIdentity(ctx context.Context, identity string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash FROM `+s.db.Schema+`.account WHERE identity=$1 AND active;`,
		identity).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return hash, err
}

// SetPassword stores a new password hash for the identity.
func (s *Store) SetPassword(ctx context.Context, identity string, hash string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE `+s.db.Schema+`.account SET password_hash=$2 WHERE identity=$1;`,
		identity, hash)
	if err != nil {
		return err
	}
	count, _ := result.RowsAffected()
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveAccount inserts or updates an account record.
func (s *Store) SaveAccount(ctx context.Context, account *monitor.Account) error {
	if account.AccountID == (uuid.UUID{}) {
		account.AccountID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.account(account_id, identity, role, active)
VALUES($1,$2,$3,$4)
ON CONFLICT (identity) DO UPDATE SET role=$3, active=$4;`,
		account.AccountID, account.Identity, account.Role, account.Active)
	return err
}

// EnsureDevice creates the device record if it does not exist yet. Devices
// are created lazily with their first reading; assignment to an account
// happens later through AssignDevice.
func (s *Store) EnsureDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.device(device_id, created_at)
VALUES($1, now()) ON CONFLICT (device_id) DO NOTHING;`, deviceID)
	return err
}

// AssignDevice assigns a device to an account.
func (s *Store) AssignDevice(ctx context.Context, deviceID string, accountID uuid.UUID) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE `+s.db.Schema+`.device SET account_id=$2 WHERE device_id=$1;`,
		deviceID, accountID)
	if err != nil {
		return err
	}
	count, _ := result.RowsAffected()
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

// DevicesForAccount returns the devices within the account's authorization
// scope, all devices for admins.
func (s *Store) DevicesForAccount(ctx context.Context, account *monitor.Account) ([]monitor.Device, error) {
	query := `SELECT device_id, name, status, last_seen, created_at FROM ` + s.db.Schema + `.device WHERE account_id=$1 ORDER BY device_id;`
	args := []any{account.AccountID}
	if account.Role == monitor.RoleAdmin {
		query = `SELECT device_id, name, status, last_seen, created_at FROM ` + s.db.Schema + `.device ORDER BY device_id;`
		args = nil
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var devices []monitor.Device
	for rows.Next() {
		var device monitor.Device
		var lastSeen sql.NullTime
		if err := rows.Scan(&device.DeviceID, &device.Name, &device.Status, &lastSeen, &device.CreatedAt); err != nil {
			return nil, err
		}
		if lastSeen.Valid {
			device.LastSeen = &lastSeen.Time
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

// SaveReading persists one sensor reading.
func (s *Store) SaveReading(ctx context.Context, reading *monitor.Reading) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.reading(device_id, temperature, humidity, gas, alert_triggered, alert_types, created_at)
VALUES($1,$2,$3,$4,$5,$6,$7);`,
		reading.DeviceID, reading.Temperature, reading.Humidity, reading.Gas,
		reading.AlertTriggered, pq.Array(reading.AlertTypes), reading.Timestamp.UTC())
	return err
}

// MarkDeviceOnline refreshes the device's last-seen timestamp and flips it to
// online. It reports whether the device actually came online with this call,
// so the caller can publish a status-change event only on the transition.
func (s *Store) MarkDeviceOnline(ctx context.Context, deviceID string, at time.Time) (bool, error) {
	cameOnline := false
	err := s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE `+s.db.Schema+`.device SET status=$2 WHERE device_id=$1 AND status<>$2;`,
			deviceID, monitor.StatusOnline)
		if err != nil {
			return err
		}
		count, _ := result.RowsAffected()
		cameOnline = count > 0
		_, err = tx.ExecContext(ctx,
			`UPDATE `+s.db.Schema+`.device SET last_seen=$2 WHERE device_id=$1;`,
			deviceID, at.UTC())
		return err
	})
	return cameOnline, err
}

// LatestReading returns the most recent reading for the device.
func (s *Store) LatestReading(ctx context.Context, deviceID string) (*monitor.Reading, error) {
	reading := monitor.Reading{DeviceID: deviceID}
	var alertTypes pq.StringArray
	err := s.db.QueryRowContext(ctx,
		`SELECT temperature, humidity, gas, alert_triggered, alert_types, created_at
FROM `+s.db.Schema+`.reading WHERE device_id=$1 ORDER BY created_at DESC LIMIT 1;`,
		deviceID).Scan(&reading.Temperature, &reading.Humidity, &reading.Gas,
		&reading.AlertTriggered, &alertTypes, &reading.Timestamp)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	reading.AlertTypes = alertTypes
	return &reading, nil
}

// Readings returns up to limit readings for the device, newest first.
func (s *Store) Readings(ctx context.Context, deviceID string, limit int) ([]monitor.Reading, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT temperature, humidity, gas, alert_triggered, alert_types, created_at
FROM `+s.db.Schema+`.reading WHERE device_id=$1 ORDER BY created_at DESC LIMIT $2;`,
		deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var readings []monitor.Reading
	for rows.Next() {
		reading := monitor.Reading{DeviceID: deviceID}
		var alertTypes pq.StringArray
		if err := rows.Scan(&reading.Temperature, &reading.Humidity, &reading.Gas,
			&reading.AlertTriggered, &alertTypes, &reading.Timestamp); err != nil {
			return nil, err
		}
		reading.AlertTypes = alertTypes
		readings = append(readings, reading)
	}
	return readings, rows.Err()
}

// SaveAlert persists a triggered alert.
func (s *Store) SaveAlert(ctx context.Context, alert *monitor.Alert) error {
	if alert.AlertID == (uuid.UUID{}) {
		alert.AlertID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.alert(alert_id, device_id, alert_type, severity, value, threshold, message, created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8);`,
		alert.AlertID, alert.DeviceID, alert.AlertType, alert.Severity,
		alert.Value, alert.Threshold, alert.Message, alert.CreatedAt.UTC())
	return err
}

// AcknowledgeAlert marks an alert as acknowledged.
func (s *Store) AcknowledgeAlert(ctx context.Context, alertID uuid.UUID) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE `+s.db.Schema+`.alert SET acknowledged=true WHERE alert_id=$1;`, alertID)
	if err != nil {
		return err
	}
	count, _ := result.RowsAffected()
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentAlerts returns up to limit alerts for the device, newest first.
func (s *Store) RecentAlerts(ctx context.Context, deviceID string, limit int) ([]monitor.Alert, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT alert_id, alert_type, severity, value, threshold, message, acknowledged, created_at
FROM `+s.db.Schema+`.alert WHERE device_id=$1 ORDER BY created_at DESC LIMIT $2;`,
		deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var alerts []monitor.Alert
	for rows.Next() {
		alert := monitor.Alert{DeviceID: deviceID}
		if err := rows.Scan(&alert.AlertID, &alert.AlertType, &alert.Severity, &alert.Value,
			&alert.Threshold, &alert.Message, &alert.Acknowledged, &alert.CreatedAt); err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// MarkSilentDevicesOffline flips devices to offline that have not been seen
// since the cutoff and returns their ids. Used by the status watchdog.
func (s *Store) MarkSilentDevicesOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE `+s.db.Schema+`.device SET status=$1
WHERE status=$2 AND (last_seen IS NULL OR last_seen < $3)
RETURNING device_id;`,
		monitor.StatusOffline, monitor.StatusOnline, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deviceIDs []string
	for rows.Next() {
		var deviceID string
		if err := rows.Scan(&deviceID); err != nil {
			return nil, err
		}
		deviceIDs = append(deviceIDs, deviceID)
	}
	return deviceIDs, rows.Err()
}
