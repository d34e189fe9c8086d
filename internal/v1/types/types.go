package types

import (
	"context"
	"time"
)

// --- Core Domain Types ---

// ClientType defines the two classes of clients the broker pairs.
type ClientType string

// SessionIDType represents a unique identifier for a client connection.
type SessionIDType string

// RoomCodeType represents a short uppercase alphanumeric pairing code.
type RoomCodeType string

// SerialNumberType identifies a provisioned display device.
type SerialNumberType string

// Client type constants. A session is RoleUnset until it joins a room.
const (
	RoleUnset   ClientType = ""
	RoleDisplay ClientType = "display"
	RoleApp     ClientType = "app"
)

// Valid reports whether t names one of the two joinable client types.
func (t ClientType) Valid() bool {
	return t == RoleDisplay || t == RoleApp
}

// DeviceRecord is the broker's view of a provisioned display. The external
// record store is authoritative; the broker mutates only LastSeen and
// appends logs.
type DeviceRecord struct {
	DeviceID        string    `json:"device_id"`
	SerialNumber    string    `json:"serial_number"`
	PairingCode     string    `json:"pairing_code"`
	DisplayName     string    `json:"display_name"`
	FirmwareVersion string    `json:"firmware_version"`
	IPAddress       string    `json:"ip_address"`
	LastSeen        time.Time `json:"last_seen"`
	DebugEnabled    bool      `json:"debug_enabled"`
	IsProvisioned   bool      `json:"is_provisioned"`
}

// AuthResult is what the identity store returns for either verification path.
type AuthResult struct {
	Valid  bool
	Device *DeviceRecord
	Error  string
}

// --- Shared Interfaces ---

// IdentityStore is the narrow interface over the external identity system.
// Implementations must be safe for concurrent use.
type IdentityStore interface {
	// ValidateDeviceAuth checks an HMAC display credential.
	ValidateDeviceAuth(ctx context.Context, serial, timestamp, signature string) (AuthResult, error)
	// ValidateAppToken resolves a bearer token to a device context.
	ValidateAppToken(ctx context.Context, token string) (AuthResult, error)
	// UpdateDeviceLastSeen persists a liveness timestamp for a device.
	UpdateDeviceLastSeen(ctx context.Context, deviceID string) error
	// InsertDeviceLog appends one debug log record.
	InsertDeviceLog(ctx context.Context, deviceID, level, message string, metadata []byte, serialNumber string) error
	// ListDevices returns all provisioned devices for the registry snapshot.
	ListDevices(ctx context.Context) ([]DeviceRecord, error)
	// IsEnabled reports whether the external store is configured at all.
	// A disabled store puts the broker in no-auth mode.
	IsEnabled() bool
	// Ping verifies connectivity for readiness probes.
	Ping(ctx context.Context) error
}

// ClientInterface defines the behavior the room, commands, and logsink
// packages need from a connected session, without depending on transport.
type ClientInterface interface {
	SessionID() SessionIDType
	Role() ClientType
	RoomCode() RoomCodeType
	Serial() SerialNumberType
	DeviceID() string
	// SendJSON enqueues a JSON-encoded frame. Sends to a session that is
	// no longer open are silently dropped.
	SendJSON(v any)
	// SendRaw enqueues a pre-encoded frame for verbatim relay.
	SendRaw(data []byte)
	// Relay enqueues a pre-encoded frame and reports acceptance so the
	// caller can observe a failed handoff to a closed or stuck session.
	Relay(data []byte) bool
	IsOpen() bool
	// Disconnect forcefully closes the session.
	Disconnect()
}

// DeviceCache is the process-local snapshot of provisioned devices.
type DeviceCache interface {
	Get(serial SerialNumberType) (DeviceRecord, bool)
	GetAllDevices() []DeviceRecord
	DebugEnabled(serial SerialNumberType) bool
}
