package types

import (
	"encoding/json"
	"time"
)

// Inbound frame types understood by the router.
const (
	TypeJoin            = "join"
	TypeSubscribe       = "subscribe"
	TypePing            = "ping"
	TypeStatus          = "status"
	TypeCommand         = "command"
	TypeCommandResponse = "command_response"
	TypeGetStatus       = "get_status"
	TypeGetConfig       = "get_config"
	TypeConfig          = "config"
	TypeDebugLog        = "debug_log"
	TypeSubscribeDebug  = "subscribe_debug"
)

// Outbound-only frame types.
const (
	TypeConnection       = "connection"
	TypeJoined           = "joined"
	TypePeerConnected    = "peer_connected"
	TypePeerDisconnected = "peer_disconnected"
	TypePong             = "pong"
	TypeDebugSubscribed  = "debug_subscribed"
	TypeError            = "error"
)

// DeviceAuth carries a display's HMAC credential inside a join frame.
type DeviceAuth struct {
	Timestamp string `json:"timestamp"`
	Signature string `json:"signature"`
}

// AppAuth carries an app's bearer token inside a join frame.
type AppAuth struct {
	Token string `json:"token"`
}

// Message is the parsed form of an inbound JSON text frame. Fields are
// type-specific; unknown top-level keys are ignored at parse time and
// unknown Type values are ignored at routing time.
type Message struct {
	Type       string      `json:"type"`
	Code       string      `json:"code,omitempty"`
	ClientType ClientType  `json:"clientType,omitempty"`
	Serial     string      `json:"serial,omitempty"`
	DeviceID   string      `json:"deviceId,omitempty"`
	Auth       *DeviceAuth `json:"auth,omitempty"`
	AppAuth    *AppAuth    `json:"app_auth,omitempty"`

	RequestID string          `json:"requestId,omitempty"`
	Command   string          `json:"command,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`

	Level       string          `json:"level,omitempty"`
	LogMessage  string          `json:"log_message,omitempty"`
	LogMetadata json.RawMessage `json:"log_metadata,omitempty"`
}

// ParseMessage decodes one inbound frame. The raw bytes are kept by the
// caller for verbatim relay; this struct only drives routing decisions.
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// --- Outbound frames ---

// ErrorFrame is sent to the originating session for client-visible failures.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorFrame builds an error frame with the given message.
func NewErrorFrame(message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Message: message}
}

// ConnectionData is the payload of the greeting frame sent on accept.
type ConnectionData struct {
	Webex   string `json:"webex"`
	Clients int64  `json:"clients"`
}

// ConnectionFrame greets every freshly accepted socket.
type ConnectionFrame struct {
	Type      string         `json:"type"`
	Data      ConnectionData `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// NewConnectionFrame builds the greeting frame with the current live count.
func NewConnectionFrame(clients int64) ConnectionFrame {
	return ConnectionFrame{
		Type:      TypeConnection,
		Data:      ConnectionData{Webex: "connected", Clients: clients},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// JoinedData reports the room occupancy observed by a successful join.
type JoinedData struct {
	Code             string     `json:"code"`
	ClientType       ClientType `json:"clientType"`
	DisplayConnected bool       `json:"displayConnected"`
	AppConnected     bool       `json:"appConnected"`
}

// JoinedFrame acknowledges a successful join.
type JoinedFrame struct {
	Type string     `json:"type"`
	Data JoinedData `json:"data"`
}

// PeerFrame notifies a session that its counterpart connected or left.
type PeerFrame struct {
	Type     string     `json:"type"`
	PeerType ClientType `json:"peerType"`
}

// PongFrame answers an application-level ping.
type PongFrame struct {
	Type string `json:"type"`
}

// CommandResponseFrame is either a relayed display response or a synthetic
// failure generated by the broker.
type CommandResponseFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewCommandFailure builds a synthetic failed command_response.
func NewCommandFailure(requestID, errMsg string) CommandResponseFrame {
	return CommandResponseFrame{
		Type:      TypeCommandResponse,
		RequestID: requestID,
		Success:   false,
		Error:     errMsg,
	}
}

// DebugSubscribedFrame acknowledges subscribe_debug when the feature is on.
type DebugSubscribedFrame struct {
	Type string `json:"type"`
}
