package transport

import (
	"context"

	"go.uber.org/zap"

	"github.com/displaybridge/broker/internal/v1/logging"
	"github.com/displaybridge/broker/internal/v1/metrics"
	"github.com/displaybridge/broker/internal/v1/room"
	"github.com/displaybridge/broker/internal/v1/types"
)

// Client-visible routing errors.
const (
	msgMissingJoinFields  = "Missing code or clientType"
	msgNotInRoom          = "Not in a pairing room"
	msgAlreadyInRoom      = "Already in a pairing room"
	msgDisplayNotConn     = "Display not connected"
	msgOnlyApps           = "Only apps can send commands"
	msgMissingRequestID   = "Missing requestId"
	msgCodeMismatch       = "Pairing code does not match device"
	msgDisplaySlotTaken   = "A display is already connected with this code"
	msgAppSlotTaken       = "An app is already connected with this code"
	msgSubscribeDebugGone = "subscribe_debug is deprecated and no longer supported"
)

// route dispatches one parsed inbound frame. raw is the original frame for
// verbatim relay. Runs on the session's reader goroutine.
func (h *Hub) route(ctx context.Context, c *Client, raw []byte, msg *types.Message) {
	switch msg.Type {
	case types.TypePing:
		c.SendJSON(types.PongFrame{Type: types.TypePong})
		metrics.FramesRouted.WithLabelValues(msg.Type, "ok").Inc()

	case types.TypeSubscribe:
		c.setDeviceID(msg.DeviceID)
		metrics.FramesRouted.WithLabelValues(msg.Type, "ok").Inc()

	case types.TypeJoin:
		h.handleJoin(ctx, c, msg)

	case types.TypeStatus:
		h.handleStatus(ctx, c, raw)

	case types.TypeCommand:
		h.handleCommand(ctx, c, raw, msg)

	case types.TypeCommandResponse:
		h.handleCommandResponse(ctx, c, raw, msg)

	case types.TypeGetStatus, types.TypeGetConfig:
		h.handleGet(ctx, c, raw, msg)

	case types.TypeConfig:
		h.handleConfig(ctx, c, raw)

	case types.TypeDebugLog:
		h.handleDebugLog(ctx, c, msg)

	case types.TypeSubscribeDebug:
		h.handleSubscribeDebug(c, msg)

	default:
		logging.GetLogger().Debug("Dropping unknown frame type",
			zap.String("sessionId", string(c.id)), zap.String("frameType", msg.Type))
		metrics.FramesRouted.WithLabelValues("unknown", "dropped").Inc()
	}
}

// handleJoin runs the full admission path: schema check, authentication,
// code normalization, slot installation, and peer notification.
func (h *Hub) handleJoin(ctx context.Context, c *Client, msg *types.Message) {
	if c.RoomCode() != "" {
		c.SendJSON(types.NewErrorFrame(msgAlreadyInRoom))
		metrics.FramesRouted.WithLabelValues(msg.Type, "rejected").Inc()
		return
	}

	if msg.Code == "" || !msg.ClientType.Valid() {
		c.SendJSON(types.NewErrorFrame(msgMissingJoinFields))
		metrics.FramesRouted.WithLabelValues(msg.Type, "rejected").Inc()
		return
	}

	code := room.NormalizeCode(msg.Code)
	role := msg.ClientType

	// Authenticate before any room state is touched: a rejected join must
	// leave no room behind.
	var record *types.DeviceRecord
	var rejection string
	switch role {
	case types.RoleDisplay:
		record, rejection = h.verifier.VerifyDisplay(ctx, msg.Serial, msg.Auth, h.gate.RequireDeviceAuth())
	case types.RoleApp:
		record, rejection = h.verifier.VerifyApp(ctx, msg.AppAuth, h.gate.RequireDeviceAuth())
	}
	if rejection != "" {
		c.SendJSON(types.NewErrorFrame(rejection))
		metrics.FramesRouted.WithLabelValues(msg.Type, "unauthorized").Inc()
		return
	}

	// An authenticated credential is scoped to one pairing code.
	if record != nil && record.PairingCode != "" && room.NormalizeCode(record.PairingCode) != code {
		logging.Warn(ctx, "Join code does not match provisioned pairing code",
			zap.String("requested", string(code)),
			zap.String("serial", logging.RedactSerial(record.SerialNumber)))
		c.SendJSON(types.NewErrorFrame(msgCodeMismatch))
		metrics.FramesRouted.WithLabelValues(msg.Type, "rejected").Inc()
		return
	}

	serial := types.SerialNumberType(msg.Serial)
	deviceID := msg.DeviceID
	if record != nil {
		serial = types.SerialNumberType(record.SerialNumber)
		deviceID = record.DeviceID
	}

	// State must be visible to the notify callback and to any frame the
	// peer relays the instant the slot fills.
	c.setJoined(role, code, serial, deviceID, record)

	_, err := h.rooms.Join(c, code, role, func(res room.JoinResult) {
		c.SendJSON(types.JoinedFrame{
			Type: types.TypeJoined,
			Data: types.JoinedData{
				Code:             string(code),
				ClientType:       role,
				DisplayConnected: res.DisplayConnected,
				AppConnected:     res.AppConnected,
			},
		})
		if res.Peer != nil {
			res.Peer.SendJSON(types.PeerFrame{Type: types.TypePeerConnected, PeerType: role})
		}
	})
	if err != nil {
		c.setJoined(types.RoleUnset, "", "", "", nil)
		if role == types.RoleDisplay {
			c.SendJSON(types.NewErrorFrame(msgDisplaySlotTaken))
		} else {
			c.SendJSON(types.NewErrorFrame(msgAppSlotTaken))
		}
		metrics.FramesRouted.WithLabelValues(msg.Type, "rejected").Inc()
		return
	}

	logging.Info(ctx, "Session joined room",
		zap.String("code", string(code)), zap.String("role", string(role)),
		zap.Bool("authenticated", record != nil))
	metrics.FramesRouted.WithLabelValues(msg.Type, "ok").Inc()

	if role == types.RoleDisplay && record != nil {
		h.registry.Upsert(ctx, *record)
		h.registry.MarkSeen(record.DeviceID)
	}
}

// handleStatus relays a status frame to the peer; either role may send.
// An absent peer drops the frame silently.
func (h *Hub) handleStatus(ctx context.Context, c *Client, raw []byte) {
	code := c.RoomCode()
	if code == "" {
		c.SendJSON(types.NewErrorFrame(msgNotInRoom))
		metrics.FramesRouted.WithLabelValues(types.TypeStatus, "rejected").Inc()
		return
	}

	peer := h.rooms.Peer(code, c.Role())
	if peer == nil || !peer.Relay(raw) {
		metrics.FramesRouted.WithLabelValues(types.TypeStatus, "dropped").Inc()
		return
	}
	metrics.FramesRouted.WithLabelValues(types.TypeStatus, "relayed").Inc()
}

// handleCommand relays an app command to the display and records the
// pending entry, or synthesizes the failure response.
func (h *Hub) handleCommand(ctx context.Context, c *Client, raw []byte, msg *types.Message) {
	code := c.RoomCode()
	if code == "" {
		c.SendJSON(types.NewErrorFrame(msgNotInRoom))
		metrics.FramesRouted.WithLabelValues(msg.Type, "rejected").Inc()
		return
	}

	if c.Role() != types.RoleApp {
		c.SendJSON(types.NewCommandFailure(msg.RequestID, msgOnlyApps))
		metrics.FramesRouted.WithLabelValues(msg.Type, "rejected").Inc()
		return
	}

	if msg.RequestID == "" {
		c.SendJSON(types.NewErrorFrame(msgMissingRequestID))
		metrics.FramesRouted.WithLabelValues(msg.Type, "rejected").Inc()
		return
	}

	display := h.rooms.Peer(code, c.Role())
	if display == nil {
		c.SendJSON(types.NewCommandFailure(msg.RequestID, msgDisplayNotConn))
		metrics.FramesRouted.WithLabelValues(msg.Type, "dropped").Inc()
		return
	}

	// Install the pending entry only after the display accepted the frame;
	// a failed handoff closes the display and fails the command.
	if !display.Relay(raw) {
		display.Disconnect()
		c.SendJSON(types.NewCommandFailure(msg.RequestID, msgDisplayNotConn))
		metrics.FramesRouted.WithLabelValues(msg.Type, "dropped").Inc()
		return
	}

	h.tracker.Add(code, msg.RequestID, c)
	metrics.FramesRouted.WithLabelValues(msg.Type, "relayed").Inc()
}

// handleCommandResponse resolves a pending command and forwards the
// response to the issuing app. Unknown requestIds are dropped.
func (h *Hub) handleCommandResponse(ctx context.Context, c *Client, raw []byte, msg *types.Message) {
	code := c.RoomCode()
	if code == "" {
		c.SendJSON(types.NewErrorFrame(msgNotInRoom))
		metrics.FramesRouted.WithLabelValues(msg.Type, "rejected").Inc()
		return
	}

	if c.Role() != types.RoleDisplay {
		logging.GetLogger().Debug("Dropping command_response from non-display",
			zap.String("sessionId", string(c.id)))
		metrics.FramesRouted.WithLabelValues(msg.Type, "dropped").Inc()
		return
	}

	app, ok := h.tracker.Take(code, msg.RequestID)
	if !ok {
		logging.GetLogger().Debug("Dropping response for unknown requestId",
			zap.String("code", string(code)), zap.String("requestId", msg.RequestID))
		metrics.FramesRouted.WithLabelValues(msg.Type, "dropped").Inc()
		return
	}

	if app.IsOpen() {
		app.SendRaw(raw)
	}
	metrics.FramesRouted.WithLabelValues(msg.Type, "relayed").Inc()
}

// handleGet relays get_status/get_config to the display. Unlike status,
// an absent display surfaces an error to the app.
func (h *Hub) handleGet(ctx context.Context, c *Client, raw []byte, msg *types.Message) {
	code := c.RoomCode()
	if code == "" {
		c.SendJSON(types.NewErrorFrame(msgNotInRoom))
		metrics.FramesRouted.WithLabelValues(msg.Type, "rejected").Inc()
		return
	}

	if c.Role() != types.RoleApp {
		logging.GetLogger().Debug("Dropping query frame from non-app",
			zap.String("sessionId", string(c.id)), zap.String("frameType", msg.Type))
		metrics.FramesRouted.WithLabelValues(msg.Type, "dropped").Inc()
		return
	}

	display := h.rooms.Peer(code, c.Role())
	if display == nil || !display.Relay(raw) {
		c.SendJSON(types.NewErrorFrame(msgDisplayNotConn))
		metrics.FramesRouted.WithLabelValues(msg.Type, "dropped").Inc()
		return
	}
	metrics.FramesRouted.WithLabelValues(msg.Type, "relayed").Inc()
}

// handleConfig relays a display config push to the app; silent when absent.
func (h *Hub) handleConfig(ctx context.Context, c *Client, raw []byte) {
	code := c.RoomCode()
	if code == "" {
		c.SendJSON(types.NewErrorFrame(msgNotInRoom))
		metrics.FramesRouted.WithLabelValues(types.TypeConfig, "rejected").Inc()
		return
	}

	if c.Role() != types.RoleDisplay {
		logging.GetLogger().Debug("Dropping config frame from non-display",
			zap.String("sessionId", string(c.id)))
		metrics.FramesRouted.WithLabelValues(types.TypeConfig, "dropped").Inc()
		return
	}

	app := h.rooms.Peer(code, c.Role())
	if app == nil || !app.Relay(raw) {
		metrics.FramesRouted.WithLabelValues(types.TypeConfig, "dropped").Inc()
		return
	}
	metrics.FramesRouted.WithLabelValues(types.TypeConfig, "relayed").Inc()
}

// handleDebugLog hands a display log frame to the sink. Never relayed.
func (h *Hub) handleDebugLog(ctx context.Context, c *Client, msg *types.Message) {
	if c.RoomCode() == "" {
		c.SendJSON(types.NewErrorFrame(msgNotInRoom))
		metrics.FramesRouted.WithLabelValues(msg.Type, "rejected").Inc()
		return
	}

	if c.Role() != types.RoleDisplay {
		logging.GetLogger().Debug("Dropping debug_log from non-display",
			zap.String("sessionId", string(c.id)))
		metrics.FramesRouted.WithLabelValues(msg.Type, "dropped").Inc()
		return
	}

	h.sink.Handle(ctx, c, msg)
	metrics.FramesRouted.WithLabelValues(msg.Type, "ok").Inc()
}

// handleSubscribeDebug is gated by the bridge feature flag.
func (h *Hub) handleSubscribeDebug(c *Client, msg *types.Message) {
	if !h.gate.BridgeDebugSubscribeEnabled() {
		c.SendJSON(types.NewErrorFrame(msgSubscribeDebugGone))
		metrics.FramesRouted.WithLabelValues(msg.Type, "rejected").Inc()
		return
	}
	c.SendJSON(types.DebugSubscribedFrame{Type: types.TypeDebugSubscribed})
	metrics.FramesRouted.WithLabelValues(msg.Type, "ok").Inc()
}
