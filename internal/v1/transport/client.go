package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/displaybridge/broker/internal/v1/logging"
	"github.com/displaybridge/broker/internal/v1/metrics"
	"github.com/displaybridge/broker/internal/v1/types"
)

const (
	// writeWait is the deadline for one socket write.
	writeWait = 10 * time.Second
	// pongWait is how long a silent peer stays alive; pings go out every
	// pingPeriod so a responsive peer always beats the deadline.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// maxFrameSize rejects absurd frames before JSON decoding.
	maxFrameSize  = 64 * 1024
	sendQueueSize = 256
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// Client is one connected session: display, app, or not yet joined.
// It implements types.ClientInterface. The reader goroutine owns all state
// transitions; other goroutines only enqueue outbound frames.
type Client struct {
	id   types.SessionIDType
	conn wsConnection
	hub  *Hub

	mu       sync.RWMutex
	role     types.ClientType
	roomCode types.RoomCodeType
	serial   types.SerialNumberType
	deviceID string
	record   *types.DeviceRecord // set when join authenticated
	closed   bool

	closeOnce sync.Once
	send      chan []byte
}

// --- types.ClientInterface ---

func (c *Client) SessionID() types.SessionIDType { return c.id }

func (c *Client) Role() types.ClientType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Client) RoomCode() types.RoomCodeType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomCode
}

func (c *Client) Serial() types.SerialNumberType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serial
}

func (c *Client) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

func (c *Client) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// SendJSON encodes and enqueues one outbound frame. Sends against a closed
// session are silently dropped.
func (c *Client) SendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal outbound frame",
			zap.String("sessionId", string(c.id)), zap.Error(err))
		return
	}
	c.SendRaw(data)
}

// SendRaw enqueues pre-encoded bytes. A full queue marks the session as a
// slow consumer and closes it; the producer is never blocked.
func (c *Client) SendRaw(data []byte) {
	if !c.trySend(data) {
		logging.Warn(context.Background(), "Send queue full, closing slow session",
			zap.String("sessionId", string(c.id)))
		c.Disconnect()
	}
}

// trySend reports whether the frame was accepted. Used directly by the
// router where delivery failure must be observable (command relay).
func (c *Client) trySend(data []byte) bool {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return true // drop silently, not a backpressure failure
	}
	c.mu.RUnlock()

	// The channel can be closed between the check and the send.
	defer func() {
		if r := recover(); r != nil {
			logging.GetLogger().Debug("Dropped frame racing session close", zap.String("sessionId", string(c.id)))
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Relay enqueues a verbatim frame and reports acceptance, distinguishing a
// closed/stuck peer from a successful handoff.
func (c *Client) Relay(data []byte) bool {
	if !c.IsOpen() {
		return false
	}
	if !c.trySend(data) {
		c.Disconnect()
		return false
	}
	return true
}

// Disconnect forcefully closes the session. Closing the send channel makes
// writePump flush, send a close frame, and drop the socket.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// setJoined installs the authorization context established by a successful
// join. Called only from the session's own reader goroutine.
func (c *Client) setJoined(role types.ClientType, code types.RoomCodeType, serial types.SerialNumberType, deviceID string, record *types.DeviceRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = role
	c.roomCode = code
	c.serial = serial
	c.deviceID = deviceID
	c.record = record
}

// setDeviceID updates the declared device id. A subscribe frame is a
// logging hint only and never changes the authorization context.
func (c *Client) setDeviceID(deviceID string) {
	if deviceID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deviceID == "" {
		c.deviceID = deviceID
	}
}

func (c *Client) logCtx() context.Context {
	ctx := context.WithValue(context.Background(), logging.SessionIDKey, string(c.id))
	if code := c.RoomCode(); code != "" {
		ctx = context.WithValue(ctx, logging.RoomCodeKey, string(code))
	}
	return ctx
}

// readPump decodes inbound frames and hands them to the router. Any read
// error is terminal for the session.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			// Only UTF-8 JSON text frames are part of the protocol.
			logging.GetLogger().Debug("Rejecting non-text frame",
				zap.String("sessionId", string(c.id)), zap.Int("messageType", messageType))
			metrics.FramesRouted.WithLabelValues("binary", "rejected").Inc()
			continue
		}

		msg, err := types.ParseMessage(data)
		if err != nil || msg.Type == "" {
			logging.Warn(c.logCtx(), "Discarding malformed frame", zap.Error(err))
			metrics.FramesRouted.WithLabelValues("malformed", "dropped").Inc()
			continue
		}

		c.hub.route(c.logCtx(), c, data, msg)
	}
}

// writePump owns all socket writes: queued frames and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.GetLogger().Debug("Write failed, dropping session",
					zap.String("sessionId", string(c.id)), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
