package transport

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/displaybridge/broker/internal/v1/auth"
	"github.com/displaybridge/broker/internal/v1/commands"
	"github.com/displaybridge/broker/internal/v1/logging"
	"github.com/displaybridge/broker/internal/v1/logsink"
	"github.com/displaybridge/broker/internal/v1/metrics"
	"github.com/displaybridge/broker/internal/v1/ratelimit"
	"github.com/displaybridge/broker/internal/v1/registry"
	"github.com/displaybridge/broker/internal/v1/room"
	"github.com/displaybridge/broker/internal/v1/types"
)

// Hub accepts WebSocket connections and wires every session to the rooms
// table, the command tracker, and the debug log sink.
type Hub struct {
	gate     *auth.Gate
	verifier *auth.Verifier
	rooms    *room.Manager
	tracker  *commands.Tracker
	sink     *logsink.Sink
	registry *registry.Registry

	rateLimiter    *ratelimit.RateLimiter
	allowedOrigins []string

	liveClients atomic.Int64

	mu       sync.Mutex
	sessions map[types.SessionIDType]*Client
}

// HubDeps carries the hub's collaborators, injected by main.
type HubDeps struct {
	Gate           *auth.Gate
	Verifier       *auth.Verifier
	Rooms          *room.Manager
	Tracker        *commands.Tracker
	Sink           *logsink.Sink
	Registry       *registry.Registry
	RateLimiter    *ratelimit.RateLimiter
	AllowedOrigins []string
}

// NewHub creates a Hub with its dependencies.
func NewHub(deps HubDeps) *Hub {
	return &Hub{
		gate:           deps.Gate,
		verifier:       deps.Verifier,
		rooms:          deps.Rooms,
		tracker:        deps.Tracker,
		sink:           deps.Sink,
		registry:       deps.Registry,
		rateLimiter:    deps.RateLimiter,
		allowedOrigins: deps.AllowedOrigins,
		sessions:       make(map[types.SessionIDType]*Client),
	}
}

// ServeWs upgrades an HTTP request to a WebSocket session. Connections are
// anonymous until a successful join frame.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // response already written
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgradeWebSocket(c)
	if err != nil {
		return
	}

	h.HandleConnection(conn)
}

// HandleConnection registers an established socket and starts its pumps.
// Split from ServeWs so tests can drive the hub with a mock connection.
func (h *Hub) HandleConnection(conn wsConnection) *Client {
	client := &Client{
		id:   types.SessionIDType(uuid.New().String()),
		conn: conn,
		hub:  h,
		send: make(chan []byte, sendQueueSize),
	}

	h.mu.Lock()
	h.sessions[client.id] = client
	h.mu.Unlock()

	count := h.liveClients.Add(1)
	metrics.IncConnection()

	// Greeting goes out before any inbound frame is processed.
	client.SendJSON(types.NewConnectionFrame(count))

	logging.Info(client.logCtx(), "Session connected", zap.Int64("liveClients", count))

	go client.writePump()
	go client.readPump()
	return client
}

// handleDisconnect is the single close path for a session: room slot, peer
// notification, pending commands, live count.
func (h *Hub) handleDisconnect(c *Client) {
	c.Disconnect()

	h.mu.Lock()
	if _, ok := h.sessions[c.id]; !ok {
		h.mu.Unlock()
		return // already cleaned up
	}
	delete(h.sessions, c.id)
	h.mu.Unlock()

	peer, left := h.rooms.Leave(c)
	if left && peer != nil && peer.IsOpen() {
		peer.SendJSON(types.PeerFrame{Type: types.TypePeerDisconnected, PeerType: c.Role()})
	}

	if c.Role() == types.RoleApp {
		// Departed apps get no synthetic responses; drop their entries.
		h.tracker.ReleaseSession(c.SessionID())
	}

	count := h.liveClients.Add(-1)
	metrics.DecConnection()
	logging.Info(c.logCtx(), "Session closed",
		zap.String("role", string(c.Role())), zap.Int64("liveClients", count))
}

// LiveClients reports the number of connected sessions.
func (h *Hub) LiveClients() int64 {
	return h.liveClients.Load()
}

// Shutdown disconnects every session. Writer queues drain their close
// frames as the pumps wind down.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.sessions))
	for _, c := range h.sessions {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.Disconnect()
	}

	logging.Info(ctx, "All sessions closed", zap.Int("count", len(targets)))
	return nil
}
