// Package room maintains the pairing-code → room table. A room binds at
// most one display and at most one app; it exists only while occupied.
package room

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/displaybridge/broker/internal/v1/logging"
	"github.com/displaybridge/broker/internal/v1/metrics"
	"github.com/displaybridge/broker/internal/v1/types"
)

// ErrSlotOccupied is returned when the requested slot already holds another
// live session. The newcomer is rejected; the paired peer is undisturbed.
var ErrSlotOccupied = errors.New("room slot already occupied")

// Room is one pairing binding. Fields are guarded by the Manager's mutex.
type Room struct {
	Code      types.RoomCodeType
	display   types.ClientInterface
	app       types.ClientInterface
	createdAt time.Time
}

// JoinResult reports the occupancy observed inside the join critical
// section, for the joined frame and the peer notification.
type JoinResult struct {
	DisplayConnected bool
	AppConnected     bool
	// Peer is the pre-existing counterpart, nil when the joiner is alone.
	Peer types.ClientInterface
}

// Manager owns the rooms table. Critical sections are strictly bounded:
// lookup, slot mutation, and peer capture only, never socket I/O.
type Manager struct {
	mu    sync.Mutex
	rooms map[types.RoomCodeType]*Room
}

// NewManager creates an empty rooms table.
func NewManager() *Manager {
	return &Manager{rooms: make(map[types.RoomCodeType]*Room)}
}

// NormalizeCode canonicalizes a pairing code: trimmed, uppercase.
func NormalizeCode(code string) types.RoomCodeType {
	return types.RoomCodeType(strings.ToUpper(strings.TrimSpace(code)))
}

// Join installs the client in the slot for its role, creating the room on
// first use. A slot held by a live session rejects the newcomer with
// ErrSlotOccupied; a stale (closed) occupant is replaced.
//
// notify runs inside the critical section so the joiner's acknowledgement
// and the peer notification are enqueued before any relay can observe the
// new occupant. It must only enqueue frames, never perform socket I/O.
func (m *Manager) Join(client types.ClientInterface, code types.RoomCodeType, role types.ClientType, notify func(JoinResult)) (JoinResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[code]
	if !ok {
		r = &Room{Code: code, createdAt: time.Now()}
		m.rooms[code] = r
		metrics.ActiveRooms.Inc()
		logging.Info(context.Background(), "Created pairing room", zap.String("code", string(code)))
	}

	switch role {
	case types.RoleDisplay:
		if r.display != nil && r.display.IsOpen() && r.display.SessionID() != client.SessionID() {
			return JoinResult{}, ErrSlotOccupied
		}
		r.display = client
	case types.RoleApp:
		if r.app != nil && r.app.IsOpen() && r.app.SessionID() != client.SessionID() {
			return JoinResult{}, ErrSlotOccupied
		}
		r.app = client
	default:
		return JoinResult{}, errors.New("invalid client type")
	}

	result := JoinResult{
		DisplayConnected: r.display != nil,
		AppConnected:     r.app != nil,
	}
	if role == types.RoleDisplay && r.app != nil && r.app.IsOpen() {
		result.Peer = r.app
	}
	if role == types.RoleApp && r.display != nil && r.display.IsOpen() {
		result.Peer = r.display
	}
	if notify != nil {
		notify(result)
	}
	return result, nil
}

// Leave clears the client's slot. When both slots empty out, the room is
// deleted inside the same critical section. It returns the remaining peer
// so the caller can emit peer_disconnected outside the lock.
func (m *Manager) Leave(client types.ClientInterface) (peer types.ClientInterface, left bool) {
	code := client.RoomCode()
	if code == "" {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[code]
	if !ok {
		return nil, false
	}

	switch {
	case r.display != nil && r.display.SessionID() == client.SessionID():
		r.display = nil
		peer = r.app
	case r.app != nil && r.app.SessionID() == client.SessionID():
		r.app = nil
		peer = r.display
	default:
		// Session was already replaced or never installed.
		return nil, false
	}

	if r.display == nil && r.app == nil {
		delete(m.rooms, code)
		metrics.ActiveRooms.Dec()
		logging.Info(context.Background(), "Removed empty pairing room", zap.String("code", string(code)))
	}
	return peer, true
}

// Peer returns the live counterpart for the given role in the room, or nil.
func (m *Manager) Peer(code types.RoomCodeType, role types.ClientType) types.ClientInterface {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[code]
	if !ok {
		return nil
	}

	var peer types.ClientInterface
	switch role {
	case types.RoleDisplay:
		peer = r.app
	case types.RoleApp:
		peer = r.display
	}
	if peer == nil || !peer.IsOpen() {
		return nil
	}
	return peer
}

// RoomCount reports the number of active rooms.
func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Exists reports whether a room is currently bound to the code.
func (m *Manager) Exists(code types.RoomCodeType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[code]
	return ok
}

// CloseAll snapshots every occupant and disconnects them outside the lock.
// Used by graceful shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	var targets []types.ClientInterface
	for _, r := range m.rooms {
		if r.display != nil {
			targets = append(targets, r.display)
		}
		if r.app != nil {
			targets = append(targets, r.app)
		}
	}
	m.mu.Unlock()

	for _, c := range targets {
		c.Disconnect()
	}
}
