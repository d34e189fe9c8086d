package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/displaybridge/broker/internal/v1/auth"
	"github.com/displaybridge/broker/internal/v1/commands"
	"github.com/displaybridge/broker/internal/v1/logsink"
	"github.com/displaybridge/broker/internal/v1/registry"
	"github.com/displaybridge/broker/internal/v1/room"
	"github.com/displaybridge/broker/internal/v1/store"
	"github.com/displaybridge/broker/internal/v1/types"
)

// MockConnection implements wsConnection
type MockConnection struct {
	ReadMessageFunc  func() (int, []byte, error)
	WriteMessageFunc func(int, []byte) error
	CloseFunc        func() error
}

func (m *MockConnection) ReadMessage() (int, []byte, error) {
	if m.ReadMessageFunc != nil {
		return m.ReadMessageFunc()
	}
	return 0, nil, nil
}

func (m *MockConnection) WriteMessage(messageType int, data []byte) error {
	if m.WriteMessageFunc != nil {
		return m.WriteMessageFunc(messageType, data)
	}
	return nil
}

func (m *MockConnection) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockConnection) SetWriteDeadline(_ time.Time) error { return nil }

func (m *MockConnection) SetReadDeadline(_ time.Time) error { return nil }

func (m *MockConnection) SetReadLimit(_ int64) {}

func (m *MockConnection) SetPongHandler(_ func(string) error) {}

// scriptedStore is an enabled identity store with fixed answers.
type scriptedStore struct {
	mu          sync.Mutex
	deviceAuth  types.AuthResult
	deviceErr   error
	tokenAuth   types.AuthResult
	tokenErr    error
	lastSeenIDs []string
}

func (s *scriptedStore) ValidateDeviceAuth(context.Context, string, string, string) (types.AuthResult, error) {
	return s.deviceAuth, s.deviceErr
}

func (s *scriptedStore) ValidateAppToken(context.Context, string) (types.AuthResult, error) {
	return s.tokenAuth, s.tokenErr
}

func (s *scriptedStore) UpdateDeviceLastSeen(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeenIDs = append(s.lastSeenIDs, deviceID)
	return nil
}

func (s *scriptedStore) InsertDeviceLog(context.Context, string, string, string, []byte, string) error {
	return nil
}

func (s *scriptedStore) ListDevices(context.Context) ([]types.DeviceRecord, error) { return nil, nil }

func (s *scriptedStore) IsEnabled() bool { return true }

func (s *scriptedStore) Ping(context.Context) error { return nil }

// hubOptions tweak the default no-auth test hub.
type hubOptions struct {
	store          types.IdentityStore
	requireAuth    bool
	bridgeDebug    bool
	commandTimeout time.Duration
}

// newTestHub wires a hub without rate limiting for direct route() testing.
func newTestHub(opts hubOptions) *Hub {
	identityStore := opts.store
	if identityStore == nil {
		identityStore = store.NewDisabled()
	}
	if opts.commandTimeout == 0 {
		opts.commandTimeout = 30 * time.Second
	}
	reg := registry.New(identityStore, nil)
	return NewHub(HubDeps{
		Gate:           auth.NewGateFromFlags(opts.requireAuth, opts.bridgeDebug),
		Verifier:       auth.NewVerifier(identityStore, time.Second),
		Rooms:          room.NewManager(),
		Tracker:        commands.NewTracker(opts.commandTimeout),
		Sink:           logsink.New(identityStore, reg),
		Registry:       reg,
		RateLimiter:    nil,
		AllowedOrigins: []string{"http://localhost:3000"},
	})
}

// newQueuedClient builds a client whose pumps are not running, so enqueued
// frames can be inspected directly on the send channel.
func newQueuedClient(h *Hub, id string) *Client {
	c := &Client{
		id:   types.SessionIDType(id),
		conn: &MockConnection{},
		hub:  h,
		send: make(chan []byte, sendQueueSize),
	}
	h.mu.Lock()
	h.sessions[c.id] = c
	h.mu.Unlock()
	return c
}

// nextFrame pops one queued frame and decodes it into a generic map.
func nextFrame(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case data := <-c.send:
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	case <-time.After(3 * time.Second):
		t.Fatal("expected a frame but none was enqueued")
		return nil
	}
}

// nextRaw pops one queued frame without decoding.
func nextRaw(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case data := <-c.send:
		return data
	case <-time.After(3 * time.Second):
		t.Fatal("expected a frame but none was enqueued")
		return nil
	}
}

// noFrame asserts the send queue is empty.
func noFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("expected no frame, got %s", data)
	default:
	}
}

// routeJSON parses raw and routes it as if it arrived on c's socket.
func routeJSON(t *testing.T, h *Hub, c *Client, raw string) {
	t.Helper()
	msg, err := types.ParseMessage([]byte(raw))
	require.NoError(t, err)
	h.route(context.Background(), c, []byte(raw), msg)
}
