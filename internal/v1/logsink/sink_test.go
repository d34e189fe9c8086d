package logsink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/displaybridge/broker/internal/v1/types"
)

// recordingStore captures InsertDeviceLog calls.
type recordingStore struct {
	mu        sync.Mutex
	enabled   bool
	insertErr error
	inserted  []Entry
}

func (r *recordingStore) ValidateDeviceAuth(context.Context, string, string, string) (types.AuthResult, error) {
	return types.AuthResult{}, nil
}

func (r *recordingStore) ValidateAppToken(context.Context, string) (types.AuthResult, error) {
	return types.AuthResult{}, nil
}

func (r *recordingStore) UpdateDeviceLastSeen(context.Context, string) error { return nil }

func (r *recordingStore) InsertDeviceLog(_ context.Context, deviceID, level, message string, metadata []byte, serial string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	r.inserted = append(r.inserted, Entry{
		DeviceID: deviceID,
		Level:    level,
		Message:  message,
		Metadata: metadata,
		Serial:   serial,
	})
	return nil
}

func (r *recordingStore) ListDevices(context.Context) ([]types.DeviceRecord, error) { return nil, nil }

func (r *recordingStore) IsEnabled() bool { return r.enabled }

func (r *recordingStore) Ping(context.Context) error { return nil }

func (r *recordingStore) entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.inserted...)
}

// staticCache answers DebugEnabled from a fixed set.
type staticCache struct {
	debugSerials map[types.SerialNumberType]bool
}

func (c *staticCache) Get(types.SerialNumberType) (types.DeviceRecord, bool) {
	return types.DeviceRecord{}, false
}

func (c *staticCache) GetAllDevices() []types.DeviceRecord { return nil }

func (c *staticCache) DebugEnabled(serial types.SerialNumberType) bool {
	return c.debugSerials[serial]
}

// displaySession is a minimal joined display client.
type displaySession struct {
	serial   types.SerialNumberType
	deviceID string
}

func (d *displaySession) SessionID() types.SessionIDType { return "sess-1" }
func (d *displaySession) Role() types.ClientType         { return types.RoleDisplay }
func (d *displaySession) RoomCode() types.RoomCodeType   { return "ABC123" }
func (d *displaySession) Serial() types.SerialNumberType { return d.serial }
func (d *displaySession) DeviceID() string               { return d.deviceID }
func (d *displaySession) SendJSON(any)                   {}
func (d *displaySession) SendRaw([]byte)                 {}
func (d *displaySession) Relay([]byte) bool              { return true }
func (d *displaySession) IsOpen() bool                   { return true }
func (d *displaySession) Disconnect()                    {}

func TestShouldPersist(t *testing.T) {
	tests := []struct {
		name         string
		debugEnabled bool
		level        string
		want         bool
	}{
		{"debug on, info level", true, "info", true},
		{"debug on, empty level", true, "", true},
		{"debug off, info level", false, "info", false},
		{"debug off, debug level", false, "debug", false},
		{"debug off, warn level", false, "warn", true},
		{"debug off, error level", false, "error", true},
		{"debug off, WARN uppercase", false, "WARN", true},
		{"debug off, Error mixed", false, "Error", true},
		{"debug off, empty level", false, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldPersist(tt.debugEnabled, tt.level))
		})
	}
}

func drain(t *testing.T, s *Sink, store *recordingStore, want int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		return len(store.entries()) >= want
	}, time.Second, 10*time.Millisecond)
}

func TestHandlePersistsErrorLevel(t *testing.T) {
	store := &recordingStore{enabled: true}
	cache := &staticCache{debugSerials: map[types.SerialNumberType]bool{}}
	sink := New(store, cache)
	client := &displaySession{serial: "SN-001", deviceID: "dev-1"}

	msg := &types.Message{
		Type:        types.TypeDebugLog,
		Level:       "ERROR",
		LogMessage:  "panel init failed",
		LogMetadata: []byte(`{"panel":2}`),
	}
	sink.Handle(context.Background(), client, msg)
	drain(t, sink, store, 1)

	entries := store.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "dev-1", entries[0].DeviceID)
	assert.Equal(t, "error", entries[0].Level) // normalized
	assert.Equal(t, "panel init failed", entries[0].Message)
	assert.Equal(t, "SN-001", entries[0].Serial)
	assert.JSONEq(t, `{"panel":2}`, string(entries[0].Metadata))
}

func TestHandleFiltersInfoWithoutDebug(t *testing.T) {
	store := &recordingStore{enabled: true}
	cache := &staticCache{debugSerials: map[types.SerialNumberType]bool{}}
	sink := New(store, cache)
	client := &displaySession{serial: "SN-001", deviceID: "dev-1"}

	sink.Handle(context.Background(), client, &types.Message{Type: types.TypeDebugLog, Level: "info", LogMessage: "boot ok"})

	// Nothing was enqueued, so there is nothing to drain.
	assert.Empty(t, store.entries())
	assert.Empty(t, sink.ch)
}

func TestHandlePersistsInfoWithDebugEnabled(t *testing.T) {
	store := &recordingStore{enabled: true}
	cache := &staticCache{debugSerials: map[types.SerialNumberType]bool{"SN-001": true}}
	sink := New(store, cache)
	client := &displaySession{serial: "SN-001", deviceID: "dev-1"}

	sink.Handle(context.Background(), client, &types.Message{Type: types.TypeDebugLog, Level: "info", LogMessage: "boot ok"})
	drain(t, sink, store, 1)

	require.Len(t, store.entries(), 1)
}

func TestHandleDisabledStore(t *testing.T) {
	store := &recordingStore{enabled: false}
	cache := &staticCache{debugSerials: map[types.SerialNumberType]bool{"SN-001": true}}
	sink := New(store, cache)
	client := &displaySession{serial: "SN-001", deviceID: "dev-1"}

	sink.Handle(context.Background(), client, &types.Message{Type: types.TypeDebugLog, Level: "error", LogMessage: "oops"})
	assert.Empty(t, sink.ch)
}

func TestHandleDropsWithoutDeviceID(t *testing.T) {
	store := &recordingStore{enabled: true}
	cache := &staticCache{debugSerials: map[types.SerialNumberType]bool{}}
	sink := New(store, cache)
	client := &displaySession{serial: "SN-001", deviceID: ""}

	sink.Handle(context.Background(), client, &types.Message{Type: types.TypeDebugLog, Level: "error", LogMessage: "oops"})
	assert.Empty(t, sink.ch)
}

func TestPersistFailureDoesNotPanic(t *testing.T) {
	store := &recordingStore{enabled: true, insertErr: errors.New("db down")}
	cache := &staticCache{debugSerials: map[types.SerialNumberType]bool{}}
	sink := New(store, cache)

	sink.persist(context.Background(), Entry{DeviceID: "dev-1", Level: "error", Message: "oops"})
	assert.Empty(t, store.entries())
}
