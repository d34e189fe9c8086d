// Package logsink filters debug_log frames and persists them to the
// external record store.
package logsink

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/displaybridge/broker/internal/v1/logging"
	"github.com/displaybridge/broker/internal/v1/metrics"
	"github.com/displaybridge/broker/internal/v1/types"
)

const queueSize = 512

// Entry is one debug log record queued for persistence.
type Entry struct {
	DeviceID string
	Level    string
	Message  string
	Metadata []byte
	Serial   string
}

// Sink decides which debug_log frames survive and writes them to the store
// from a background worker, so a slow database never blocks a reader.
type Sink struct {
	store types.IdentityStore
	cache types.DeviceCache
	ch    chan Entry
}

// New builds a sink over the store and the device cache.
func New(store types.IdentityStore, cache types.DeviceCache) *Sink {
	return &Sink{
		store: store,
		cache: cache,
		ch:    make(chan Entry, queueSize),
	}
}

// ShouldPersist is the gating rule: a frame survives when the device has
// debug enabled or the level is warn/error.
func ShouldPersist(debugEnabled bool, level string) bool {
	if debugEnabled {
		return true
	}
	switch strings.ToLower(level) {
	case "warn", "error":
		return true
	}
	return false
}

// Handle applies the gating rule to one debug_log frame from a display
// session and enqueues it for persistence. Frames from sessions without a
// resolved device id are dropped: there is nothing to correlate them with.
func (s *Sink) Handle(ctx context.Context, client types.ClientInterface, msg *types.Message) {
	if !s.store.IsEnabled() {
		metrics.DebugLogs.WithLabelValues("disabled").Inc()
		return
	}

	debugEnabled := s.cache.DebugEnabled(client.Serial())
	if !ShouldPersist(debugEnabled, msg.Level) {
		metrics.DebugLogs.WithLabelValues("filtered").Inc()
		return
	}

	deviceID := client.DeviceID()
	if deviceID == "" {
		metrics.DebugLogs.WithLabelValues("no_device").Inc()
		logging.Warn(ctx, "Dropping debug_log from session with no device id",
			zap.String("sessionId", string(client.SessionID())))
		return
	}

	entry := Entry{
		DeviceID: deviceID,
		Level:    strings.ToLower(msg.Level),
		Message:  msg.LogMessage,
		Metadata: msg.LogMetadata,
		Serial:   string(client.Serial()),
	}

	select {
	case s.ch <- entry:
	default:
		metrics.DebugLogs.WithLabelValues("overflow").Inc()
		logging.Warn(ctx, "Debug log queue full, dropping entry", zap.String("deviceId", deviceID))
	}
}

// Run drains the queue until ctx is cancelled. Write failures are logged
// locally and never surface to the originating connection.
func (s *Sink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-s.ch:
			s.persist(ctx, entry)
		}
	}
}

func (s *Sink) persist(ctx context.Context, entry Entry) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.store.InsertDeviceLog(writeCtx, entry.DeviceID, entry.Level, entry.Message, entry.Metadata, entry.Serial)
	if err != nil {
		metrics.DebugLogs.WithLabelValues("failed").Inc()
		logging.Error(writeCtx, "Device log write failed",
			zap.String("deviceId", entry.DeviceID), zap.String("level", entry.Level), zap.Error(err))
		return
	}
	metrics.DebugLogs.WithLabelValues("persisted").Inc()
}
