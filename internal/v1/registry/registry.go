// Package registry keeps the process-local snapshot of provisioned displays
// and writes liveness updates through to the external record store.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/displaybridge/broker/internal/v1/logging"
	"github.com/displaybridge/broker/internal/v1/types"
)

const (
	// lastSeenDebounce bounds how often one device's last_seen is flushed.
	lastSeenDebounce = 30 * time.Second
	// refreshInterval is how often the snapshot is reloaded from the store.
	refreshInterval = 5 * time.Minute
	flushQueueSize  = 256
)

// Registry is the device cache. Reads are served from memory; the external
// store stays authoritative and is reloaded periodically.
type Registry struct {
	store types.IdentityStore
	cache *RedisCache // optional write-through, nil when Redis is disabled

	mu      sync.RWMutex
	devices map[types.SerialNumberType]types.DeviceRecord

	seenMu    sync.Mutex
	lastFlush map[string]time.Time
	flushCh   chan string
}

// New builds a registry over the identity store. cache may be nil.
func New(store types.IdentityStore, cache *RedisCache) *Registry {
	return &Registry{
		store:     store,
		cache:     cache,
		devices:   make(map[types.SerialNumberType]types.DeviceRecord),
		lastFlush: make(map[string]time.Time),
		flushCh:   make(chan string, flushQueueSize),
	}
}

// Refresh reloads the snapshot from the store and pushes it to Redis.
func (r *Registry) Refresh(ctx context.Context) error {
	if !r.store.IsEnabled() {
		return nil
	}

	devices, err := r.store.ListDevices(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[types.SerialNumberType]types.DeviceRecord, len(devices))
	for _, d := range devices {
		fresh[types.SerialNumberType(d.SerialNumber)] = d
	}

	r.mu.Lock()
	r.devices = fresh
	r.mu.Unlock()

	if r.cache != nil {
		r.cache.PutAll(ctx, devices)
	}

	logging.Info(ctx, "Device registry refreshed", zap.Int("devices", len(devices)))
	return nil
}

// Get returns the cached record for a serial.
func (r *Registry) Get(serial types.SerialNumberType) (types.DeviceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[serial]
	return d, ok
}

// GetAllDevices returns the snapshot sorted by serial number. Consumed by
// operational tooling.
func (r *Registry) GetAllDevices() []types.DeviceRecord {
	r.mu.RLock()
	devices := make([]types.DeviceRecord, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	r.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].SerialNumber < devices[j].SerialNumber
	})
	return devices
}

// DebugEnabled reports the per-device debug flag; unknown serials are false.
func (r *Registry) DebugEnabled(serial types.SerialNumberType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[serial].DebugEnabled
}

// Upsert installs a fresh record, typically the one returned by a
// successful display authentication.
func (r *Registry) Upsert(ctx context.Context, record types.DeviceRecord) {
	r.mu.Lock()
	r.devices[types.SerialNumberType(record.SerialNumber)] = record
	r.mu.Unlock()

	if r.cache != nil {
		r.cache.Put(ctx, record)
	}
}

// MarkSeen schedules an asynchronous last_seen write for the device. Updates
// are debounced per device and dropped when the flush queue is full; the
// next connection event will catch up.
func (r *Registry) MarkSeen(deviceID string) {
	if deviceID == "" {
		return
	}

	r.seenMu.Lock()
	if last, ok := r.lastFlush[deviceID]; ok && time.Since(last) < lastSeenDebounce {
		r.seenMu.Unlock()
		return
	}
	r.lastFlush[deviceID] = time.Now()
	r.seenMu.Unlock()

	select {
	case r.flushCh <- deviceID:
	default:
		logging.Warn(context.Background(), "last_seen flush queue full, dropping update",
			zap.String("deviceId", deviceID))
	}
}

// Run drives the flusher and the periodic snapshot refresh until ctx is
// cancelled. Intended to run as a background goroutine.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case deviceID := <-r.flushCh:
			r.flushLastSeen(ctx, deviceID)
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				logging.Error(ctx, "Device registry refresh failed", zap.Error(err))
			}
		}
	}
}

func (r *Registry) flushLastSeen(ctx context.Context, deviceID string) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.store.UpdateDeviceLastSeen(writeCtx, deviceID); err != nil {
		logging.Error(writeCtx, "last_seen write failed", zap.String("deviceId", deviceID), zap.Error(err))
		return
	}

	now := time.Now()
	r.mu.Lock()
	for serial, d := range r.devices {
		if d.DeviceID == deviceID {
			d.LastSeen = now
			r.devices[serial] = d
			break
		}
	}
	r.mu.Unlock()
}
