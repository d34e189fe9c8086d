// Package commands correlates app-initiated command requests with the
// display responses that answer them.
package commands

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/displaybridge/broker/internal/v1/logging"
	"github.com/displaybridge/broker/internal/v1/metrics"
	"github.com/displaybridge/broker/internal/v1/types"
)

const sweepInterval = time.Second

type key struct {
	Code      types.RoomCodeType
	RequestID string
}

type pending struct {
	app       types.ClientInterface
	createdAt time.Time
}

// Tracker holds the pending-command table keyed (room code, requestId).
// Entries expire with the issuing session, on a matching response, or after
// the configured timeout.
type Tracker struct {
	mu      sync.Mutex
	pending map[key]pending
	timeout time.Duration
}

// NewTracker builds the table. A zero timeout disables the sweeper: entries
// then live until answered or until the issuing session closes.
func NewTracker(timeout time.Duration) *Tracker {
	return &Tracker{
		pending: make(map[key]pending),
		timeout: timeout,
	}
}

// Add records a relayed command. Exactly one entry exists per
// (room, requestId); a duplicate requestId replaces the earlier entry.
func (t *Tracker) Add(code types.RoomCodeType, requestID string, app types.ClientInterface) {
	t.mu.Lock()
	t.pending[key{Code: code, RequestID: requestID}] = pending{app: app, createdAt: time.Now()}
	metrics.PendingCommands.Set(float64(len(t.pending)))
	t.mu.Unlock()
}

// Take removes the entry for a response and returns the issuing app
// session. ok is false for unknown or already-answered requestIds: late
// responses are dropped by the caller.
func (t *Tracker) Take(code types.RoomCodeType, requestID string) (types.ClientInterface, bool) {
	t.mu.Lock()
	k := key{Code: code, RequestID: requestID}
	entry, ok := t.pending[k]
	if ok {
		delete(t.pending, k)
		metrics.PendingCommands.Set(float64(len(t.pending)))
	}
	t.mu.Unlock()

	if !ok {
		return nil, false
	}
	metrics.CommandRoundTrip.Observe(time.Since(entry.createdAt).Seconds())
	return entry.app, true
}

// ReleaseSession drops every entry owned by a departed app session. No
// synthetic response is sent; the owner is gone.
func (t *Tracker) ReleaseSession(sessionID types.SessionIDType) {
	t.mu.Lock()
	for k, entry := range t.pending {
		if entry.app.SessionID() == sessionID {
			delete(t.pending, k)
		}
	}
	metrics.PendingCommands.Set(float64(len(t.pending)))
	t.mu.Unlock()
}

// PendingCount reports the current table size.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Run sweeps expired entries until ctx is cancelled, emitting the synthetic
// timeout response to each issuing app. No-op when the timeout is disabled.
func (t *Tracker) Run(ctx context.Context) {
	if t.timeout <= 0 {
		return
	}

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.sweep(ctx, now)
		}
	}
}

func (t *Tracker) sweep(ctx context.Context, now time.Time) {
	t.mu.Lock()
	var expired []struct {
		k   key
		app types.ClientInterface
	}
	for k, entry := range t.pending {
		if now.Sub(entry.createdAt) >= t.timeout {
			expired = append(expired, struct {
				k   key
				app types.ClientInterface
			}{k, entry.app})
			delete(t.pending, k)
		}
	}
	metrics.PendingCommands.Set(float64(len(t.pending)))
	t.mu.Unlock()

	// Socket writes happen outside the table lock.
	for _, e := range expired {
		logging.Warn(ctx, "Command timed out waiting for display response",
			zap.String("code", string(e.k.Code)), zap.String("requestId", e.k.RequestID))
		e.app.SendJSON(types.NewCommandFailure(e.k.RequestID, "timeout"))
	}
}
