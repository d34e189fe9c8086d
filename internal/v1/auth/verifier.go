// Package auth implements the broker's admission policy: display HMAC and
// app bearer verification delegated to the identity store.
package auth

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/displaybridge/broker/internal/v1/logging"
	"github.com/displaybridge/broker/internal/v1/metrics"
	"github.com/displaybridge/broker/internal/v1/types"
)

// Client-visible rejection messages. The control app and firmware match on
// these strings, so they are part of the wire contract.
const (
	MsgDisplayAuthRequired = "Authentication required for display devices"
	MsgAppAuthRequired     = "Authentication required"
	MsgDisplayAuthFailed   = "Authentication failed"
	MsgAppAuthFailed       = "App authentication failed"
)

// Verifier validates join credentials against the identity store within a
// bounded budget. A store that cannot answer inside the budget rejects the
// join exactly like invalid credentials.
type Verifier struct {
	store   types.IdentityStore
	timeout time.Duration
}

// NewVerifier wraps the identity store with the per-join auth budget.
func NewVerifier(store types.IdentityStore, timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Verifier{store: store, timeout: timeout}
}

// VerifyDisplay runs the display admission path. It returns the device
// record when credentials verified (nil when the session is admitted
// anonymously), or a client-visible rejection message.
func (v *Verifier) VerifyDisplay(ctx context.Context, serial string, cred *types.DeviceAuth, require bool) (*types.DeviceRecord, string) {
	if !v.store.IsEnabled() {
		// No external identity system: broker operates in no-auth mode.
		return nil, ""
	}

	if serial == "" || cred == nil || cred.Timestamp == "" || cred.Signature == "" {
		if require {
			metrics.AuthFailures.WithLabelValues(string(types.RoleDisplay), "missing").Inc()
			return nil, MsgDisplayAuthRequired
		}
		return nil, ""
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	result, err := v.store.ValidateDeviceAuth(ctx, serial, cred.Timestamp, cred.Signature)
	if err != nil {
		logging.Warn(ctx, "Display auth verification unavailable",
			zap.String("serial", logging.RedactSerial(serial)), zap.Error(err))
		metrics.AuthFailures.WithLabelValues(string(types.RoleDisplay), "unavailable").Inc()
		return nil, MsgDisplayAuthFailed
	}
	if !result.Valid {
		logging.Warn(ctx, "Display auth rejected",
			zap.String("serial", logging.RedactSerial(serial)), zap.String("reason", result.Error))
		metrics.AuthFailures.WithLabelValues(string(types.RoleDisplay), "invalid").Inc()
		return nil, MsgDisplayAuthFailed
	}
	return result.Device, ""
}

// VerifyApp runs the app admission path.
func (v *Verifier) VerifyApp(ctx context.Context, cred *types.AppAuth, require bool) (*types.DeviceRecord, string) {
	if !v.store.IsEnabled() {
		return nil, ""
	}

	if cred == nil || cred.Token == "" {
		if require {
			metrics.AuthFailures.WithLabelValues(string(types.RoleApp), "missing").Inc()
			return nil, MsgAppAuthRequired
		}
		return nil, ""
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	result, err := v.store.ValidateAppToken(ctx, cred.Token)
	if err != nil {
		logging.Warn(ctx, "App auth verification unavailable", zap.Error(err))
		metrics.AuthFailures.WithLabelValues(string(types.RoleApp), "unavailable").Inc()
		return nil, MsgAppAuthFailed
	}
	if !result.Valid {
		logging.Warn(ctx, "App auth rejected", zap.String("reason", result.Error))
		metrics.AuthFailures.WithLabelValues(string(types.RoleApp), "invalid").Inc()
		return nil, MsgAppAuthFailed
	}
	return result.Device, ""
}
