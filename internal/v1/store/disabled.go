package store

import (
	"context"
	"errors"

	"github.com/displaybridge/broker/internal/v1/types"
)

// ErrDisabled is returned by Disabled for operations that need the external
// store to exist.
var ErrDisabled = errors.New("identity store is not configured")

// Disabled is the no-database identity store. It keeps the broker usable in
// environments without the external identity system: joins proceed
// unauthenticated and persistence paths are no-ops.
type Disabled struct{}

// NewDisabled returns the disabled store.
func NewDisabled() *Disabled { return &Disabled{} }

func (*Disabled) IsEnabled() bool { return false }

func (*Disabled) Ping(context.Context) error { return nil }

func (*Disabled) ValidateDeviceAuth(context.Context, string, string, string) (types.AuthResult, error) {
	return types.AuthResult{}, ErrDisabled
}

func (*Disabled) ValidateAppToken(context.Context, string) (types.AuthResult, error) {
	return types.AuthResult{}, ErrDisabled
}

func (*Disabled) UpdateDeviceLastSeen(context.Context, string) error { return nil }

func (*Disabled) InsertDeviceLog(context.Context, string, string, string, []byte, string) error {
	return nil
}

func (*Disabled) ListDevices(context.Context) ([]types.DeviceRecord, error) { return nil, nil }
