package auth

import "github.com/displaybridge/broker/internal/v1/config"

// Gate exposes the process-wide admission flags. Values are captured at
// startup and never change without a restart.
type Gate struct {
	requireDeviceAuth    bool
	bridgeDebugSubscribe bool
}

// NewGate snapshots the admission flags from validated configuration.
func NewGate(cfg *config.Config) *Gate {
	return &Gate{
		requireDeviceAuth:    cfg.RequireDeviceAuth,
		bridgeDebugSubscribe: cfg.BridgeDebugSubscribeEnable,
	}
}

// NewGateFromFlags builds a gate directly from flag values. Used by tests.
func NewGateFromFlags(requireDeviceAuth, bridgeDebugSubscribe bool) *Gate {
	return &Gate{
		requireDeviceAuth:    requireDeviceAuth,
		bridgeDebugSubscribe: bridgeDebugSubscribe,
	}
}

// RequireDeviceAuth reports whether joins must authenticate.
func (g *Gate) RequireDeviceAuth() bool { return g.requireDeviceAuth }

// BridgeDebugSubscribeEnabled reports whether subscribe_debug is accepted.
func (g *Gate) BridgeDebugSubscribeEnabled() bool { return g.bridgeDebugSubscribe }
