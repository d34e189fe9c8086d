// Package store implements the identity store over PostgreSQL: display HMAC
// verification, app bearer tokens, last-seen writes, and log persistence.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/displaybridge/broker/internal/v1/logging"
	"github.com/displaybridge/broker/internal/v1/metrics"
	"github.com/displaybridge/broker/internal/v1/types"
)

// Postgres is the production identity store. All round trips go through a
// circuit breaker so a dead database degrades auth instead of hanging joins.
type Postgres struct {
	db          *sql.DB
	tokenSecret string
	cb          *gobreaker.CircuitBreaker
	now         func() time.Time
}

// NewPostgres opens and pings the database at databaseURL. tokenSecret is
// the HS256 key for app bearer tokens.
func NewPostgres(databaseURL, tokenSecret string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to identity store: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "identity-store",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("identity_store").Set(stateVal)
		},
	}

	logging.Info(context.Background(), "Connected to identity store")
	return &Postgres{
		db:          db,
		tokenSecret: tokenSecret,
		cb:          gobreaker.NewCircuitBreaker(st),
		now:         time.Now,
	}, nil
}

// IsEnabled always reports true for a connected Postgres store.
func (s *Postgres) IsEnabled() bool { return true }

// Ping verifies connectivity for readiness probes.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Postgres) Close() error {
	return s.db.Close()
}

const deviceColumns = `device_id, serial_number, pairing_code, display_name,
	firmware_version, COALESCE(ip_address, ''), COALESCE(last_seen, to_timestamp(0)),
	debug_enabled, is_provisioned`

func scanDevice(row interface{ Scan(dest ...any) error }) (types.DeviceRecord, error) {
	var d types.DeviceRecord
	err := row.Scan(&d.DeviceID, &d.SerialNumber, &d.PairingCode, &d.DisplayName,
		&d.FirmwareVersion, &d.IPAddress, &d.LastSeen, &d.DebugEnabled, &d.IsProvisioned)
	return d, err
}

// ValidateDeviceAuth checks a display HMAC credential: timestamp within
// skew, signature over the canonical form with the provisioned secret, and
// is_provisioned set.
func (s *Postgres) ValidateDeviceAuth(ctx context.Context, serial, timestamp, signature string) (types.AuthResult, error) {
	if err := ValidateTimestamp(timestamp, s.now()); err != nil {
		return types.AuthResult{Valid: false, Error: err.Error()}, nil
	}

	res, err := s.cb.Execute(func() (any, error) {
		row := s.db.QueryRowContext(ctx, `SELECT secret, `+deviceColumns+` FROM devices WHERE serial_number = $1`, serial)
		var secret string
		var d types.DeviceRecord
		err := row.Scan(&secret, &d.DeviceID, &d.SerialNumber, &d.PairingCode, &d.DisplayName,
			&d.FirmwareVersion, &d.IPAddress, &d.LastSeen, &d.DebugEnabled, &d.IsProvisioned)
		if errors.Is(err, sql.ErrNoRows) {
			return types.AuthResult{Valid: false, Error: "device not found"}, nil
		}
		if err != nil {
			return nil, err
		}
		if !d.IsProvisioned {
			return types.AuthResult{Valid: false, Error: "device not provisioned"}, nil
		}
		if !VerifySignature(secret, serial, timestamp, signature) {
			return types.AuthResult{Valid: false, Error: "invalid signature"}, nil
		}
		return types.AuthResult{Valid: true, Device: &d}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("identity_store").Inc()
		}
		return types.AuthResult{}, fmt.Errorf("device auth lookup failed: %w", err)
	}
	return res.(types.AuthResult), nil
}

// ValidateAppToken verifies an HS256 bearer token and resolves it to the
// device it is scoped to.
func (s *Postgres) ValidateAppToken(ctx context.Context, token string) (types.AuthResult, error) {
	claims, err := ParseAppToken(s.tokenSecret, token)
	if err != nil {
		return types.AuthResult{Valid: false, Error: "invalid token"}, nil
	}

	res, err := s.cb.Execute(func() (any, error) {
		row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE serial_number = $1`, claims.Serial)
		d, err := scanDevice(row)
		if errors.Is(err, sql.ErrNoRows) {
			return types.AuthResult{Valid: false, Error: "device not found"}, nil
		}
		if err != nil {
			return nil, err
		}
		if !d.IsProvisioned {
			return types.AuthResult{Valid: false, Error: "device not provisioned"}, nil
		}
		return types.AuthResult{Valid: true, Device: &d}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("identity_store").Inc()
		}
		return types.AuthResult{}, fmt.Errorf("app token lookup failed: %w", err)
	}
	return res.(types.AuthResult), nil
}

// UpdateDeviceLastSeen stamps the device's liveness timestamp.
func (s *Postgres) UpdateDeviceLastSeen(ctx context.Context, deviceID string) error {
	_, err := s.cb.Execute(func() (any, error) {
		_, err := s.db.ExecContext(ctx, `UPDATE devices SET last_seen = NOW() WHERE device_id = $1`, deviceID)
		return nil, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("identity_store").Inc()
			logging.Warn(ctx, "Identity store breaker open: dropping last_seen update", zap.String("deviceId", deviceID))
			return nil
		}
		return fmt.Errorf("last_seen update failed: %w", err)
	}
	return nil
}

// InsertDeviceLog appends one debug log record. The serial number is carried
// through for correlation with provisioning data.
func (s *Postgres) InsertDeviceLog(ctx context.Context, deviceID, level, message string, metadata []byte, serialNumber string) error {
	_, err := s.cb.Execute(func() (any, error) {
		var meta any
		if len(metadata) > 0 {
			meta = string(metadata)
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO device_logs (device_id, level, message, metadata, serial_number, created_at)
			 VALUES ($1, $2, $3, $4, $5, NOW())`,
			deviceID, level, message, meta, serialNumber)
		return nil, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("identity_store").Inc()
			logging.Warn(ctx, "Identity store breaker open: dropping device log", zap.String("deviceId", deviceID))
			return nil
		}
		return fmt.Errorf("device log insert failed: %w", err)
	}
	return nil
}

// ListDevices returns all provisioned devices for the registry snapshot.
func (s *Postgres) ListDevices(ctx context.Context) ([]types.DeviceRecord, error) {
	res, err := s.cb.Execute(func() (any, error) {
		rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE is_provisioned = TRUE`)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rows.Close() }()

		var devices []types.DeviceRecord
		for rows.Next() {
			d, err := scanDevice(rows)
			if err != nil {
				return nil, err
			}
			devices = append(devices, d)
		}
		return devices, rows.Err()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("identity_store").Inc()
		}
		return nil, fmt.Errorf("device listing failed: %w", err)
	}
	return res.([]types.DeviceRecord), nil
}
