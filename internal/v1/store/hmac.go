package store

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// MaxTimestampSkew bounds how far a display's auth timestamp may drift from
// server time in either direction.
const MaxTimestampSkew = 5 * time.Minute

// SignDeviceAuth computes the display credential: a hex-encoded SHA-256 HMAC
// over "serial:timestamp" using the device's provisioned secret. Firmware
// computes the same value; both sides must agree on this canonical form.
func SignDeviceAuth(secret, serial, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(serial + ":" + timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a display signature in constant time.
func VerifySignature(secret, serial, timestamp, signature string) bool {
	expected := SignDeviceAuth(secret, serial, timestamp)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ValidateTimestamp parses a unix-seconds auth timestamp and rejects it when
// it falls outside the allowed skew of now.
func ValidateTimestamp(timestamp string, now time.Time) error {
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid auth timestamp '%s'", timestamp)
	}
	ts := time.Unix(secs, 0)
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > MaxTimestampSkew {
		return fmt.Errorf("auth timestamp outside allowed skew (%s)", drift)
	}
	return nil
}
