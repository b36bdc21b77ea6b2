// Package pairing carries the out-of-band connection payload a pairing
// flow (for example a QR code scan) hands to the engine to seed a
// handshake attempt.
package pairing

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// DefaultValidity is how long a generated payload stays accepted.
const DefaultValidity = 5 * time.Minute

var (
	// ErrInvalidConnectionData indicates a structurally bad payload.
	ErrInvalidConnectionData = errors.New("pairing: invalid connection data")
	// ErrExpired indicates the payload's validity window has passed.
	ErrExpired = errors.New("pairing: connection data expired")
)

// ConnectionData identifies a peer discovered out of band. Timestamp is
// the generation time in Unix milliseconds; consumers reject payloads
// outside the validity window.
type ConnectionData struct {
	DeviceID  string `json:"device_id"`
	Name      string `json:"name"`
	IPAddress string `json:"ip_address"`
	Timestamp int64  `json:"timestamp"`
}

// NewConnectionData builds a payload for the local device, stamped now.
func NewConnectionData(deviceID, name, ipAddress string) ConnectionData {
	return ConnectionData{
		DeviceID:  deviceID,
		Name:      name,
		IPAddress: ipAddress,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Encode marshals the payload for embedding in a QR code or share link.
func (c ConnectionData) Encode() ([]byte, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("pairing: marshal connection data: %w", err)
	}
	return raw, nil
}

// Decode parses a scanned payload. Structural validation only; call
// CheckValidity separately to enforce the time window.
func Decode(raw []byte) (ConnectionData, error) {
	var data ConnectionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return ConnectionData{}, fmt.Errorf("%w: %v", ErrInvalidConnectionData, err)
	}
	if err := data.validate(); err != nil {
		return ConnectionData{}, err
	}
	return data, nil
}

func (c ConnectionData) validate() error {
	if strings.TrimSpace(c.DeviceID) == "" {
		return fmt.Errorf("%w: missing device ID", ErrInvalidConnectionData)
	}
	if c.IPAddress != "" && net.ParseIP(c.IPAddress) == nil {
		return fmt.Errorf("%w: bad IP address %q", ErrInvalidConnectionData, c.IPAddress)
	}
	if c.Timestamp <= 0 {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidConnectionData)
	}
	return nil
}

// GeneratedAt returns the payload's generation time.
func (c ConnectionData) GeneratedAt() time.Time {
	return time.UnixMilli(c.Timestamp)
}

// CheckValidity reports whether the payload is still usable at the given
// time. A payload from the future is rejected the same as an expired one.
func (c ConnectionData) CheckValidity(now time.Time, validity time.Duration) error {
	if validity <= 0 {
		validity = DefaultValidity
	}
	generated := c.GeneratedAt()
	if generated.After(now) || now.Sub(generated) > validity {
		return fmt.Errorf("%w: generated %s", ErrExpired, generated.Format(time.RFC3339))
	}
	return nil
}
