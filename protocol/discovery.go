package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// Version is the current protocol version advertised in discovery.
	Version = 1

	// CapabilityEncryption must be present and true on every accepted peer.
	CapabilityEncryption = "encryption"
	// CapabilityResume advertises resumable-transfer support.
	CapabilityResume = "resume"
	// CapabilityMDNS advertises mDNS reachability.
	CapabilityMDNS = "mdns"
)

var (
	// ErrMissingCapability indicates a peer lacks a mandatory capability.
	ErrMissingCapability = errors.New("protocol: peer missing mandatory capability")
	// ErrUnsupportedVersion indicates the peer's protocol version is below policy.
	ErrUnsupportedVersion = errors.New("protocol: unsupported protocol version")
)

// DiscoveryPayload announces a device and its feature set before any key
// material is exchanged.
type DiscoveryPayload struct {
	DeviceID        string          `json:"device_id"`
	Capabilities    map[string]bool `json:"capabilities"`
	ProtocolVersion int             `json:"protocol_version"`
}

// DiscoveryPolicy is the local acceptance policy for discovery payloads.
// Encryption support is mandatory regardless of RequiredCapabilities.
type DiscoveryPolicy struct {
	MinProtocolVersion   int
	RequiredCapabilities []string
}

func (p DiscoveryPolicy) withDefaults() DiscoveryPolicy {
	out := p
	if out.MinProtocolVersion <= 0 {
		out.MinProtocolVersion = Version
	}
	return out
}

// Encode marshals the payload to JSON for transport in a discovery frame.
func (p DiscoveryPayload) Encode() ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal discovery payload: %w", err)
	}
	return raw, nil
}

// DecodeDiscoveryPayload unmarshals a discovery frame payload.
func DecodeDiscoveryPayload(raw []byte) (DiscoveryPayload, error) {
	var p DiscoveryPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return DiscoveryPayload{}, fmt.Errorf("%w: decode discovery payload: %v", ErrMalformedFrame, err)
	}
	if p.DeviceID == "" {
		return DiscoveryPayload{}, fmt.Errorf("%w: discovery payload missing device ID", ErrMalformedFrame)
	}
	return p, nil
}

// Validate gates a peer's discovery payload against the local policy. This
// runs before any key exchange so incompatible peers never receive key
// material.
func (p DiscoveryPolicy) Validate(payload DiscoveryPayload) error {
	policy := p.withDefaults()

	if payload.ProtocolVersion < policy.MinProtocolVersion {
		return fmt.Errorf("%w: peer version %d, minimum %d",
			ErrUnsupportedVersion, payload.ProtocolVersion, policy.MinProtocolVersion)
	}

	if !payload.Capabilities[CapabilityEncryption] {
		return fmt.Errorf("%w: %s", ErrMissingCapability, CapabilityEncryption)
	}
	for _, name := range policy.RequiredCapabilities {
		if !payload.Capabilities[name] {
			return fmt.Errorf("%w: %s", ErrMissingCapability, name)
		}
	}

	return nil
}
