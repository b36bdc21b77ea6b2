package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"peerlink/protocol"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_peerlink._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120
)

// TXT record keys advertised alongside the service instance.
const (
	txtDeviceID     = "device_id"
	txtVersion      = "version"
	txtCapabilities = "caps"
	txtFingerprint  = "fingerprint"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcaster and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32

	SelfDeviceID  string
	DeviceName    string
	ListeningPort int

	// Fingerprint is the local identity key fingerprint advertised to
	// peers so they can pin it before any handshake.
	Fingerprint string

	// Capabilities advertised in TXT records. Defaults to encryption,
	// resume and mdns all enabled.
	Capabilities map[string]bool

	// Policy gates which discovered peers are surfaced. Peers failing
	// the policy never appear in ListPeers or events.
	Policy protocol.DiscoveryPolicy

	Logger *logrus.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.Capabilities == nil {
		out.Capabilities = map[string]bool{
			protocol.CapabilityEncryption: true,
			protocol.CapabilityResume:     true,
			protocol.CapabilityMDNS:       true,
		}
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("discovery: self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("discovery: device name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("discovery: listening port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("discovery: self device ID is required")
	}
	return nil
}

func (c Config) txtRecords() []string {
	enabled := make([]string, 0, len(c.Capabilities))
	for name, on := range c.Capabilities {
		if on {
			enabled = append(enabled, name)
		}
	}
	sort.Strings(enabled)

	return []string{
		txtDeviceID + "=" + c.SelfDeviceID,
		txtVersion + "=" + strconv.Itoa(protocol.Version),
		txtCapabilities + "=" + strings.Join(enabled, ","),
		txtFingerprint + "=" + c.Fingerprint,
	}
}

// Broadcaster advertises local device presence via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers the local device with mDNS. TXT records carry
// the same fields as a discovery payload so scanners can gate peers before
// opening a connection.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListeningPort, cfg.txtRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register mDNS service: %w", err)
	}

	cfg.Logger.WithFields(logrus.Fields{
		"service": cfg.Service,
		"device":  cfg.SelfDeviceID,
		"port":    cfg.ListeningPort,
	}).Info("mDNS broadcast started")

	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Service coordinates mDNS broadcast and scanning.
type Service struct {
	Broadcaster *Broadcaster
	Scanner     *PeerScanner
}

// Start starts broadcaster and scanner using one config.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		broadcaster.Stop()
		return nil, err
	}

	return &Service{
		Broadcaster: broadcaster,
		Scanner:     scanner,
	}, nil
}

// Stop stops scanner and broadcaster.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Broadcaster != nil {
		s.Broadcaster.Stop()
	}
}
