// Package config defines configuration structures and validation logic
// shared across the Node and Client roles: the tunnel protocol enum, KCP
// tuning parameters, pushed proxy and server-group records, and the Shared
// settings common to both roles.
package config

import (
	"fmt"
	mrand "math/rand"
	"time"

	"tunnelmesh/pkg/log"
)

// Shared contains configuration settings common to both the node and the
// client role: tunnel endpoint, protocol, security and timeout settings.
type Shared struct {
	ID       string
	Protocol Protocol
	KCP      *KCPParams // only set when Protocol == ProtoKCP
	Host     string
	Port     int
	SSL      bool
	Key      string
	Verbose  bool
	Timeout  time.Duration
	Deps     *Dependencies
	Logger   *log.Logger
}

// Protocol represents which tunnel transport carries a connection.
type Protocol int

// Protocol type constants, matching the {quic, kcp, tcp} tag set.
const (
	ProtoQUIC Protocol = iota + 1
	ProtoKCP
	ProtoTCP
)

// String returns the lowercase wire representation of the Protocol.
func (p Protocol) String() string {
	switch p {
	case ProtoQUIC:
		return "quic"
	case ProtoKCP:
		return "kcp"
	case ProtoTCP:
		return "tcp"
	default:
		return ""
	}
}

// ParseProtocol parses the lowercase wire representation back into a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "quic":
		return ProtoQUIC, nil
	case "kcp":
		return ProtoKCP, nil
	case "tcp":
		return ProtoTCP, nil
	default:
		return 0, fmt.Errorf("unknown tunnel protocol %q", s)
	}
}

// KCPParams are the tuning knobs of the reliable-UDP layer. Both peers must
// agree on these out of band; the protocol does not exchange them in-band.
type KCPParams struct {
	NoDelay  bool
	Interval uint32 // ms, default 10
	Resend   uint32 // default 2
	NC       bool   // disables congestion control when true
}

// DefaultKCPParams returns the conventional low-latency KCP tuning.
func DefaultKCPParams() KCPParams {
	return KCPParams{NoDelay: true, Interval: 10, Resend: 2, NC: true}
}

// ProxyType distinguishes the application protocol a proxy forwards.
type ProxyType int

// ProxyType constants.
const (
	ProxyTCP ProxyType = iota + 1
	ProxyUDP
)

// String returns the lowercase wire representation of the ProxyType.
func (t ProxyType) String() string {
	switch t {
	case ProxyTCP:
		return "tcp"
	case ProxyUDP:
		return "udp"
	default:
		return ""
	}
}

// ProxyConfig is one pushed proxy record, uniquely identified by ProxyID.
// A proxy is torn down when Enabled is false or it is absent from a later
// full-set push.
type ProxyConfig struct {
	ProxyID    int64
	ClientID   string
	Name       string
	ProxyType  ProxyType
	LocalIP    string
	LocalPort  uint16
	RemotePort uint16
	Enabled    bool
}

// String renders a human-readable one-line summary of the proxy.
func (p ProxyConfig) String() string {
	return fmt.Sprintf("proxy[%d %s %s %s:%d->:%d]", p.ProxyID, p.Name, p.ProxyType, p.LocalIP, p.LocalPort, p.RemotePort)
}

// ServerGroup is the unit of pushed configuration: one node's tunnel
// endpoint plus the full list of proxies the client serves through it.
type ServerGroup struct {
	NodeID     string
	TunnelAddr string
	TunnelPort int
	Protocol   Protocol
	KCP        *KCPParams
	Proxies    []ProxyConfig
}

// Key identifies the dial target. A change in any field it covers is
// treated as delete-then-add by the client reconcile loop.
func (g ServerGroup) Key() string {
	return fmt.Sprintf("%s|%d|%s", g.TunnelAddr, g.TunnelPort, g.Protocol)
}

// TrafficRecord is one accounting record produced by the forwarding engine,
// aggregated by (ProxyID, ClientID, UserID) before being flushed upstream.
type TrafficRecord struct {
	ProxyID       int64
	ClientID      string
	UserID        *int64
	BytesSent     int64
	BytesReceived int64
}

// KeySalt is a random salt value mixed into the configured key before
// certificate derivation. Overwritten with a random value during release
// builds via ldflags.
var KeySalt = "98263df478dbb76e25eed7e71750e59dbffcb1f401413472f9b128f10bb3cc01af3942a17980a24cd1a26bd3ab87a0fec835faf59aa4f1a1dc7f2416c5765e9e"

// Validate checks the Shared configuration for errors.
// It returns a slice of validation errors, or an empty slice if valid.
func (c *Shared) Validate() []error {
	var errs []error

	if !c.SSL && c.Key != "" {
		errs = append(errs, fmt.Errorf("you must use '--ssl' to use '--key'"))
	}

	if err := validatePort(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("'--port': %s", err))
	}

	if c.Protocol == ProtoKCP && c.KCP == nil {
		errs = append(errs, fmt.Errorf("protocol 'kcp' requires kcp tuning params"))
	}

	return errs
}

// GetKey returns the salted key for authentication.
// If no key is configured, it returns an empty string.
// Otherwise, it returns the KeySalt concatenated with the configured key.
func (c *Shared) GetKey() string {
	if c.Key == "" {
		return ""
	}

	return KeySalt + c.Key
}

// GenerateId returns a pseudo-random 12-character alphanumeric string for
// non-security uses (e.g., client/node IDs, logging). It never returns an error.
func GenerateId() string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 12

	src := mrand.NewSource(time.Now().UnixNano())
	r := mrand.New(src)

	buf := make([]byte, length)
	for i := 0; i < length; i++ {
		buf[i] = letters[r.Intn(len(letters))]
	}

	return string(buf)
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("must be between 1 and 65535, got %d", port)
	}
	return nil
}
