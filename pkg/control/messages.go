// Package control implements the bidirectional, length-prefixed, gob-encoded
// control channel used both Controller<->Node and Node<->Client. Every
// message is one variant of a tagged union registered with gob; request and
// response variants carry a request ID matched by pkg/correlator.
package control

import (
	"encoding/gob"

	"tunnelmesh/pkg/config"
)

// Message is the tagged-union interface every control message implements.
type Message interface {
	MsgType() string
}

func init() {
	gob.Register(Register{})
	gob.Register(RegisterAccept{})
	gob.Register(RegisterReject{})
	gob.Register(ConfigPush{})
	gob.Register(Heartbeat{})
	gob.Register(FetchLogsRequest{})
	gob.Register(FetchLogsResponse{})
	gob.Register(GetStatusRequest{})
	gob.Register(GetStatusResponse{})
	gob.Register(StartProxyRequest{})
	gob.Register(StartProxyResponse{})
	gob.Register(StopProxyRequest{})
	gob.Register(StopProxyResponse{})
	gob.Register(CheckTrafficLimitRequest{})
	gob.Register(CheckTrafficLimitResponse{})
	gob.Register(TrafficReport{})
	gob.Register(TrafficReportAck{})
	gob.Register(ClientOnline{})
}

// Register is sent once, right after the channel is established, to
// identify the joining peer. A Node registers its tunnel endpoint and
// protocol; a Client registers only its token and (if it has one) its ID.
type Register struct {
	RequestID  string
	Token      string
	NodeID     string // set by a Node registering with its controller
	TunnelAddr string
	TunnelPort int
	Protocol   config.Protocol
	ClientID   string // set by a Client registering with its node
}

func (m Register) MsgType() string { return "Register" }

// RegisterAccept confirms registration: the ID assigned when the peer
// didn't already have one, plus the acceptor-issued identity material.
type RegisterAccept struct {
	RequestID    string
	AssignedID   string
	Name         string
	SharedSecret string
	CallbackURL  string
}

func (m RegisterAccept) MsgType() string { return "RegisterAccept" }

// Typed rejection codes carried by RegisterReject.
const (
	RejectInvalidToken    = "InvalidToken"
	RejectTrafficExceeded = "TrafficExceeded"
	RejectNoNodeAssigned  = "NoNodeAssigned"
)

// RegisterReject rejects registration with a typed code and a free-form
// reason.
type RegisterReject struct {
	RequestID string
	Code      string
	Reason    string
}

func (m RegisterReject) MsgType() string { return "RegisterReject" }

// ConfigPush replaces the full set of proxies a client should be serving.
// Always a full-set replacement, never a delta.
type ConfigPush struct {
	ServerGroups []config.ServerGroup
}

func (m ConfigPush) MsgType() string { return "ConfigPush" }

// Heartbeat is sent periodically in both directions to detect a dead peer.
type Heartbeat struct{}

func (m Heartbeat) MsgType() string { return "Heartbeat" }

// FetchLogsRequest asks for the most recent log entries.
type FetchLogsRequest struct {
	RequestID string
	Limit     int
}

func (m FetchLogsRequest) MsgType() string { return "FetchLogsRequest" }

// LogEntry is one collected log line.
type LogEntry struct {
	TimeUnixMilli int64
	Level         string
	Message       string
}

// FetchLogsResponse carries the requested log entries.
type FetchLogsResponse struct {
	RequestID string
	Entries   []LogEntry
}

func (m FetchLogsResponse) MsgType() string { return "FetchLogsResponse" }

// GetStatusRequest asks the peer for its current operational status.
type GetStatusRequest struct {
	RequestID string
}

func (m GetStatusRequest) MsgType() string { return "GetStatusRequest" }

// ConnectedClient describes one client a node currently serves.
type ConnectedClient struct {
	ClientID       string
	ConnectedUnixMilli int64
	BytesSent      int64
	BytesReceived  int64
}

// GetStatusResponse reports a node or client's live status.
type GetStatusResponse struct {
	RequestID string
	ID        string
	Uptime    int64 // seconds
	Clients   []ConnectedClient
}

func (m GetStatusResponse) MsgType() string { return "GetStatusResponse" }

// StartProxyRequest asks the peer to start forwarding the given proxy.
type StartProxyRequest struct {
	RequestID string
	Proxy     config.ProxyConfig
}

func (m StartProxyRequest) MsgType() string { return "StartProxyRequest" }

// StartProxyResponse reports whether the proxy was started.
type StartProxyResponse struct {
	RequestID string
	OK        bool
	Error     string
}

func (m StartProxyResponse) MsgType() string { return "StartProxyResponse" }

// StopProxyRequest asks the peer to stop forwarding the given proxy.
type StopProxyRequest struct {
	RequestID string
	ProxyID   int64
}

func (m StopProxyRequest) MsgType() string { return "StopProxyRequest" }

// StopProxyResponse reports whether the proxy was stopped.
type StopProxyResponse struct {
	RequestID string
	OK        bool
	Error     string
}

func (m StopProxyResponse) MsgType() string { return "StopProxyResponse" }

// CheckTrafficLimitRequest asks whether a client still has traffic quota.
type CheckTrafficLimitRequest struct {
	RequestID string
	ClientID  string
}

func (m CheckTrafficLimitRequest) MsgType() string { return "CheckTrafficLimitRequest" }

// CheckTrafficLimitResponse answers a CheckTrafficLimitRequest.
type CheckTrafficLimitResponse struct {
	RequestID      string
	Allowed        bool
	RemainingBytes int64
}

func (m CheckTrafficLimitResponse) MsgType() string { return "CheckTrafficLimitResponse" }

// TrafficReport is a fire-and-forget batch of accounting records flushed by
// pkg/traffic.
type TrafficReport struct {
	RequestID string
	Records   []config.TrafficRecord
}

func (m TrafficReport) MsgType() string { return "TrafficReport" }

// TrafficReportAck acknowledges a TrafficReport, echoing how many records
// were accepted.
type TrafficReportAck struct {
	RequestID string
	Accepted  int
}

func (m TrafficReportAck) MsgType() string { return "TrafficReportAck" }

// ClientOnline notifies the controller that a client connected or
// disconnected from a node.
type ClientOnline struct {
	ClientID string
	Online   bool
}

func (m ClientOnline) MsgType() string { return "ClientOnline" }
