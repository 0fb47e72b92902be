package tunnel

import "tunnelmesh/pkg/config"

// Protocol and KCPParams are defined in pkg/config so that ServerGroup (a
// pkg/config type pushed over the control channel) can reference them
// without importing pkg/tunnel, which would create an import cycle: every
// concrete transport package (quicconn, kcpconn, tcpmux) imports pkg/tunnel
// for the Connection/Stream interfaces, and kcpconn and tcpmux also import
// pkg/config to describe dial targets.
type (
	Protocol  = config.Protocol
	KCPParams = config.KCPParams
)

// Re-export the protocol constants under the tunnel package for callers that
// only deal with transports and never touch config otherwise.
const (
	ProtoQUIC = config.ProtoQUIC
	ProtoKCP  = config.ProtoKCP
	ProtoTCP  = config.ProtoTCP
)
