// Package clientagent implements the Client role: it bootstraps against the
// controller's HTTP seam for an initial tunnel endpoint, then drives
// pkg/reconcile to keep one outbound tunnel alive per server group the
// control channel pushes, serving every forwarded stream on each through
// pkg/forward.ClientSide.
package clientagent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"tunnelmesh/pkg/config"
	"tunnelmesh/pkg/control"
	"tunnelmesh/pkg/controllerapi"
	"tunnelmesh/pkg/diagnostics"
	"tunnelmesh/pkg/errs"
	"tunnelmesh/pkg/forward"
	"tunnelmesh/pkg/log"
	"tunnelmesh/pkg/reconcile"
	"tunnelmesh/pkg/tunnel"
	"tunnelmesh/pkg/tunnel/kcpconn"
	"tunnelmesh/pkg/tunnel/quicconn"
	"tunnelmesh/pkg/tunnel/tcpmux"
)

// BootstrapRetry is how long Run waits before retrying a failed
// connect-config call.
var BootstrapRetry = 5 * time.Second

// Agent runs the Client role against one controller.
type Agent struct {
	controller *controllerapi.Client
	token      string
	caCert     *x509.CertPool
	deps       *config.Dependencies
	logger     *log.Logger
	diag       *diagnostics.Logger

	reconciler *reconcile.Reconciler
	proxies    *proxyTable

	mu       sync.Mutex
	clientID string
}

// New builds an Agent. controllerBaseURL and token authenticate the initial
// connect-config bootstrap call; caCert pins the CA trusted for node TLS.
// With a nil caCert, QUIC dials skip server certificate verification and
// TCP dials run without TLS.
func New(controllerBaseURL, token string, caCert *x509.CertPool, deps *config.Dependencies, diag *diagnostics.Logger, logger *log.Logger) *Agent {
	a := &Agent{
		controller: controllerapi.New(controllerBaseURL),
		token:      token,
		caCert:     caCert,
		deps:       deps,
		logger:     logger,
		diag:       diag,
		proxies:    newProxyTable(),
	}
	a.reconciler = reconcile.New(a, a, logger)
	return a
}

// Run fetches the initial connect-config and then reconciles outbound
// tunnels until ctx is canceled. Transient bootstrap failures are retried
// after BootstrapRetry like the reconcile loop retries dial failures; a
// rejected credential is returned immediately so the process can exit
// instead of hammering the controller.
func (a *Agent) Run(ctx context.Context) error {
	for {
		group, err := a.bootstrap(ctx)
		if err != nil {
			if errs.Is(err, errs.AuthRejected) {
				return err
			}
			a.logger.VerboseMsg("bootstrap failed: %s", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(BootstrapRetry):
				continue
			}
		}

		a.reconciler.Reconcile([]config.ServerGroup{group})
		<-ctx.Done()
		a.reconciler.Close()
		return ctx.Err()
	}
}

func (a *Agent) bootstrap(ctx context.Context) (config.ServerGroup, error) {
	resp, err := a.controller.ConnectConfig(ctx, a.token)
	if err != nil {
		return config.ServerGroup{}, err
	}

	protocol, err := config.ParseProtocol(resp.Protocol)
	if err != nil {
		return config.ServerGroup{}, fmt.Errorf("bootstrap: %w", err)
	}

	a.mu.Lock()
	a.clientID = resp.ClientID
	a.mu.Unlock()

	return config.ServerGroup{
		NodeID:     resp.ClientName,
		TunnelAddr: resp.ServerAddr,
		TunnelPort: resp.ServerPort,
		Protocol:   protocol,
		KCP:        controllerapi.ParseKCP(resp.KCP),
	}, nil
}

// Dial implements reconcile.Dialer, selecting the transport named by
// group.Protocol.
func (a *Agent) Dial(ctx context.Context, group config.ServerGroup) (tunnel.Connection, error) {
	addr := fmt.Sprintf("%s:%d", group.TunnelAddr, group.TunnelPort)

	switch group.Protocol {
	case config.ProtoQUIC:
		d := quicconn.NewDialer(addr, a.caCert, 60*time.Second)
		return d.Connect(ctx)

	case config.ProtoKCP:
		d, err := kcpconn.NewDialer(addr, a.deps, group.KCP)
		if err != nil {
			return nil, fmt.Errorf("kcp dialer: %w", err)
		}
		return d.Connect(ctx)

	case config.ProtoTCP:
		var tlsConfig *tls.Config
		if a.caCert != nil {
			tlsConfig = &tls.Config{RootCAs: a.caCert}
		}
		d, err := tcpmux.NewDialer(addr, tlsConfig, a.deps)
		if err != nil {
			return nil, fmt.Errorf("tcp dialer: %w", err)
		}
		return d.Connect(ctx)

	default:
		return nil, fmt.Errorf("unsupported protocol %s", group.Protocol)
	}
}

// Serve implements reconcile.TunnelServicer: it joins the node's control
// channel, applies whatever ConfigPush arrives, and services forwarded
// streams until the control channel closes, returning its close reason.
// Canceling ctx alone does not make Serve return; the connection has to
// fail or be closed.
func (a *Agent) Serve(ctx context.Context, conn tunnel.Connection, group config.ServerGroup) error {
	stream, err := conn.OpenBi(ctx)
	if err != nil {
		return fmt.Errorf("open control stream: %w", err)
	}

	a.mu.Lock()
	clientID := a.clientID
	a.mu.Unlock()

	if _, err := control.Join(ctx, stream, control.Register{Token: a.token, ClientID: clientID}); err != nil {
		stream.Close()
		return fmt.Errorf("register with node: %w", err)
	}

	channel := control.New(stream, a.handleMessage, a.logger)
	channel.Start()

	// Clients are not rate-limited; the node-side limiter shapes traffic.
	clientSide := forward.NewClientSide(a.proxies, nil, a.logger)
	go clientSide.Serve(ctx, conn)

	<-channel.Done()
	return channel.CloseReason()
}

func (a *Agent) handleMessage(ctx context.Context, m control.Message) (control.Message, error) {
	switch v := m.(type) {
	case control.ConfigPush:
		a.applyConfigPush(v.ServerGroups)
		return nil, nil
	case control.GetStatusRequest:
		a.mu.Lock()
		id := a.clientID
		a.mu.Unlock()
		return control.GetStatusResponse{RequestID: v.RequestID, ID: id}, nil
	case control.FetchLogsRequest:
		if a.diag == nil {
			return control.FetchLogsResponse{RequestID: v.RequestID}, nil
		}
		entries := a.diag.Collector().Recent(v.Limit)
		out := make([]control.LogEntry, len(entries))
		for i, e := range entries {
			out[i] = control.LogEntry{TimeUnixMilli: e.TimeUnixMilli, Level: e.Level, Message: e.Message}
		}
		return control.FetchLogsResponse{RequestID: v.RequestID, Entries: out}, nil
	default:
		return nil, nil
	}
}

// applyConfigPush is the single point where a ConfigPush received on any
// one node's control channel drives the full reconcile. The push is always
// a full-set replacement, so whichever channel delivers it next is
// authoritative for every server group, not just its own.
func (a *Agent) applyConfigPush(groups []config.ServerGroup) {
	a.mu.Lock()
	clientID := a.clientID
	a.mu.Unlock()

	var mine []config.ProxyConfig
	for _, g := range groups {
		for _, p := range g.Proxies {
			if p.ClientID == clientID {
				mine = append(mine, p)
			}
		}
	}
	a.proxies.Replace(mine)
	a.reconciler.Reconcile(groups)
}

// proxyTable is the live client_id-scoped proxy set, shared by every
// connected node's forward.ClientSide instance.
type proxyTable struct {
	mu   sync.RWMutex
	byID map[int64]config.ProxyConfig
}

func newProxyTable() *proxyTable {
	return &proxyTable{byID: make(map[int64]config.ProxyConfig)}
}

// Resolve implements forward.ProxyResolver.
func (t *proxyTable) Resolve(proxyID int64) (config.ProxyConfig, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byID[proxyID]
	return p, ok
}

// Replace installs a new full proxy set, discarding whatever was there.
func (t *proxyTable) Replace(proxies []config.ProxyConfig) {
	byID := make(map[int64]config.ProxyConfig, len(proxies))
	for _, p := range proxies {
		if p.Enabled {
			byID[p.ProxyID] = p
		}
	}
	t.mu.Lock()
	t.byID = byID
	t.mu.Unlock()
}
