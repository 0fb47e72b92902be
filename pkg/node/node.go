// Package node implements the Node role: it registers with a controller,
// accepts tunnel connections from clients, and opens the public listeners
// those clients' pushed proxies describe, forwarding every accepted
// connection through the owning client's tunnel via pkg/forward.
package node

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"tunnelmesh/pkg/config"
	"tunnelmesh/pkg/control"
	"tunnelmesh/pkg/diagnostics"
	"tunnelmesh/pkg/errs"
	"tunnelmesh/pkg/format"
	"tunnelmesh/pkg/forward"
	"tunnelmesh/pkg/log"
	"tunnelmesh/pkg/ratelimit"
	"tunnelmesh/pkg/semaphore"
	"tunnelmesh/pkg/traffic"
	"tunnelmesh/pkg/tunnel"
)

// connAcquireTimeout bounds how long an incoming client connection waits
// for a free slot under maxClients before being rejected.
const connAcquireTimeout = 5 * time.Second

// DefaultRequestTimeout bounds control-channel requests when no timeout is
// configured.
const DefaultRequestTimeout = 10 * time.Second

// ControllerDialer establishes the Node's own control connection upstream
// to the controller.
type ControllerDialer interface {
	Dial(ctx context.Context) (tunnel.Connection, error)
}

// Identity is the Node's registration material.
type Identity struct {
	NodeID     string
	Token      string
	TunnelAddr string
	TunnelPort int
	Protocol   config.Protocol
}

// Server runs the Node role: a controller control channel plus a client
// listener, wired together through the forwarding engine.
type Server struct {
	id             Identity
	listener       tunnel.Listener
	dialer         ControllerDialer
	diag           *diagnostics.Logger
	logger         *log.Logger
	limiter        *ratelimit.Limiter
	connSem        *semaphore.ConnSemaphore
	requestTimeout time.Duration

	conns     *cache.Cache // clientID -> tunnel.Connection
	startedAt time.Time

	mu           sync.Mutex
	channels     map[string]*control.Channel // clientID -> control channel
	activeProxy  map[int64]*activeProxy      // proxyID -> running public listener
	controllerCh *control.Channel
	aggregator   *traffic.Aggregator
}

type activeProxy struct {
	proxy  config.ProxyConfig
	cancel context.CancelFunc
}

// New builds a Server. listener accepts client tunnel connections; dialer
// connects upstream to the controller. rateBytesPerSec of 0 disables
// bandwidth limiting. maxClients of 0 disables the concurrent-client cap;
// otherwise a connection that can't get a slot within connAcquireTimeout is
// rejected. requestTimeout bounds upstream control requests; 0 selects
// DefaultRequestTimeout.
func New(id Identity, listener tunnel.Listener, dialer ControllerDialer, rateBytesPerSec float64, maxClients int, requestTimeout time.Duration, diag *diagnostics.Logger, logger *log.Logger) *Server {
	var connSem *semaphore.ConnSemaphore
	if maxClients > 0 {
		connSem = semaphore.New(maxClients, connAcquireTimeout)
	}
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	return &Server{
		id:             id,
		listener:       listener,
		dialer:         dialer,
		diag:           diag,
		logger:         logger,
		limiter:        ratelimit.New(rateBytesPerSec),
		connSem:        connSem,
		requestTimeout: requestTimeout,
		conns:          cache.New(cache.NoExpiration, time.Minute),
		channels:       make(map[string]*control.Channel),
		activeProxy:    make(map[int64]*activeProxy),
		startedAt:      time.Now(),
	}
}

// Run connects to the controller and serves clients until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	go s.controllerLoop(ctx)
	return s.acceptClients(ctx)
}

func (s *Server) controllerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.runController(ctx); err != nil {
			s.logger.VerboseMsg("controller connection lost: %s", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (s *Server) runController(ctx context.Context) error {
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer conn.Close()

	stream, err := conn.OpenBi(ctx)
	if err != nil {
		return fmt.Errorf("open control stream: %w", err)
	}

	_, err = control.Join(ctx, stream, control.Register{
		Token:      s.id.Token,
		NodeID:     s.id.NodeID,
		TunnelAddr: s.id.TunnelAddr,
		TunnelPort: s.id.TunnelPort,
		Protocol:   s.id.Protocol,
	})
	if err != nil {
		stream.Close()
		return fmt.Errorf("register with controller: %w", err)
	}

	channel := control.New(stream, s.handleControllerMessage, s.logger)
	channel.Start()

	s.mu.Lock()
	s.controllerCh = channel
	aggregator := traffic.New(&controllerReporter{channel: channel}, s.logger)
	s.aggregator = aggregator
	s.mu.Unlock()

	<-channel.Done()

	s.mu.Lock()
	s.controllerCh = nil
	s.aggregator = nil
	s.mu.Unlock()
	aggregator.Close()

	return channel.CloseReason()
}

// controllerReporter adapts a control.Channel into a traffic.Reporter.
// Fire-and-forget Send: a batch is lost if the send fails or the node
// crashes before flushing, and is never resent, so nothing is counted
// twice.
type controllerReporter struct {
	channel *control.Channel
}

func (r *controllerReporter) Report(records []config.TrafficRecord) error {
	return r.channel.Send(control.TrafficReport{Records: records})
}

func (s *Server) acceptClients(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: accept client: %s", errs.Transport, err)
		}
		go s.handleClient(ctx, conn)
	}
}

func (s *Server) handleClient(ctx context.Context, conn tunnel.Connection) {
	if err := s.connSem.Acquire(ctx); err != nil {
		s.logger.VerboseMsg("client connection rejected: %s", err)
		conn.Close()
		return
	}
	defer s.connSem.Release()

	stream, err := conn.AcceptBi(ctx)
	if err != nil {
		s.logger.VerboseMsg("client control stream failed: %s", err)
		conn.Close()
		return
	}

	var clientID string
	validate := func(reg control.Register) (control.RegisterAccept, error) {
		id, err := s.validateClient(reg)
		if err != nil {
			return control.RegisterAccept{}, err
		}
		if err := s.checkTrafficLimit(ctx, id); err != nil {
			return control.RegisterAccept{}, err
		}
		clientID = id
		return control.RegisterAccept{AssignedID: id, Name: s.id.NodeID}, nil
	}

	_, err = control.Accept(ctx, stream, validate)
	if err != nil {
		s.logger.VerboseMsg("client register rejected: %s", err)
		conn.Close()
		return
	}
	channel := control.New(stream, s.clientHandler(clientID), s.logger)
	channel.Start()

	s.conns.Set(clientID, conn, cache.NoExpiration)
	s.mu.Lock()
	s.channels[clientID] = channel
	s.mu.Unlock()
	s.notifyClientOnline(clientID, true)

	<-channel.Done()

	s.conns.Delete(clientID)
	s.mu.Lock()
	delete(s.channels, clientID)
	s.mu.Unlock()
	s.notifyClientOnline(clientID, false)

	conn.Close()
}

func (s *Server) validateClient(reg control.Register) (string, error) {
	if reg.Token != s.id.Token {
		return "", control.ErrInvalidToken
	}
	clientID := reg.ClientID
	if clientID == "" {
		clientID = config.GenerateId()
	}
	return clientID, nil
}

// checkTrafficLimit asks the controller whether clientID still has quota.
// Fails open: an unreachable controller or a timed-out request admits the
// client, only an explicit "not allowed" answer rejects it.
func (s *Server) checkTrafficLimit(ctx context.Context, clientID string) error {
	s.mu.Lock()
	ch := s.controllerCh
	s.mu.Unlock()
	if ch == nil {
		return nil
	}

	resp, err := ch.Request(ctx, func(id string) control.Message {
		return control.CheckTrafficLimitRequest{RequestID: id, ClientID: clientID}
	}, s.requestTimeout)
	if err != nil {
		s.logger.VerboseMsg("traffic limit check for %s failed, admitting: %s", clientID, err)
		return nil
	}

	if r, ok := resp.(control.CheckTrafficLimitResponse); ok && !r.Allowed {
		return control.ErrTrafficExceeded
	}
	return nil
}

func (s *Server) notifyClientOnline(clientID string, online bool) {
	s.mu.Lock()
	ch := s.controllerCh
	s.mu.Unlock()
	if ch == nil {
		return
	}
	if err := ch.Send(control.ClientOnline{ClientID: clientID, Online: online}); err != nil {
		s.logger.VerboseMsg("notify client online failed: %s", err)
	}
}

// clientHandler builds the Handler a client's control channel invokes for
// unsolicited messages. Nodes don't expect any from a client today; present
// for symmetry with the Channel type's shared Controller<->Node shape.
func (s *Server) clientHandler(clientID string) control.Handler {
	return func(ctx context.Context, m control.Message) (control.Message, error) {
		return nil, nil
	}
}

// Resolve implements forward.ConnResolver.
func (s *Server) Resolve(clientID string) (tunnel.Connection, bool) {
	v, ok := s.conns.Get(clientID)
	if !ok {
		return nil, false
	}
	return v.(tunnel.Connection), true
}

// record implements forward.Recorder, feeding the controller-bound
// traffic aggregator when one is connected.
func (s *Server) record(proxyID int64, clientID string, userID *int64, sent, received int64) {
	s.mu.Lock()
	agg := s.aggregator
	s.mu.Unlock()
	if agg == nil {
		return
	}
	agg.Record(config.TrafficRecord{
		ProxyID:       proxyID,
		ClientID:      clientID,
		UserID:        userID,
		BytesSent:     sent,
		BytesReceived: received,
	})
}

func (s *Server) handleControllerMessage(ctx context.Context, m control.Message) (control.Message, error) {
	switch v := m.(type) {
	case control.ConfigPush:
		s.reconcileProxies(ctx, v.ServerGroups)
		return nil, nil
	case control.StartProxyRequest:
		err := s.startProxy(ctx, v.Proxy)
		resp := control.StartProxyResponse{RequestID: v.RequestID, OK: err == nil}
		if err != nil {
			resp.Error = err.Error()
		}
		return resp, nil
	case control.StopProxyRequest:
		s.stopProxy(v.ProxyID)
		return control.StopProxyResponse{RequestID: v.RequestID, OK: true}, nil
	case control.FetchLogsRequest:
		if s.diag == nil {
			return control.FetchLogsResponse{RequestID: v.RequestID}, nil
		}
		entries := s.diag.Collector().Recent(v.Limit)
		out := make([]control.LogEntry, len(entries))
		for i, e := range entries {
			out[i] = control.LogEntry{TimeUnixMilli: e.TimeUnixMilli, Level: e.Level, Message: e.Message}
		}
		return control.FetchLogsResponse{RequestID: v.RequestID, Entries: out}, nil
	case control.GetStatusRequest:
		return control.GetStatusResponse{
			RequestID: v.RequestID,
			ID:        s.id.NodeID,
			Uptime:    int64(time.Since(s.startedAt).Seconds()),
			Clients:   s.connectedClients(),
		}, nil
	default:
		return nil, nil
	}
}

func (s *Server) connectedClients() []control.ConnectedClient {
	var out []control.ConnectedClient
	for clientID := range s.conns.Items() {
		out = append(out, control.ConnectedClient{ClientID: clientID})
	}
	return out
}

// reconcileProxies applies a full-set ConfigPush: every ProxyConfig across
// every ServerGroup is one public listener this node should run (or stop
// running, if Enabled is false or it is absent from this push).
func (s *Server) reconcileProxies(ctx context.Context, groups []config.ServerGroup) {
	wanted := make(map[int64]config.ProxyConfig)
	for _, g := range groups {
		for _, p := range g.Proxies {
			if p.Enabled {
				wanted[p.ProxyID] = p
			}
		}
	}

	s.mu.Lock()
	var toStop []int64
	for id := range s.activeProxy {
		if _, ok := wanted[id]; !ok {
			toStop = append(toStop, id)
		}
	}
	s.mu.Unlock()

	for _, id := range toStop {
		s.stopProxy(id)
	}

	for _, p := range wanted {
		if err := s.startProxy(ctx, p); err != nil {
			s.logger.VerboseMsg("start proxy %d: %s", p.ProxyID, err)
		}
	}
}

func (s *Server) startProxy(ctx context.Context, proxy config.ProxyConfig) error {
	s.mu.Lock()
	if ap, ok := s.activeProxy[proxy.ProxyID]; ok {
		if ap.proxy == proxy {
			s.mu.Unlock()
			return nil
		}
		// Same ID, new config: rebind the public listener.
		s.mu.Unlock()
		s.stopProxy(proxy.ProxyID)
	} else {
		s.mu.Unlock()
	}

	proxyCtx, cancel := context.WithCancel(ctx)
	forwardSide := forward.NewNodeSide(s, s.limiter, s.record, s.logger)

	addr := format.Addr("", int(proxy.RemotePort))
	switch proxy.ProxyType {
	case config.ProxyUDP:
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			cancel()
			return fmt.Errorf("listen udp %s: %w", addr, err)
		}
		s.mu.Lock()
		s.activeProxy[proxy.ProxyID] = &activeProxy{proxy: proxy, cancel: cancel}
		s.mu.Unlock()
		go func() {
			if err := forwardSide.ServeUDP(proxyCtx, pc, proxy); err != nil {
				s.logger.VerboseMsg("proxy %d udp serve ended: %s", proxy.ProxyID, err)
			}
		}()
		return nil
	default:
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			cancel()
			return fmt.Errorf("listen tcp %s: %w", addr, err)
		}
		s.mu.Lock()
		s.activeProxy[proxy.ProxyID] = &activeProxy{proxy: proxy, cancel: cancel}
		s.mu.Unlock()
		go func() {
			if err := forwardSide.ServeTCP(proxyCtx, ln, proxy); err != nil {
				s.logger.VerboseMsg("proxy %d tcp serve ended: %s", proxy.ProxyID, err)
			}
		}()
		return nil
	}
}

func (s *Server) stopProxy(proxyID int64) {
	s.mu.Lock()
	ap, ok := s.activeProxy[proxyID]
	if ok {
		delete(s.activeProxy, proxyID)
	}
	s.mu.Unlock()
	if ok {
		ap.cancel()
	}
}

// Close tears down the Node: every control channel is moved to Draining so
// no new request starts, the aggregator is closed (its final flush goes out
// over the still-open controller channel), then the channels, the limiter
// and the listener are closed. Close does not wait for pending requests:
// closing a channel resolves them with errs.StreamClosed.
func (s *Server) Close() error {
	s.mu.Lock()
	channels := make([]*control.Channel, 0, len(s.channels)+1)
	if s.controllerCh != nil {
		channels = append(channels, s.controllerCh)
	}
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	agg := s.aggregator
	s.mu.Unlock()

	for _, ch := range channels {
		ch.Drain()
	}
	if agg != nil {
		agg.Close()
	}
	for _, ch := range channels {
		ch.Close()
	}

	s.limiter.Close()
	return s.listener.Close()
}
