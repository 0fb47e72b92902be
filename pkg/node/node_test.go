package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tunnelmesh/pkg/config"
	"tunnelmesh/pkg/control"
	"tunnelmesh/pkg/log"
	"tunnelmesh/pkg/tunnel"
)

type noopConn struct{}

func (noopConn) OpenBi(ctx context.Context) (tunnel.Stream, error)      { return nil, nil }
func (noopConn) AcceptBi(ctx context.Context) (tunnel.Stream, error)    { return nil, nil }
func (noopConn) OpenUni(ctx context.Context) (tunnel.SendStream, error) { return nil, nil }
func (noopConn) AcceptUni(ctx context.Context) (tunnel.RecvStream, error) {
	return nil, nil
}
func (noopConn) RemoteAddress() net.Addr { return nil }
func (noopConn) CloseReason() error      { return nil }
func (noopConn) Close() error            { return nil }

type noopListener struct{}

func (noopListener) Accept(ctx context.Context) (tunnel.Connection, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (noopListener) Close() error { return nil }

type noopDialer struct{}

func (noopDialer) Dial(ctx context.Context) (tunnel.Connection, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestServer() *Server {
	id := Identity{NodeID: "node-1", Token: "secret", TunnelAddr: "127.0.0.1", TunnelPort: 9000, Protocol: config.ProtoTCP}
	return New(id, noopListener{}, noopDialer{}, 0, 0, 0, nil, log.NewLogger(false))
}

func TestValidateClientRejectsBadToken(t *testing.T) {
	s := newTestServer()
	_, err := s.validateClient(control.Register{Token: "wrong"})
	require.Error(t, err)
}

func TestValidateClientAssignsIDWhenAbsent(t *testing.T) {
	s := newTestServer()
	id, err := s.validateClient(control.Register{Token: "secret"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func TestValidateClientKeepsSuppliedID(t *testing.T) {
	s := newTestServer()
	id, err := s.validateClient(control.Register{Token: "secret", ClientID: "client-99"})
	require.NoError(t, err)
	require.Equal(t, "client-99", id)
}

func TestCheckTrafficLimitFailsOpenWithoutController(t *testing.T) {
	s := newTestServer()
	require.NoError(t, s.checkTrafficLimit(context.Background(), "c1"))
}

func TestResolveUnknownClient(t *testing.T) {
	s := newTestServer()
	_, ok := s.Resolve("ghost")
	require.False(t, ok)
}

func TestResolveKnownClient(t *testing.T) {
	s := newTestServer()
	conn := noopConn{}
	s.conns.Set("client-1", tunnel.Connection(conn), 0)

	got, ok := s.Resolve("client-1")
	require.True(t, ok)
	require.Equal(t, tunnel.Connection(conn), got)
}

func TestStartStopProxyLifecycle(t *testing.T) {
	s := newTestServer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proxy := config.ProxyConfig{ProxyID: 1, ClientID: "c1", ProxyType: config.ProxyTCP, RemotePort: 0, Enabled: true}
	// RemotePort 0 lets the OS assign an ephemeral port so the test doesn't
	// collide with anything else listening locally.
	err := s.startProxy(ctx, proxy)
	require.NoError(t, err)

	s.mu.Lock()
	_, running := s.activeProxy[1]
	s.mu.Unlock()
	require.True(t, running)

	// Starting the same proxy again is a no-op.
	require.NoError(t, s.startProxy(ctx, proxy))

	s.stopProxy(1)
	s.mu.Lock()
	_, stillRunning := s.activeProxy[1]
	s.mu.Unlock()
	require.False(t, stillRunning)
}

func TestReconcileProxiesStartsAndStopsByPush(t *testing.T) {
	s := newTestServer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group := config.ServerGroup{
		NodeID: "node-1",
		Proxies: []config.ProxyConfig{
			{ProxyID: 1, ClientID: "c1", ProxyType: config.ProxyTCP, RemotePort: 0, Enabled: true},
		},
	}
	s.reconcileProxies(ctx, []config.ServerGroup{group})

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.activeProxy[1]
		return ok
	}, time.Second, 5*time.Millisecond)

	// A push without proxy 1 tears it down.
	s.reconcileProxies(ctx, nil)
	s.mu.Lock()
	_, stillActive := s.activeProxy[1]
	s.mu.Unlock()
	require.False(t, stillActive)
}

func TestHandleClientRejectsOverMaxClients(t *testing.T) {
	id := Identity{NodeID: "node-1", Token: "secret", TunnelAddr: "127.0.0.1", TunnelPort: 9000, Protocol: config.ProtoTCP}
	s := New(id, noopListener{}, noopDialer{}, 0, 1, 0, nil, log.NewLogger(false))

	blockCtx, unblock := context.WithCancel(context.Background())
	defer unblock()

	acquired := make(chan struct{})
	go s.handleClient(blockCtx, blockingConn{acquired: acquired, done: blockCtx.Done()})
	<-acquired // the only slot is now held by the first client

	// A second client, with no slot available, is rejected quickly rather
	// than blocking for the full acquire timeout.
	rejectCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	s.handleClient(rejectCtx, rejectedConn{})
}

type blockingConn struct {
	noopConn
	acquired chan<- struct{}
	done     <-chan struct{}
}

func (c blockingConn) AcceptBi(ctx context.Context) (tunnel.Stream, error) {
	close(c.acquired)
	<-c.done
	return nil, context.Canceled
}

type rejectedConn struct {
	noopConn
}

func (rejectedConn) AcceptBi(ctx context.Context) (tunnel.Stream, error) {
	panic("AcceptBi must not be called once the connection semaphore rejects")
}

func TestConnectedClientsReflectsConnsCache(t *testing.T) {
	s := newTestServer()
	s.conns.Set("c1", tunnel.Connection(noopConn{}), 0)
	s.conns.Set("c2", tunnel.Connection(noopConn{}), 0)

	clients := s.connectedClients()
	require.Len(t, clients, 2)
}
