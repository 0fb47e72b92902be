package reconcile

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tunnelmesh/pkg/config"
	"tunnelmesh/pkg/log"
	"tunnelmesh/pkg/tunnel"
)

// fakeConn is a no-op tunnel.Connection, enough to exercise the
// Reconciler's dial/serve/teardown bookkeeping.
type fakeConn struct {
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn { return &fakeConn{closed: make(chan struct{})} }

func (c *fakeConn) OpenBi(ctx context.Context) (tunnel.Stream, error)      { return nil, nil }
func (c *fakeConn) AcceptBi(ctx context.Context) (tunnel.Stream, error)    { return nil, nil }
func (c *fakeConn) OpenUni(ctx context.Context) (tunnel.SendStream, error) { return nil, nil }
func (c *fakeConn) AcceptUni(ctx context.Context) (tunnel.RecvStream, error) {
	return nil, nil
}
func (c *fakeConn) RemoteAddress() net.Addr { return nil }
func (c *fakeConn) CloseReason() error      { return nil }
func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type recordingDialer struct {
	mu    sync.Mutex
	dials int
	fail  bool
}

func (d *recordingDialer) Dial(ctx context.Context, group config.ServerGroup) (tunnel.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, context.DeadlineExceeded
	}
	return newFakeConn(), nil
}

func (d *recordingDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// blockingServicer serves until ctx is canceled, recording how many times
// Serve was entered and for which group keys.
type blockingServicer struct {
	mu      sync.Mutex
	entered []string
}

func (s *blockingServicer) Serve(ctx context.Context, conn tunnel.Connection, group config.ServerGroup) error {
	s.mu.Lock()
	s.entered = append(s.entered, group.Key())
	s.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (s *blockingServicer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entered)
}

func groupA() config.ServerGroup {
	return config.ServerGroup{
		NodeID: "node-a", TunnelAddr: "10.0.0.1", TunnelPort: 9000, Protocol: config.ProtoTCP,
		Proxies: []config.ProxyConfig{{ProxyID: 1, ClientID: "c1", ProxyType: config.ProxyTCP, Enabled: true}},
	}
}

func TestReconcileStartsMissingGroup(t *testing.T) {
	dialer := &recordingDialer{}
	servicer := &blockingServicer{}
	r := New(dialer, servicer, log.NewLogger(false))
	defer r.Close()

	r.Reconcile([]config.ServerGroup{groupA()})

	require.Eventually(t, func() bool { return servicer.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Len(t, r.Active(), 1)
}

func TestReconcileTearsDownRemovedGroup(t *testing.T) {
	dialer := &recordingDialer{}
	servicer := &blockingServicer{}
	r := New(dialer, servicer, log.NewLogger(false))
	defer r.Close()

	TeardownGrace = 20 * time.Millisecond
	defer func() { TeardownGrace = 10 * time.Second }()

	r.Reconcile([]config.ServerGroup{groupA()})
	require.Eventually(t, func() bool { return servicer.count() == 1 }, time.Second, 5*time.Millisecond)

	r.Reconcile(nil)
	require.Eventually(t, func() bool { return len(r.Active()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestReconcileChangedKeyIsDeleteThenAdd(t *testing.T) {
	dialer := &recordingDialer{}
	servicer := &blockingServicer{}
	r := New(dialer, servicer, log.NewLogger(false))
	defer r.Close()

	g := groupA()
	r.Reconcile([]config.ServerGroup{g})
	require.Eventually(t, func() bool { return servicer.count() == 1 }, time.Second, 5*time.Millisecond)

	changed := g
	changed.TunnelPort = 9001
	r.Reconcile([]config.ServerGroup{changed})

	require.Eventually(t, func() bool { return servicer.count() == 2 }, time.Second, 5*time.Millisecond)
	active := r.Active()
	require.Len(t, active, 1)
	require.Equal(t, 9001, active[0].TunnelPort)
}

func TestReconcileProxyChangeKeepsTunnel(t *testing.T) {
	dialer := &recordingDialer{}
	servicer := &blockingServicer{}
	r := New(dialer, servicer, log.NewLogger(false))
	defer r.Close()

	g := groupA()
	r.Reconcile([]config.ServerGroup{g})
	require.Eventually(t, func() bool { return servicer.count() == 1 }, time.Second, 5*time.Millisecond)

	// Same endpoint, different proxy set: the tunnel must survive and the
	// tracked group must pick up the new proxies.
	updated := g
	updated.Proxies = append([]config.ProxyConfig(nil), g.Proxies...)
	updated.Proxies = append(updated.Proxies, config.ProxyConfig{ProxyID: 2, ClientID: "c1", ProxyType: config.ProxyTCP, Enabled: true})
	r.Reconcile([]config.ServerGroup{updated})

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, servicer.count())
	require.Equal(t, 1, dialer.count())

	active := r.Active()
	require.Len(t, active, 1)
	require.Len(t, active[0].Proxies, 2)
}

func TestReconcileRetriesAfterDialFailure(t *testing.T) {
	ReconnectBackoff = 10 * time.Millisecond
	defer func() { ReconnectBackoff = 5 * time.Second }()

	dialer := &recordingDialer{fail: true}
	servicer := &blockingServicer{}
	r := New(dialer, servicer, log.NewLogger(false))
	defer r.Close()

	r.Reconcile([]config.ServerGroup{groupA()})

	require.Eventually(t, func() bool { return dialer.count() >= 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, servicer.count())
}

func TestReconcileIdempotentForUnchangedGroup(t *testing.T) {
	dialer := &recordingDialer{}
	servicer := &blockingServicer{}
	r := New(dialer, servicer, log.NewLogger(false))
	defer r.Close()

	g := groupA()
	r.Reconcile([]config.ServerGroup{g})
	require.Eventually(t, func() bool { return servicer.count() == 1 }, time.Second, 5*time.Millisecond)

	r.Reconcile([]config.ServerGroup{g})
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, servicer.count())
	require.Equal(t, 1, dialer.count())
}
