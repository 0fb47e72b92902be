// Package reconcile implements the client-side loop that keeps one outbound
// tunnel alive per server group the controller has pushed. Every push is a
// full-set replacement: the reconciler diffs it against the live set, dials
// what is missing, tears down what is stale, and leaves matching tunnels
// untouched.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"tunnelmesh/pkg/config"
	"tunnelmesh/pkg/errs"
	"tunnelmesh/pkg/log"
	"tunnelmesh/pkg/tunnel"
)

// ReconnectBackoff is the fixed delay between failed dial attempts for one
// server group's connect loop. Fixed rather than exponential: the peer set
// is small and operator-managed. A var, not a const, so tests can shrink it.
var ReconnectBackoff = 5 * time.Second

// TeardownGrace is how long a tunnel being torn down is given to exit on
// its own (in-flight forwards draining) before its connection is
// force-closed. A var, not a const, so tests can shrink it.
var TeardownGrace = 10 * time.Second

// Dialer establishes the tunnel.Connection for one server group, using the
// protocol and KCP params the group carries.
type Dialer interface {
	Dial(ctx context.Context, group config.ServerGroup) (tunnel.Connection, error)
}

// TunnelServicer runs everything a live tunnel needs once connected: the
// control channel Join handshake, heartbeats, and forwarding for every
// proxy in group. It blocks until the connection fails and returns the
// failure reason; it may also return early when ctx is canceled. After
// canceling ctx the Reconciler closes conn itself once TeardownGrace has
// passed without Serve returning.
type TunnelServicer interface {
	Serve(ctx context.Context, conn tunnel.Connection, group config.ServerGroup) error
}

// Reconciler owns the set of outbound tunnels a Client maintains, one per
// server group. The live set is kept in a go-cache instance keyed by
// group.Key(); Reconcile, Close and Active all hold the Reconciler's lock
// while they use it.
type Reconciler struct {
	dialer   Dialer
	servicer TunnelServicer
	logger   *log.Logger

	mu      sync.Mutex
	current *cache.Cache // group.Key() -> *outboundTunnel
}

// outboundTunnel tracks one server group's connect loop.
type outboundTunnel struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	group config.ServerGroup
	conn  tunnel.Connection
}

func (ot *outboundTunnel) getGroup() config.ServerGroup {
	ot.mu.Lock()
	defer ot.mu.Unlock()
	return ot.group
}

func (ot *outboundTunnel) setGroup(g config.ServerGroup) {
	ot.mu.Lock()
	ot.group = g
	ot.mu.Unlock()
}

func (ot *outboundTunnel) getConn() tunnel.Connection {
	ot.mu.Lock()
	defer ot.mu.Unlock()
	return ot.conn
}

// New builds a Reconciler. dialer and servicer are supplied by the Client
// role's orchestration layer.
func New(dialer Dialer, servicer TunnelServicer, logger *log.Logger) *Reconciler {
	return &Reconciler{
		dialer:   dialer,
		servicer: servicer,
		logger:   logger,
		current:  cache.New(cache.NoExpiration, time.Minute),
	}
}

// Reconcile diffs desired against the live tunnel set: starts a connect
// loop for every group not yet present, tears down any no longer desired,
// and treats a group whose (addr, port, protocol, kcp_params) changed as a
// delete-then-add. A Reconcile call while a previous one's connect loops
// are still dialing simply supersedes them at the next safe point: the
// stale loop's context is canceled immediately, so it exits instead of
// completing its in-flight dial.
func (r *Reconciler) Reconcile(desired []config.ServerGroup) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[string]config.ServerGroup, len(desired))
	for _, g := range desired {
		wanted[g.Key()] = g
	}

	for key, item := range r.current.Items() {
		ot := item.Object.(*outboundTunnel)
		if _, ok := wanted[key]; !ok {
			r.teardownLocked(key, ot)
		}
	}

	for key, group := range wanted {
		if item, ok := r.current.Get(key); ok {
			ot := item.(*outboundTunnel)
			if sameEndpoint(ot.getGroup(), group) {
				// Same dial target: the tunnel stays up, only the mirrored
				// proxy set changes.
				ot.setGroup(group)
				continue
			}
			r.teardownLocked(key, ot)
		}
		r.startLocked(key, group)
	}
}

// sameEndpoint reports whether two groups dial the same target with the
// same transport tuning. Any difference here means delete-then-add; a
// difference only in the proxy list does not.
func sameEndpoint(a, b config.ServerGroup) bool {
	if a.Key() != b.Key() {
		return false
	}
	if (a.KCP == nil) != (b.KCP == nil) {
		return false
	}
	if a.KCP != nil && *a.KCP != *b.KCP {
		return false
	}
	return true
}

func (r *Reconciler) startLocked(key string, group config.ServerGroup) {
	ctx, cancel := context.WithCancel(context.Background())
	ot := &outboundTunnel{group: group, cancel: cancel, done: make(chan struct{})}
	r.current.Set(key, ot, cache.NoExpiration)
	go r.connectLoop(ctx, ot)
}

// teardownLocked cancels ot's connect loop and removes it from the live
// set. It does not block: a background goroutine waits up to TeardownGrace
// for the loop to exit on its own before force-closing its connection.
func (r *Reconciler) teardownLocked(key string, ot *outboundTunnel) {
	r.current.Delete(key)
	ot.cancel()

	go func() {
		select {
		case <-ot.done:
			return
		case <-time.After(TeardownGrace):
		}
		if conn := ot.getConn(); conn != nil {
			conn.Close()
		}
	}()
}

// connectLoop dials group, services the connection until it fails or ctx
// is canceled, and retries after ReconnectBackoff on either outcome. An
// errs.AuthRejected failure stops the loop instead of retrying.
func (r *Reconciler) connectLoop(ctx context.Context, ot *outboundTunnel) {
	defer close(ot.done)

	for {
		if ctx.Err() != nil {
			return
		}

		group := ot.getGroup()
		conn, err := r.dialer.Dial(ctx, group)
		if err != nil {
			if errs.Is(err, errs.AuthRejected) {
				r.logger.ErrorMsg("reconcile: %s rejected this client: %s", group.Key(), err)
				return
			}
			r.logger.VerboseMsg("reconcile: dial %s failed: %s", group.Key(), err)
			if !sleepCtx(ctx, ReconnectBackoff) {
				return
			}
			continue
		}

		ot.mu.Lock()
		ot.conn = conn
		ot.mu.Unlock()

		err = r.servicer.Serve(ctx, conn, group)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		if errs.Is(err, errs.AuthRejected) {
			r.logger.ErrorMsg("reconcile: %s rejected this client: %s", group.Key(), err)
			return
		}
		r.logger.VerboseMsg("reconcile: tunnel %s dropped: %s", group.Key(), err)
		if !sleepCtx(ctx, ReconnectBackoff) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Close tears down every live tunnel immediately, without the usual grace
// period, for use during process shutdown.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, item := range r.current.Items() {
		ot := item.Object.(*outboundTunnel)
		r.current.Delete(key)
		ot.cancel()
		if conn := ot.getConn(); conn != nil {
			conn.Close()
		}
	}
}

// Active reports the server groups currently tracked, for status reporting.
func (r *Reconciler) Active() []config.ServerGroup {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups := make([]config.ServerGroup, 0, r.current.ItemCount())
	for _, item := range r.current.Items() {
		groups = append(groups, item.Object.(*outboundTunnel).getGroup())
	}
	return groups
}
