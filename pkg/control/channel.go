package control

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"tunnelmesh/pkg/correlator"
	"tunnelmesh/pkg/errs"
	"tunnelmesh/pkg/log"
	"tunnelmesh/pkg/tunnel"
)

// State is the control channel's lifecycle state. A channel moves
// Handshaking -> Live -> (Draining ->) Closed; Draining still answers the
// peer and completes pending requests but rejects new ones.
type State int32

// Channel states.
const (
	StateDialing State = iota
	StateHandshaking
	StateLive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateHandshaking:
		return "handshaking"
	case StateLive:
		return "live"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// HeartbeatInterval is the default interval between heartbeats.
const HeartbeatInterval = 15 * time.Second

// MaxMissedHeartbeats is how many consecutive missed heartbeats trigger a
// HeartbeatTimeout close.
const MaxMissedHeartbeats = 3

// Handler processes an unsolicited or request message the peer sent (one
// this Channel didn't itself register a Waiter for) and optionally returns
// a response Message to send back. Returning (nil, nil) sends nothing.
type Handler func(ctx context.Context, m Message) (Message, error)

// Channel is one control connection, used symmetrically for
// Controller<->Node and Node<->Client: the same type serves both seams,
// the caller only differs in which messages it registers requests for
// versus handles.
type Channel struct {
	stream tunnel.Stream
	corr   *correlator.Table
	logger *log.Logger

	sendMu sync.Mutex

	state atomic.Int32

	handler Handler

	closeOnce sync.Once
	closeErr  error
	doneCh    chan struct{}

	missed atomic.Int32

	group  *errgroup.Group
	gctx   context.Context
	cancel context.CancelFunc
}

// New wraps stream as a Channel. handler is invoked for every inbound
// message that isn't a correlated response to one of our own Requests.
func New(stream tunnel.Stream, handler Handler, logger *log.Logger) *Channel {
	gctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(gctx)

	c := &Channel{
		stream:  stream,
		corr:    correlator.New(),
		logger:  logger,
		handler: handler,
		doneCh:  make(chan struct{}),
		group:   group,
		gctx:    gctx,
		cancel:  cancel,
	}
	c.state.Store(int32(StateHandshaking))

	return c
}

// Start begins the receive pump and heartbeat ticker. Call after the
// Register/RegisterAccept handshake completes.
func (c *Channel) Start() {
	c.state.Store(int32(StateLive))

	c.group.Go(func() error { return c.recvPump() })
	c.group.Go(func() error { return c.heartbeatPump() })

	go func() {
		err := c.group.Wait()
		c.fail(err)
	}()
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Send writes a message without waiting for a response (fire-and-forget,
// e.g. ConfigPush, TrafficReport, ClientOnline, or a Handler's response).
func (c *Channel) Send(m Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return writeMessage(c.gctx, c.stream, m)
}

// Request sends a message built from a fresh request ID and blocks for the
// correlated response or timeout. buildWithID receives the allocated ID so
// the caller can stamp it into the message's RequestID field.
func (c *Channel) Request(ctx context.Context, buildWithID func(requestID string) Message, timeout time.Duration) (Message, error) {
	if s := c.State(); s != StateLive {
		return nil, fmt.Errorf("%w: channel is %s", errs.StreamClosed, s)
	}

	id, waiter := c.corr.Register()

	if err := c.Send(buildWithID(id)); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	v, err := waiter.Wait(ctx, timeout)
	if err != nil {
		return nil, err
	}
	return v.(Message), nil
}

func (c *Channel) recvPump() error {
	for {
		m, err := readMessage(c.gctx, c.stream)
		if err != nil {
			return fmt.Errorf("%w: %s", errs.Transport, err)
		}

		if m.MsgType() == "Heartbeat" {
			c.missed.Store(0)
			continue
		}

		if id, ok := requestID(m); ok {
			if c.corr.Complete(id, m) {
				continue
			}
		}

		if c.handler == nil {
			continue
		}

		resp, err := c.handler(c.gctx, m)
		if err != nil {
			c.logger.VerboseMsg("control handler error: %s", err)
			continue
		}
		if resp != nil {
			if err := c.Send(resp); err != nil {
				return fmt.Errorf("send handler response: %w", err)
			}
		}
	}
}

func (c *Channel) heartbeatPump() error {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.gctx.Done():
			return nil
		case <-ticker.C:
			if c.missed.Add(1) >= MaxMissedHeartbeats {
				return errs.HeartbeatTimeout
			}
			if err := c.Send(Heartbeat{}); err != nil {
				return fmt.Errorf("%w: %s", errs.Transport, err)
			}
		}
	}
}

// requestID extracts the correlation ID from a response-shaped Message.
// Hand-rolled dispatch over the catalogue's response types rather than a
// type-parameterized table, since the catalogue is closed and small.
func requestID(m Message) (string, bool) {
	switch v := m.(type) {
	case RegisterAccept:
		return v.RequestID, true
	case RegisterReject:
		return v.RequestID, true
	case FetchLogsResponse:
		return v.RequestID, true
	case GetStatusResponse:
		return v.RequestID, true
	case StartProxyResponse:
		return v.RequestID, true
	case StopProxyResponse:
		return v.RequestID, true
	case CheckTrafficLimitResponse:
		return v.RequestID, true
	case TrafficReportAck:
		return v.RequestID, true
	default:
		return "", false
	}
}

func (c *Channel) fail(err error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.closeErr = err
		c.corr.Close()
		c.cancel()
		c.stream.Close()
		close(c.doneCh)
	})
}

// Drain moves a Live channel to Draining: new Requests are rejected while
// inbound messages and already-pending requests keep flowing until Close.
func (c *Channel) Drain() {
	c.state.CompareAndSwap(int32(StateLive), int32(StateDraining))
}

// Close gracefully tears down the channel.
func (c *Channel) Close() error {
	c.fail(nil)
	return nil
}

// Done is closed once the channel has fully torn down.
func (c *Channel) Done() <-chan struct{} {
	return c.doneCh
}

// CloseReason reports why the channel closed, or nil if it closed cleanly
// or is still open.
func (c *Channel) CloseReason() error {
	return c.closeErr
}
