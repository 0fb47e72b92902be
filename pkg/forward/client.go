package forward

import (
	"context"
	"fmt"
	"net"
	"time"

	"tunnelmesh/pkg/config"
	"tunnelmesh/pkg/errs"
	"tunnelmesh/pkg/log"
	"tunnelmesh/pkg/ratelimit"
	"tunnelmesh/pkg/tunnel"
)

// LocalDialTimeout bounds how long a client waits for its local service to
// accept a connection before resetting the forwarded stream.
const LocalDialTimeout = 5 * time.Second

// ProxyResolver resolves the locally known ProxyConfig for a proxy_id
// carried in a stream Header, as maintained by the client's reconcile loop.
type ProxyResolver interface {
	Resolve(proxyID int64) (config.ProxyConfig, bool)
}

// ClientSide services node-initiated streams on one tunnel connection,
// dialing the configured local service for each and relaying bytes.
type ClientSide struct {
	resolver ProxyResolver
	limiter  *ratelimit.Limiter
	logger   *log.Logger
	dialer   net.Dialer
}

// NewClientSide builds a ClientSide. limiter may be nil to disable
// bandwidth limiting; shaping normally happens on the node side only.
func NewClientSide(resolver ProxyResolver, limiter *ratelimit.Limiter, logger *log.Logger) *ClientSide {
	return &ClientSide{resolver: resolver, limiter: limiter, logger: logger}
}

// Serve runs the accept-bi loop over conn until ctx is canceled or conn
// closes, spawning a handler per forwarded stream.
func (c *ClientSide) Serve(ctx context.Context, conn tunnel.Connection) error {
	for {
		stream, err := conn.AcceptBi(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: accept_bi: %s", errs.Transport, err)
		}
		go c.handleStream(ctx, stream)
	}
}

func (c *ClientSide) handleStream(ctx context.Context, stream tunnel.Stream) {
	header, err := DecodeHeader(ctx, stream)
	if err != nil {
		c.logger.VerboseMsg("decode stream header: %s", err)
		stream.Close()
		return
	}

	proxy, ok := c.resolver.Resolve(header.ProxyID)
	if !ok || !proxy.Enabled {
		c.logger.VerboseMsg("proxy %d: unknown or disabled, resetting stream", header.ProxyID)
		stream.Close()
		return
	}

	if proxy.ProxyType == config.ProxyUDP {
		c.handleUDP(ctx, stream, proxy)
		return
	}
	c.handleTCP(ctx, stream, proxy)
}

func (c *ClientSide) handleTCP(ctx context.Context, stream tunnel.Stream, proxy config.ProxyConfig) {
	dialCtx, cancel := context.WithTimeout(ctx, LocalDialTimeout)
	defer cancel()

	local, err := c.dialer.DialContext(dialCtx, "tcp", fmt.Sprintf("%s:%d", proxy.LocalIP, proxy.LocalPort))
	if err != nil {
		c.logger.VerboseMsg("%s: proxy %d: %s", errs.LocalDialFailed, proxy.ProxyID, err)
		stream.Close()
		return
	}

	Relay(ctx, local, stream, c.limiter, nil, func(err error) {
		c.logger.VerboseMsg("proxy %d: %s", proxy.ProxyID, err)
	})
}

func (c *ClientSide) handleUDP(ctx context.Context, stream tunnel.Stream, proxy config.ProxyConfig) {
	defer stream.Close()

	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", proxy.LocalIP, proxy.LocalPort))
	if err != nil {
		c.logger.VerboseMsg("%s: proxy %d: resolve %s:%d: %s", errs.LocalDialFailed, proxy.ProxyID, proxy.LocalIP, proxy.LocalPort, err)
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, LocalDialTimeout)
	defer cancel()

	pc, err := (&net.Dialer{}).DialContext(dialCtx, "udp", raddr.String())
	if err != nil {
		c.logger.VerboseMsg("%s: proxy %d: %s", errs.LocalDialFailed, proxy.ProxyID, err)
		return
	}
	defer pc.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Closing the stream when the local socket idles out (or fails)
		// ends the session on both sides.
		defer stream.Close()
		buf := make([]byte, maxUDPDatagram)
		for {
			pc.SetReadDeadline(time.Now().Add(2 * time.Minute))
			n, err := pc.Read(buf)
			if err != nil {
				return
			}
			if c.limiter != nil {
				if err := c.limiter.Consume(ctx, int64(n)); err != nil {
					return
				}
			}
			if err := writeUDPFrame(ctx, stream, buf[:n]); err != nil {
				return
			}
		}
	}()

	for {
		payload, err := readUDPFrame(ctx, stream)
		if err != nil {
			break
		}
		if len(payload) == 0 {
			continue
		}
		if c.limiter != nil {
			if err := c.limiter.Consume(ctx, int64(len(payload))); err != nil {
				break
			}
		}
		if _, err := pc.Write(payload); err != nil {
			break
		}
	}

	pc.Close()
	<-done
}
