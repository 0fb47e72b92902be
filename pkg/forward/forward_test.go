package forward

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tunnelmesh/pkg/config"
	"tunnelmesh/pkg/log"
	"tunnelmesh/pkg/tunnel"
)

type staticConnResolver struct {
	clientID string
	conn     tunnel.Connection
}

func (r *staticConnResolver) Resolve(clientID string) (tunnel.Connection, bool) {
	if clientID != r.clientID {
		return nil, false
	}
	return r.conn, true
}

type staticProxyResolver struct {
	proxy config.ProxyConfig
}

func (r *staticProxyResolver) Resolve(proxyID int64) (config.ProxyConfig, bool) {
	if proxyID != r.proxy.ProxyID {
		return config.ProxyConfig{}, false
	}
	return r.proxy, true
}

func echoListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(c)
		}
	}()
	return ln
}

func TestEndToEndTCPForward(t *testing.T) {
	logger := log.NewLogger(false)

	echo := echoListener(t)
	defer echo.Close()
	echoHost, echoPort, err := net.SplitHostPort(echo.Addr().String())
	require.NoError(t, err)

	port, err := strconv.Atoi(echoPort)
	require.NoError(t, err)

	proxy := config.ProxyConfig{
		ProxyID:   7,
		ClientID:  "client-1",
		Name:      "echo",
		ProxyType: config.ProxyTCP,
		LocalIP:   echoHost,
		LocalPort: uint16(port),
		Enabled:   true,
	}

	nodeConn, clientConn := newFakeConnPair()

	var recordedSent, recordedRecv, recordedProxyID atomic.Int64
	node := NewNodeSide(&staticConnResolver{clientID: "client-1", conn: nodeConn}, nil,
		func(proxyID int64, clientID string, userID *int64, sent, received int64) {
			recordedProxyID.Store(proxyID)
			recordedSent.Add(sent)
			recordedRecv.Add(received)
		}, logger)

	client := NewClientSide(&staticProxyResolver{proxy: proxy}, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publicLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer publicLn.Close()

	go node.ServeTCP(ctx, publicLn, proxy)
	go client.Serve(ctx, clientConn)

	conn, err := net.Dial("tcp", publicLn.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping-through-tunnel"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping-through-tunnel", string(buf[:n]))

	conn.(*net.TCPConn).CloseWrite()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	require.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool {
		return recordedProxyID.Load() == 7 &&
			recordedSent.Load() == int64(len("ping-through-tunnel")) &&
			recordedRecv.Load() == int64(len("ping-through-tunnel"))
	}, time.Second, 10*time.Millisecond)
}

func udpEchoListener(t *testing.T) (host string, port uint16) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			pc.WriteTo(buf[:n], addr)
		}
	}()

	addr := pc.LocalAddr().(*net.UDPAddr)
	return "127.0.0.1", uint16(addr.Port)
}

func TestEndToEndUDPForward(t *testing.T) {
	logger := log.NewLogger(false)

	echoHost, echoPort := udpEchoListener(t)

	proxy := config.ProxyConfig{
		ProxyID:   9,
		ClientID:  "client-1",
		Name:      "echo-udp",
		ProxyType: config.ProxyUDP,
		LocalIP:   echoHost,
		LocalPort: echoPort,
		Enabled:   true,
	}

	nodeConn, clientConn := newFakeConnPair()

	var recordedSent, recordedRecv, recordedProxyID atomic.Int64
	node := NewNodeSide(&staticConnResolver{clientID: "client-1", conn: nodeConn}, nil,
		func(proxyID int64, clientID string, userID *int64, sent, received int64) {
			recordedProxyID.Store(proxyID)
			recordedSent.Add(sent)
			recordedRecv.Add(received)
		}, logger)

	client := NewClientSide(&staticProxyResolver{proxy: proxy}, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publicPC, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer publicPC.Close()

	go node.ServeUDP(ctx, publicPC, proxy)
	go client.Serve(ctx, clientConn)

	conn, err := net.Dial("udp", publicPC.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte("datagram-through-tunnel")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, string(payload), string(buf[:n]))

	// Both directions of the datagram exchange are accounted.
	require.Eventually(t, func() bool {
		return recordedProxyID.Load() == 9 &&
			recordedSent.Load() == int64(len(payload)) &&
			recordedRecv.Load() == int64(len(payload))
	}, time.Second, 10*time.Millisecond)
}
