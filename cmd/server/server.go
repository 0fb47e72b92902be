// Package server implements the "agent server" command, the Node role. It
// wires a tunnel.Listener that accepts client connections, a
// controller-facing tunnel.Connector, and pkg/diagnostics logging into a
// pkg/node.Server and runs it until canceled.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"tunnelmesh/cmd/shared"
	"tunnelmesh/pkg/config"
	"tunnelmesh/pkg/diagnostics"
	"tunnelmesh/pkg/format"
	"tunnelmesh/pkg/log"
	"tunnelmesh/pkg/node"
)

const (
	controllerAddrFlag  = "controller-addr"
	controllerProtoFlag = "controller-protocol"
	nodeIDFlag          = "node-id"
	bindAddrFlag        = "bind-addr"
	bindPortFlag        = "bind-port"
	advertiseAddrFlag   = "advertise-addr"
	rateLimitFlag       = "rate-limit"
	maxClientsFlag      = "max-clients"
	sslFlag             = "ssl"
)

// GetCommand returns the CLI command for the Node role.
func GetCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Act as a Node: accept client tunnels and expose their proxies publicly",
		Action: func(parent context.Context, cmd *cli.Command) error {
			ctx, cancel := context.WithCancel(parent)
			defer cancel()
			shared.SetupSignalHandling(cancel)
			return run(ctx, cmd)
		},
		Flags: getFlags(),
	}
}

func getFlags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{Name: controllerAddrFlag, Usage: "Controller tunnel endpoint host:port this node registers with", Required: true},
		&cli.StringFlag{Name: controllerProtoFlag, Usage: "Tunnel transport used to reach the controller: quic, kcp or tcp", Value: "quic"},
		&cli.StringFlag{Name: nodeIDFlag, Usage: "Node identity presented at registration, empty generates one"},
		&cli.StringFlag{Name: bindAddrFlag, Usage: "Address to bind the client-facing tunnel listener on", Value: ""},
		&cli.IntFlag{Name: bindPortFlag, Usage: "Port to bind the client-facing tunnel listener on", Required: true},
		&cli.StringFlag{Name: advertiseAddrFlag, Usage: "Address advertised to the controller as this node's tunnel endpoint, defaults to bind-addr"},
		&cli.IntFlag{Name: rateLimitFlag, Usage: "Node-wide bandwidth cap in bytes/sec, 0 disables limiting", Value: 0},
		&cli.IntFlag{Name: maxClientsFlag, Usage: "Maximum concurrently accepted client tunnels, 0 disables the cap", Value: 0},
		&cli.BoolFlag{Name: sslFlag, Usage: "Wrap the tcp transport in TLS (ignored for quic, which is always TLS, and kcp, which has none)", Value: false},
	}
	return append(flags, shared.GetCommonFlags()...)
}

func run(ctx context.Context, cmd *cli.Command) error {
	logger := log.NewLogger(cmd.Bool(shared.VerboseFlag))

	protocol, err := config.ParseProtocol(cmd.String(shared.ProtocolFlag))
	if err != nil {
		return fmt.Errorf("--%s: %w", shared.ProtocolFlag, err)
	}
	controllerProtocol, err := config.ParseProtocol(cmd.String(controllerProtoFlag))
	if err != nil {
		return fmt.Errorf("--%s: %w", controllerProtoFlag, err)
	}

	bindAddr := cmd.String(bindAddrFlag)
	bindPort := int(cmd.Int(bindPortFlag))
	if err := validatePort(bindPort); err != nil {
		return fmt.Errorf("--%s: %w", bindPortFlag, err)
	}

	advertiseAddr := cmd.String(advertiseAddrFlag)
	if advertiseAddr == "" {
		advertiseAddr = bindAddr
	}

	nodeID := cmd.String(nodeIDFlag)
	if nodeID == "" {
		nodeID = "node[" + config.GenerateId() + "]"
	}

	caCert, err := shared.LoadCACert(cmd.String(shared.CACertFlag))
	if err != nil {
		return err
	}

	kcp := shared.KCPParamsFromFlags(cmd)

	listenAddr := format.Addr(bindAddr, bindPort)
	listener, err := shared.NewListener(protocol, listenAddr, kcp, cmd.Bool(sslFlag), nil)
	if err != nil {
		return fmt.Errorf("listen %s (%s): %w", listenAddr, protocol, err)
	}

	connector, err := shared.NewConnector(controllerProtocol, cmd.String(controllerAddrFlag), caCert, kcp, cmd.Bool(sslFlag), nil)
	if err != nil {
		listener.Close()
		return fmt.Errorf("dial controller at %s (%s): %w", cmd.String(controllerAddrFlag), controllerProtocol, err)
	}

	diag := diagnostics.New(diagnostics.Options{
		FilePath: cmd.String(shared.LogFileFlag),
		Verbose:  cmd.Bool(shared.VerboseFlag),
	})
	defer diag.Sync()

	identity := node.Identity{
		NodeID:     nodeID,
		Token:      cmd.String(shared.TokenFlag),
		TunnelAddr: advertiseAddr,
		TunnelPort: bindPort,
		Protocol:   protocol,
	}

	rate := float64(cmd.Int(rateLimitFlag))
	maxClients := int(cmd.Int(maxClientsFlag))
	requestTimeout := time.Duration(cmd.Int(shared.TimeoutFlag)) * time.Millisecond

	srv := node.New(identity, listener, shared.ConnectorDialer{Connector: connector}, rate, maxClients, requestTimeout, diag, logger)
	defer srv.Close()

	logger.InfoMsg("node %s listening on %s (%s), registering with controller %s (%s)",
		nodeID, listenAddr, protocol, cmd.String(controllerAddrFlag), controllerProtocol)

	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("must be between 1 and 65535, got %d", port)
	}
	return nil
}
