// Package shared provides common CLI flag definitions, signal handling and
// transport-selection helpers used by cmd/server and cmd/client.
package shared

import (
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
)

const categoryCommon = "common"

// TokenFlag is the name of the flag carrying the credential presented to
// the peer's Register handshake.
const TokenFlag = "token"

// VerboseFlag is the name of the flag enabling verbose error logging.
const VerboseFlag = "verbose"

// TimeoutFlag is the name of the flag specifying the control-request
// timeout in milliseconds.
const TimeoutFlag = "timeout"

// LogFileFlag is the name of the flag specifying the rotating log file
// path consumed by pkg/diagnostics.
const LogFileFlag = "log"

// CACertFlag is the name of the flag specifying a PEM file pinning the CA
// trusted for the peer's TLS certificate.
const CACertFlag = "ca-cert"

// ProtocolFlag is the name of the flag selecting the tunnel transport.
const ProtocolFlag = "protocol"

// KCPNoDelayFlag, KCPIntervalFlag, KCPResendFlag and KCPNCFlag expose
// config.KCPParams's tuning knobs; both peers must be given matching
// values since they are never exchanged in-band.
const (
	KCPNoDelayFlag  = "kcp-nodelay"
	KCPIntervalFlag = "kcp-interval"
	KCPResendFlag   = "kcp-resend"
	KCPNCFlag       = "kcp-nc"
)

// GetCommonFlags returns the flags shared by the server and client commands.
func GetCommonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     TokenFlag,
			Usage:    "Credential presented during the Register handshake",
			Category: categoryCommon,
			Required: true,
		},
		&cli.BoolFlag{
			Name:     VerboseFlag,
			Aliases:  []string{"v"},
			Usage:    "Verbose error logging",
			Category: categoryCommon,
			Value:    false,
		},
		&cli.IntFlag{
			Name:     TimeoutFlag,
			Aliases:  []string{"t"},
			Usage:    "Control request timeout in milliseconds",
			Category: categoryCommon,
			Value:    10000,
		},
		&cli.StringFlag{
			Name:     LogFileFlag,
			Aliases:  []string{"l"},
			Usage:    "Rotating daemon log file path, empty disables file output",
			Category: categoryCommon,
			Value:    "",
		},
		&cli.StringFlag{
			Name:     CACertFlag,
			Usage:    "PEM file pinning the peer's trusted CA, empty trusts any certificate",
			Category: categoryCommon,
			Value:    "",
		},
		&cli.StringFlag{
			Name:     ProtocolFlag,
			Aliases:  []string{"p"},
			Usage:    "Tunnel transport: quic, kcp or tcp",
			Category: categoryCommon,
			Value:    "quic",
		},
		&cli.BoolFlag{
			Name:     KCPNoDelayFlag,
			Usage:    "KCP nodelay mode",
			Category: categoryCommon,
			Value:    true,
		},
		&cli.IntFlag{
			Name:     KCPIntervalFlag,
			Usage:    "KCP internal update interval in milliseconds",
			Category: categoryCommon,
			Value:    10,
		},
		&cli.IntFlag{
			Name:     KCPResendFlag,
			Usage:    "KCP fast-resend ACK-skip count",
			Category: categoryCommon,
			Value:    2,
		},
		&cli.BoolFlag{
			Name:     KCPNCFlag,
			Usage:    "Disable KCP congestion control",
			Category: categoryCommon,
			Value:    true,
		},
	}
}

// SetupSignalHandling cancels ctx on the first Interrupt/SIGTERM and force
// exits on a second.
func SetupSignalHandling(cancel func()) {
	sigCh := make(chan os.Signal, 2)

	sigs := []os.Signal{os.Interrupt}
	if runtime.GOOS != "windows" {
		sigs = append(sigs, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
		signal.Ignore(syscall.SIGPIPE)
	}
	signal.Notify(sigCh, sigs...)

	go func() {
		s := <-sigCh
		cancel()

		select {
		case <-sigCh:
			if ss, ok := s.(syscall.Signal); ok {
				os.Exit(128 + int(ss))
			}
			os.Exit(1)
		case <-time.After(5 * time.Second):
			os.Exit(0)
		}
	}()
}
