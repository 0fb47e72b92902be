package shared

import (
	"fmt"
	"net"
	"strconv"

	"github.com/urfave/cli/v3"

	"tunnelmesh/pkg/config"
)

// SplitHostPort parses "host:port" into its parts, validating the port
// range.
func SplitHostPort(s string) (host string, port int, err error) {
	h, p, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("parsing %q: expected host:port: %w", s, err)
	}
	port, err = strconv.Atoi(p)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("parsing %q: port must be between 1 and 65535", s)
	}
	return h, port, nil
}

// KCPParamsFromFlags builds a config.KCPParams from the cmd/shared KCP
// flags registered by GetCommonFlags.
func KCPParamsFromFlags(cmd *cli.Command) *config.KCPParams {
	return &config.KCPParams{
		NoDelay:  cmd.Bool(KCPNoDelayFlag),
		Interval: uint32(cmd.Int(KCPIntervalFlag)),
		Resend:   uint32(cmd.Int(KCPResendFlag)),
		NC:       cmd.Bool(KCPNCFlag),
	}
}
