// Package controllerclient is a diagnostic probe, not the Controller role
// itself. The Controller (persistence, auth, quota arithmetic, the HTTP
// control plane) is a separate system that this repo only ever calls into
// through pkg/controllerapi's single connect-config endpoint. This command exists so an operator can exercise that endpoint
// by hand, pointing it at a controller to see what a client would have
// been told to dial, without pretending to implement the Controller side.
package controllerclient

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"tunnelmesh/cmd/shared"
	"tunnelmesh/pkg/controllerapi"
)

const controllerURLFlag = "controller-url"

// GetCommand returns the CLI command for probing a Controller's
// connect-config endpoint.
func GetCommand() *cli.Command {
	return &cli.Command{
		Name:  "controller-probe",
		Usage: "Call a Controller's connect-config endpoint and print the reply, without running a client",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: controllerURLFlag, Usage: "Controller HTTP base URL", Required: true},
			&cli.StringFlag{Name: shared.TokenFlag, Usage: "Credential to present", Required: true},
		},
		Action: run,
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	client := controllerapi.New(cmd.String(controllerURLFlag))

	resp, err := client.ConnectConfig(ctx, cmd.String(shared.TokenFlag))
	if err != nil {
		return err
	}

	fmt.Printf("client_id=%s client_name=%s server=%s:%d protocol=%s kcp=%+v\n",
		resp.ClientID, resp.ClientName, resp.ServerAddr, resp.ServerPort, resp.Protocol, resp.KCP)
	return nil
}
