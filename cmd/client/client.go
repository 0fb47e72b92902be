// Package client implements the "agent client" command, the Client role.
// It bootstraps against the controller's HTTP endpoint for a tunnel
// target, then lets pkg/clientagent drive the reconcile loop until
// canceled.
package client

import (
	"context"

	"github.com/urfave/cli/v3"

	"tunnelmesh/cmd/shared"
	"tunnelmesh/pkg/clientagent"
	"tunnelmesh/pkg/diagnostics"
	"tunnelmesh/pkg/errs"
	"tunnelmesh/pkg/log"
)

const controllerURLFlag = "controller-url"

// GetCommand returns the CLI command for the Client role.
func GetCommand() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "Act as a Client: maintain a tunnel to the assigned node and serve its proxies",
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
		&cli.StringFlag{Name: controllerURLFlag, Usage: "Controller HTTP base URL, e.g. https://controller.example.com", Required: true},
	}
	return append(flags, shared.GetCommonFlags()...)
}

func run(ctx context.Context, cmd *cli.Command) error {
	logger := log.NewLogger(cmd.Bool(shared.VerboseFlag))

	caCert, err := shared.LoadCACert(cmd.String(shared.CACertFlag))
	if err != nil {
		return err
	}

	diag := diagnostics.New(diagnostics.Options{
		FilePath: cmd.String(shared.LogFileFlag),
		Verbose:  cmd.Bool(shared.VerboseFlag),
	})
	defer diag.Sync()

	agent := clientagent.New(cmd.String(controllerURLFlag), cmd.String(shared.TokenFlag), caCert, nil, diag, logger)

	logger.InfoMsg("client bootstrapping against controller %s", cmd.String(controllerURLFlag))

	err = agent.Run(ctx)
	if err == nil || ctx.Err() != nil {
		return nil
	}
	if errs.Is(err, errs.AuthRejected) {
		return cli.Exit(err, 2)
	}
	return cli.Exit(err, 1)
}
