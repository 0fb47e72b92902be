// Package main is the entry point for the agent binary: a reverse-proxy
// tunnel fabric that can run as a Node (server) accepting client tunnels,
// or as a Client dialing out to one.
package main

import (
	"context"
	"errors"
	"os"

	"github.com/urfave/cli/v3"

	"tunnelmesh/cmd/client"
	"tunnelmesh/cmd/controllerclient"
	"tunnelmesh/cmd/server"
	"tunnelmesh/cmd/version"
	"tunnelmesh/pkg/log"
)

func main() {
	app := &cli.Command{
		Name:        "agent",
		Description: "reverse-proxy tunnel fabric: run as a node or a client",
		Commands: []*cli.Command{
			server.GetCommand(),
			client.GetCommand(),
			controllerclient.GetCommand(),
			version.GetCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		logger := log.NewLogger(false)
		logger.ErrorMsg("%s", err)

		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(1)
	}
}
