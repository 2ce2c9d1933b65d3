package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"
	"tangled.org/loom/log"
	"tangled.org/loom/server"
)

// exitErr carries a process exit code out of a command action. The
// action has already reported whatever went wrong; main only maps the
// code.
type exitErr struct {
	code int
}

func (e *exitErr) Error() string {
	return fmt.Sprintf("exit %d", e.code)
}

func errExit(code int) error {
	return &exitErr{code: code}
}

func main() {
	cmd := &cli.Command{
		Name:    "loom",
		Usage:   "matrix pipeline runner",
		Version: versioninfo.Short(),
		Commands: []*cli.Command{
			runCommand(),
			checkCommand(),
			secretCommand(),
			server.Command(),
			{
				Name:  "version",
				Usage: "print version information",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					fmt.Printf("loom %s\n", versioninfo.Short())
					return nil
				},
			},
		},
	}

	ctx := context.Background()
	logger := log.New("loom")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		var exit *exitErr
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		logger.Error(err.Error())
		os.Exit(3)
	}
}
