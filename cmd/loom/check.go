package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"tangled.org/loom/models"
	"tangled.org/loom/workflow"
)

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:      "check",
		Usage:     "validate a pipeline definition without running it",
		ArgsUsage: "[file]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Value:   ".loom.yml",
				Usage:   "pipeline definition to check",
			},
		},
		Action: checkAction,
	}
}

func checkAction(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("file")
	if arg := cmd.Args().First(); arg != "" {
		path = arg
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return errExit(2)
	}

	compiler := workflow.Compiler{}
	def := compiler.Parse(path, contents)
	p := compiler.Compile(def, models.NewRunId())

	for _, w := range compiler.Diagnostics.Warnings {
		fmt.Fprintln(os.Stderr, w.String())
	}
	if compiler.Diagnostics.IsErr() {
		for _, e := range compiler.Diagnostics.Errors {
			fmt.Fprintln(os.Stderr, e.String())
		}
		return errExit(2)
	}

	fmt.Printf("%s: %d jobs, %d required\n", p.Name, len(p.Jobs), len(p.RequiredJobs()))
	return nil
}
