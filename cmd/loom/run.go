package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"tangled.org/loom/cache"
	"tangled.org/loom/config"
	"tangled.org/loom/engines/docker"
	"tangled.org/loom/engines/host"
	"tangled.org/loom/log"
	"tangled.org/loom/models"
	"tangled.org/loom/runner"
	"tangled.org/loom/secrets"
	"tangled.org/loom/workflow"
	"tangled.org/loom/workspace"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run a pipeline to completion",
		ArgsUsage: "[file]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Value:   ".loom.yml",
				Usage:   "pipeline definition to run",
			},
			&cli.StringFlag{
				Name:  "source",
				Value: ".",
				Usage: "directory copied into each job workspace",
			},
			&cli.StringFlag{
				Name:  "repo",
				Usage: "git url cloned into each workspace instead of --source",
			},
			&cli.StringFlag{
				Name:  "ref",
				Usage: "branch or tag to clone",
			},
			&cli.StringFlag{
				Name:  "engine",
				Usage: "override LOOM_RUNNER_ENGINE (docker or host)",
			},
			&cli.StringFlag{
				Name:  "report",
				Usage: "write the JSON report to this path, - for stdout",
			},
			&cli.StringFlag{
				Name:  "log-dir",
				Usage: "keep job logs under this directory",
			},
		},
		Action: runAction,
		Description: `
Expands the toolchain matrix into jobs, runs them in parallel and
reports a verdict. Exit codes:
	0  success; allowed failures do not count
	1  at least one required job failed
	2  the definition was rejected, nothing ran
	3  the run was interrupted or the engine errored
`,
	}
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		l.Error("bad configuration", "err", err)
		return errExit(2)
	}
	if eng := cmd.String("engine"); eng != "" {
		if eng != "docker" && eng != "host" {
			l.Error("unknown engine, want docker or host", "engine", eng)
			return errExit(2)
		}
		cfg.Runner.Engine = eng
	}

	path := cmd.String("file")
	if arg := cmd.Args().First(); arg != "" {
		path = arg
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		l.Error("reading pipeline", "err", err)
		return errExit(2)
	}

	run := models.NewRunId()
	compiler := workflow.Compiler{}
	def := compiler.Parse(path, contents)
	if def.Image == "" {
		def.Image = cfg.Runner.DefaultImage
	}
	p := compiler.Compile(def, run)

	for _, w := range compiler.Diagnostics.Warnings {
		fmt.Fprintln(os.Stderr, w.String())
	}
	if compiler.Diagnostics.IsErr() {
		for _, e := range compiler.Diagnostics.Errors {
			fmt.Fprintln(os.Stderr, e.String())
		}
		if out := cmd.String("report"); out != "" {
			report := models.ErrorReport(run, def.Name, compiler.Diagnostics.Strings())
			if err := writeReport(out, &report); err != nil {
				l.Error("writing report", "err", err)
			}
		}
		return errExit(2)
	}

	report, err := execute(ctx, cmd, cfg, run, p)
	if err != nil {
		l.Error("run aborted", "err", err)
		return errExit(3)
	}
	report.Diagnostics = compiler.Diagnostics.Strings()

	// the report owns stdout when it is streamed there
	out := io.Writer(os.Stdout)
	if cmd.String("report") == "-" {
		out = os.Stderr
	}
	summarize(out, report)

	if rp := cmd.String("report"); rp != "" {
		if err := writeReport(rp, report); err != nil {
			l.Error("writing report", "err", err)
			return errExit(3)
		}
	}

	if report.Verdict != models.VerdictSuccess {
		return errExit(1)
	}
	return nil
}

func execute(ctx context.Context, cmd *cli.Command, cfg *config.Config, run models.RunId, p *models.Pipeline) (*models.Report, error) {
	l := log.FromContext(ctx)

	base, err := os.MkdirTemp("", "loom-*")
	if err != nil {
		return nil, fmt.Errorf("creating workspace base: %w", err)
	}
	defer os.RemoveAll(base)

	logDir := cmd.String("log-dir")
	if logDir == "" {
		logDir = filepath.Join(base, "logs")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	source := workspace.Source{Repo: cmd.String("repo"), Ref: cmd.String("ref")}
	if source.Repo == "" {
		source.Dir, err = filepath.Abs(cmd.String("source"))
		if err != nil {
			return nil, err
		}
	}
	ws := workspace.New(ctx, base, source)

	var eng models.Engine
	switch cfg.Runner.Engine {
	case "host":
		eng = host.New(ctx, ws)
	default:
		eng, err = docker.New(ctx, ws)
		if err != nil {
			return nil, fmt.Errorf("connecting to docker: %w", err)
		}
	}

	opts := []runner.Opt{runner.WithParallelism(cfg.Runner.Parallelism)}
	if cfg.Cache.RedisAddr != "" {
		store := cache.NewStore(cfg.Cache.RedisAddr)
		opts = append(opts, runner.WithCache(cache.New(ctx, store, cfg.Cache.TTL, cfg.Cache.MaxBytes)))
	}

	// a sqlite secrets db that was never created means no secrets were
	// ever added; skip it rather than leave an empty db behind
	attach := cfg.Secrets.Provider != "sqlite"
	if !attach {
		_, err := os.Stat(cfg.Secrets.DBPath)
		attach = err == nil
	}
	if attach {
		mgr, err := openSecrets(cfg, l)
		if err != nil {
			return nil, fmt.Errorf("opening secrets: %w", err)
		}
		if stopper, ok := mgr.(secrets.Stopper); ok {
			defer stopper.Stop()
		}
		opts = append(opts, runner.WithSecrets(mgr))
	}

	r := runner.New(ctx, eng, ws, logDir, opts...)
	return r.Run(ctx, run, p)
}

// summarize prints the human-readable outcome. Anything that wants
// structure parses the JSON report instead.
func summarize(w io.Writer, report *models.Report) {
	width := 0
	required := 0
	for _, j := range report.Jobs {
		if len(j.Toolchain) > width {
			width = len(j.Toolchain)
		}
		if j.Required {
			required++
		}
	}

	fmt.Fprintf(w, "%s: %d jobs, %d required\n\n", report.Name, len(report.Jobs), required)

	for _, j := range report.Jobs {
		fmt.Fprintf(w, "  %-*s  %-9s  %s", width, j.Toolchain, j.Status, fmtDuration(j.DurationMs))
		if j.Status == models.JobFailed {
			if j.FailedStep != nil {
				fmt.Fprintf(w, "  %q: %s", j.Steps[*j.FailedStep].Name, j.Error)
			} else if j.Error != "" {
				fmt.Fprintf(w, "  %s", j.Error)
			}
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "\nverdict: %s (%s)", report.Verdict, fmtDuration(report.DurationMs))
	if report.Verdict == models.VerdictSuccess {
		if n := len(report.AllowedFailures()); n > 0 {
			fmt.Fprintf(w, ", %d allowed failure(s)", n)
		}
	}
	fmt.Fprintln(w)
}

func fmtDuration(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(100 * time.Millisecond).String()
}

func writeReport(path string, report *models.Report) error {
	blob, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	blob = append(blob, '\n')

	if path == "-" {
		_, err := os.Stdout.Write(blob)
		return err
	}
	return os.WriteFile(path, blob, 0o644)
}
