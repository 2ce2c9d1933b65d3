package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
	"tangled.org/loom/config"
	"tangled.org/loom/log"
	"tangled.org/loom/secrets"
)

func secretCommand() *cli.Command {
	return &cli.Command{
		Name:  "secret",
		Usage: "manage pipeline secrets",
		Commands: []*cli.Command{
			secretAddCommand(),
			secretListCommand(),
			secretRmCommand(),
		},
	}
}

func scopeFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "scope",
		Usage:    "pipeline name the secret belongs to",
		Required: true,
	}
}

func secretAddCommand() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "store a secret, exposed to jobs as an environment variable",
		ArgsUsage: "KEY VALUE",
		Flags:     []cli.Flag{scopeFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			key, value := cmd.Args().Get(0), cmd.Args().Get(1)
			if key == "" || value == "" {
				return fmt.Errorf("usage: loom secret add --scope <pipeline> KEY VALUE")
			}
			if err := secrets.ValidateKey(key); err != nil {
				return fmt.Errorf("%q: %w", key, err)
			}

			mgr, err := managerFromEnv(ctx)
			if err != nil {
				return err
			}
			defer stopManager(mgr)

			return mgr.AddSecret(ctx, secrets.UnlockedSecret{
				Key:   key,
				Value: value,
				Scope: secrets.Scope(cmd.String("scope")),
			})
		},
	}
}

func secretListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list secret keys for a pipeline, values stay hidden",
		Flags: []cli.Flag{scopeFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			mgr, err := managerFromEnv(ctx)
			if err != nil {
				return err
			}
			defer stopManager(mgr)

			locked, err := mgr.GetSecretsLocked(ctx, secrets.Scope(cmd.String("scope")))
			if err != nil {
				return err
			}
			for _, s := range locked {
				added := "unknown"
				if !s.CreatedAt.IsZero() {
					added = humanize.Time(s.CreatedAt)
				}
				fmt.Printf("%s\t(added %s)\n", s.Key, added)
			}
			return nil
		},
	}
}

func secretRmCommand() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "remove a secret",
		ArgsUsage: "KEY",
		Flags:     []cli.Flag{scopeFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			key := cmd.Args().First()
			if key == "" {
				return fmt.Errorf("usage: loom secret rm --scope <pipeline> KEY")
			}

			mgr, err := managerFromEnv(ctx)
			if err != nil {
				return err
			}
			defer stopManager(mgr)

			return mgr.RemoveSecret(ctx, secrets.Scope(cmd.String("scope")), key)
		},
	}
}

// openSecrets builds the configured secrets backend.
func openSecrets(cfg *config.Config, l *slog.Logger) (secrets.Manager, error) {
	switch cfg.Secrets.Provider {
	case "openbao":
		return secrets.NewOpenBaoManager(
			cfg.Secrets.OpenBao.Addr,
			cfg.Secrets.OpenBao.RoleID,
			cfg.Secrets.OpenBao.SecretID,
			l,
			secrets.WithMountPath(cfg.Secrets.OpenBao.Mount),
		)
	default:
		return secrets.NewSQLiteManager(cfg.Secrets.DBPath)
	}
}

func managerFromEnv(ctx context.Context) (secrets.Manager, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	return openSecrets(cfg, log.FromContext(ctx))
}

func stopManager(mgr secrets.Manager) {
	if stopper, ok := mgr.(secrets.Stopper); ok {
		stopper.Stop()
	}
}
