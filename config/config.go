package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:7555"`
	DBPath     string `env:"DB_PATH, default=loom.db"`
	Dev        bool   `env:"DEV, default=false"`
	QueueSize  int    `env:"QUEUE_SIZE, default=100"`
	Workers    int    `env:"WORKERS, default=2"`
}

type Runner struct {
	// Engine picks where steps execute: "docker" or "host".
	Engine        string `env:"ENGINE, default=docker"`
	WorkspaceBase string `env:"WORKSPACE_DIR, default=/var/lib/loom/workspaces"`
	LogDir        string `env:"LOG_DIR, default=/var/log/loom"`
	DefaultImage  string `env:"DEFAULT_IMAGE, default=debian:bookworm-slim"`

	// Parallelism caps concurrent jobs within a run; 0 means no cap.
	Parallelism int `env:"PARALLELISM, default=0"`
}

type Cache struct {
	// RedisAddr empty means caching is off.
	RedisAddr string        `env:"REDIS_ADDR"`
	TTL       time.Duration `env:"TTL, default=168h"`
	MaxBytes  int64         `env:"MAX_BYTES, default=1073741824"`
}

type Secrets struct {
	Provider string        `env:"PROVIDER, default=sqlite"`
	DBPath   string        `env:"DB_PATH, default=loom-secrets.db"`
	OpenBao  OpenBaoConfig `env:",prefix=OPENBAO_"`
}

type OpenBaoConfig struct {
	Addr     string `env:"ADDR"`
	RoleID   string `env:"ROLE_ID"`
	SecretID string `env:"SECRET_ID"`
	Mount    string `env:"MOUNT, default=loom"`
}

type Notify struct {
	Email   EmailConfig   `env:",prefix=EMAIL_"`
	Posthog PosthogConfig `env:",prefix=POSTHOG_"`
}

type EmailConfig struct {
	APIKey string `env:"API_KEY"`
	From   string `env:"FROM"`
	To     string `env:"TO"`
}

func (e EmailConfig) Enabled() bool {
	return e.APIKey != "" && e.From != "" && e.To != ""
}

type PosthogConfig struct {
	APIKey   string `env:"API_KEY"`
	Endpoint string `env:"ENDPOINT, default=https://eu.i.posthog.com"`
}

func (p PosthogConfig) Enabled() bool {
	return p.APIKey != ""
}

type Config struct {
	Server  Server  `env:",prefix=LOOM_SERVER_"`
	Runner  Runner  `env:",prefix=LOOM_RUNNER_"`
	Cache   Cache   `env:",prefix=LOOM_CACHE_"`
	Secrets Secrets `env:",prefix=LOOM_SECRETS_"`
	Notify  Notify  `env:",prefix=LOOM_NOTIFY_"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Runner.Engine {
	case "docker", "host":
	default:
		return fmt.Errorf("unknown engine %q: want docker or host", c.Runner.Engine)
	}

	switch c.Secrets.Provider {
	case "sqlite", "openbao":
	default:
		return fmt.Errorf("unknown secrets provider %q: want sqlite or openbao", c.Secrets.Provider)
	}

	return nil
}
