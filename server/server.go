package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/carlmjohnson/versioninfo"
	"github.com/go-chi/chi/v5"
	posthogclient "github.com/posthog/posthog-go"
	"github.com/urfave/cli/v3"
	"tangled.org/loom/cache"
	"tangled.org/loom/config"
	"tangled.org/loom/db"
	"tangled.org/loom/log"
	"tangled.org/loom/notifier"
	"tangled.org/loom/notify"
	"tangled.org/loom/notify/email"
	"tangled.org/loom/notify/posthog"
	"tangled.org/loom/queue"
	"tangled.org/loom/secrets"
	"tangled.org/loom/telemetry"
)

type Server struct {
	ctx     context.Context
	cfg     *config.Config
	db      *db.DB
	l       *slog.Logger
	n       *notifier.Notifier
	jq      *queue.Queue
	cache   *cache.Cache
	secrets secrets.Manager
	events  notify.Notifier
	t       *telemetry.Telemetry
	metrics *telemetry.RunMetrics
}

func Command() *cli.Command {
	return &cli.Command{
		Name:   "server",
		Usage:  "run a loom server",
		Action: Run,
		Description: `
Environment variables:
	LOOM_SERVER_LISTEN_ADDR         (default: 0.0.0.0:7555)
	LOOM_SERVER_DB_PATH             (default: loom.db)
	LOOM_SERVER_QUEUE_SIZE          (default: 100)
	LOOM_SERVER_WORKERS             (default: 2)
	LOOM_SERVER_DEV                 (default: false)
	LOOM_RUNNER_ENGINE              (default: docker)
	LOOM_RUNNER_WORKSPACE_DIR       (default: /var/lib/loom/workspaces)
	LOOM_RUNNER_LOG_DIR             (default: /var/log/loom)
	LOOM_RUNNER_DEFAULT_IMAGE       (default: debian:bookworm-slim)
	LOOM_RUNNER_PARALLELISM         (default: 0, uncapped)
	LOOM_CACHE_REDIS_ADDR           (empty disables caching)
	LOOM_CACHE_TTL                  (default: 168h)
	LOOM_CACHE_MAX_BYTES            (default: 1073741824)
	LOOM_SECRETS_PROVIDER           (default: sqlite)
	LOOM_SECRETS_DB_PATH            (default: loom-secrets.db)
	LOOM_SECRETS_OPENBAO_ADDR       (required for openbao)
	LOOM_SECRETS_OPENBAO_ROLE_ID    (required for openbao)
	LOOM_SECRETS_OPENBAO_SECRET_ID  (required for openbao)
	LOOM_SECRETS_OPENBAO_MOUNT      (default: loom)
	LOOM_NOTIFY_EMAIL_API_KEY       (empty disables email digests)
	LOOM_NOTIFY_EMAIL_FROM
	LOOM_NOTIFY_EMAIL_TO
	LOOM_NOTIFY_POSTHOG_API_KEY     (empty disables posthog events)
	LOOM_NOTIFY_POSTHOG_ENDPOINT    (default: https://eu.i.posthog.com)
`,
	}
}

func Run(ctx context.Context, cmd *cli.Command) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	t, err := telemetry.NewTelemetry(ctx, "loom", versioninfo.Short(), cfg.Server.Dev)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer t.Shutdown(context.WithoutCancel(ctx))

	metrics, err := t.RunMetrics()
	if err != nil {
		return fmt.Errorf("failed to setup run metrics: %w", err)
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}

	n := notifier.New()

	mgr, err := secretsManager(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to setup secrets manager: %w", err)
	}
	if stopper, ok := mgr.(secrets.Stopper); ok {
		defer stopper.Stop()
	}

	var c *cache.Cache
	if cfg.Cache.RedisAddr != "" {
		store := cache.NewStore(cfg.Cache.RedisAddr)
		c = cache.New(ctx, store, cfg.Cache.TTL, cfg.Cache.MaxBytes)
		logger.Info("dependency cache enabled", "redis", cfg.Cache.RedisAddr)
	}

	events, err := eventNotifier(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to setup notifiers: %w", err)
	}

	jq := queue.NewQueue(cfg.Server.QueueSize, cfg.Server.Workers)
	jq.Start()
	defer jq.Stop()

	server := &Server{
		ctx:     ctx,
		cfg:     cfg,
		db:      d,
		l:       logger,
		n:       &n,
		jq:      jq,
		cache:   c,
		secrets: mgr,
		events:  events,
		t:       t,
		metrics: metrics,
	}

	logger.Info("starting loom server", "address", cfg.Server.ListenAddr, "engine", cfg.Runner.Engine)
	logger.Error("server error", "error", http.ListenAndServe(cfg.Server.ListenAddr, server.Router()))

	return nil
}

func (s *Server) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Use(s.RequestLogger)
	mux.Use(s.t.RequestDuration())
	mux.Use(s.t.RequestInFlight())
	mux.Use(s.t.WithRouteTag())

	mux.Post("/runs", s.SubmitRun)
	mux.Get("/runs", s.ListRuns)
	mux.Get("/runs/{run}", s.GetRun)
	mux.HandleFunc("/events", s.Events)
	mux.HandleFunc("/logs/{job}", s.Logs)

	return mux
}

func secretsManager(cfg *config.Config, logger *slog.Logger) (secrets.Manager, error) {
	switch cfg.Secrets.Provider {
	case "openbao":
		ob := cfg.Secrets.OpenBao
		return secrets.NewOpenBaoManager(
			ob.Addr,
			ob.RoleID,
			ob.SecretID,
			logger,
			secrets.WithMountPath(ob.Mount),
		)
	default:
		return secrets.NewSQLiteManager(cfg.Secrets.DBPath)
	}
}

func eventNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (notify.Notifier, error) {
	var notifiers []notify.Notifier

	if cfg.Notify.Email.Enabled() {
		em, err := email.New(ctx, cfg.Notify.Email.APIKey, cfg.Notify.Email.From, cfg.Notify.Email.To)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, em)
		logger.Info("email notifier enabled", "to", cfg.Notify.Email.To)
	}

	if cfg.Notify.Posthog.Enabled() {
		client, err := posthogclient.NewWithConfig(cfg.Notify.Posthog.APIKey, posthogclient.Config{Endpoint: cfg.Notify.Posthog.Endpoint})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, posthog.NewPosthogNotifier(client))
		logger.Info("posthog notifier enabled")
	}

	return notify.NewMergedNotifier(logger, notifiers...), nil
}
