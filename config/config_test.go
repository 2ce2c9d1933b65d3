package config

import (
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func loadFrom(t *testing.T, env map[string]string) (*Config, error) {
	t.Helper()
	var cfg Config
	err := envconfig.ProcessWith(t.Context(), &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.MapLookuper(env),
	})
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func TestDefaults(t *testing.T) {
	cfg, err := loadFrom(t, nil)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.ListenAddr != "0.0.0.0:7555" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Runner.Engine != "docker" {
		t.Errorf("Engine = %q", cfg.Runner.Engine)
	}
	if cfg.Cache.RedisAddr != "" {
		t.Errorf("RedisAddr = %q, want empty (cache off)", cfg.Cache.RedisAddr)
	}
	if cfg.Cache.TTL != 168*time.Hour {
		t.Errorf("TTL = %v", cfg.Cache.TTL)
	}
	if cfg.Secrets.Provider != "sqlite" {
		t.Errorf("Provider = %q", cfg.Secrets.Provider)
	}
	if cfg.Secrets.OpenBao.Mount != "loom" {
		t.Errorf("Mount = %q", cfg.Secrets.OpenBao.Mount)
	}
	if cfg.Notify.Email.Enabled() {
		t.Error("email notifier enabled with no credentials")
	}
	if cfg.Notify.Posthog.Enabled() {
		t.Error("posthog notifier enabled with no api key")
	}
}

func TestPrefixes(t *testing.T) {
	cfg, err := loadFrom(t, map[string]string{
		"LOOM_SERVER_LISTEN_ADDR":     "127.0.0.1:9000",
		"LOOM_RUNNER_ENGINE":          "host",
		"LOOM_CACHE_REDIS_ADDR":       "localhost:6379",
		"LOOM_SECRETS_PROVIDER":       "openbao",
		"LOOM_SECRETS_OPENBAO_ADDR":   "http://localhost:8200",
		"LOOM_NOTIFY_EMAIL_API_KEY":   "re_123",
		"LOOM_NOTIFY_EMAIL_FROM":      "loom@example.com",
		"LOOM_NOTIFY_EMAIL_TO":        "dev@example.com",
		"LOOM_NOTIFY_POSTHOG_API_KEY": "phc_123",
	})
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Runner.Engine != "host" {
		t.Errorf("Engine = %q", cfg.Runner.Engine)
	}
	if cfg.Cache.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q", cfg.Cache.RedisAddr)
	}
	if cfg.Secrets.Provider != "openbao" {
		t.Errorf("Provider = %q", cfg.Secrets.Provider)
	}
	if !cfg.Notify.Email.Enabled() {
		t.Error("email notifier not enabled")
	}
	if !cfg.Notify.Posthog.Enabled() {
		t.Error("posthog notifier not enabled")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "bad engine",
			env:  map[string]string{"LOOM_RUNNER_ENGINE": "podman"},
		},
		{
			name: "bad secrets provider",
			env:  map[string]string{"LOOM_SECRETS_PROVIDER": "s3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadFrom(t, tt.env); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
