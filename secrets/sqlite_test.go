package secrets

import (
	"context"
	"errors"
	"testing"
	"time"
)

func createInMemoryDB(t *testing.T) *SqliteManager {
	t.Helper()
	manager, err := NewSQLiteManager(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory manager: %v", err)
	}
	t.Cleanup(func() { manager.db.Close() })
	return manager
}

func createTestSecret(scope, key, value string) UnlockedSecret {
	return UnlockedSecret{
		Key:       key,
		Value:     value,
		Scope:     Scope(scope),
		CreatedAt: time.Now(),
	}
}

// ensure that interface is satisfied
func TestManagerInterface(t *testing.T) {
	var _ Manager = (*SqliteManager)(nil)
}

func TestNewSQLiteManager(t *testing.T) {
	tests := []struct {
		name        string
		dbPath      string
		opts        []SqliteManagerOpt
		expectError bool
		expectTable string
	}{
		{
			name:        "default table name",
			dbPath:      ":memory:",
			opts:        nil,
			expectError: false,
			expectTable: "secrets",
		},
		{
			name:        "custom table name",
			dbPath:      ":memory:",
			opts:        []SqliteManagerOpt{WithTableName("custom_secrets")},
			expectError: false,
			expectTable: "custom_secrets",
		},
		{
			name:        "invalid database path",
			dbPath:      "/invalid/path/to/database.db",
			opts:        nil,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager, err := NewSQLiteManager(tt.dbPath, tt.opts...)
			if tt.expectError {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			defer manager.db.Close()

			if manager.tableName != tt.expectTable {
				t.Errorf("Expected table name %s, got %s", tt.expectTable, manager.tableName)
			}
		})
	}
}

func TestSqliteManager_AddSecret(t *testing.T) {
	tests := []struct {
		name        string
		secrets     []UnlockedSecret
		expectError []error
	}{
		{
			name: "add single secret",
			secrets: []UnlockedSecret{
				createTestSecret("render", "API_KEY", "secret_value_123"),
			},
			expectError: []error{nil},
		},
		{
			name: "add multiple unique secrets",
			secrets: []UnlockedSecret{
				createTestSecret("render", "API_KEY", "secret_value_123"),
				createTestSecret("render", "DB_PASSWORD", "password_456"),
				createTestSecret("other", "API_KEY", "other_secret"),
			},
			expectError: []error{nil, nil, nil},
		},
		{
			name: "add duplicate secret",
			secrets: []UnlockedSecret{
				createTestSecret("render", "API_KEY", "secret_value_123"),
				createTestSecret("render", "API_KEY", "different_value"),
			},
			expectError: []error{nil, ErrKeyAlreadyPresent},
		},
		{
			name: "reject invalid key",
			secrets: []UnlockedSecret{
				createTestSecret("render", "not a key", "x"),
				createTestSecret("render", "1LEADING_DIGIT", "x"),
			},
			expectError: []error{ErrInvalidKeyIdent, ErrInvalidKeyIdent},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := createInMemoryDB(t)

			for i, secret := range tt.secrets {
				err := manager.AddSecret(context.Background(), secret)
				if !errors.Is(err, tt.expectError[i]) {
					t.Errorf("secret %d: expected error %v, got %v", i, tt.expectError[i], err)
				}
			}
		})
	}
}

func TestSqliteManager_RemoveSecret(t *testing.T) {
	manager := createInMemoryDB(t)
	ctx := context.Background()

	if err := manager.AddSecret(ctx, createTestSecret("render", "API_KEY", "v")); err != nil {
		t.Fatal(err)
	}

	if err := manager.RemoveSecret(ctx, "render", "API_KEY"); err != nil {
		t.Errorf("expected removal to succeed, got %v", err)
	}
	if err := manager.RemoveSecret(ctx, "render", "API_KEY"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
	if err := manager.RemoveSecret(ctx, "other", "MISSING"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestSqliteManager_GetSecrets(t *testing.T) {
	manager := createInMemoryDB(t)
	ctx := context.Background()

	for _, s := range []UnlockedSecret{
		createTestSecret("render", "API_KEY", "v1"),
		createTestSecret("render", "DB_PASSWORD", "v2"),
		createTestSecret("other", "API_KEY", "v3"),
	} {
		if err := manager.AddSecret(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	locked, err := manager.GetSecretsLocked(ctx, "render")
	if err != nil {
		t.Fatal(err)
	}
	if len(locked) != 2 {
		t.Fatalf("expected 2 locked secrets, got %d", len(locked))
	}
	for _, l := range locked {
		if l.Scope != "render" {
			t.Errorf("wrong scope %q", l.Scope)
		}
		if l.CreatedAt.IsZero() {
			t.Errorf("missing created_at for %s", l.Key)
		}
	}

	unlocked, err := manager.GetSecretsUnlocked(ctx, "render")
	if err != nil {
		t.Fatal(err)
	}
	values := Env(unlocked)
	if values["API_KEY"] != "v1" || values["DB_PASSWORD"] != "v2" {
		t.Errorf("unexpected values %v", values)
	}
	if _, ok := values["MISSING"]; ok {
		t.Error("unexpected key")
	}

	empty, err := manager.GetSecretsUnlocked(ctx, "nothing-here")
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no secrets for unknown scope, got %d", len(empty))
	}
}

func TestValidateKey(t *testing.T) {
	valid := []string{"API_KEY", "_private", "a", "KEY2", "snake_case_key"}
	invalid := []string{"", "2key", "has space", "has-dash", "has.dot", "ümlaut"}

	for _, k := range valid {
		if err := ValidateKey(k); err != nil {
			t.Errorf("ValidateKey(%q) = %v, want nil", k, err)
		}
	}
	for _, k := range invalid {
		if err := ValidateKey(k); !errors.Is(err, ErrInvalidKeyIdent) {
			t.Errorf("ValidateKey(%q) = %v, want ErrInvalidKeyIdent", k, err)
		}
	}
}

func TestEnv(t *testing.T) {
	if Env(nil) != nil {
		t.Error("expected nil env for no secrets")
	}

	env := Env([]UnlockedSecret{
		createTestSecret("render", "A", "1"),
		createTestSecret("render", "B", "2"),
	})
	if len(env) != 2 || env["A"] != "1" || env["B"] != "2" {
		t.Errorf("unexpected env %v", env)
	}
}
