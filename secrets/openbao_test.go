package secrets

import (
	"testing"
)

func TestOpenBaoManagerInterface(t *testing.T) {
	var _ Manager = (*OpenBaoManager)(nil)
	var _ Stopper = (*OpenBaoManager)(nil)
}

func TestBuildScopePath(t *testing.T) {
	v := &OpenBaoManager{mountPath: "loom"}

	tests := []struct {
		scope Scope
		want  string
	}{
		{"render", "scopes/render"},
		{"org/render", "scopes/org_render"},
		{"a:b.c", "scopes/a_b_c"},
	}

	for _, tt := range tests {
		if got := v.buildScopePath(tt.scope); got != tt.want {
			t.Errorf("buildScopePath(%q) = %q, want %q", tt.scope, got, tt.want)
		}
	}

	if got := v.buildSecretPath("org/render", "API_KEY"); got != "scopes/org_render/API_KEY" {
		t.Errorf("buildSecretPath = %q", got)
	}
}

func TestNewOpenBaoManagerValidation(t *testing.T) {
	tests := []struct {
		name     string
		address  string
		roleID   string
		secretID string
	}{
		{"missing address", "", "role", "secret"},
		{"missing role", "http://localhost:8200", "", "secret"},
		{"missing secret", "http://localhost:8200", "role", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewOpenBaoManager(tt.address, tt.roleID, tt.secretID, nil); err == nil {
				t.Error("expected error but got none")
			}
		})
	}
}
