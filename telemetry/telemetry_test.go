package telemetry

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestMapAttrs(t *testing.T) {
	type verdict string

	tests := []struct {
		name string
		in   map[string]verdict
		want []attribute.KeyValue
	}{
		{
			name: "empty map",
			in:   map[string]verdict{},
			want: nil,
		},
		{
			name: "single entry",
			in:   map[string]verdict{"verdict": "success"},
			want: []attribute.KeyValue{attribute.String("verdict", "success")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapAttrs(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("MapAttrs() returned %d attrs, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("MapAttrs()[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestMapAttrsMultipleKeys(t *testing.T) {
	in := map[string]string{"a": "1", "b": "2", "c": "3"}
	got := MapAttrs(in)
	if len(got) != 3 {
		t.Fatalf("MapAttrs() returned %d attrs, want 3", len(got))
	}
	seen := make(map[string]string)
	for _, kv := range got {
		seen[string(kv.Key)] = kv.Value.AsString()
	}
	for k, v := range in {
		if seen[k] != v {
			t.Errorf("MapAttrs() missing %s=%s, got %s", k, v, seen[k])
		}
	}
}
