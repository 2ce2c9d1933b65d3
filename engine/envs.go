package engine

import (
	"fmt"
	"slices"
)

type EnvVars []string

// ConstructEnvs converts a job environment map into a
// []string{"KEY=value", ...} slice. Keys are sorted so container and
// process invocations are deterministic.
func ConstructEnvs(envs map[string]string) EnvVars {
	keys := make([]string, 0, len(envs))
	for k := range envs {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var vars EnvVars
	for _, k := range keys {
		vars.AddEnv(k, envs[k])
	}
	return vars
}

// Slice returns the EnvVar as a []string slice.
func (ev EnvVars) Slice() []string {
	return ev
}

// AddEnv adds a key=value string to the EnvVar.
func (ev *EnvVars) AddEnv(key, value string) {
	*ev = append(*ev, fmt.Sprintf("%s=%s", key, value))
}
