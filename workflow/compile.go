package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/shlex"

	"tangled.org/loom/models"
)

const (
	DefaultStepTimeout = 10 * time.Minute
	DefaultJobTimeout  = 30 * time.Minute

	// ToolchainPlaceholder is substituted with the job's toolchain in
	// image references.
	ToolchainPlaceholder = "{toolchain}"

	// ToolchainEnv is set in every job's environment.
	ToolchainEnv = "LOOM_TOOLCHAIN"
)

var (
	MissingToolchains error = errors.New("toolchain list is empty")
	EmptyCommand      error = errors.New("command is empty")
)

type WarningKind string

var (
	InvalidConfiguration WarningKind = "invalid configuration"
	DuplicateToolchain   WarningKind = "duplicate toolchain"
	EmptyScript          WarningKind = "empty script"
)

type Compiler struct {
	Diagnostics Diagnostics
}

type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

func (d *Diagnostics) IsEmpty() bool {
	return len(d.Errors) == 0 && len(d.Warnings) == 0
}

func (d *Diagnostics) Combine(o Diagnostics) {
	d.Errors = append(d.Errors, o.Errors...)
	d.Warnings = append(d.Warnings, o.Warnings...)
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{path, kind, reason})
}

func (d *Diagnostics) AddError(path string, err error) {
	d.Errors = append(d.Errors, Error{path, err})
}

func (d Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

// Strings renders every diagnostic, errors first, for reports.
func (d Diagnostics) Strings() []string {
	var out []string
	for _, e := range d.Errors {
		out = append(out, e.String())
	}
	for _, w := range d.Warnings {
		out = append(out, w.String())
	}
	return out
}

type Error struct {
	Path  string
	Error error
}

func (e Error) String() string {
	return fmt.Sprintf("error: %s: %s", e.Path, e.Error.Error())
}

type Warning struct {
	Path   string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

func (compiler *Compiler) Parse(path string, contents []byte) Definition {
	def, err := FromFile(path, contents)
	if err != nil {
		compiler.Diagnostics.AddError(path, err)
	}
	return def
}

// Compile expands a definition into a runnable pipeline: one job per
// toolchain entry, list order preserved, required unless the entry is
// in the allow-failures set. Returns nil when the definition has
// errors; nothing from a rejected definition runs.
func (compiler *Compiler) Compile(def Definition, run models.RunId) *models.Pipeline {
	if compiler.Diagnostics.IsErr() {
		return nil
	}

	compiler.analyze(def)

	allowed := compiler.allowSet(def)
	steps := compiler.compileSteps(def)
	stepTimeout := compiler.duration("timeout", def.Timeout, DefaultStepTimeout)
	jobTimeout := compiler.duration("job_timeout", def.JobTimeout, DefaultJobTimeout)
	cache := compiler.cacheSpec(def)

	if compiler.Diagnostics.IsErr() {
		return nil
	}

	p := &models.Pipeline{
		Name:       def.Name,
		FastFinish: def.Matrix.FastFinish,
		Cache:      cache,
	}

	for i, toolchain := range def.Toolchains {
		variant := strings.TrimSpace(toolchain)
		p.Jobs = append(p.Jobs, models.Job{
			Id:          models.JobId{Run: run, Idx: i, Toolchain: variant},
			Toolchain:   variant,
			Required:    !allowed[matchKey(variant)],
			Steps:       steps,
			Env:         jobEnv(def, variant),
			Image:       strings.ReplaceAll(def.Image, ToolchainPlaceholder, variant),
			StepTimeout: stepTimeout,
			Timeout:     jobTimeout,
		})
	}

	return p
}

func (compiler *Compiler) analyze(def Definition) {
	if len(def.Toolchains) == 0 {
		compiler.Diagnostics.AddError("toolchains", MissingToolchains)
	}

	seen := make(map[string]bool)
	for i, tc := range def.Toolchains {
		if strings.TrimSpace(tc) == "" {
			compiler.Diagnostics.AddError(fmt.Sprintf("toolchains[%d]", i), errors.New("toolchain entry is empty"))
			continue
		}

		key := matchKey(tc)
		if seen[key] {
			compiler.Diagnostics.AddWarning(
				"toolchains",
				DuplicateToolchain,
				fmt.Sprintf("%q appears more than once", tc),
			)
		}
		seen[key] = true
	}

	if len(def.Script) == 0 {
		compiler.Diagnostics.AddWarning("script", EmptyScript, "jobs will pass without running anything")
	}

	if def.Cache != nil && len(def.Cache.Paths) == 0 {
		compiler.Diagnostics.AddWarning("cache", InvalidConfiguration, "cache block has no paths")
	}
}

// allowSet resolves matrix.allow_failures against the toolchain list.
// Every entry must name a toolchain from the matrix; matching is on
// trimmed, lowercased identifiers.
func (compiler *Compiler) allowSet(def Definition) map[string]bool {
	variants := make(map[string]bool, len(def.Toolchains))
	for _, tc := range def.Toolchains {
		variants[matchKey(tc)] = true
	}

	allowed := make(map[string]bool, len(def.Matrix.AllowFailures))
	for _, a := range def.Matrix.AllowFailures {
		key := matchKey(a)
		if !variants[key] {
			compiler.Diagnostics.AddError(
				"matrix.allow_failures",
				fmt.Errorf("%q names no toolchain in the matrix", a),
			)
			continue
		}
		allowed[key] = true
	}

	return allowed
}

func (compiler *Compiler) compileSteps(def Definition) []models.Step {
	shell := def.UseShell()

	var steps []models.Step
	steps = append(steps, compiler.stepList("before_script", def.BeforeScript, models.StepKindSystem, shell)...)
	steps = append(steps, compiler.stepList("script", def.Script, models.StepKindUser, shell)...)
	return steps
}

func (compiler *Compiler) stepList(path string, commands []string, kind models.StepKind, shell bool) []models.Step {
	var steps []models.Step
	for i, command := range commands {
		text := strings.TrimSpace(command)
		if text == "" {
			compiler.Diagnostics.AddError(fmt.Sprintf("%s[%d]", path, i), EmptyCommand)
			continue
		}

		step := models.Step{
			Name:    text,
			Command: text,
			Kind:    kind,
		}

		if !shell {
			argv, err := shlex.Split(text)
			if err != nil {
				compiler.Diagnostics.AddError(fmt.Sprintf("%s[%d]", path, i), fmt.Errorf("parsing argv: %w", err))
				continue
			}
			step.Argv = argv
		}

		steps = append(steps, step)
	}
	return steps
}

func (compiler *Compiler) duration(path, raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		compiler.Diagnostics.AddError(path, err)
		return fallback
	}
	if d <= 0 {
		compiler.Diagnostics.AddError(path, fmt.Errorf("%q is not a positive duration", raw))
		return fallback
	}
	return d
}

func (compiler *Compiler) cacheSpec(def Definition) *models.CacheSpec {
	if def.Cache == nil || len(def.Cache.Paths) == 0 {
		return nil
	}

	key := def.Cache.Key
	if key == "" {
		key = def.Name
	}

	return &models.CacheSpec{
		Key:   key,
		Paths: def.Cache.Paths,
	}
}

func jobEnv(def Definition, variant string) map[string]string {
	env := make(map[string]string, len(def.Env)+1)
	for k, v := range def.Env {
		env[k] = v
	}
	env[ToolchainEnv] = variant
	return env
}

// matchKey normalizes a variant identifier for allow-list matching:
// surrounding whitespace is insignificant and matching is
// case-insensitive. Job ids use the stricter slug in models.
func matchKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
