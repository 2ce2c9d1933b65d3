package models

import "time"

type StepKind string

const (
	// steps injected by the runner, e.g. the before_script hook
	StepKindSystem StepKind = "system"
	// steps defined by the user in the pipeline's script list
	StepKindUser StepKind = "user"
)

// Step is one command in a job's sequence. Command always holds the
// shell form; when Argv is non-empty the step runs without a shell
// and Command is display text only.
type Step struct {
	Name    string
	Command string
	Argv    []string
	Kind    StepKind
}

// Shell reports whether the step runs through a shell.
func (s Step) Shell() bool {
	return len(s.Argv) == 0
}

// Job is one (toolchain, step sequence) execution unit. Required is
// fixed at expansion time and never changes; everything else here is
// definition, not execution state.
type Job struct {
	Id        JobId
	Toolchain string
	Required  bool
	Steps     []Step
	Env       map[string]string

	// Image is the container image for the docker engine, with any
	// {toolchain} placeholder already substituted. Host runs ignore it.
	Image string

	StepTimeout time.Duration
	Timeout     time.Duration
}

// CacheSpec names the dependency cache a pipeline wants. The cache
// key is suffixed with the toolchain at restore/save time.
type CacheSpec struct {
	Key   string
	Paths []string
}

// Pipeline is a compiled run: the expanded job set plus the policy
// bits the orchestrator needs at execution time.
type Pipeline struct {
	Name       string
	Jobs       []Job
	FastFinish bool
	Cache      *CacheSpec
}

// RequiredJobs returns the jobs whose outcome decides the verdict.
func (p *Pipeline) RequiredJobs() []Job {
	var jobs []Job
	for _, j := range p.Jobs {
		if j.Required {
			jobs = append(jobs, j)
		}
	}
	return jobs
}
