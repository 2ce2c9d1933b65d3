package models

import "time"

// Report is the machine-parseable record of one run. The field set is
// the engine's externally observable contract: consumers parse this,
// not the human summary, so names and meanings stay stable.
type Report struct {
	Run          RunId       `json:"run"`
	Name         string      `json:"name"`
	Verdict      Verdict     `json:"verdict"`
	FastFinished bool        `json:"fast_finished"`
	Diagnostics  []string    `json:"diagnostics,omitempty"`
	Jobs         []JobReport `json:"jobs"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   time.Time   `json:"finished_at"`
	DurationMs   int64       `json:"duration_ms"`
}

type JobReport struct {
	Toolchain string    `json:"toolchain"`
	Required  bool      `json:"required"`
	Status    JobStatus `json:"status"`

	// set only when the job failed; FailedStep is a pointer so a
	// failure at step 0 still renders
	FailedStep *int       `json:"failed_step,omitempty"`
	Detail     DetailKind `json:"detail,omitempty"`
	ExitCode   int        `json:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty"`

	Steps      []StepReport `json:"steps"`
	DurationMs int64        `json:"duration_ms"`
}

type StepReport struct {
	Index      int        `json:"index"`
	Name       string     `json:"name"`
	Kind       StepKind   `json:"kind"`
	Status     StepStatus `json:"status"`
	DurationMs int64      `json:"duration_ms"`
}

// ErrorReport builds the report for a pipeline rejected before any
// job ran. Zero jobs, verdict error, diagnostics carried verbatim.
func ErrorReport(run RunId, name string, diagnostics []string) Report {
	now := time.Now()
	return Report{
		Run:         run,
		Name:        name,
		Verdict:     VerdictError,
		Diagnostics: diagnostics,
		StartedAt:   now,
		FinishedAt:  now,
	}
}

// AllowedFailures returns the allowed-to-fail jobs that did not pass,
// for the "success with caveats" summary line.
func (r Report) AllowedFailures() []JobReport {
	var jobs []JobReport
	for _, j := range r.Jobs {
		if !j.Required && j.Status != JobPassed {
			jobs = append(jobs, j)
		}
	}
	return jobs
}
