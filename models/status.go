package models

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPassed    JobStatus = "passed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether a job in this status is done for good.
// Jobs never leave a terminal status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobPassed, JobFailed, JobCancelled:
		return true
	}
	return false
}

type StepStatus string

const (
	StepRunning StepStatus = "running"
	StepPassed  StepStatus = "passed"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

type Verdict string

const (
	VerdictPending Verdict = "pending"
	VerdictSuccess Verdict = "success"
	VerdictFailure Verdict = "failure"

	// VerdictError means the pipeline definition was rejected
	// before any job ran.
	VerdictError Verdict = "error"
)

// DetailKind says how a failed step failed: the command ran and
// exited non-zero, it could not be started at all, or it outlived
// its ceiling.
type DetailKind string

const (
	DetailExit    DetailKind = "exit"
	DetailLaunch  DetailKind = "launch"
	DetailTimeout DetailKind = "timeout"
)
