package models

import (
	"context"
)

// Engine abstracts where a job's steps execute. SetupJob prepares the
// job's isolated environment (workspace directory, container volumes),
// RunStep executes exactly one step inside it, and DestroyJob tears
// the environment down. Engines never sequence steps or interpret
// exit codes beyond mapping them onto the engine error set.
type Engine interface {
	SetupJob(ctx context.Context, job *Job) error
	RunStep(ctx context.Context, job *Job, idx int, logger *JobLogger) error
	DestroyJob(ctx context.Context, job *Job) error
}
