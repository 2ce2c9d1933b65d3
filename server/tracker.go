package server

import (
	"context"
	"log/slog"

	"tangled.org/loom/db"
	"tangled.org/loom/models"
	"tangled.org/loom/notifier"
	"tangled.org/loom/notify"
)

// tracker persists runner transitions and feeds the event stream.
type tracker struct {
	db     *db.DB
	n      *notifier.Notifier
	events notify.Notifier
	run    models.RunId
	name   string
	l      *slog.Logger
}

func (t *tracker) JobStarted(ctx context.Context, id models.JobId) {
	if err := t.db.MarkJobRunning(id, t.n); err != nil {
		t.l.Error("marking job running", "job", id.String(), "err", err)
	}
	if err := t.db.EventJobStatus(id, models.JobRunning, nil, nil, t.n); err != nil {
		t.l.Error("recording job event", "job", id.String(), "err", err)
	}
}

func (t *tracker) JobFinished(ctx context.Context, id models.JobId, rep *models.JobReport) {
	var err error
	switch rep.Status {
	case models.JobPassed:
		err = t.db.MarkJobPassed(id, t.n)
	case models.JobCancelled:
		err = t.db.MarkJobCancelled(id, t.n)
	default:
		err = t.db.MarkJobFailed(id, rep.FailedStep, rep.Detail, rep.ExitCode, rep.Error, t.n)
	}
	if err != nil {
		t.l.Error("marking job finished", "job", id.String(), "err", err)
	}

	var jobErr *string
	var exitCode *int64
	if rep.Status == models.JobFailed {
		if rep.Error != "" {
			jobErr = &rep.Error
		}
		code := int64(rep.ExitCode)
		exitCode = &code
	}
	if err := t.db.EventJobStatus(id, rep.Status, jobErr, exitCode, t.n); err != nil {
		t.l.Error("recording job event", "job", id.String(), "err", err)
	}

	t.events.JobFinished(ctx, t.run, t.name, rep)
}
