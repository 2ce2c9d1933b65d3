package db

import (
	"time"

	"tangled.org/loom/models"
	"tangled.org/loom/notifier"
)

type Job struct {
	Id        string           `json:"id"`
	RunId     string           `json:"run_id"`
	Idx       int              `json:"idx"`
	Toolchain string           `json:"toolchain"`
	Required  bool             `json:"required"`
	Status    models.JobStatus `json:"status"`

	// only once Failed
	FailedStep *int              `json:"failed_step,omitempty"`
	Detail     models.DetailKind `json:"detail,omitempty"`
	ExitCode   int               `json:"exit_code,omitempty"`
	Error      string            `json:"error,omitempty"`

	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (d *DB) MarkJobRunning(id models.JobId, n *notifier.Notifier) error {
	_, err := d.Exec(`
		update jobs
		set status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ?
	`, models.JobRunning, id.String())
	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (d *DB) MarkJobPassed(id models.JobId, n *notifier.Notifier) error {
	return d.finishJob(id, models.JobPassed, nil, "", 0, "", n)
}

func (d *DB) MarkJobFailed(id models.JobId, failedStep *int, detail models.DetailKind, exitCode int, errMsg string, n *notifier.Notifier) error {
	return d.finishJob(id, models.JobFailed, failedStep, detail, exitCode, errMsg, n)
}

func (d *DB) MarkJobCancelled(id models.JobId, n *notifier.Notifier) error {
	return d.finishJob(id, models.JobCancelled, nil, "", 0, "", n)
}

func (d *DB) finishJob(id models.JobId, status models.JobStatus, failedStep *int, detail models.DetailKind, exitCode int, errMsg string, n *notifier.Notifier) error {
	_, err := d.Exec(`
		update jobs
		set status = ?,
		    failed_step = ?,
		    detail = ?,
		    exit_code = ?,
		    error = ?,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
		    finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ?
	`, status, failedStep, detail, exitCode, errMsg, id.String())
	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (d *DB) GetJob(id string) (Job, error) {
	row := d.QueryRow(`
		select id, run_id, idx, toolchain, required, status, failed_step, detail, exit_code, error, updated_at, finished_at
		from jobs
		where id = ?
	`, id)

	var j Job
	var updatedAt string
	var finishedAt *string
	if err := row.Scan(&j.Id, &j.RunId, &j.Idx, &j.Toolchain, &j.Required, &j.Status, &j.FailedStep, &j.Detail, &j.ExitCode, &j.Error, &updatedAt, &finishedAt); err != nil {
		return Job{}, err
	}

	j.UpdatedAt = parseTime(updatedAt)
	if finishedAt != nil {
		t := parseTime(*finishedAt)
		j.FinishedAt = &t
	}

	return j, nil
}

func (d *DB) GetJobs(runId string) ([]Job, error) {
	rows, err := d.Query(`
		select id, run_id, idx, toolchain, required, status, failed_step, detail, exit_code, error, updated_at, finished_at
		from jobs
		where run_id = ?
		order by idx asc
	`, runId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var updatedAt string
		var finishedAt *string
		if err := rows.Scan(&j.Id, &j.RunId, &j.Idx, &j.Toolchain, &j.Required, &j.Status, &j.FailedStep, &j.Detail, &j.ExitCode, &j.Error, &updatedAt, &finishedAt); err != nil {
			return nil, err
		}

		j.UpdatedAt = parseTime(updatedAt)
		if finishedAt != nil {
			t := parseTime(*finishedAt)
			j.FinishedAt = &t
		}

		jobs = append(jobs, j)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return jobs, nil
}
