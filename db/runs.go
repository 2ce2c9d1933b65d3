package db

import (
	"fmt"
	"strings"
	"time"

	"tangled.org/loom/models"
	"tangled.org/loom/notifier"
)

type Run struct {
	Seq          int64          `json:"seq"`
	Id           string         `json:"id"`
	Name         string         `json:"name"`
	Verdict      models.Verdict `json:"verdict"`
	FastFinished bool           `json:"fast_finished"`
	Diagnostics  string         `json:"diagnostics,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// CreateRun records a pending run and one pending row per job.
func (d *DB) CreateRun(p *models.Pipeline, run models.RunId, n *notifier.Notifier) error {
	tx, err := d.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		insert into runs (id, name)
		values (?, ?)
	`, run.String(), p.Name)
	if err != nil {
		return err
	}

	for _, job := range p.Jobs {
		_, err = tx.Exec(`
			insert into jobs (id, run_id, idx, toolchain, required)
			values (?, ?, ?, ?, ?)
		`, job.Id.String(), run.String(), job.Id.Idx, job.Toolchain, job.Required)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	n.NotifyAll()
	return nil
}

// CreateErrorRun records a run that never produced jobs because its
// configuration was rejected.
func (d *DB) CreateErrorRun(run models.RunId, name string, diagnostics []string, report []byte, n *notifier.Notifier) error {
	_, err := d.Exec(`
		insert into runs (id, name, verdict, diagnostics, report,
			updated_at, finished_at)
		values (?, ?, ?, ?, ?,
			strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
			strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
	`, run.String(), name, models.VerdictError, strings.Join(diagnostics, "\n"), string(report))
	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

// FinishRun records the verdict and the final report.
func (d *DB) FinishRun(run models.RunId, verdict models.Verdict, fastFinished bool, report []byte, n *notifier.Notifier) error {
	_, err := d.Exec(`
		update runs
		set verdict = ?,
		    fast_finished = ?,
		    report = ?,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
		    finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ?
	`, verdict, fastFinished, string(report), run.String())
	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (d *DB) GetRun(id string) (Run, error) {
	row := d.QueryRow(`
		select seq, id, name, verdict, fast_finished, diagnostics, created_at, updated_at, finished_at
		from runs
		where id = ?
	`, id)
	return scanRun(row)
}

// GetRuns pages through runs newest first. Pass the last seen seq as
// the cursor, or 0 for the first page.
func (d *DB) GetRuns(cursor int64) ([]Run, error) {
	whereClause := ""
	args := []any{}
	if cursor > 0 {
		whereClause = "where seq < ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select seq, id, name, verdict, fast_finished, diagnostics, created_at, updated_at, finished_at
		from runs
		%s
		order by seq desc
		limit 100
	`, whereClause)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// GetRunReport returns the stored report JSON, or nil while the run
// is still going.
func (d *DB) GetRunReport(id string) ([]byte, error) {
	var report *string
	err := d.QueryRow(`select report from runs where id = ?`, id).Scan(&report)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, nil
	}
	return []byte(*report), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var r Run
	var createdAt, updatedAt string
	var finishedAt *string
	if err := row.Scan(&r.Seq, &r.Id, &r.Name, &r.Verdict, &r.FastFinished, &r.Diagnostics, &createdAt, &updatedAt, &finishedAt); err != nil {
		return r, err
	}

	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	if finishedAt != nil {
		t := parseTime(*finishedAt)
		r.FinishedAt = &t
	}

	return r, nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
