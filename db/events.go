package db

import (
	"encoding/json"
	"fmt"
	"time"

	"tangled.org/loom/models"
	"tangled.org/loom/notifier"
)

type Event struct {
	RunId     string `json:"run_id"`
	Created   int64  `json:"created"`
	EventJson string `json:"event"`
}

// StatusEvent is the payload stored in the event stream. Job is empty
// for run-level transitions.
type StatusEvent struct {
	Run       string  `json:"run"`
	Name      string  `json:"name,omitempty"`
	Job       string  `json:"job,omitempty"`
	Toolchain string  `json:"toolchain,omitempty"`
	Status    string  `json:"status"`
	Error     *string `json:"error,omitempty"`
	ExitCode  *int64  `json:"exit_code,omitempty"`
	CreatedAt string  `json:"created_at"`
}

func (d *DB) InsertEvent(event Event, n *notifier.Notifier) error {
	_, err := d.Exec(
		`insert into events (run_id, event, created) values (?, ?, ?)`,
		event.RunId,
		event.EventJson,
		event.Created,
	)

	n.NotifyAll()

	return err
}

// GetEvents pages through status events oldest first. Pass the last
// seen created timestamp as the cursor, or 0 for a full backfill.
func (d *DB) GetEvents(cursor int64) ([]Event, error) {
	whereClause := ""
	args := []any{}
	if cursor > 0 {
		whereClause = "where created > ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select run_id, event, created
		from events
		%s
		order by created asc
		limit 100
	`, whereClause)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.RunId, &ev.EventJson, &ev.Created); err != nil {
			return nil, err
		}
		evts = append(evts, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return evts, nil
}

func (d *DB) EventRunStatus(run models.RunId, name string, verdict models.Verdict, n *notifier.Notifier) error {
	return d.emitEvent(run.String(), StatusEvent{
		Run:    run.String(),
		Name:   name,
		Status: string(verdict),
	}, n)
}

func (d *DB) EventJobStatus(id models.JobId, status models.JobStatus, jobError *string, exitCode *int64, n *notifier.Notifier) error {
	return d.emitEvent(id.Run.String(), StatusEvent{
		Run:       id.Run.String(),
		Job:       id.String(),
		Toolchain: id.Toolchain,
		Status:    string(status),
		Error:     jobError,
		ExitCode:  exitCode,
	}, n)
}

func (d *DB) emitEvent(runId string, s StatusEvent, n *notifier.Notifier) error {
	now := time.Now()
	s.CreatedAt = now.Format(time.RFC3339)

	eventJson, err := json.Marshal(s)
	if err != nil {
		return err
	}

	event := Event{
		RunId:     runId,
		Created:   now.UnixNano(),
		EventJson: string(eventJson),
	}

	return d.InsertEvent(event, n)
}
