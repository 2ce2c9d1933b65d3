package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		create table if not exists runs (
			seq integer primary key autoincrement,
			id text not null unique,
			name text not null,
			verdict text not null default 'pending',
			fast_finished integer not null default 0,
			diagnostics text not null default '',
			report text,
			created_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			finished_at text
		);

		create table if not exists jobs (
			id text primary key,
			run_id text not null references runs(id) on delete cascade,
			idx integer not null,
			toolchain text not null,
			required integer not null,
			status text not null default 'pending',
			failed_step integer,
			detail text not null default '',
			exit_code integer not null default 0,
			error text not null default '',
			updated_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			finished_at text
		);

		-- status event stream, one row per run/job transition
		create table if not exists events (
			run_id text not null,
			event text not null, -- json
			created integer not null -- unix nanos
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}
