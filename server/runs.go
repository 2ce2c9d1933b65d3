package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"tangled.org/loom/db"
	"tangled.org/loom/engines/docker"
	"tangled.org/loom/engines/host"
	"tangled.org/loom/models"
	"tangled.org/loom/queue"
	"tangled.org/loom/runner"
	"tangled.org/loom/workflow"
	"tangled.org/loom/workspace"
)

// 1 MiB is plenty for a workflow definition.
const maxDefinitionSize = 1 << 20

type submitResponse struct {
	Run      string   `json:"run"`
	Jobs     int      `json:"jobs"`
	Warnings []string `json:"warnings,omitempty"`
}

// SubmitRun compiles the posted workflow definition and enqueues it.
// Config errors come back as an error report with status 400; a full
// queue is 503 and the run is recorded as errored.
func (s *Server) SubmitRun(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("name")
	if name == "" {
		name = "pipeline"
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxDefinitionSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body")
		return
	}

	run := models.NewRunId()

	compiler := workflow.Compiler{}
	def := compiler.Parse(name+".yml", body)
	if def.Image == "" {
		def.Image = s.cfg.Runner.DefaultImage
	}
	p := compiler.Compile(def, run)

	if compiler.Diagnostics.IsErr() {
		diags := compiler.Diagnostics.Strings()
		report := models.ErrorReport(run, name, diags)
		raw, err := json.Marshal(report)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "encoding report")
			return
		}
		if err := s.db.CreateErrorRun(run, name, diags, raw, s.n); err != nil {
			s.l.Error("recording rejected run", "run", run, "err", err)
		}
		s.db.EventRunStatus(run, name, models.VerdictError, s.n)
		writeJSON(w, http.StatusBadRequest, report)
		return
	}

	warnings := compiler.Diagnostics.Strings()
	source := workspace.Source{
		Repo: q.Get("repo"),
		Ref:  q.Get("ref"),
	}

	if err := s.db.CreateRun(p, run, s.n); err != nil {
		s.l.Error("recording run", "run", run, "err", err)
		writeError(w, http.StatusInternalServerError, "recording run")
		return
	}
	s.db.EventRunStatus(run, name, models.VerdictPending, s.n)

	ok := s.jq.Enqueue(queue.Job{
		Run: func() error {
			return s.execute(s.ctx, run, name, p, source, warnings)
		},
		OnFail: func(jobError error) {
			s.l.Error("run failed", "run", run.Short(), "error", jobError)
			if err := s.db.FinishRun(run, models.VerdictError, false, nil, s.n); err != nil {
				s.l.Error("marking run errored", "run", run.Short(), "err", err)
			}
			s.db.EventRunStatus(run, name, models.VerdictError, s.n)
		},
	})
	if !ok {
		s.l.Error("failed to enqueue run: queue is full", "run", run.Short())
		if err := s.db.FinishRun(run, models.VerdictError, false, nil, s.n); err != nil {
			s.l.Error("marking run errored", "run", run.Short(), "err", err)
		}
		writeError(w, http.StatusServiceUnavailable, "queue is full")
		return
	}

	s.l.Info("run enqueued", "run", run.Short(), "name", name, "jobs", len(p.Jobs))
	s.events.RunQueued(s.ctx, run, name)

	writeJSON(w, http.StatusAccepted, submitResponse{
		Run:      run.String(),
		Jobs:     len(p.Jobs),
		Warnings: warnings,
	})
}

// execute runs one enqueued pipeline on a worker. The engine and
// workspace manager are built per run since the source differs per
// submission.
func (s *Server) execute(ctx context.Context, run models.RunId, name string, p *models.Pipeline, source workspace.Source, warnings []string) error {
	ws := workspace.New(ctx, s.cfg.Runner.WorkspaceBase, source)

	var eng models.Engine
	switch s.cfg.Runner.Engine {
	case "host":
		eng = host.New(ctx, ws)
	default:
		var err error
		eng, err = docker.New(ctx, ws)
		if err != nil {
			return fmt.Errorf("setting up docker engine: %w", err)
		}
	}

	r := runner.New(ctx, eng, ws, s.cfg.Runner.LogDir,
		runner.WithCache(s.cache),
		runner.WithSecrets(s.secrets),
		runner.WithTracker(&tracker{db: s.db, n: s.n, events: s.events, run: run, name: name, l: s.l}),
		runner.WithMetrics(s.metrics),
		runner.WithParallelism(s.cfg.Runner.Parallelism),
	)

	report, err := r.Run(ctx, run, p)
	if err != nil {
		return err
	}
	report.Diagnostics = warnings

	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err := s.db.FinishRun(run, report.Verdict, report.FastFinished, raw, s.n); err != nil {
		return fmt.Errorf("recording verdict: %w", err)
	}
	s.db.EventRunStatus(run, name, report.Verdict, s.n)
	s.events.RunFinished(ctx, report)

	return nil
}

type runsResponse struct {
	Runs []db.Run `json:"runs"`
}

func (s *Server) ListRuns(w http.ResponseWriter, r *http.Request) {
	var cursor int64
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		var err error
		cursor, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed cursor")
			return
		}
	}

	runs, err := s.db.GetRuns(cursor)
	if err != nil {
		s.l.Error("listing runs", "err", err)
		writeError(w, http.StatusInternalServerError, "listing runs")
		return
	}

	if runs == nil {
		runs = []db.Run{}
	}
	writeJSON(w, http.StatusOK, runsResponse{Runs: runs})
}

type runDetail struct {
	db.Run
	Jobs   []db.Job        `json:"jobs"`
	Report json.RawMessage `json:"report,omitempty"`
}

func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "run")

	run, err := s.db.GetRun(id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "no such run")
		return
	}
	if err != nil {
		s.l.Error("fetching run", "run", id, "err", err)
		writeError(w, http.StatusInternalServerError, "fetching run")
		return
	}

	jobs, err := s.db.GetJobs(id)
	if err != nil {
		s.l.Error("fetching jobs", "run", id, "err", err)
		writeError(w, http.StatusInternalServerError, "fetching jobs")
		return
	}

	report, err := s.db.GetRunReport(id)
	if err != nil {
		s.l.Error("fetching report", "run", id, "err", err)
		writeError(w, http.StatusInternalServerError, "fetching report")
		return
	}

	writeJSON(w, http.StatusOK, runDetail{
		Run:    run,
		Jobs:   jobs,
		Report: report,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
