package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.org/loom/config"
	"tangled.org/loom/db"
	"tangled.org/loom/models"
	"tangled.org/loom/notifier"
	"tangled.org/loom/notify"
	"tangled.org/loom/queue"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	d, err := db.Make(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)

	n := notifier.New()
	l := slog.New(slog.DiscardHandler)

	jq := queue.NewQueue(4, 1)
	jq.Start()
	t.Cleanup(jq.Stop)

	cfg := &config.Config{}
	cfg.Runner.Engine = "host"
	cfg.Runner.WorkspaceBase = t.TempDir()
	cfg.Runner.LogDir = t.TempDir()
	cfg.Runner.DefaultImage = "debian:bookworm-slim"
	cfg.Server.QueueSize = 4
	cfg.Server.Workers = 1

	return &Server{
		ctx:    context.Background(),
		cfg:    cfg,
		db:     d,
		l:      l,
		n:      &n,
		jq:     jq,
		events: notify.NewMergedNotifier(l),
	}
}

func submit(t *testing.T, s *Server, definition string, params url.Values) *httptest.ResponseRecorder {
	t.Helper()
	target := "/runs"
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(definition))
	w := httptest.NewRecorder()
	s.SubmitRun(w, req)
	return w
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestSubmitRunConfigError(t *testing.T) {
	s := newTestServer(t)

	w := submit(t, s, "script: make test\n", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var report models.Report
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	assert.Equal(t, models.VerdictError, report.Verdict)
	assert.NotEmpty(t, report.Diagnostics)
	assert.Empty(t, report.Jobs)

	// the rejection is a recorded run
	run, err := s.db.GetRun(report.Run.String())
	require.NoError(t, err)
	assert.Equal(t, models.VerdictError, run.Verdict)
	assert.NotEmpty(t, run.Diagnostics)
}

func TestSubmitRunExecutes(t *testing.T) {
	s := newTestServer(t)

	definition := `
toolchains:
  - stable
script: "true"
`
	w := submit(t, s, definition, url.Values{"name": []string{"smoke"}})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp submitResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Jobs)

	deadline := time.Now().Add(10 * time.Second)
	var run db.Run
	for {
		var err error
		run, err = s.db.GetRun(resp.Run)
		require.NoError(t, err)
		if run.Verdict != models.VerdictPending {
			break
		}
		require.True(t, time.Now().Before(deadline), "run did not finish: %+v", run)
		time.Sleep(50 * time.Millisecond)
	}

	assert.Equal(t, models.VerdictSuccess, run.Verdict)
	assert.Equal(t, "smoke", run.Name)

	jobs, err := s.db.GetJobs(resp.Run)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobPassed, jobs[0].Status)

	report, err := s.db.GetRunReport(resp.Run)
	require.NoError(t, err)
	require.NotNil(t, report)

	var parsed models.Report
	require.NoError(t, json.Unmarshal(report, &parsed))
	assert.Equal(t, models.VerdictSuccess, parsed.Verdict)
	require.Len(t, parsed.Jobs, 1)
	assert.Equal(t, "stable", parsed.Jobs[0].Toolchain)
}

func TestSubmitRunQueueFull(t *testing.T) {
	s := newTestServer(t)
	// unbuffered and never started: every enqueue is refused
	s.jq = queue.NewQueue(0, 0)

	definition := `
toolchains:
  - stable
script: "true"
`
	w := submit(t, s, definition, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	runs, err := s.db.GetRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.VerdictError, runs[0].Verdict)
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestServer(t)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/runs/nope", nil), "run", "nope")
	w := httptest.NewRecorder()
	s.GetRun(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListRuns(t *testing.T) {
	s := newTestServer(t)

	for range 3 {
		run := models.NewRunId()
		p := &models.Pipeline{
			Name: "build",
			Jobs: []models.Job{{
				Id:        models.JobId{Run: run, Idx: 0, Toolchain: "stable"},
				Toolchain: "stable",
				Required:  true,
			}},
		}
		require.NoError(t, s.db.CreateRun(p, run, s.n))
	}

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	w := httptest.NewRecorder()
	s.ListRuns(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp runsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Len(t, resp.Runs, 3)

	// newest first, seq cursors the next page
	assert.Greater(t, resp.Runs[0].Seq, resp.Runs[2].Seq)
}

func TestListRunsBadCursor(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/runs?cursor=banana", nil)
	w := httptest.NewRecorder()
	s.ListRuns(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLogsFinishedJob(t *testing.T) {
	s := newTestServer(t)

	run := models.NewRunId()
	id := models.JobId{Run: run, Idx: 0, Toolchain: "stable"}
	p := &models.Pipeline{
		Name: "build",
		Jobs: []models.Job{{Id: id, Toolchain: "stable", Required: true}},
	}
	require.NoError(t, s.db.CreateRun(p, run, s.n))
	require.NoError(t, s.db.MarkJobPassed(id, s.n))

	logger, err := models.NewJobLogger(s.cfg.Runner.LogDir, id)
	require.NoError(t, err)
	step := models.Step{Name: "build", Command: "make", Kind: models.StepKindUser}
	require.NoError(t, logger.Control(0, step, models.StepRunning))
	_, err = logger.DataWriter(0, "stdout").Write([]byte("hello\n"))
	require.NoError(t, err)
	require.NoError(t, logger.Control(0, step, models.StepPassed))
	require.NoError(t, logger.Close())

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/logs/"+id.String(), nil), "job", id.String())
	w := httptest.NewRecorder()
	s.Logs(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 3)

	var first models.LogLine
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, models.LogLineControl, first.Kind)

	var data models.LogLine
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &data))
	assert.Equal(t, models.LogLineData, data.Kind)
	assert.Equal(t, "hello", data.Content)
}

func TestLogsUnknownJob(t *testing.T) {
	s := newTestServer(t)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/logs/nope", nil), "job", "nope")
	w := httptest.NewRecorder()
	s.Logs(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventsBackfillThenLive(t *testing.T) {
	s := newTestServer(t)

	run := models.NewRunId()
	require.NoError(t, s.db.EventRunStatus(run, "build", models.VerdictPending, s.n))

	srv := httptest.NewServer(http.HandlerFunc(s.Events))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	require.NoError(t, err)
	defer conn.Close()

	readEvent := func() db.StatusEvent {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev db.StatusEvent
		require.NoError(t, json.Unmarshal(msg, &ev))
		return ev
	}

	// backfill delivers the event from before the connection
	ev := readEvent()
	assert.Equal(t, run.String(), ev.Run)
	assert.Equal(t, string(models.VerdictPending), ev.Status)

	// a new event lands live
	require.NoError(t, s.db.EventRunStatus(run, "build", models.VerdictSuccess, s.n))
	ev = readEvent()
	assert.Equal(t, string(models.VerdictSuccess), ev.Status)
}
