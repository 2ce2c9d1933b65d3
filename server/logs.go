package server

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/go-chi/chi/v5"
	"github.com/hpcloud/tail"
)

// Logs serves a job's JSONL log. Finished jobs get the file as-is;
// running jobs are followed until they reach a terminal status.
func (s *Server) Logs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job")
	l := s.l.With("handler", "Logs", "job", id)

	job, err := s.db.GetJob(id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "no such job")
		return
	}
	if err != nil {
		l.Error("fetching job", "err", err)
		writeError(w, http.StatusInternalServerError, "fetching job")
		return
	}

	logPath, err := securejoin.SecureJoin(s.cfg.Runner.LogDir, id+".log")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed job id")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")

	if job.Status.Terminal() {
		f, err := os.Open(logPath)
		if err != nil {
			writeError(w, http.StatusNotFound, "no log for job")
			return
		}
		defer f.Close()
		io.Copy(w, f)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	t, err := tail.TailFile(logPath, tail.Config{
		Follow:    true,
		MustExist: false,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		l.Error("tailing log", "err", err)
		writeError(w, http.StatusInternalServerError, "tailing log")
		return
	}
	defer t.Cleanup()

	ch := s.n.Subscribe()
	defer s.n.Unsubscribe(ch)

	ctx := r.Context()
	go func() {
		terminal := func() bool {
			job, err := s.db.GetJob(id)
			return err == nil && job.Status.Terminal()
		}
		if terminal() {
			t.StopAtEOF()
			return
		}
		for {
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-ch:
				if terminal() {
					t.StopAtEOF()
					return
				}
			case <-time.After(10 * time.Second):
				if terminal() {
					t.StopAtEOF()
					return
				}
			}
		}
	}()

	for line := range t.Lines {
		if line.Err != nil {
			continue
		}
		fmt.Fprintln(w, line.Text)
		flusher.Flush()
	}
}
