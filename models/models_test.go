package models

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"
)

func TestJobIdString_Normalization(t *testing.T) {
	id := JobId{Run: "run", Idx: 2, Toolchain: "nightly 2024/05"}

	got := id.String()
	want := "run-2-nightly-2024-05"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestJobIdString_KeepsSafeCharacters(t *testing.T) {
	id := JobId{Run: "run", Idx: 0, Toolchain: "1.81_stable-x86.64"}

	got := id.String()
	want := "run-0-1.81_stable-x86.64"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestJobStatusTerminal(t *testing.T) {
	terminal := []JobStatus{JobPassed, JobFailed, JobCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
	}

	open := []JobStatus{JobPending, JobRunning}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("Expected %s to not be terminal", s)
		}
	}
}

func TestReportAllowedFailures(t *testing.T) {
	r := Report{
		Jobs: []JobReport{
			{Toolchain: "stable", Required: true, Status: JobPassed},
			{Toolchain: "beta", Required: true, Status: JobFailed},
			{Toolchain: "nightly", Required: false, Status: JobFailed},
			{Toolchain: "msrv", Required: false, Status: JobCancelled},
		},
	}

	allowed := r.AllowedFailures()
	if len(allowed) != 2 {
		t.Fatalf("Expected 2 allowed failures, got %d", len(allowed))
	}
	if allowed[0].Toolchain != "nightly" || allowed[1].Toolchain != "msrv" {
		t.Errorf("Unexpected allowed failures: %v", allowed)
	}
}

func TestErrorReport(t *testing.T) {
	r := ErrorReport(NewRunId(), "build", []string{"toolchain list is empty"})

	if r.Verdict != VerdictError {
		t.Errorf("Expected verdict %s, got %s", VerdictError, r.Verdict)
	}
	if len(r.Jobs) != 0 {
		t.Errorf("Expected zero jobs, got %d", len(r.Jobs))
	}
	if len(r.Diagnostics) != 1 {
		t.Errorf("Expected diagnostics to be carried, got %v", r.Diagnostics)
	}
}

func TestJobLogger_WritesDecodableLines(t *testing.T) {
	dir := t.TempDir()
	id := JobId{Run: "run", Idx: 0, Toolchain: "stable"}

	logger, err := NewJobLogger(dir, id)
	if err != nil {
		t.Fatalf("NewJobLogger: %v", err)
	}

	step := Step{Name: "cargo build", Command: "cargo build", Kind: StepKindUser}
	if err := logger.Control(0, step, StepRunning); err != nil {
		t.Fatalf("Control: %v", err)
	}

	w := logger.DataWriter(0, "stdout")
	if _, err := w.Write([]byte("Compiling loom v0.1.0\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := logger.Control(0, step, StepPassed); err != nil {
		t.Fatalf("Control: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(LogFilePath(dir, id))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	var lines []LogLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line LogLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("Unmarshal %q: %v", scanner.Text(), err)
		}
		lines = append(lines, line)
	}

	if len(lines) != 3 {
		t.Fatalf("Expected 3 log lines, got %d", len(lines))
	}

	if lines[0].Kind != LogLineControl || lines[0].Status != StepRunning {
		t.Errorf("Unexpected first line: %+v", lines[0])
	}
	if lines[1].Kind != LogLineData || lines[1].Content != "Compiling loom v0.1.0" {
		t.Errorf("Unexpected data line: %+v", lines[1])
	}
	if lines[1].Stream != "stdout" {
		t.Errorf("Expected stdout stream, got %q", lines[1].Stream)
	}
	if lines[2].Kind != LogLineControl || lines[2].Status != StepPassed {
		t.Errorf("Unexpected last line: %+v", lines[2])
	}
}
