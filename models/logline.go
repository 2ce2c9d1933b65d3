package models

import "time"

type LogLineKind string

const (
	LogLineData    LogLineKind = "data"
	LogLineControl LogLineKind = "control"
)

// LogLine is one JSONL record in a job log. Data lines carry command
// output; control lines mark step transitions so readers can segment
// the stream without guessing at command output.
type LogLine struct {
	Kind LogLineKind `json:"kind"`
	Step int         `json:"step"`
	Time time.Time   `json:"time"`

	// data lines
	Stream  string `json:"stream,omitempty"`
	Content string `json:"content,omitempty"`

	// control lines
	Name   string     `json:"name,omitempty"`
	Status StepStatus `json:"status,omitempty"`
}

func NewDataLogLine(idx int, content, stream string) LogLine {
	return LogLine{
		Kind:    LogLineData,
		Step:    idx,
		Time:    time.Now(),
		Stream:  stream,
		Content: content,
	}
}

func NewControlLogLine(idx int, step Step, status StepStatus) LogLine {
	return LogLine{
		Kind:   LogLineControl,
		Step:   idx,
		Time:   time.Now(),
		Name:   step.Name,
		Status: status,
	}
}
