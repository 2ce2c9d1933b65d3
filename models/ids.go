package models

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var (
	re = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
)

// RunId identifies one pipeline invocation.
type RunId string

func NewRunId() RunId {
	return RunId(uuid.NewString())
}

func (r RunId) String() string {
	return string(r)
}

// Short returns the leading uuid group, enough for log lines
// and the CLI summary.
func (r RunId) Short() string {
	if len(r) > 8 {
		return string(r[:8])
	}
	return string(r)
}

// JobId identifies one job within a run. Idx is the job's position
// in the expanded matrix, which keeps ids unique when the same
// toolchain appears more than once.
type JobId struct {
	Run       RunId
	Idx       int
	Toolchain string
}

func (id JobId) String() string {
	return fmt.Sprintf("%s-%d-%s", id.Run, id.Idx, normalize(id.Toolchain))
}

func normalize(name string) string {
	normalized := re.ReplaceAllString(name, "-")
	return normalized
}
