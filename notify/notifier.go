package notify

import (
	"context"

	"tangled.org/loom/models"
)

// Notifier observes run lifecycle events. Implementations must not
// block the runner; anything slow goes behind their own queue.
type Notifier interface {
	RunQueued(ctx context.Context, run models.RunId, name string)
	JobFinished(ctx context.Context, run models.RunId, name string, job *models.JobReport)
	RunFinished(ctx context.Context, report *models.Report)
}

// BaseNotifier is a listener that does nothing
type BaseNotifier struct{}

var _ Notifier = &BaseNotifier{}

func (m *BaseNotifier) RunQueued(ctx context.Context, run models.RunId, name string) {}
func (m *BaseNotifier) JobFinished(ctx context.Context, run models.RunId, name string, job *models.JobReport) {
}
func (m *BaseNotifier) RunFinished(ctx context.Context, report *models.Report) {}
