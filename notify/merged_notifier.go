package notify

import (
	"context"
	"log/slog"
	"reflect"
	"sync"

	"tangled.org/loom/log"
	"tangled.org/loom/models"
)

type mergedNotifier struct {
	notifiers []Notifier
	logger    *slog.Logger
}

func NewMergedNotifier(logger *slog.Logger, notifiers ...Notifier) Notifier {
	return &mergedNotifier{notifiers, logger}
}

var _ Notifier = &mergedNotifier{}

// fanout calls the same method on all notifiers concurrently
func (m *mergedNotifier) fanout(method string, ctx context.Context, args ...any) {
	ctx = log.IntoContext(ctx, m.logger.With("method", method))
	var wg sync.WaitGroup
	for _, n := range m.notifiers {
		wg.Add(1)
		go func(notifier Notifier) {
			defer wg.Done()
			v := reflect.ValueOf(notifier).MethodByName(method)
			in := make([]reflect.Value, len(args)+1)
			in[0] = reflect.ValueOf(ctx)
			for i, arg := range args {
				in[i+1] = reflect.ValueOf(arg)
			}
			v.Call(in)
		}(n)
	}
	wg.Wait()
}

func (m *mergedNotifier) RunQueued(ctx context.Context, run models.RunId, name string) {
	m.fanout("RunQueued", ctx, run, name)
}

func (m *mergedNotifier) JobFinished(ctx context.Context, run models.RunId, name string, job *models.JobReport) {
	m.fanout("JobFinished", ctx, run, name, job)
}

func (m *mergedNotifier) RunFinished(ctx context.Context, report *models.Report) {
	m.fanout("RunFinished", ctx, report)
}
