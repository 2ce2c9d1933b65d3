package posthog

import (
	"context"
	"log"

	"github.com/posthog/posthog-go"

	"tangled.org/loom/models"
	"tangled.org/loom/notify"
)

// posthogNotifier captures opt-in usage events. The pipeline name is
// the distinct id; job output and secrets never leave the host.
type posthogNotifier struct {
	client posthog.Client
	notify.BaseNotifier
}

func NewPosthogNotifier(client posthog.Client) notify.Notifier {
	return &posthogNotifier{
		client,
		notify.BaseNotifier{},
	}
}

var _ notify.Notifier = &posthogNotifier{}

func (n *posthogNotifier) RunQueued(ctx context.Context, run models.RunId, name string) {
	err := n.client.Enqueue(posthog.Capture{
		DistinctId: name,
		Event:      "run_queued",
		Properties: posthog.Properties{"run": run.String()},
	})
	if err != nil {
		log.Println("failed to enqueue posthog event:", err)
	}
}

func (n *posthogNotifier) RunFinished(ctx context.Context, report *models.Report) {
	err := n.client.Enqueue(posthog.Capture{
		DistinctId: report.Name,
		Event:      "run_finished",
		Properties: posthog.Properties{
			"run":           report.Run.String(),
			"verdict":       string(report.Verdict),
			"jobs":          len(report.Jobs),
			"fast_finished": report.FastFinished,
			"duration_ms":   report.DurationMs,
		},
	})
	if err != nil {
		log.Println("failed to enqueue posthog event:", err)
	}
}
