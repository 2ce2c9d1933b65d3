package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tangled.org/loom/log"
	"tangled.org/loom/models"
	"tangled.org/loom/notify"
)

// Notifier mails a short failure digest when a run ends badly. Green
// runs stay quiet.
type Notifier struct {
	notify.BaseNotifier
	apiKey string
	from   string
	to     string
	l      *slog.Logger
}

var _ notify.Notifier = &Notifier{}

func New(ctx context.Context, apiKey, from, to string) (*Notifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key cannot be empty")
	}
	if !IsValidEmail(from) {
		return nil, fmt.Errorf("invalid from address: %q", from)
	}
	if !IsValidEmail(to) {
		return nil, fmt.Errorf("invalid to address: %q", to)
	}

	return &Notifier{
		apiKey: apiKey,
		from:   from,
		to:     to,
		l:      log.FromContext(ctx).With("component", "email"),
	}, nil
}

func (n *Notifier) RunFinished(ctx context.Context, report *models.Report) {
	if report.Verdict == models.VerdictSuccess {
		return
	}

	err := SendEmail(Email{
		From:    n.from,
		To:      n.to,
		Subject: fmt.Sprintf("[loom] %s: %s", report.Name, report.Verdict),
		Text:    Digest(report),
		APIKey:  n.apiKey,
	})
	if err != nil {
		n.l.Warn("failed to send run digest", "run", report.Run, "error", err)
	}
}

// Digest renders the plain text body for a failed or errored run.
func Digest(report *models.Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "pipeline %s finished with verdict %s\n", report.Name, report.Verdict)
	fmt.Fprintf(&b, "run %s took %s\n", report.Run, (time.Duration(report.DurationMs) * time.Millisecond).Round(time.Second))

	for _, d := range report.Diagnostics {
		fmt.Fprintf(&b, "  %s\n", d)
	}

	for _, job := range report.Jobs {
		switch job.Status {
		case models.JobFailed:
			fmt.Fprintf(&b, "\n%s: failed", job.Toolchain)
			if job.FailedStep != nil && *job.FailedStep < len(job.Steps) {
				fmt.Fprintf(&b, " at %q", job.Steps[*job.FailedStep].Name)
			}
			if job.Error != "" {
				fmt.Fprintf(&b, " (%s)", job.Error)
			}
			if !job.Required {
				b.WriteString(" [allowed]")
			}
			b.WriteString("\n")
		case models.JobCancelled:
			fmt.Fprintf(&b, "\n%s: cancelled\n", job.Toolchain)
		}
	}

	return b.String()
}
