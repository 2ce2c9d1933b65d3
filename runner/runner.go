package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"golang.org/x/sync/errgroup"
	"tangled.org/loom/cache"
	"tangled.org/loom/engine"
	"tangled.org/loom/log"
	"tangled.org/loom/models"
	"tangled.org/loom/secrets"
	"tangled.org/loom/telemetry"
	"tangled.org/loom/workspace"
)

// Tracker observes job transitions as a run progresses. The server
// persists and broadcasts them; one-shot runs go without.
type Tracker interface {
	JobStarted(ctx context.Context, id models.JobId)
	JobFinished(ctx context.Context, id models.JobId, rep *models.JobReport)
}

type noopTracker struct{}

func (noopTracker) JobStarted(context.Context, models.JobId) {}

func (noopTracker) JobFinished(context.Context, models.JobId, *models.JobReport) {}

type Opt func(*Runner)

func WithCache(c *cache.Cache) Opt {
	return func(r *Runner) { r.cache = c }
}

func WithSecrets(m secrets.Manager) Opt {
	return func(r *Runner) { r.secrets = m }
}

func WithTracker(t Tracker) Opt {
	return func(r *Runner) { r.tracker = t }
}

// WithParallelism caps how many jobs run at once. Zero means no cap.
func WithParallelism(n int) Opt {
	return func(r *Runner) { r.parallel = n }
}

func WithMetrics(m *telemetry.RunMetrics) Opt {
	return func(r *Runner) { r.metrics = m }
}

// Runner drives a compiled pipeline to a verdict: it forks one
// goroutine per job, sequences each job's steps fail-stop through the
// engine, and joins results until the verdict is decided.
type Runner struct {
	eng        models.Engine
	workspaces *workspace.Manager
	logDir     string

	cache    *cache.Cache
	secrets  secrets.Manager
	tracker  Tracker
	metrics  *telemetry.RunMetrics
	parallel int

	l *slog.Logger
}

func New(ctx context.Context, eng models.Engine, workspaces *workspace.Manager, logDir string, opts ...Opt) *Runner {
	r := &Runner{
		eng:        eng,
		workspaces: workspaces,
		logDir:     logDir,
		tracker:    noopTracker{},
		l:          log.FromContext(ctx).With("component", "runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type result struct {
	idx int
	rep models.JobReport
}

// Run executes every job of the pipeline and returns the run report.
// With fast_finish set, the verdict is computed as soon as all
// required jobs are terminal and still-outstanding allowed-to-fail
// jobs are cancelled; they land in the report as cancelled and never
// touch the verdict. An error return means the run itself broke down
// (cancelled from outside, secrets unavailable), not that jobs failed.
func (r *Runner) Run(ctx context.Context, run models.RunId, p *models.Pipeline) (*models.Report, error) {
	if len(p.Jobs) == 0 {
		return nil, errors.New("pipeline has no jobs")
	}

	started := time.Now()
	l := r.l.With("run", run.Short(), "name", p.Name)
	l.Info("starting run", "jobs", len(p.Jobs), "fast_finish", p.FastFinish)

	secretEnv, err := r.secretEnv(ctx, p.Name)
	if err != nil {
		return nil, fmt.Errorf("fetching secrets: %w", err)
	}

	// per-job contexts so fast-finish can cancel allowed stragglers
	// without touching their siblings
	ctxs := make([]context.Context, len(p.Jobs))
	cancels := make([]context.CancelFunc, len(p.Jobs))
	for i := range p.Jobs {
		ctxs[i], cancels[i] = context.WithCancel(ctx)
	}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	g := errgroup.Group{}
	if r.parallel > 0 {
		g.SetLimit(r.parallel)
	}

	results := make(chan result)
	go func() {
		for i := range p.Jobs {
			g.Go(func() error {
				results <- result{i, r.runJob(ctxs[i], p.Jobs[i], secretEnv, p.Cache)}
				return nil
			})
		}
		g.Wait()
		close(results)
	}()

	reports := make([]models.JobReport, len(p.Jobs))
	pendingRequired := len(p.RequiredJobs())
	fastFinished := false
	requiredCancelled := false
	done := 0

	for res := range results {
		reports[res.idx] = res.rep
		done++

		job := &p.Jobs[res.idx]
		r.tracker.JobFinished(ctx, job.Id, &reports[res.idx])
		r.metrics.RecordJob(ctx, string(res.rep.Status), job.Toolchain, res.rep.DurationMs)

		if job.Required {
			pendingRequired--
			if res.rep.Status == models.JobCancelled {
				requiredCancelled = true
			}
		}

		if p.FastFinish && !fastFinished && pendingRequired == 0 && done < len(p.Jobs) {
			fastFinished = true
			l.Info("all required jobs terminal, cancelling allowed stragglers", "outstanding", len(p.Jobs)-done)
			for j := range p.Jobs {
				if !p.Jobs[j].Required {
					cancels[j]()
				}
			}
		}
	}

	if requiredCancelled {
		err := ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		return nil, fmt.Errorf("run interrupted: %w", err)
	}

	verdict := models.VerdictSuccess
	for i := range reports {
		if p.Jobs[i].Required && reports[i].Status == models.JobFailed {
			verdict = models.VerdictFailure
		}
	}

	finished := time.Now()
	report := &models.Report{
		Run:          run,
		Name:         p.Name,
		Verdict:      verdict,
		FastFinished: fastFinished,
		Jobs:         reports,
		StartedAt:    started,
		FinishedAt:   finished,
		DurationMs:   finished.Sub(started).Milliseconds(),
	}

	r.metrics.RecordRun(ctx, string(verdict), fastFinished)
	l.Info("run finished", "verdict", verdict, "duration", finished.Sub(started).Round(time.Millisecond))
	return report, nil
}

// runJob takes one job from setup through its step sequence to
// teardown and reports how it went. ctx is the job's cancel handle;
// the job's own time ceiling is layered on top of it here.
func (r *Runner) runJob(ctx context.Context, job models.Job, secretEnv map[string]string, spec *models.CacheSpec) models.JobReport {
	started := time.Now()
	l := r.l.With("job", job.Id.String())

	rep := models.JobReport{
		Toolchain: job.Toolchain,
		Required:  job.Required,
		Steps:     make([]models.StepReport, len(job.Steps)),
	}
	for i, step := range job.Steps {
		rep.Steps[i] = models.StepReport{
			Index:  i,
			Name:   step.Name,
			Kind:   step.Kind,
			Status: models.StepSkipped,
		}
	}
	finish := func(status models.JobStatus) models.JobReport {
		rep.Status = status
		rep.DurationMs = time.Since(started).Milliseconds()
		return rep
	}

	if ctx.Err() != nil {
		// cancelled while still queued
		return finish(models.JobCancelled)
	}

	if len(secretEnv) > 0 {
		merged := make(map[string]string, len(secretEnv)+len(job.Env))
		maps.Copy(merged, secretEnv)
		maps.Copy(merged, job.Env)
		job.Env = merged
	}

	r.tracker.JobStarted(ctx, job.Id)
	l.Info("job started", "toolchain", job.Toolchain, "required", job.Required, "steps", len(job.Steps))

	jobCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	logger, err := models.NewJobLogger(r.logDir, job.Id)
	if err != nil {
		rep.Detail = models.DetailLaunch
		rep.Error = fmt.Sprintf("creating job log: %v", err)
		return finish(models.JobFailed)
	}
	defer logger.Close()

	setupErr := r.eng.SetupJob(jobCtx, &job)
	defer func() {
		// teardown runs even for cancelled jobs
		if err := r.eng.DestroyJob(context.WithoutCancel(ctx), &job); err != nil {
			l.Error("tearing down job failed", "err", err)
		}
	}()
	if setupErr != nil {
		if ctx.Err() != nil {
			return finish(models.JobCancelled)
		}
		l.Error("job setup failed", "err", setupErr)
		rep.Detail = models.DetailLaunch
		rep.Error = setupErr.Error()
		return finish(models.JobFailed)
	}

	if spec != nil {
		hit := r.cache.Restore(jobCtx, spec, job.Toolchain, r.workspaces.Dir(job.Id))
		r.metrics.RecordCacheRestore(jobCtx, hit)
	}

	for i := range job.Steps {
		step := job.Steps[i]
		logger.Control(i, step, models.StepRunning)

		stepStart := time.Now()
		err := r.eng.RunStep(jobCtx, &job, i, logger)
		rep.Steps[i].DurationMs = time.Since(stepStart).Milliseconds()

		if err == nil {
			logger.Control(i, step, models.StepPassed)
			rep.Steps[i].Status = models.StepPassed
			continue
		}

		if errors.Is(err, engine.ErrCancelled) {
			if ctx.Err() != nil {
				logger.Control(i, step, models.StepSkipped)
				l.Info("job cancelled", "step", i)
				return finish(models.JobCancelled)
			}
			// the job's own ceiling fired between or during steps
			err = engine.ErrTimedOut
		}

		logger.Control(i, step, models.StepFailed)
		rep.Steps[i].Status = models.StepFailed
		failed := i
		rep.FailedStep = &failed
		rep.Detail, rep.ExitCode = engine.Detail(err)
		rep.Error = err.Error()
		l.Info("job failed", "step", i, "detail", rep.Detail, "err", err)
		return finish(models.JobFailed)
	}

	r.cache.Save(jobCtx, spec, job.Toolchain, r.workspaces.Dir(job.Id))

	l.Info("job passed")
	return finish(models.JobPassed)
}

func (r *Runner) secretEnv(ctx context.Context, scope string) (map[string]string, error) {
	if r.secrets == nil {
		return nil, nil
	}
	unlocked, err := r.secrets.GetSecretsUnlocked(ctx, secrets.Scope(scope))
	if err != nil {
		return nil, err
	}
	return secrets.Env(unlocked), nil
}
