// Package dispatch drives the poll loop: on every tick it sweeps timed-out
// jobs, surfaces pending ones, executes approved ones up to the concurrency
// budget, and prunes old terminal jobs.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/openmined/syftrun/internal/guard"
	"github.com/openmined/syftrun/internal/log"
	"github.com/openmined/syftrun/internal/queue"
	"github.com/openmined/syftrun/internal/runner"
)

// Options configure the poll loop.
type Options struct {
	// OwnerEmail is the local data owner; only jobs targeted at this
	// owner are surfaced and dispatched.
	OwnerEmail string

	// TickInterval is the cycle cadence. Defaults to one second.
	TickInterval time.Duration

	// MaxConcurrent bounds jobs in the running status. Defaults to 3.
	MaxConcurrent int

	// CleanupAfter is the terminal-job retention; 0 disables cleanup.
	CleanupAfter time.Duration
}

// Runner is the single-threaded poll loop. Job execution within a cycle is
// sequential; the running-count check before dispatch is therefore
// race-free without extra locking.
type Runner struct {
	store     Store
	engine    *runner.Engine
	validator *guard.Validator
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// New builds a Runner.
func New(store Store, engine *runner.Engine, validator *guard.Validator, opts Options) *Runner {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 1 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	return &Runner{
		store:     store,
		engine:    engine,
		validator: validator,
		opts:      opts,
		logger:    log.WithComponent("dispatch"),
		now:       time.Now,
	}
}

// Start runs the poll loop until ctx is cancelled. The in-flight cycle
// always finishes; cancellation is only observed between cycles.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("poll loop started",
		"owner", r.opts.OwnerEmail,
		"tick_interval", r.opts.TickInterval,
		"max_concurrent", r.opts.MaxConcurrent)
	defer r.logger.Info("poll loop stopped")

	r.Tick(ctx)

	ticker := time.NewTicker(r.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick performs one cycle. Every step logs and swallows its own errors so a
// bad job or a transient storage failure never stops the loop.
func (r *Runner) Tick(ctx context.Context) {
	r.sweepTimeouts(ctx)
	r.logPending(ctx)
	r.dispatchApproved(ctx)
	r.cleanup(ctx)
}

// sweepTimeouts expires inbox jobs past their approval window and reclaims
// running jobs whose engine-level timeout never fired (crash recovery after
// a restart).
func (r *Runner) sweepTimeouts(ctx context.Context) {
	now := r.now().UTC()

	inbox := queue.StatusInbox
	jobs, err := r.store.ListJobs(ctx, queue.ListFilter{Status: &inbox})
	if err != nil {
		r.logger.Error("timeout sweep: list inbox failed", "error", err)
	} else {
		for _, job := range jobs {
			if now.Sub(job.CreatedAt) <= job.Timeout() {
				continue
			}
			msg := fmt.Sprintf("timed out waiting for approval after %ds", job.TimeoutSeconds)
			if err := r.store.MoveJob(ctx, job, queue.StatusTimedOut, msg); err != nil {
				r.logger.Error("timeout sweep: move failed", "job_id", job.UID, "error", err)
				continue
			}
			r.logger.Warn("job timed out waiting for approval",
				"job_id", job.UID, "name", job.Name)
		}
	}

	running := queue.StatusRunning
	jobs, err = r.store.ListJobs(ctx, queue.ListFilter{Status: &running})
	if err != nil {
		r.logger.Error("timeout sweep: list running failed", "error", err)
		return
	}
	for _, job := range jobs {
		if job.StartedAt == nil || now.Sub(*job.StartedAt) <= job.Timeout() {
			continue
		}
		msg := fmt.Sprintf("exceeded %ds timeout while running", job.TimeoutSeconds)
		if err := r.store.MoveJob(ctx, job, queue.StatusTimedOut, msg); err != nil {
			r.logger.Error("timeout sweep: move failed", "job_id", job.UID, "error", err)
			continue
		}
		r.logger.Warn("reclaimed stuck running job", "job_id", job.UID, "name", job.Name)
	}
}

// logPending surfaces inbox jobs awaiting the local owner's manual approval.
// Reporting only, no state change.
func (r *Runner) logPending(ctx context.Context) {
	inbox := queue.StatusInbox
	jobs, err := r.store.ListJobs(ctx, queue.ListFilter{
		Status:      &inbox,
		TargetEmail: r.opts.OwnerEmail,
	})
	if err != nil {
		r.logger.Error("pending scan failed", "error", err)
		return
	}
	if len(jobs) == 0 {
		r.logger.Debug("no jobs pending approval")
		return
	}

	r.logger.Info("jobs pending approval", "count", len(jobs))
	for _, job := range jobs {
		r.logger.Info("pending job",
			"job_id", job.UID, "name", job.Name, "requester", job.RequesterEmail)
	}
}

// dispatchApproved validates and executes approved jobs targeted at the
// local owner, oldest first, up to the free running slots.
func (r *Runner) dispatchApproved(ctx context.Context) {
	running := queue.StatusRunning
	runningJobs, err := r.store.ListJobs(ctx, queue.ListFilter{
		Status:      &running,
		TargetEmail: r.opts.OwnerEmail,
	})
	if err != nil {
		r.logger.Error("dispatch: list running failed", "error", err)
		return
	}

	slots := r.opts.MaxConcurrent - len(runningJobs)
	if slots <= 0 {
		r.logger.Info("maximum concurrent jobs reached",
			"max_concurrent", r.opts.MaxConcurrent)
		return
	}

	approved := queue.StatusApproved
	approvedJobs, err := r.store.ListJobs(ctx, queue.ListFilter{
		Status:      &approved,
		TargetEmail: r.opts.OwnerEmail,
	})
	if err != nil {
		r.logger.Error("dispatch: list approved failed", "error", err)
		return
	}
	if len(approvedJobs) == 0 {
		return
	}

	// Bucket scan order is arbitrary; make dispatch order deterministic.
	sort.Slice(approvedJobs, func(i, j int) bool {
		return approvedJobs[i].CreatedAt.Before(approvedJobs[j].CreatedAt)
	})

	if len(approvedJobs) > slots {
		approvedJobs = approvedJobs[:slots]
	}
	r.logger.Info("dispatching approved jobs", "count", len(approvedJobs))

	for _, job := range approvedJobs {
		r.runOne(ctx, job)
	}
}

// runOne takes a single approved job through validation, execution, and its
// terminal transition.
func (r *Runner) runOne(ctx context.Context, job *queue.Job) {
	logger := log.WithJob(job.UID).With("name", job.Name)

	script := filepath.Join(job.CodeLocation, runner.EntrypointName)
	if ok, reason := r.validator.Validate(script); !ok {
		logger.Warn("job rejected by script validation", "reason", reason)
		if err := r.store.MoveJob(ctx, job, queue.StatusRejected, reason); err != nil {
			logger.Error("failed to reject job", "error", err)
		}
		return
	}

	if err := r.store.MoveJob(ctx, job, queue.StatusRunning, ""); err != nil {
		logger.Error("failed to mark job running", "error", err)
		return
	}

	res := r.engine.Execute(job, r.store.JobDir(job))

	logs := res.CombinedLogs()
	job.Logs = &logs
	code := res.ExitCode
	job.ExitCode = &code
	if res.OutputDir != "" {
		out := res.OutputDir
		job.OutputLocation = &out
	}
	if err := r.store.UpdateJob(ctx, job); err != nil {
		logger.Error("failed to record execution result", "error", err)
	}

	switch {
	case res.TimedOut:
		msg := fmt.Sprintf("execution timed out after %ds", job.TimeoutSeconds)
		if err := r.store.MoveJob(ctx, job, queue.StatusTimedOut, msg); err != nil {
			logger.Error("failed to mark job timed out", "error", err)
		}
	case res.Success():
		if err := r.store.MoveJob(ctx, job, queue.StatusCompleted, ""); err != nil {
			logger.Error("failed to mark job completed", "error", err)
		}
	default:
		msg := fmt.Sprintf("exit code: %d", res.ExitCode)
		if err := r.store.MoveJob(ctx, job, queue.StatusFailed, msg); err != nil {
			logger.Error("failed to mark job failed", "error", err)
		}
	}
}

// cleanup prunes terminal jobs past the retention window.
func (r *Runner) cleanup(ctx context.Context) {
	if r.opts.CleanupAfter <= 0 {
		return
	}
	removed, err := r.store.Cleanup(ctx, r.opts.CleanupAfter)
	if err != nil {
		r.logger.Error("cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		r.logger.Info("cleaned up old jobs", "count", removed)
	}
}
