// Package runner executes approved jobs as isolated OS subprocesses with
// wall-clock timeouts and output caps, and writes a durable execution log
// for every attempt.
package runner

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/openmined/syftrun/internal/log"
	"github.com/openmined/syftrun/internal/queue"
)

const (
	// DefaultMaxOutputBytes caps stdout and stderr independently (10 MiB).
	DefaultMaxOutputBytes = 10 * 1024 * 1024

	// DefaultGracePeriod is the wait after SIGTERM before SIGKILL.
	DefaultGracePeriod = 5 * time.Second

	// EntrypointName is the required executable entry point in a job's
	// code folder.
	EntrypointName = "run.sh"

	// ExecutionLogName is the per-job audit log file name.
	ExecutionLogName = "execution.log"

	stdoutTruncatedMarker = "\n[OUTPUT TRUNCATED - TOO LARGE]"
	stderrTruncatedMarker = "\n[ERROR OUTPUT TRUNCATED - TOO LARGE]"
)

// Result captures one execution attempt. ExitCode is -1 for timeouts and
// spawn failures.
type Result struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Duration  time.Duration
	TimedOut  bool
	OutputDir string
}

// Success reports whether the attempt exited cleanly.
func (r Result) Success() bool { return r.ExitCode == 0 && !r.TimedOut }

// CombinedLogs renders stdout and stderr as one text blob for the job
// record.
func (r Result) CombinedLogs() string {
	var b strings.Builder
	b.WriteString("STDOUT:\n")
	b.WriteString(r.Stdout)
	b.WriteString("\nSTDERR:\n")
	b.WriteString(r.Stderr)
	return b.String()
}

// Engine spawns and supervises job subprocesses.
type Engine struct {
	maxOutputBytes int
	gracePeriod    time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// NewEngine builds an Engine; non-positive arguments select defaults.
func NewEngine(maxOutputBytes int, gracePeriod time.Duration) *Engine {
	if maxOutputBytes <= 0 {
		maxOutputBytes = DefaultMaxOutputBytes
	}
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	return &Engine{
		maxOutputBytes: maxOutputBytes,
		gracePeriod:    gracePeriod,
		logger:         log.WithComponent("runner"),
		now:            time.Now,
	}
}

// Execute runs the job's run.sh with the job's own timeout, captures capped
// stdout/stderr, and writes the execution log under jobDir. It never
// panics or propagates spawn errors: any failure to execute comes back as a
// failed Result with the error text in Stderr, and the audit log is written
// regardless of outcome.
func (e *Engine) Execute(job *queue.Job, jobDir string) Result {
	logger := log.WithJob(job.UID)
	start := e.now()

	res, err := e.run(job, jobDir, logger)
	res.Duration = e.now().Sub(start)

	if err != nil {
		logger.Error("execution failed before completion", "error", err)
		res.ExitCode = -1
		if res.Stderr == "" {
			res.Stderr = err.Error()
		} else {
			res.Stderr += "\n" + err.Error()
		}
	}

	if werr := e.writeExecutionLog(job, jobDir, start, res); werr != nil {
		logger.Error("failed to write execution log", "error", werr)
	}

	logger.Info("execution finished",
		"exit_code", res.ExitCode,
		"timed_out", res.TimedOut,
		"duration", res.Duration.Round(time.Millisecond))
	return res
}

func (e *Engine) run(job *queue.Job, jobDir string, logger *slog.Logger) (Result, error) {
	var res Result

	script := filepath.Join(job.CodeLocation, EntrypointName)
	if _, err := os.Stat(script); err != nil {
		return res, fmt.Errorf("%s not found in %s: %w", EntrypointName, job.CodeLocation, err)
	}
	if err := os.Chmod(script, 0o755); err != nil {
		return res, fmt.Errorf("mark %s executable: %w", EntrypointName, err)
	}

	outputDir := filepath.Join(jobDir, "output")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return res, fmt.Errorf("create output directory: %w", err)
	}
	res.OutputDir = outputDir

	cmd := exec.Command("bash", EntrypointName)
	cmd.Dir = job.CodeLocation
	cmd.Env = append(os.Environ(),
		"SYFT_JOB_ID="+job.UID,
		"SYFT_JOB_NAME="+job.Name,
		"SYFT_OUTPUT_DIR="+outputDir,
		"SYFT_REQUESTER="+job.RequesterEmail,
	)

	stdout := newCappedBuffer(e.maxOutputBytes)
	stderr := newCappedBuffer(e.maxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.Debug("spawning job process",
		"code", job.CodeLocation, "timeout", job.Timeout())

	if err := cmd.Start(); err != nil {
		return res, fmt.Errorf("start process: %w", err)
	}

	timeout := time.NewTimer(job.Timeout())
	defer timeout.Stop()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case <-timeout.C:
		logger.Warn("job timed out, sending SIGTERM", "timeout", job.Timeout())
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}

		grace := time.NewTimer(e.gracePeriod)
		defer grace.Stop()
		select {
		case <-waitErr:
		case <-grace.C:
			logger.Warn("job ignored SIGTERM, sending SIGKILL")
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			<-waitErr
		}

		res.TimedOut = true
		res.ExitCode = -1
		res.Stdout = stdout.Annotated(stdoutTruncatedMarker)
		res.Stderr = stderr.Annotated(stderrTruncatedMarker) +
			fmt.Sprintf("\n[JOB TERMINATED - TIMEOUT AFTER %ds]", job.TimeoutSeconds)
		return res, nil

	case err := <-waitErr:
		res.Stdout = stdout.Annotated(stdoutTruncatedMarker)
		res.Stderr = stderr.Annotated(stderrTruncatedMarker)

		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				res.ExitCode = exitErr.ExitCode()
				return res, nil
			}
			return res, fmt.Errorf("wait for process: %w", err)
		}
		res.ExitCode = 0
		return res, nil
	}
}

// writeExecutionLog records the audit trail for one attempt, whatever the
// outcome. The same truncated output stored on the job record goes here.
func (e *Engine) writeExecutionLog(job *queue.Job, jobDir string, start time.Time, res Result) error {
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return fmt.Errorf("create job directory: %w", err)
	}

	sep := strings.Repeat("-", 50)
	var b strings.Builder
	fmt.Fprintf(&b, "Job: %s (%s)\n", job.Name, job.UID)
	fmt.Fprintf(&b, "Requester: %s\n", job.RequesterEmail)
	fmt.Fprintf(&b, "Started: %s\n", start.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Duration: %.2fs\n", res.Duration.Seconds())
	fmt.Fprintf(&b, "Exit Code: %d\n", res.ExitCode)
	fmt.Fprintf(&b, "%s\nSTDOUT:\n%s\n", sep, res.Stdout)
	fmt.Fprintf(&b, "%s\nSTDERR:\n%s\n", sep, res.Stderr)

	path := filepath.Join(jobDir, ExecutionLogName)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", ExecutionLogName, err)
	}
	return nil
}

// cappedBuffer stores at most max bytes and remembers whether writes were
// dropped, so runaway scripts cannot exhaust memory.
type cappedBuffer struct {
	max       int
	buf       []byte
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - len(b.buf)
	if remaining > 0 {
		if len(p) <= remaining {
			b.buf = append(b.buf, p...)
		} else {
			b.buf = append(b.buf, p[:remaining]...)
			b.truncated = true
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	// Report full consumption so the child never blocks on a full pipe.
	return len(p), nil
}

// Annotated returns the captured bytes, with marker appended if output was
// dropped.
func (b *cappedBuffer) Annotated(marker string) string {
	if b.truncated {
		return string(b.buf) + marker
	}
	return string(b.buf)
}
