package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a job. A job lives in exactly one status
// bucket at a time and its on-disk location always matches its status.
type Status string

const (
	StatusInbox     Status = "inbox"     // waiting for data-owner approval
	StatusApproved  Status = "approved"  // approved, waiting for a dispatch slot
	StatusRunning   Status = "running"   // currently executing
	StatusCompleted Status = "completed" // finished with exit code 0
	StatusFailed    Status = "failed"    // non-zero exit or execution error
	StatusRejected  Status = "rejected"  // failed script validation
	StatusTimedOut  Status = "timedout"  // approval wait or run exceeded timeout
)

// AllStatuses lists every status in bucket-scan order.
var AllStatuses = []Status{
	StatusInbox,
	StatusApproved,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusRejected,
	StatusTimedOut,
}

// IsTerminal reports whether no further transition is permitted from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected, StatusTimedOut:
		return true
	}
	return false
}

// Valid reports whether s is one of the enumerated statuses.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// transitions is the job state machine. Absent keys (terminal statuses)
// permit nothing.
var transitions = map[Status][]Status{
	StatusInbox:    {StatusApproved, StatusTimedOut},
	StatusApproved: {StatusRunning, StatusRejected},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusTimedOut},
}

// CanTransition reports whether moving a job from one status to another is
// legal under the state machine.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if to == allowed {
			return true
		}
	}
	return false
}

// DefaultTimeoutSeconds is the timeout applied to jobs that do not specify
// one (24 hours).
const DefaultTimeoutSeconds = 86400

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Job is one unit of requester-submitted work plus its full lifecycle
// metadata. The zero value is not usable; jobs are created through a Store.
type Job struct {
	UID            string     `json:"uid"`
	Name           string     `json:"name"`
	RequesterEmail string     `json:"requester_email"`
	TargetEmail    string     `json:"target_email"`
	CodeLocation   string     `json:"code_location"`
	Description    string     `json:"description"`
	Tags           []string   `json:"tags"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	TimeoutSeconds int        `json:"timeout_seconds"`
	OutputLocation *string    `json:"output_location"`
	ExitCode       *int       `json:"exit_code"`
	Logs           *string    `json:"logs"`
	ErrorMessage   *string    `json:"error_message"`
}

// Timeout returns the job's wall-clock timeout as a duration.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// CreateRequest carries the caller-supplied fields for a new job.
type CreateRequest struct {
	Name           string
	RequesterEmail string
	TargetEmail    string
	CodeLocation   string
	Description    string
	Tags           []string
	TimeoutSeconds int
}

// ListFilter narrows a ListJobs scan. Nil/empty fields match everything.
type ListFilter struct {
	Status      *Status
	TargetEmail string
}

// Store is the queue's persistence contract. The filesystem store is the
// canonical implementation; the SQLite store substitutes for single-file
// deployments and tests.
//
// Dispatch is sequential in this design, so the running-count check in the
// poll loop is naturally race-free. A parallel dispatcher must re-check the
// running count under its own synchronization before spawning.
type Store interface {
	// CreateJob allocates a fresh uid and persists the job in the inbox
	// bucket.
	CreateJob(ctx context.Context, req CreateRequest) (*Job, error)

	// ListJobs scans the relevant buckets and returns matching jobs in
	// arbitrary order. Corrupt records are skipped, never fatal.
	ListJobs(ctx context.Context, filter ListFilter) ([]*Job, error)

	// GetJob looks a job up by uid across all buckets. Returns
	// ErrJobNotFound if no bucket holds it.
	GetJob(ctx context.Context, uid string) (*Job, error)

	// MoveJob validates and applies a status transition, stamping
	// updated_at plus started_at/completed_at as the transition dictates,
	// and relocates the persisted record. On error the job remains in its
	// prior bucket. errorMessage, when non-empty, is recorded on the job.
	MoveJob(ctx context.Context, job *Job, newStatus Status, errorMessage string) error

	// UpdateJob rewrites the job's persisted record in its current bucket
	// (execution results: exit code, logs, output location).
	UpdateJob(ctx context.Context, job *Job) error

	// JobDir returns the directory holding the job's artifacts (output,
	// execution log).
	JobDir(job *Job) string

	// Cleanup removes terminal jobs whose completed_at is older than
	// olderThan and returns how many were removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

// applyTransition mutates j for a move to newStatus, enforcing the state
// machine and stamping timestamps. Shared by both store implementations.
func applyTransition(j *Job, newStatus Status, errorMessage string, now time.Time) error {
	if !CanTransition(j.Status, newStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, newStatus)
	}

	j.Status = newStatus
	j.UpdatedAt = now
	if errorMessage != "" {
		msg := errorMessage
		j.ErrorMessage = &msg
	}

	switch {
	case newStatus == StatusRunning:
		t := now
		j.StartedAt = &t
	case newStatus.IsTerminal():
		t := now
		j.CompletedAt = &t
	}
	return nil
}
