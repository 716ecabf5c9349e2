package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openmined/syftrun/internal/log"
)

// metadataFile is the per-job record name inside each job directory.
const metadataFile = "metadata.json"

// FSStore is the canonical directory-backed queue. Layout:
//
//	<root>/<status>/<uid>/metadata.json
//
// The directory rename is the unit of visibility for a status move: readers
// see a job in exactly one bucket at any time.
type FSStore struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

var _ Store = (*FSStore)(nil)

// NewFSStore creates the queue directory tree rooted at root.
func NewFSStore(root string) (*FSStore, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("queue root is empty")
	}
	clean := filepath.Clean(trimmed)

	for _, status := range AllStatuses {
		if err := os.MkdirAll(filepath.Join(clean, string(status)), 0o755); err != nil {
			return nil, fmt.Errorf("create queue bucket %s: %w", status, err)
		}
	}

	return &FSStore{
		root:   clean,
		logger: log.WithComponent("queue"),
		now:    time.Now,
	}, nil
}

// Root returns the queue root directory.
func (s *FSStore) Root() string { return s.root }

// JobDir returns the job's directory in its current status bucket.
func (s *FSStore) JobDir(job *Job) string {
	return filepath.Join(s.root, string(job.Status), job.UID)
}

// CreateJob allocates a uid and writes the initial record into inbox.
func (s *FSStore) CreateJob(ctx context.Context, req CreateRequest) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, fmt.Errorf("job name is empty")
	}
	if req.TargetEmail == "" {
		return nil, fmt.Errorf("target email is empty")
	}

	now := s.now().UTC()
	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = DefaultTimeoutSeconds
	}
	tags := req.Tags
	if tags == nil {
		tags = []string{}
	}

	job := &Job{
		UID:            uuid.NewString(),
		Name:           req.Name,
		RequesterEmail: req.RequesterEmail,
		TargetEmail:    req.TargetEmail,
		CodeLocation:   req.CodeLocation,
		Description:    req.Description,
		Tags:           tags,
		Status:         StatusInbox,
		CreatedAt:      now,
		UpdatedAt:      now,
		TimeoutSeconds: timeout,
	}

	dir := s.JobDir(job)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create job directory: %w", err)
	}
	if err := writeMetadata(dir, job); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	s.logger.Info("job created",
		"job_id", job.UID, "name", job.Name, "target", job.TargetEmail)
	return job, nil
}

// ListJobs scans the requested buckets. Unreadable or malformed records are
// skipped with a warning so one bad entry cannot poison a scan.
func (s *FSStore) ListJobs(ctx context.Context, filter ListFilter) ([]*Job, error) {
	statuses := AllStatuses
	if filter.Status != nil {
		statuses = []Status{*filter.Status}
	}

	var jobs []*Job
	for _, status := range statuses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		bucket := filepath.Join(s.root, string(status))
		entries, err := os.ReadDir(bucket)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("scan bucket %s: %w", status, err)
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			job, err := readMetadata(filepath.Join(bucket, entry.Name()))
			if err != nil {
				s.logger.Warn("skipping corrupt job record",
					"bucket", status, "entry", entry.Name(), "error", err)
				continue
			}
			if filter.TargetEmail != "" && job.TargetEmail != filter.TargetEmail {
				continue
			}
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// GetJob probes each bucket for uid. O(buckets), fine at this job volume.
func (s *FSStore) GetJob(ctx context.Context, uid string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, status := range AllStatuses {
		dir := filepath.Join(s.root, string(status), uid)
		if _, err := os.Stat(dir); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("stat job %s: %w", uid, err)
		}
		job, err := readMetadata(dir)
		if err != nil {
			return nil, fmt.Errorf("read job %s: %w", uid, err)
		}
		return job, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, uid)
}

// MoveJob applies the transition, rewrites the metadata in the old bucket,
// then renames the job directory into the new bucket. If the rename fails
// the previous metadata is restored so the job stays consistent in its prior
// bucket.
func (s *FSStore) MoveJob(ctx context.Context, job *Job, newStatus Status, errorMessage string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	oldDir := s.JobDir(job)
	prevBytes, err := os.ReadFile(filepath.Join(oldDir, metadataFile))
	if err != nil {
		return fmt.Errorf("read job %s before move: %w", job.UID, err)
	}

	prev := *job
	if err := applyTransition(job, newStatus, errorMessage, s.now().UTC()); err != nil {
		return err
	}

	// The whole job directory moves with the status change; keep the
	// recorded output location pointing inside it.
	if job.OutputLocation != nil {
		if rel, err := filepath.Rel(oldDir, *job.OutputLocation); err == nil && !strings.HasPrefix(rel, "..") {
			rebased := filepath.Join(s.root, string(newStatus), job.UID, rel)
			job.OutputLocation = &rebased
		}
	}

	if err := writeMetadata(oldDir, job); err != nil {
		*job = prev
		return err
	}

	newDir := filepath.Join(s.root, string(newStatus), job.UID)
	if err := os.Rename(oldDir, newDir); err != nil {
		// Roll back so the record in the old bucket still matches its
		// location.
		if werr := os.WriteFile(filepath.Join(oldDir, metadataFile), prevBytes, 0o644); werr != nil {
			s.logger.Error("metadata rollback failed after rename error",
				"job_id", job.UID, "error", werr)
		}
		*job = prev
		return fmt.Errorf("move job %s to %s: %w", job.UID, newStatus, err)
	}

	s.logger.Info("job moved",
		"job_id", job.UID, "from", prev.Status, "to", newStatus)
	return nil
}

// UpdateJob rewrites the job record in place.
func (s *FSStore) UpdateJob(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job.UpdatedAt = s.now().UTC()
	return writeMetadata(s.JobDir(job), job)
}

// Cleanup removes terminal jobs completed more than olderThan ago, taking
// their output and execution log with them.
func (s *FSStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	removed := 0

	for _, status := range AllStatuses {
		if !status.IsTerminal() {
			continue
		}
		st := status
		jobs, err := s.ListJobs(ctx, ListFilter{Status: &st})
		if err != nil {
			return removed, err
		}
		for _, job := range jobs {
			if job.CompletedAt == nil || !job.CompletedAt.Before(cutoff) {
				continue
			}
			if err := os.RemoveAll(s.JobDir(job)); err != nil {
				s.logger.Warn("failed to remove old job", "job_id", job.UID, "error", err)
				continue
			}
			s.logger.Debug("removed old job", "job_id", job.UID, "status", job.Status)
			removed++
		}
	}
	return removed, nil
}

// writeMetadata writes the job record atomically via a temp file rename.
func writeMetadata(dir string, job *Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.UID, err)
	}

	tmp, err := os.CreateTemp(dir, ".metadata-*")
	if err != nil {
		return fmt.Errorf("write job %s: %w", job.UID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write job %s: %w", job.UID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write job %s: %w", job.UID, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, metadataFile)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write job %s: %w", job.UID, err)
	}
	return nil
}

// readMetadata loads and sanity-checks a job record from dir.
func readMetadata(dir string) (*Job, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if job.UID == "" || !job.Status.Valid() {
		return nil, fmt.Errorf("malformed metadata in %s", dir)
	}
	return &job, nil
}
