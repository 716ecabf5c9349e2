package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/openmined/syftrun/internal/log"
)

// SQLiteStore implements Store over a single SQLite file. It mirrors the
// filesystem store's semantics; job artifacts (output, execution log) still
// live on disk under dataDir/jobs/<uid>.
type SQLiteStore struct {
	db      *sql.DB
	dataDir string
	logger  *slog.Logger
	now     func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore wraps an opened database. dataDir roots per-job artifact
// directories.
func NewSQLiteStore(db *sql.DB, dataDir string) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite db is nil")
	}
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is empty")
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "jobs"), 0o755); err != nil {
		return nil, fmt.Errorf("create jobs data directory: %w", err)
	}
	return &SQLiteStore{
		db:      db,
		dataDir: filepath.Clean(dataDir),
		logger:  log.WithComponent("queue"),
		now:     time.Now,
	}, nil
}

// JobDir returns the artifact directory for a job.
func (s *SQLiteStore) JobDir(job *Job) string {
	return filepath.Join(s.dataDir, "jobs", job.UID)
}

const jobColumns = `uid, name, requester_email, target_email, code_location, description, tags,
  status, created_at, updated_at, started_at, completed_at, timeout_seconds,
  output_location, exit_code, logs, error_message`

// CreateJob inserts a fresh job in the inbox status.
func (s *SQLiteStore) CreateJob(ctx context.Context, req CreateRequest) (*Job, error) {
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
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
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

	_, err = s.db.ExecContext(ctx, `
INSERT INTO jobs(`+jobColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, NULL, NULL, NULL, NULL);
`, job.UID, job.Name, job.RequesterEmail, job.TargetEmail, job.CodeLocation,
		job.Description, string(tagsJSON), job.Status,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), job.TimeoutSeconds)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	s.logger.Info("job created",
		"job_id", job.UID, "name", job.Name, "target", job.TargetEmail)
	return job, nil
}

// ListJobs returns matching jobs; rows that fail to scan are skipped with a
// warning to match the filesystem store's corrupt-record policy.
func (s *SQLiteStore) ListJobs(ctx context.Context, filter ListFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var (
		conds []string
		args  []any
	)
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.TargetEmail != "" {
		conds = append(conds, "target_email = ?")
		args = append(args, filter.TargetEmail)
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			s.logger.Warn("skipping corrupt job row", "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// GetJob looks up a job by uid.
func (s *SQLiteStore) GetJob(ctx context.Context, uid string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE uid = ?;`, uid)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, uid)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", uid, err)
	}
	return job, nil
}

// MoveJob applies a transition inside a transaction, guarding against a
// concurrent move with a status check in the UPDATE.
func (s *SQLiteStore) MoveJob(ctx context.Context, job *Job, newStatus Status, errorMessage string) error {
	prev := *job
	if err := applyTransition(job, newStatus, errorMessage, s.now().UTC()); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = ?, updated_at = ?, started_at = ?, completed_at = ?, error_message = ?
WHERE uid = ? AND status = ?;
`, job.Status, job.UpdatedAt.Format(time.RFC3339Nano),
		nullTime(job.StartedAt), nullTime(job.CompletedAt), nullString(job.ErrorMessage),
		job.UID, prev.Status)
	if err != nil {
		*job = prev
		return fmt.Errorf("move job %s to %s: %w", job.UID, newStatus, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		*job = prev
		return fmt.Errorf("move job %s to %s: %w", job.UID, newStatus, err)
	}
	if n == 0 {
		*job = prev
		return fmt.Errorf("move job %s to %s: job not in status %s", job.UID, newStatus, prev.Status)
	}

	s.logger.Info("job moved",
		"job_id", job.UID, "from", prev.Status, "to", newStatus)
	return nil
}

// UpdateJob rewrites the job's mutable execution fields.
func (s *SQLiteStore) UpdateJob(ctx context.Context, job *Job) error {
	job.UpdatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET updated_at = ?, output_location = ?, exit_code = ?, logs = ?, error_message = ?
WHERE uid = ?;
`, job.UpdatedAt.Format(time.RFC3339Nano),
		nullString(job.OutputLocation), nullInt(job.ExitCode),
		nullString(job.Logs), nullString(job.ErrorMessage), job.UID)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.UID, err)
	}
	return nil
}

// Cleanup deletes terminal jobs completed before the cutoff, plus their
// artifact directories.
func (s *SQLiteStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-olderThan).Format(time.RFC3339Nano)

	rows, err := s.db.QueryContext(ctx, `
SELECT uid FROM jobs
WHERE status IN (?, ?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?;
`, StatusCompleted, StatusFailed, StatusRejected, StatusTimedOut, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup scan: %w", err)
	}
	defer rows.Close()

	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return 0, fmt.Errorf("cleanup scan: %w", err)
		}
		uids = append(uids, uid)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("cleanup scan: %w", err)
	}

	removed := 0
	for _, uid := range uids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE uid = ?;`, uid); err != nil {
			s.logger.Warn("failed to remove old job", "job_id", uid, "error", err)
			continue
		}
		_ = os.RemoveAll(filepath.Join(s.dataDir, "jobs", uid))
		removed++
	}
	return removed, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j           Job
		tagsJSON    string
		createdAt   string
		updatedAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
		outputLoc   sql.NullString
		exitCode    sql.NullInt64
		logs        sql.NullString
		errMsg      sql.NullString
		status      string
	)
	err := row.Scan(
		&j.UID, &j.Name, &j.RequesterEmail, &j.TargetEmail, &j.CodeLocation,
		&j.Description, &tagsJSON, &status, &createdAt, &updatedAt,
		&startedAt, &completedAt, &j.TimeoutSeconds,
		&outputLoc, &exitCode, &logs, &errMsg,
	)
	if err != nil {
		return nil, err
	}

	j.Status = Status(status)
	if !j.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q for job %s", status, j.UID)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &j.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags for job %s: %w", j.UID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for job %s: %w", j.UID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at for job %s: %w", j.UID, err)
	}
	if startedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil {
			j.StartedAt = &t
		}
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			j.CompletedAt = &t
		}
	}
	if outputLoc.Valid {
		j.OutputLocation = &outputLoc.String
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		j.ExitCode = &code
	}
	if logs.Valid {
		j.Logs = &logs.String
	}
	if errMsg.Valid {
		j.ErrorMessage = &errMsg.String
	}
	return &j, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}
