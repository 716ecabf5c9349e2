package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestFSStore(t *testing.T) *FSStore {
	t.Helper()
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	return store
}

func TestFSStoreCreateJobRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestFSStore(t)
	created, err := store.CreateJob(context.Background(), CreateRequest{
		Name:           "analysis",
		RequesterEmail: "bob@y.com",
		TargetEmail:    "alice@x.com",
		CodeLocation:   "/tmp/code",
		Description:    "count rows",
		Tags:           []string{"stats", "csv"},
		TimeoutSeconds: 120,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if created.UID == "" || created.Status != StatusInbox {
		t.Fatalf("unexpected created job: %#v", created)
	}

	loaded, err := store.GetJob(context.Background(), created.UID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}

	if loaded.UID != created.UID ||
		loaded.Name != created.Name ||
		loaded.RequesterEmail != created.RequesterEmail ||
		loaded.TargetEmail != created.TargetEmail ||
		loaded.CodeLocation != created.CodeLocation ||
		loaded.Description != created.Description ||
		loaded.Status != created.Status ||
		loaded.TimeoutSeconds != created.TimeoutSeconds {
		t.Fatalf("round trip mismatch:\ncreated %#v\nloaded  %#v", created, loaded)
	}
	if len(loaded.Tags) != 2 || loaded.Tags[0] != "stats" || loaded.Tags[1] != "csv" {
		t.Fatalf("tags mismatch: %v", loaded.Tags)
	}
	if !loaded.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("created_at mismatch: %v vs %v", loaded.CreatedAt, created.CreatedAt)
	}
	if loaded.StartedAt != nil || loaded.CompletedAt != nil || loaded.ExitCode != nil {
		t.Fatalf("nullable fields should be nil: %#v", loaded)
	}
}

func TestFSStoreCreateJobDefaultTimeout(t *testing.T) {
	t.Parallel()

	store := newTestFSStore(t)
	job, err := store.CreateJob(context.Background(), CreateRequest{
		Name:        "defaults",
		TargetEmail: "alice@x.com",
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.TimeoutSeconds != DefaultTimeoutSeconds {
		t.Fatalf("expected default timeout %d, got %d", DefaultTimeoutSeconds, job.TimeoutSeconds)
	}
}

func TestFSStoreMoveJobRelocatesDirectory(t *testing.T) {
	t.Parallel()

	store := newTestFSStore(t)
	ctx := context.Background()
	job, err := store.CreateJob(ctx, CreateRequest{Name: "move", TargetEmail: "alice@x.com"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	inboxDir := store.JobDir(job)

	if err := store.MoveJob(ctx, job, StatusApproved, ""); err != nil {
		t.Fatalf("MoveJob: %v", err)
	}
	if job.Status != StatusApproved {
		t.Fatalf("status not updated: %s", job.Status)
	}
	if _, err := os.Stat(inboxDir); !os.IsNotExist(err) {
		t.Fatalf("old directory still present: %v", err)
	}
	if _, err := os.Stat(store.JobDir(job)); err != nil {
		t.Fatalf("new directory missing: %v", err)
	}

	// The persisted record matches the new bucket.
	loaded, err := store.GetJob(ctx, job.UID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if loaded.Status != StatusApproved {
		t.Fatalf("persisted status %s, want approved", loaded.Status)
	}
}

func TestFSStoreMoveJobIllegalTransition(t *testing.T) {
	t.Parallel()

	store := newTestFSStore(t)
	ctx := context.Background()
	job, err := store.CreateJob(ctx, CreateRequest{Name: "illegal", TargetEmail: "alice@x.com"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := store.MoveJob(ctx, job, StatusRunning, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("inbox -> running: got %v, want ErrInvalidTransition", err)
	}
	if job.Status != StatusInbox {
		t.Fatalf("job mutated on failed move: %s", job.Status)
	}

	// Drive to terminal, then verify nothing moves out of it.
	if err := store.MoveJob(ctx, job, StatusApproved, ""); err != nil {
		t.Fatalf("to approved: %v", err)
	}
	if err := store.MoveJob(ctx, job, StatusRejected, "unsafe"); err != nil {
		t.Fatalf("to rejected: %v", err)
	}
	for _, target := range AllStatuses {
		if err := store.MoveJob(ctx, job, target, ""); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("rejected -> %s: got %v, want ErrInvalidTransition", target, err)
		}
	}
}

func TestFSStoreMoveJobStampsLifecycleTimes(t *testing.T) {
	t.Parallel()

	store := newTestFSStore(t)
	ctx := context.Background()
	job, err := store.CreateJob(ctx, CreateRequest{Name: "stamps", TargetEmail: "alice@x.com"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := store.MoveJob(ctx, job, StatusApproved, ""); err != nil {
		t.Fatalf("to approved: %v", err)
	}
	if job.StartedAt != nil {
		t.Fatal("started_at set before running")
	}
	if err := store.MoveJob(ctx, job, StatusRunning, ""); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if job.StartedAt == nil {
		t.Fatal("started_at not set on running")
	}
	if err := store.MoveJob(ctx, job, StatusCompleted, ""); err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if job.CompletedAt == nil {
		t.Fatal("completed_at not set on completion")
	}
}

func TestFSStoreMoveJobRebasesOutputLocation(t *testing.T) {
	t.Parallel()

	store := newTestFSStore(t)
	ctx := context.Background()
	job, err := store.CreateJob(ctx, CreateRequest{Name: "outputs", TargetEmail: "alice@x.com"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.MoveJob(ctx, job, StatusApproved, ""); err != nil {
		t.Fatalf("to approved: %v", err)
	}
	if err := store.MoveJob(ctx, job, StatusRunning, ""); err != nil {
		t.Fatalf("to running: %v", err)
	}

	outputDir := filepath.Join(store.JobDir(job), "output")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		t.Fatalf("mkdir output: %v", err)
	}
	job.OutputLocation = &outputDir
	if err := store.UpdateJob(ctx, job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	if err := store.MoveJob(ctx, job, StatusCompleted, ""); err != nil {
		t.Fatalf("to completed: %v", err)
	}

	loaded, err := store.GetJob(ctx, job.UID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	want := filepath.Join(store.JobDir(loaded), "output")
	if loaded.OutputLocation == nil || *loaded.OutputLocation != want {
		t.Fatalf("output location = %v, want %s", loaded.OutputLocation, want)
	}
	if _, err := os.Stat(*loaded.OutputLocation); err != nil {
		t.Fatalf("persisted output location does not exist: %v", err)
	}
}

func TestFSStoreListJobsFilters(t *testing.T) {
	t.Parallel()

	store := newTestFSStore(t)
	ctx := context.Background()

	a, err := store.CreateJob(ctx, CreateRequest{Name: "a", TargetEmail: "alice@x.com"})
	if err != nil {
		t.Fatalf("CreateJob a: %v", err)
	}
	if _, err := store.CreateJob(ctx, CreateRequest{Name: "b", TargetEmail: "bob@y.com"}); err != nil {
		t.Fatalf("CreateJob b: %v", err)
	}
	if err := store.MoveJob(ctx, a, StatusApproved, ""); err != nil {
		t.Fatalf("MoveJob: %v", err)
	}

	approved := StatusApproved
	jobs, err := store.ListJobs(ctx, ListFilter{Status: &approved})
	if err != nil {
		t.Fatalf("ListJobs by status: %v", err)
	}
	if len(jobs) != 1 || jobs[0].UID != a.UID {
		t.Fatalf("unexpected approved jobs: %#v", jobs)
	}

	jobs, err = store.ListJobs(ctx, ListFilter{TargetEmail: "bob@y.com"})
	if err != nil {
		t.Fatalf("ListJobs by target: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Name != "b" {
		t.Fatalf("unexpected bob jobs: %#v", jobs)
	}

	jobs, err = store.ListJobs(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("ListJobs all: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
}

func TestFSStoreListJobsSkipsCorruptRecords(t *testing.T) {
	t.Parallel()

	store := newTestFSStore(t)
	ctx := context.Background()
	if _, err := store.CreateJob(ctx, CreateRequest{Name: "good", TargetEmail: "alice@x.com"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// A garbage entry in the inbox bucket must not poison the scan.
	badDir := filepath.Join(store.Root(), string(StatusInbox), "not-a-job")
	if err := os.MkdirAll(badDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(badDir, metadataFile), []byte("{broken"), 0o644); err != nil {
		t.Fatalf("write corrupt metadata: %v", err)
	}

	jobs, err := store.ListJobs(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Name != "good" {
		t.Fatalf("expected only the good job, got %#v", jobs)
	}
}

func TestFSStoreGetJobNotFound(t *testing.T) {
	t.Parallel()

	store := newTestFSStore(t)
	if _, err := store.GetJob(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("got %v, want ErrJobNotFound", err)
	}
}

func TestFSStoreCleanupRemovesOldTerminalJobs(t *testing.T) {
	t.Parallel()

	store := newTestFSStore(t)
	ctx := context.Background()

	old, err := store.CreateJob(ctx, CreateRequest{Name: "old", TargetEmail: "alice@x.com"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	fresh, err := store.CreateJob(ctx, CreateRequest{Name: "fresh", TargetEmail: "alice@x.com"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	// Complete the old job with a completion time far in the past.
	store.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	if err := store.MoveJob(ctx, old, StatusApproved, ""); err != nil {
		t.Fatalf("to approved: %v", err)
	}
	if err := store.MoveJob(ctx, old, StatusRunning, ""); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if err := store.MoveJob(ctx, old, StatusCompleted, ""); err != nil {
		t.Fatalf("to completed: %v", err)
	}
	store.now = time.Now

	removed, err := store.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, err := store.GetJob(ctx, old.UID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("old job still present: %v", err)
	}
	if _, err := store.GetJob(ctx, fresh.UID); err != nil {
		t.Fatalf("fresh job removed: %v", err)
	}
}
