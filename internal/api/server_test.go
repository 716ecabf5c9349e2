package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/syftrun/internal/queue"
)

// stubStore serves canned jobs without touching disk.
type stubStore struct {
	jobs []*queue.Job
	err  error
}

func (s *stubStore) ListJobs(_ context.Context, filter queue.ListFilter) ([]*queue.Job, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []*queue.Job
	for _, job := range s.jobs {
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		if filter.TargetEmail != "" && job.TargetEmail != filter.TargetEmail {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *stubStore) GetJob(_ context.Context, uid string) (*queue.Job, error) {
	if s.err != nil {
		return nil, s.err
	}
	for _, job := range s.jobs {
		if job.UID == uid {
			return job, nil
		}
	}
	return nil, queue.ErrJobNotFound
}

func newTestServer(store JobStore) *Server {
	return New(Config{
		Listen:     "127.0.0.1:0",
		OwnerEmail: "alice@x.com",
		Version:    "0.1.0",
	}, store, slog.Default())
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	return rec
}

func sampleJobs() []*queue.Job {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	started := base.Add(time.Minute)
	completed := started.Add(30 * time.Second)
	code := 0

	done := &queue.Job{
		UID:            "job-done",
		Name:           "done",
		RequesterEmail: "bob@y.com",
		TargetEmail:    "alice@x.com",
		Status:         queue.StatusCompleted,
		CreatedAt:      base,
		StartedAt:      &started,
		CompletedAt:    &completed,
		ExitCode:       &code,
		Tags:           []string{"stats"},
	}
	pending := &queue.Job{
		UID:         "job-pending",
		Name:        "pending",
		TargetEmail: "alice@x.com",
		Status:      queue.StatusInbox,
		CreatedAt:   base.Add(time.Hour),
	}
	failed := &queue.Job{
		UID:         "job-failed",
		Name:        "failed",
		TargetEmail: "carol@z.com",
		Status:      queue.StatusFailed,
		CreatedAt:   base.Add(2 * time.Hour),
	}
	return []*queue.Job{done, pending, failed}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	rec := doRequest(t, newTestServer(&stubStore{}), http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()

	rec := doRequest(t, newTestServer(&stubStore{}), http.MethodGet, "/api/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "syftrun", body["app"])
	assert.Equal(t, "0.1.0", body["version"])
	assert.Equal(t, "alice@x.com", body["owner_email"])
}

func TestHandleListJobs(t *testing.T) {
	t.Parallel()

	s := newTestServer(&stubStore{jobs: sampleJobs()})

	rec := doRequest(t, s, http.MethodGet, "/api/v1/jobs")
	require.Equal(t, http.StatusOK, rec.Code)

	var body historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 3, body.Total)
	// Newest first.
	assert.Equal(t, "job-failed", body.Jobs[0].UID)
	assert.Equal(t, "job-done", body.Jobs[2].UID)

	// Completed job carries execution time and success.
	last := body.Jobs[2]
	assert.True(t, last.Success)
	require.NotNil(t, last.ExecutionTime)
	assert.InDelta(t, 30.0, *last.ExecutionTime, 0.001)
}

func TestHandleListJobsFilters(t *testing.T) {
	t.Parallel()

	s := newTestServer(&stubStore{jobs: sampleJobs()})

	rec := doRequest(t, s, http.MethodGet, "/api/v1/jobs?status=inbox")
	require.Equal(t, http.StatusOK, rec.Code)
	var body historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "job-pending", body.Jobs[0].UID)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/jobs?target=carol@z.com")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "job-failed", body.Jobs[0].UID)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/jobs?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "job-failed", body.Jobs[0].UID)
}

func TestHandleListJobsBadParams(t *testing.T) {
	t.Parallel()

	s := newTestServer(&stubStore{jobs: sampleJobs()})

	rec := doRequest(t, s, http.MethodGet, "/api/v1/jobs?status=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/jobs?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/jobs?limit=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetJob(t *testing.T) {
	t.Parallel()

	s := newTestServer(&stubStore{jobs: sampleJobs()})

	rec := doRequest(t, s, http.MethodGet, "/api/v1/jobs/job-done")
	require.Equal(t, http.StatusOK, rec.Code)

	var item historyItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, "job-done", item.UID)
	assert.Equal(t, "completed", item.Status)
	require.NotNil(t, item.ExitCode)
	assert.Equal(t, 0, *item.ExitCode)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/jobs/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStats(t *testing.T) {
	t.Parallel()

	s := newTestServer(&stubStore{jobs: sampleJobs()})

	rec := doRequest(t, s, http.MethodGet, "/api/v1/jobs/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.TotalJobs)
	assert.Equal(t, 1, stats.SuccessfulJobs)
	assert.Equal(t, 1, stats.FailedJobs)
	assert.Equal(t, 1, stats.PendingJobs)
	assert.InDelta(t, 0.5, stats.SuccessRate, 0.001)
}

func TestStoreErrorsSurfaceAs500(t *testing.T) {
	t.Parallel()

	s := newTestServer(&stubStore{err: fmt.Errorf("disk on fire")})

	for _, path := range []string{"/api/v1/jobs", "/api/v1/jobs/stats", "/api/v1/jobs/any"} {
		rec := doRequest(t, s, http.MethodGet, path)
		assert.Equal(t, http.StatusInternalServerError, rec.Code, path)
	}
}
