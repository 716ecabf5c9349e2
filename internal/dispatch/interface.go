package dispatch

import (
	"context"
	"time"

	"github.com/openmined/syftrun/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/openmined/syftrun/internal/dispatch Store

// Store defines the queue operations the poll loop depends on. Both
// queue.FSStore and queue.SQLiteStore satisfy it.
type Store interface {
	ListJobs(ctx context.Context, filter queue.ListFilter) ([]*queue.Job, error)
	MoveJob(ctx context.Context, job *queue.Job, newStatus queue.Status, errorMessage string) error
	UpdateJob(ctx context.Context, job *queue.Job) error
	JobDir(job *queue.Job) string
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}
