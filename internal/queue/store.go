package queue

import (
	"context"
	"time"
)

// Store persists jobs and their per-queue state indexes
type Store interface {
	// Add stores job as waiting unless its id already exists; it reports
	// whether the job was created
	Add(ctx context.Context, job *Job) (bool, error)

	// Claim moves the oldest waiting job to active under a fresh lease and
	// increments its attempts. It returns ErrNoJob when the queue is empty.
	Claim(ctx context.Context, queue string, lease time.Duration) (*Job, error)

	// Extend pushes the lease deadline of a claimed job forward
	Extend(ctx context.Context, job *Job, lease time.Duration) error

	Complete(ctx context.Context, job *Job) error
	Retry(ctx context.Context, job *Job, runAt time.Time, reason Reason, lastErr string) error
	Bury(ctx context.Context, job *Job, reason Reason, lastErr string) error

	// PromoteDue moves retrying jobs whose run time has passed back to waiting
	PromoteDue(ctx context.Context, queue string) (int, error)

	// ReclaimStale recovers active jobs whose lease expired. Jobs with
	// attempts left go back to waiting, the rest are buried.
	ReclaimStale(ctx context.Context, queue string) (reclaimed, buried int, err error)

	// PruneCompleted deletes completed jobs finished before cutoff
	PruneCompleted(ctx context.Context, queue string, cutoff time.Time) (int, error)

	// Requeue replays a dead job with a fresh attempt budget
	Requeue(ctx context.Context, queue, id string) error

	Get(ctx context.Context, queue, id string) (*Job, error)
	List(ctx context.Context, queue string, state State, offset, limit int64) ([]*Job, error)
	Counts(ctx context.Context, queue string) (*Stats, error)
}
