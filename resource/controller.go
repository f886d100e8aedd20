package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits.
type Config struct {
	// CommitLimitBytes is a hard limit on committed linear memory, on top of
	// the page ceiling. If 0, commits are tracked but not limited.
	CommitLimitBytes int64

	// MaxConcurrentSnapshots caps snapshot/restore operations running at the
	// same time. If 0, defaults to 1.
	MaxConcurrentSnapshots int64

	// SnapshotIOBytesPerSec throttles snapshot reads and writes.
	// If 0, unlimited.
	SnapshotIOBytesPerSec int64
}

// Controller enforces the configured limits on memory commits and snapshot
// traffic. A nil *Controller is valid and enforces nothing.
type Controller struct {
	cfg Config

	commitSem *semaphore.Weighted // nil if unlimited
	committed atomic.Int64

	snapSem *semaphore.Weighted

	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxConcurrentSnapshots <= 0 {
		cfg.MaxConcurrentSnapshots = 1
	}

	c := &Controller{
		cfg:     cfg,
		snapSem: semaphore.NewWeighted(cfg.MaxConcurrentSnapshots),
	}

	if cfg.CommitLimitBytes > 0 {
		c.commitSem = semaphore.NewWeighted(cfg.CommitLimitBytes)
	}

	if cfg.SnapshotIOBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.SnapshotIOBytesPerSec), int(cfg.SnapshotIOBytesPerSec))
	}

	return c
}

// AcquireCommit reserves budget for committing bytes of linear memory.
// With a hard limit configured this blocks until budget is available or ctx
// is canceled.
func (c *Controller) AcquireCommit(ctx context.Context, bytes int64) error {
	if c == nil {
		return nil
	}
	if bytes <= 0 {
		return nil
	}

	if c.commitSem != nil {
		if err := c.commitSem.Acquire(ctx, bytes); err != nil {
			return err
		}
	}

	c.committed.Add(bytes)
	return nil
}

// TryAcquireCommit reserves commit budget without blocking.
// Returns false when the limit would be exceeded.
func (c *Controller) TryAcquireCommit(bytes int64) bool {
	if c == nil {
		return true
	}
	if bytes <= 0 {
		return true
	}

	if c.commitSem != nil {
		if !c.commitSem.TryAcquire(bytes) {
			return false
		}
	}

	c.committed.Add(bytes)
	return true
}

// ReleaseCommit returns commit budget, typically on Close.
func (c *Controller) ReleaseCommit(bytes int64) {
	if c == nil {
		return
	}
	if bytes <= 0 {
		return
	}

	if c.commitSem != nil {
		c.commitSem.Release(bytes)
	}
	c.committed.Add(-bytes)
}

// CommittedBytes returns the tracked committed memory in bytes.
func (c *Controller) CommittedBytes() int64 {
	if c == nil {
		return 0
	}
	return c.committed.Load()
}

// AcquireSnapshot reserves a snapshot slot. Blocks while all slots are busy.
func (c *Controller) AcquireSnapshot(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.snapSem.Acquire(ctx, 1)
}

// TryAcquireSnapshot reserves a snapshot slot without blocking.
func (c *Controller) TryAcquireSnapshot() bool {
	if c == nil {
		return true
	}
	return c.snapSem.TryAcquire(1)
}

// ReleaseSnapshot releases a snapshot slot.
func (c *Controller) ReleaseSnapshot() {
	if c == nil {
		return
	}
	c.snapSem.Release(1)
}

// AcquireIO waits until the snapshot IO limit allows bytes more bytes.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	return c.ioLimiter.WaitN(ctx, bytes)
}
