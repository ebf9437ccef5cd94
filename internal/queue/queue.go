// Package queue dispatches job IDs to the worker pool and carries the
// global kill switch. Backend is duck-typed deliberately: a RedisBackend
// backs real deployments, an InMemoryBackend backs fast mode and tests.
package queue

import (
	"context"
	"errors"
	"sync"
)

var ErrEmpty = errors.New("queue empty")

// Backend is the minimal surface the stage dispatcher needs: push a job
// id, pop the next one (ErrEmpty when there is none; Pop does not block), ack a
// completed one, report depth, and gate/ungate dispatch via the kill
// switch.
type Backend interface {
	Enqueue(ctx context.Context, jobID string) error
	Pop(ctx context.Context) (string, error)
	Ack(ctx context.Context, jobID string) error
	Size(ctx context.Context) (int, error)
	SetKillSwitch(ctx context.Context, enabled bool) error
	AgentsEnabled(ctx context.Context) (bool, error)
}

// Retrier lets a job that failed inside the dispatch loop (as opposed
// to a crashed worker) schedule a bounded retry against the same
// attempt budget RequeueStale draws from. Only RedisBackend implements
// this; fast mode has no durable queue to retry against.
type Retrier interface {
	Retry(ctx context.Context, jobID string) (scheduled bool, err error)
}

// Reaper is implemented by backends whose Pop doesn't guarantee
// delivery on its own: RequeueStale finds jobs whose worker crashed or
// hung mid-processing and either schedules a bounded retry or reports
// the job as retry-exhausted; PromoteDelayed moves due retries back
// onto the main queue.
type Reaper interface {
	RequeueStale(ctx context.Context) (exhausted []string, err error)
	PromoteDelayed(ctx context.Context) error
}

// Lock is a best-effort, non-blocking mutual-exclusion primitive keyed by
// name. Both backends implement it; nothing in this module calls it.
type Lock interface {
	// WithLock runs action only if the lock was acquired without
	// blocking; it always releases afterward. Returns whether it ran.
	WithLock(ctx context.Context, key string, action func() error) (bool, error)
}

// InMemoryBackend is a single-process FIFO queue with an in-memory kill
// switch flag, used for fast mode and tests.
type InMemoryBackend struct {
	mu      sync.Mutex
	items   []string
	enabled bool
	locks   sync.Map // map[string]*sync.Mutex
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{enabled: true}
}

func (b *InMemoryBackend) Enqueue(ctx context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, jobID)
	return nil
}

func (b *InMemoryBackend) Pop(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return "", ErrEmpty
	}
	id := b.items[0]
	b.items = b.items[1:]
	return id, nil
}

// Ack is a no-op: InMemoryBackend's Pop already removes the item, so
// there is nothing left to acknowledge.
func (b *InMemoryBackend) Ack(ctx context.Context, jobID string) error {
	return nil
}

func (b *InMemoryBackend) Size(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items), nil
}

func (b *InMemoryBackend) SetKillSwitch(ctx context.Context, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enabled
	return nil
}

func (b *InMemoryBackend) AgentsEnabled(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled, nil
}

func (b *InMemoryBackend) WithLock(ctx context.Context, key string, action func() error) (bool, error) {
	muAny, _ := b.locks.LoadOrStore(key, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	if !mu.TryLock() {
		return false, nil
	}
	defer mu.Unlock()
	return true, action()
}
