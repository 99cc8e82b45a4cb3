// Package queue provides a fixed-capacity FIFO of jobs with blocking put and get.
package queue

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/G-Research/dloopz/internal/common/dloopzerrors"
	"github.com/G-Research/dloopz/internal/dloopz/job"
)

// BoundedQueue is a ring buffer of jobs guarded by a single mutex. Putters wait on spaceCond while the queue is
// full and getters wait on valuesCond while it is empty, so each Put wakes at most one getter and each Get wakes
// at most one putter.
//
// Occupancy is putCount - getCount and always lies in [0, capacity]; slots are addressed by count mod capacity.
type BoundedQueue struct {
	mu         sync.Mutex
	spaceCond  *sync.Cond
	valuesCond *sync.Cond
	elements   []*job.Job
	putCount   uint64
	getCount   uint64
}

func New(capacity int) (*BoundedQueue, error) {
	if capacity < 1 {
		return nil, errors.WithStack(&dloopzerrors.ErrInvalidArgument{
			Name:    "capacity",
			Value:   capacity,
			Message: "queue capacity must be at least 1",
		})
	}
	q := &BoundedQueue{
		elements: make([]*job.Job, capacity),
	}
	q.spaceCond = sync.NewCond(&q.mu)
	q.valuesCond = sync.NewCond(&q.mu)
	return q, nil
}

// Put appends j, blocking while the queue is full. If ctx is cancelled while waiting, Put returns ctx.Err()
// and the queue is unchanged.
func (q *BoundedQueue) Put(ctx context.Context, j *job.Job) error {
	if j == nil {
		return errors.WithStack(&dloopzerrors.ErrInvalidArgument{Name: "job", Value: nil, Message: "cannot queue a nil job"})
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { q.wakeAll(q.spaceCond) })
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.occupancy() == q.capacity() {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.spaceCond.Wait()
	}
	q.elements[q.putCount%q.capacity()] = j
	q.putCount++
	q.valuesCond.Signal()
	return nil
}

// Get removes and returns the oldest job, blocking while the queue is empty. A cancelled ctx is observed before
// anything is dequeued, so a caller that gets an error never holds a job.
func (q *BoundedQueue) Get(ctx context.Context) (*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { q.wakeAll(q.valuesCond) })
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.occupancy() == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.valuesCond.Wait()
	}
	return q.take(), nil
}

// TryGet removes and returns the oldest job if there is one. It never blocks.
func (q *BoundedQueue) TryGet() (*job.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.occupancy() == 0 {
		return nil, false
	}
	return q.take(), true
}

// Size returns the number of queued jobs.
func (q *BoundedQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.occupancy())
}

func (q *BoundedQueue) Capacity() int {
	return len(q.elements)
}

// take must be called with mu held and occupancy > 0.
func (q *BoundedQueue) take() *job.Job {
	idx := q.getCount % q.capacity()
	j := q.elements[idx]
	q.elements[idx] = nil
	q.getCount++
	q.spaceCond.Signal()
	return j
}

func (q *BoundedQueue) occupancy() uint64 {
	return q.putCount - q.getCount
}

func (q *BoundedQueue) capacity() uint64 {
	return uint64(len(q.elements))
}

// wakeAll lets cancelled waiters re-check their context. Waiters whose context is still live go back to sleep.
func (q *BoundedQueue) wakeAll(cond *sync.Cond) {
	q.mu.Lock()
	cond.Broadcast()
	q.mu.Unlock()
}
