// Package server owns the job queues and the aggregate statistics of a dloopz instance. Generators submit jobs
// through it and workers report the start and completion of each job back to it.
package server

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/dloopz/internal/common/dloopzerrors"
	"github.com/G-Research/dloopz/internal/common/logging"
	"github.com/G-Research/dloopz/internal/common/util"
	"github.com/G-Research/dloopz/internal/dloopz/job"
	"github.com/G-Research/dloopz/internal/dloopz/queue"
)

type Params struct {
	Topology Topology
	// Number of workers. Under PerWorkerQueue this is also the number of queues.
	Workers       int
	QueueCapacity int
	// Only consulted under PerWorkerQueue.
	Assignment Assignment
}

func (p Params) validate() error {
	var result *multierror.Error
	if p.Topology != SharedQueue && p.Topology != PerWorkerQueue {
		result = multierror.Append(result, &dloopzerrors.ErrInvalidArgument{Name: "topology", Value: int(p.Topology)})
	}
	if p.Workers < 1 {
		result = multierror.Append(result, &dloopzerrors.ErrInvalidArgument{
			Name:    "workers",
			Value:   p.Workers,
			Message: "at least one worker is required",
		})
	}
	if p.QueueCapacity < 1 {
		result = multierror.Append(result, &dloopzerrors.ErrInvalidArgument{
			Name:    "queueCapacity",
			Value:   p.QueueCapacity,
			Message: "queues must hold at least one job",
		})
	}
	return result.ErrorOrNil()
}

type Option func(*Server)

// WithClock replaces the clock used to timestamp job transitions.
func WithClock(c clock.PassiveClock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithAssignmentPolicy overrides the policy derived from Params.Assignment.
func WithAssignmentPolicy(p AssignmentPolicy) Option {
	return func(s *Server) {
		s.policy = p
	}
}

type Server struct {
	id     string
	params Params
	queues []*queue.BoundedQueue
	policy AssignmentPolicy
	ids    *job.IDGenerator
	clock  clock.PassiveClock
	log    *log.Entry

	// Guards stats. Never held while waiting on a queue.
	mu    sync.Mutex
	stats Stats
}

// New creates a server with one queue under SharedQueue or params.Workers queues under PerWorkerQueue.
// Invalid params are rejected with ErrInvalidArgument rather than adjusted.
func New(params Params, opts ...Option) (*Server, error) {
	if err := params.validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid server parameters")
	}
	numQueues := 1
	if params.Topology == PerWorkerQueue {
		numQueues = params.Workers
	}
	queues := make([]*queue.BoundedQueue, numQueues)
	for i := range queues {
		q, err := queue.New(params.QueueCapacity)
		if err != nil {
			return nil, err
		}
		queues[i] = q
	}
	policy, err := newAssignmentPolicy(params.Assignment)
	if err != nil {
		return nil, errors.WithStack(&dloopzerrors.ErrInvalidArgument{Name: "assignment", Value: int(params.Assignment), Message: err.Error()})
	}

	id := util.NewULID()
	s := &Server{
		id:     id,
		params: params,
		queues: queues,
		policy: policy,
		ids:    &job.IDGenerator{},
		clock:  clock.RealClock{},
		log:    log.WithField("server", id),
		stats:  newStats(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Id uniquely identifies this server instance.
func (s *Server) Id() string {
	return s.id
}

func (s *Server) Params() Params {
	return s.params
}

// LogParams logs the server's topology and worker count.
func (s *Server) LogParams() {
	fields := log.Fields{
		"topology":      s.params.Topology.String(),
		"workers":       s.params.Workers,
		"queues":        len(s.queues),
		"queueCapacity": s.params.QueueCapacity,
	}
	if s.params.Topology == PerWorkerQueue {
		fields["assignment"] = s.params.Assignment.String()
	}
	s.log.WithFields(fields).Info("server parameters")
}

// NewJob creates a job using this server's id generator.
func (s *Server) NewJob(payload job.Payload, data any) (*job.Job, error) {
	return job.New(s.ids, payload, data)
}

func (s *Server) QueueCount() int {
	return len(s.queues)
}

// QueueFor returns the queue worker reads from: the single queue under SharedQueue and queue number worker
// under PerWorkerQueue.
func (s *Server) QueueFor(worker int) (*queue.BoundedQueue, error) {
	if s.params.Topology == SharedQueue {
		return s.queues[0], nil
	}
	if worker < 0 || worker >= len(s.queues) {
		return nil, errors.WithStack(&dloopzerrors.ErrInvalidArgument{
			Name:    "worker",
			Value:   worker,
			Message: "no queue exists for this worker index",
		})
	}
	return s.queues[worker], nil
}

// QueueSizes returns the occupancy of each queue, indexed like the queues themselves.
func (s *Server) QueueSizes() []int {
	sizes := make([]int, len(s.queues))
	for i, q := range s.queues {
		sizes[i] = q.Size()
	}
	return sizes
}

// Submit stamps j as submitted and puts it on a queue, blocking while that queue is full. If ctx is cancelled
// before the job is queued, the job returns to the Created state and is not counted. A job rejected before queue
// selection does not advance the assignment policy; a cancelled put does, as the queue had already been chosen.
func (s *Server) Submit(ctx context.Context, j *job.Job) error {
	if j == nil {
		return errors.WithStack(&dloopzerrors.ErrInvalidArgument{
			Name:    "job",
			Message: "cannot submit a nil job",
		})
	}
	if err := j.MarkQueued(s.clock.Now()); err != nil {
		return s.violation(err)
	}
	q := s.queues[0]
	if len(s.queues) > 1 {
		q = s.queues[s.policy.Select(s.queues)]
	}

	s.mu.Lock()
	s.stats.recordSubmitted()
	s.mu.Unlock()

	id := j.Id()
	if err := q.Put(ctx, j); err != nil {
		s.mu.Lock()
		s.stats.withdrawSubmitted()
		s.mu.Unlock()
		if unqueueErr := j.Unqueue(); unqueueErr != nil {
			return s.violation(unqueueErr)
		}
		return errors.WithMessagef(err, "failed to submit job %d", id)
	}
	return nil
}

// RecordStart must be called by a worker immediately before executing j.
func (s *Server) RecordStart(j *job.Job) error {
	if err := j.MarkRunning(s.clock.Now()); err != nil {
		return s.violation(err)
	}
	deadTime := j.Timing().DeadTime()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.recordStarted(deadTime)
	return nil
}

// RecordCompletion must be called by a worker after the payload of j has returned.
func (s *Server) RecordCompletion(j *job.Job, outcome job.Outcome) error {
	if err := j.MarkCompleted(s.clock.Now(), outcome); err != nil {
		return s.violation(err)
	}
	elapsed := j.Timing().Elapsed()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.recordCompleted(elapsed, outcome.Failed())
	return nil
}

// Stats returns a consistent copy of the aggregate counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Server) violation(err error) error {
	logging.WithStacktrace(s.log, err).Error("job lifecycle contract violated; aggregates left unchanged")
	return err
}
