// Package worker runs the fixed set of long-lived workers that execute queued jobs.
package worker

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/dloopz/internal/common/dlcontext"
	"github.com/G-Research/dloopz/internal/common/dloopzerrors"
	"github.com/G-Research/dloopz/internal/common/logging"
	"github.com/G-Research/dloopz/internal/dloopz/job"
	"github.com/G-Research/dloopz/internal/dloopz/queue"
	"github.com/G-Research/dloopz/internal/dloopz/server"
)

// DrainPolicy decides what happens to queued jobs when the pool is stopped.
type DrainPolicy int

const (
	// DrainQueued has each worker empty its queue before exiting.
	DrainQueued DrainPolicy = iota
	// Abandon has workers exit after their in-flight job, leaving queued jobs where they are.
	Abandon
)

func (d DrainPolicy) String() string {
	switch d {
	case DrainQueued:
		return "drain"
	case Abandon:
		return "abandon"
	default:
		return "unknown"
	}
}

func (d DrainPolicy) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DrainPolicy) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "drain", "drainqueued":
		*d = DrainQueued
	case "abandon":
		*d = Abandon
	default:
		return errors.Errorf("unknown drain policy %q; valid policies are drain and abandon", text)
	}
	return nil
}

// Observer is handed every job after its completion has been recorded and before it is released.
// Implementations must not retain the job.
type Observer interface {
	Observe(j *job.Job)
}

type Config struct {
	Workers  int
	Drain    DrainPolicy
	Observer Observer
}

// Pool is a fixed set of workers bound to the queues of a server. Under server.PerWorkerQueue worker i only
// ever reads queue i; under server.SharedQueue all workers contend on the one queue.
type Pool struct {
	server    *server.Server
	config    Config
	log       *log.Entry
	processed []uint64

	mu            sync.Mutex
	started       bool
	stopRequested int32
	failed        int32
	stopGets      context.CancelFunc
	done          chan struct{}
	err           error
}

func NewPool(s *server.Server, config Config) *Pool {
	return &Pool{
		server:    s,
		config:    config,
		log:       log.WithField("server", s.Id()),
		processed: make([]uint64, max(config.Workers, 0)),
		done:      make(chan struct{}),
	}
}

// Start spawns the workers. Cancelling ctx stops the workers at their next get without draining. Payloads run on a
// context that keeps ctx's values but not its cancellation, so a job already executing always runs to completion.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("worker pool already started")
	}

	queues := make([]*queue.BoundedQueue, p.config.Workers)
	for i := range queues {
		q, err := p.server.QueueFor(i)
		if err != nil {
			return err
		}
		queues[i] = q
	}

	logger := dlcontext.FromContext(ctx).Log.WithField("server", p.server.Id())
	execCtx, stopExec := context.WithCancel(context.WithoutCancel(ctx))
	runCtx := dlcontext.New(execCtx, logger)
	getCtx, stopGets := dlcontext.WithCancel(dlcontext.New(ctx, logger))
	g, groupCtx := dlcontext.ErrGroup(getCtx)
	for i, q := range queues {
		i, q := i, q
		g.Go(func() error {
			err := p.runWorker(dlcontext.WithLogField(runCtx, "worker", i), groupCtx, i, q)
			if err != nil {
				atomic.StoreInt32(&p.failed, 1)
			}
			return err
		})
	}
	p.started = true
	p.stopGets = stopGets
	go func() {
		err := g.Wait()
		stopGets()
		stopExec()
		if atomic.LoadInt32(&p.stopRequested) == 0 {
			p.warnLeftover()
		}
		p.err = err
		close(p.done)
	}()
	p.log.WithFields(log.Fields{
		"workers":  p.config.Workers,
		"topology": p.server.Params().Topology.String(),
		"drain":    p.config.Drain.String(),
	}).Info("worker pool started")
	return nil
}

// Stop asks the workers to exit once their in-flight job has finished and waits for them. Under DrainQueued the
// queues are emptied first; under Abandon the jobs stay queued. Any jobs still queued once the workers have exited
// are logged, whatever the policy.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	atomic.StoreInt32(&p.stopRequested, 1)
	p.stopGets()
	p.mu.Unlock()

	err := p.Wait()
	p.warnLeftover()
	return err
}

func (p *Pool) warnLeftover() {
	queued := 0
	sizes := p.server.QueueSizes()
	for _, size := range sizes {
		queued += size
	}
	if queued > 0 {
		p.log.WithFields(log.Fields{
			"queued":     queued,
			"queueSizes": sizes,
			"drain":      p.config.Drain.String(),
		}).Warn("worker pool stopped with jobs still queued")
	}
}

// Wait blocks until every worker has exited and returns the first fatal error any of them hit.
// It returns immediately if the pool was never started.
func (p *Pool) Wait() error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil
	}
	<-p.done
	return p.err
}

// Done is closed once every worker has exited.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Processed returns the number of jobs each worker has completed.
func (p *Pool) Processed() []uint64 {
	counts := make([]uint64, len(p.processed))
	for i := range p.processed {
		counts[i] = atomic.LoadUint64(&p.processed[i])
	}
	return counts
}

func (p *Pool) validate() error {
	var result *multierror.Error
	if p.config.Workers < 1 {
		result = multierror.Append(result, &dloopzerrors.ErrInvalidArgument{
			Name:    "workers",
			Value:   p.config.Workers,
			Message: "at least one worker is required",
		})
	}
	if p.server.Params().Topology == server.PerWorkerQueue && p.config.Workers != p.server.QueueCount() {
		result = multierror.Append(result, &dloopzerrors.ErrInvalidArgument{
			Name:    "workers",
			Value:   p.config.Workers,
			Message: "per-worker topology needs exactly one worker per queue",
		})
	}
	if p.config.Drain != DrainQueued && p.config.Drain != Abandon {
		result = multierror.Append(result, &dloopzerrors.ErrInvalidArgument{Name: "drain", Value: int(p.config.Drain)})
	}
	return result.ErrorOrNil()
}

// runWorker gets jobs with getCtx and executes them with ctx. It only returns an error on a contract violation.
func (p *Pool) runWorker(ctx *dlcontext.Context, getCtx context.Context, index int, q *queue.BoundedQueue) error {
	ctx.Log.Debug("worker started")
	defer ctx.Log.Debug("worker stopped")
	for {
		j, err := q.Get(getCtx)
		if err != nil {
			if p.draining() {
				return p.drain(ctx, index, q)
			}
			return nil
		}
		if err := p.process(ctx, index, j); err != nil {
			return err
		}
	}
}

// draining is true once Stop has been called under DrainQueued, unless a worker has hit a fatal error.
func (p *Pool) draining() bool {
	return atomic.LoadInt32(&p.stopRequested) == 1 && p.config.Drain == DrainQueued && atomic.LoadInt32(&p.failed) == 0
}

func (p *Pool) drain(ctx *dlcontext.Context, index int, q *queue.BoundedQueue) error {
	drained := 0
	for {
		j, ok := q.TryGet()
		if !ok {
			if drained > 0 {
				ctx.Log.WithField("drained", drained).Info("worker drained its queue")
			}
			return nil
		}
		if err := p.process(ctx, index, j); err != nil {
			return err
		}
		drained++
	}
}

func (p *Pool) process(ctx *dlcontext.Context, index int, j *job.Job) error {
	if err := p.server.RecordStart(j); err != nil {
		return errors.WithMessagef(err, "worker %d", index)
	}
	outcome := j.Execute(ctx)
	if outcome.Failed() {
		logging.WithStacktrace(ctx.Log.WithField("job", j.Id()), outcome.Err).Warn("job failed")
	}
	if err := p.server.RecordCompletion(j, outcome); err != nil {
		return errors.WithMessagef(err, "worker %d", index)
	}
	if p.config.Observer != nil {
		p.config.Observer.Observe(j)
	}
	j.Release()
	atomic.AddUint64(&p.processed[index], 1)
	return nil
}
