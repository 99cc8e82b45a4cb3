// Package generator contains the producers that synthesise jobs at a fixed rate and submit them to a server.
package generator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/dloopz/internal/common/dloopzerrors"
	"github.com/G-Research/dloopz/internal/dloopz/job"
)

// RunForever as a Lifetime makes a generator produce until its context is cancelled.
const RunForever = 0

type State int32

const (
	Idle State = iota
	Running
	GatedWait
	Producing
	Finished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case GatedWait:
		return "GatedWait"
	case Producing:
		return "Producing"
	case Finished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// TaskSelector decides what each cycle's job does.
type TaskSelector interface {
	Select(ctx context.Context, cycle int) (job.Payload, any, error)
}

// TaskSelectorFunc adapts a function to a TaskSelector.
type TaskSelectorFunc func(ctx context.Context, cycle int) (job.Payload, any, error)

func (f TaskSelectorFunc) Select(ctx context.Context, cycle int) (job.Payload, any, error) {
	return f(ctx, cycle)
}

// Submitter is the part of the server a generator needs.
type Submitter interface {
	NewJob(payload job.Payload, data any) (*job.Job, error)
	Submit(ctx context.Context, j *job.Job) error
}

type Config struct {
	// Delay between the end of one cycle and the start of the next.
	Interval time.Duration
	// Number of cycles to run, or RunForever.
	Lifetime int
}

// Report summarises a generator run.
type Report struct {
	Generator int
	// Number of jobs submitted.
	Cycles int
	// True if the generator ran all Lifetime cycles without being cancelled.
	Completed bool
}

type Option func(*Generator)

// WithClock replaces the clock used for the inter-cycle sleep.
func WithClock(c clock.Clock) Option {
	return func(g *Generator) {
		g.clock = c
	}
}

type Generator struct {
	id        int
	config    Config
	gate      *Gate
	selector  TaskSelector
	submitter Submitter
	clock     clock.Clock
	state     int32
	log       *log.Entry
}

func New(id int, config Config, gate *Gate, selector TaskSelector, submitter Submitter, opts ...Option) (*Generator, error) {
	if config.Lifetime < 0 {
		return nil, errors.WithStack(&dloopzerrors.ErrInvalidArgument{
			Name:    "lifetime",
			Value:   config.Lifetime,
			Message: "use 0 to run indefinitely",
		})
	}
	if config.Interval < 0 {
		return nil, errors.WithStack(&dloopzerrors.ErrInvalidArgument{Name: "interval", Value: config.Interval})
	}
	if gate == nil || selector == nil || submitter == nil {
		return nil, errors.WithStack(&dloopzerrors.ErrInvalidArgument{
			Name:    "generator",
			Value:   id,
			Message: "a gate, task selector and submitter are all required",
		})
	}
	g := &Generator{
		id:        id,
		config:    config,
		gate:      gate,
		selector:  selector,
		submitter: submitter,
		clock:     clock.RealClock{},
		state:     int32(Idle),
		log:       log.WithField("generator", id),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Generator) Id() int {
	return g.id
}

func (g *Generator) State() State {
	return State(atomic.LoadInt32(&g.state))
}

// Run produces jobs until Lifetime cycles have been submitted or ctx is cancelled. Each cycle waits for the gate
// to be open, asks the selector for a task, submits it and then sleeps for Interval; the sleep is skipped after
// the final cycle. Cancellation ends the run with Completed unset and no error. Selector and submission failures
// end the run with an error.
func (g *Generator) Run(ctx context.Context) (Report, error) {
	if !atomic.CompareAndSwapInt32(&g.state, int32(Idle), int32(Running)) {
		return Report{Generator: g.id}, errors.Errorf("generator %d has already been run", g.id)
	}
	defer g.setState(Finished)

	report := Report{Generator: g.id}
	g.log.WithFields(log.Fields{"interval": g.config.Interval, "lifetime": g.config.Lifetime}).Debug("generator started")
	for cycle := 1; g.config.Lifetime == RunForever || cycle <= g.config.Lifetime; cycle++ {
		g.setState(GatedWait)
		if err := g.gate.Wait(ctx); err != nil {
			return g.stopped(report), nil
		}

		g.setState(Producing)
		payload, data, err := g.selector.Select(ctx, cycle)
		if err != nil {
			return report, errors.WithMessagef(err, "generator %d failed to select a task for cycle %d", g.id, cycle)
		}
		j, err := g.submitter.NewJob(payload, data)
		if err != nil {
			return report, errors.WithMessagef(err, "generator %d failed to create a job for cycle %d", g.id, cycle)
		}
		if err := g.submitter.Submit(ctx, j); err != nil {
			if ctx.Err() != nil {
				return g.stopped(report), nil
			}
			return report, errors.WithMessagef(err, "generator %d failed to submit job %d", g.id, j.Id())
		}
		report.Cycles++

		if cycle == g.config.Lifetime {
			break
		}
		g.setState(Running)
		if err := g.sleep(ctx); err != nil {
			return g.stopped(report), nil
		}
	}
	report.Completed = true
	g.log.WithField("cycles", report.Cycles).Info("generator finished")
	return report, nil
}

func (g *Generator) stopped(report Report) Report {
	g.log.WithField("cycles", report.Cycles).Info("generator stopped before finishing")
	return report
}

func (g *Generator) sleep(ctx context.Context) error {
	if g.config.Interval <= 0 {
		return ctx.Err()
	}
	select {
	case <-g.clock.After(g.config.Interval):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Generator) setState(s State) {
	atomic.StoreInt32(&g.state, int32(s))
}
