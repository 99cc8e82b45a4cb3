// Package job defines the unit of work handed from generators to workers.
//
// A Job carries no lock of its own. It is owned by the submitter until it is queued, by its queue while
// queued and by the executing worker while running; each owner advances its state through the Mark*
// methods, which reject transitions that do not follow Created -> Queued -> Running -> Completed.
package job

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/dloopz/internal/common/dloopzerrors"
)

// ID uniquely identifies a job within the IDGenerator that created it.
type ID uint64

func (id ID) String() string {
	return fmt.Sprintf("%d", uint64(id))
}

// Payload is the executable part of a job. data is whatever was supplied when the job was created.
type Payload func(ctx context.Context, data any) (any, error)

// IDGenerator hands out job ids starting at 1. Ids are never reused.
type IDGenerator struct {
	last uint64
}

func (g *IDGenerator) Next() ID {
	return ID(atomic.AddUint64(&g.last, 1))
}

// Last returns the most recently assigned id, or 0 if none has been assigned.
func (g *IDGenerator) Last() ID {
	return ID(atomic.LoadUint64(&g.last))
}

// Timing records when a job passed each lifecycle transition. Zero values are unset.
type Timing struct {
	Submitted time.Time
	Started   time.Time
	Ended     time.Time
}

// DeadTime is how long the job waited between submission and the start of execution.
func (t Timing) DeadTime() time.Duration {
	if t.Submitted.IsZero() || t.Started.IsZero() {
		return 0
	}
	return t.Started.Sub(t.Submitted)
}

// Elapsed is the time from submission to completion.
func (t Timing) Elapsed() time.Duration {
	if t.Submitted.IsZero() || t.Ended.IsZero() {
		return 0
	}
	return t.Ended.Sub(t.Submitted)
}

// Outcome is the result of executing a payload.
type Outcome struct {
	Result any
	Err    error
}

func (o Outcome) Failed() bool {
	return o.Err != nil
}

type Job struct {
	id      ID
	payload Payload
	data    any
	timing  Timing
	state   State
	outcome Outcome
}

// New creates a job with the next id from ids. All timing fields are unset.
func New(ids *IDGenerator, payload Payload, data any) (*Job, error) {
	if ids == nil {
		return nil, errors.WithStack(&dloopzerrors.ErrInvalidArgument{Name: "ids", Value: nil, Message: "an id generator is required"})
	}
	if payload == nil {
		return nil, errors.WithStack(&dloopzerrors.ErrInvalidArgument{Name: "payload", Value: nil, Message: "a job needs something to execute"})
	}
	return &Job{
		id:      ids.Next(),
		payload: payload,
		data:    data,
		state:   Created,
	}, nil
}

func (j *Job) Id() ID {
	return j.id
}

func (j *Job) State() State {
	return j.state
}

func (j *Job) Timing() Timing {
	return j.timing
}

func (j *Job) Outcome() Outcome {
	return j.outcome
}

func (j *Job) String() string {
	return fmt.Sprintf("job %d (%s)", j.id, j.state)
}

// MarkQueued records that the job has been handed to a queue at t.
func (j *Job) MarkQueued(t time.Time) error {
	if err := j.transition("MarkQueued", Created, Queued); err != nil {
		return err
	}
	j.timing.Submitted = t
	return nil
}

// Unqueue returns a job whose enqueue was abandoned to the Created state.
func (j *Job) Unqueue() error {
	if err := j.transition("Unqueue", Queued, Created); err != nil {
		return err
	}
	j.timing.Submitted = time.Time{}
	return nil
}

// MarkRunning records that a worker has taken the job and is about to execute it at t.
func (j *Job) MarkRunning(t time.Time) error {
	if err := j.transition("MarkRunning", Queued, Running); err != nil {
		return err
	}
	j.timing.Started = t
	return nil
}

// MarkCompleted records that the payload returned outcome at t.
func (j *Job) MarkCompleted(t time.Time, outcome Outcome) error {
	if err := j.transition("MarkCompleted", Running, Completed); err != nil {
		return err
	}
	j.timing.Ended = t
	j.outcome = outcome
	return nil
}

// Execute runs the payload with the job's data. A panicking payload is reported as a failed outcome.
// The job must be Running.
func (j *Job) Execute(ctx context.Context) (outcome Outcome) {
	if j.state != Running {
		return Outcome{Err: j.violation("Execute")}
	}
	defer func() {
		if r := recover(); r != nil {
			outcome = Outcome{Err: errors.Errorf("payload of job %d panicked: %v", j.id, r)}
		}
	}()
	result, err := j.payload(ctx, j.data)
	return Outcome{Result: result, Err: err}
}

// Release drops the payload and data. The job must not be referenced by any queue or worker afterwards;
// its id, timing and outcome remain readable.
func (j *Job) Release() {
	j.payload = nil
	j.data = nil
	j.state = Released
}

func (j *Job) transition(operation string, from State, to State) error {
	if j.state != from {
		return j.violation(operation)
	}
	j.state = to
	return nil
}

func (j *Job) violation(operation string) error {
	return errors.WithStack(&dloopzerrors.ErrContractViolation{
		JobId:     uint64(j.id),
		Operation: operation,
		State:     j.state.String(),
	})
}
