// Package workload synthesises the jobs that generators submit when dloopz runs as a standalone server.
package workload

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/dloopz/internal/common/dloopzerrors"
	"github.com/G-Research/dloopz/internal/dloopz/job"
)

// Kind is the sort of work a synthetic task does.
type Kind int

const (
	// Sleep waits for the task's duration.
	Sleep Kind = iota
	// Spin keeps a CPU busy for the task's duration.
	Spin
)

func (k Kind) String() string {
	switch k {
	case Sleep:
		return "sleep"
	case Spin:
		return "spin"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "sleep":
		*k = Sleep
	case "spin":
		*k = Spin
	default:
		return errors.Errorf("unknown task kind %q; valid kinds are sleep and spin", text)
	}
	return nil
}

type Config struct {
	Kinds       []Kind
	MinDuration time.Duration
	MaxDuration time.Duration
	// Probability in [0, 1] that a task fails once it has done its work.
	FailureRate float64
	// Seed for task selection. Zero seeds from the current time.
	Seed int64
}

// Task is the data handed to a synthetic payload.
type Task struct {
	Cycle    int
	Kind     Kind
	Duration time.Duration
	Fail     bool
}

// ErrSyntheticFailure is returned by tasks chosen to fail.
var ErrSyntheticFailure = errors.New("synthetic task failure")

// Selector picks a random task for each generator cycle.
type Selector struct {
	config Config
	mu     sync.Mutex
	rand   *rand.Rand
}

func NewSelector(config Config) (*Selector, error) {
	if len(config.Kinds) == 0 {
		config.Kinds = []Kind{Sleep}
	}
	if config.MinDuration < 0 || config.MaxDuration < config.MinDuration {
		return nil, errors.WithStack(&dloopzerrors.ErrInvalidArgument{
			Name:    "maxDuration",
			Value:   config.MaxDuration,
			Message: "task durations must satisfy 0 <= minDuration <= maxDuration",
		})
	}
	if config.FailureRate < 0 || config.FailureRate > 1 {
		return nil, errors.WithStack(&dloopzerrors.ErrInvalidArgument{
			Name:    "failureRate",
			Value:   config.FailureRate,
			Message: "must be between 0 and 1",
		})
	}
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Selector{
		config: config,
		rand:   rand.New(rand.NewSource(seed)),
	}, nil
}

func (s *Selector) Select(_ context.Context, cycle int) (job.Payload, any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := Task{
		Cycle:    cycle,
		Kind:     s.config.Kinds[s.rand.Intn(len(s.config.Kinds))],
		Duration: s.config.MinDuration,
		Fail:     s.rand.Float64() < s.config.FailureRate,
	}
	if spread := s.config.MaxDuration - s.config.MinDuration; spread > 0 {
		task.Duration += time.Duration(s.rand.Int63n(int64(spread) + 1))
	}
	return Execute, task, nil
}

// Execute runs a Task. It is the payload of every synthetic job.
func Execute(ctx context.Context, data any) (any, error) {
	task, ok := data.(Task)
	if !ok {
		return nil, errors.Errorf("expected a workload.Task but got %T", data)
	}
	var err error
	switch task.Kind {
	case Sleep:
		err = sleep(ctx, task.Duration)
	case Spin:
		err = spin(ctx, task.Duration)
	default:
		err = errors.Errorf("unknown task kind %d", task.Kind)
	}
	if err != nil {
		return nil, err
	}
	if task.Fail {
		return nil, errors.WithMessagef(ErrSyntheticFailure, "cycle %d", task.Cycle)
	}
	return task.Duration, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func spin(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	for n := 0; time.Now().Before(deadline); n++ {
		if n%1024 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}
