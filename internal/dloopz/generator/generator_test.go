package generator

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/dloopz/internal/common/dloopzerrors"
	"github.com/G-Research/dloopz/internal/dloopz/job"
	"github.com/G-Research/dloopz/internal/dloopz/server"
)

const waitFor = 5 * time.Second

func noop(context.Context, any) (any, error) { return nil, nil }

var constantSelector = TaskSelectorFunc(func(_ context.Context, cycle int) (job.Payload, any, error) {
	return noop, cycle, nil
})

func newServer(t *testing.T, capacity int) *server.Server {
	t.Helper()
	s, err := server.New(server.Params{Topology: server.SharedQueue, Workers: 1, QueueCapacity: capacity})
	require.NoError(t, err)
	return s
}

type runResult struct {
	report Report
	err    error
}

func start(ctx context.Context, g *Generator) <-chan runResult {
	result := make(chan runResult, 1)
	go func() {
		report, err := g.Run(ctx)
		result <- runResult{report: report, err: err}
	}()
	return result
}

func await(t *testing.T, result <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-result:
		return r
	case <-time.After(waitFor):
		t.Fatal("generator did not finish")
		return runResult{}
	}
}

func TestRun_CompletesLifetime(t *testing.T) {
	s := newServer(t, 8)
	g, err := New(3, Config{Lifetime: 5}, NewGate(true), constantSelector, s)
	require.NoError(t, err)
	assert.Equal(t, Idle, g.State())

	report, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Generator: 3, Cycles: 5, Completed: true}, report)
	assert.Equal(t, uint64(5), s.Stats().JobRequests)
	assert.Equal(t, Finished, g.State())

	_, err = g.Run(context.Background())
	assert.Error(t, err)
}

func TestRun_GateClosedAfterSecondCycle(t *testing.T) {
	s := newServer(t, 8)
	gate := NewGate(true)
	selector := TaskSelectorFunc(func(_ context.Context, cycle int) (job.Payload, any, error) {
		if cycle == 2 {
			gate.Close()
		}
		return noop, nil, nil
	})
	g, err := New(0, Config{Lifetime: 5, Interval: time.Millisecond}, gate, selector, s)
	require.NoError(t, err)

	result := start(context.Background(), g)

	// Closing the gate during cycle 2 does not stop that cycle's submission.
	require.Eventually(t, func() bool { return g.State() == GatedWait && s.Stats().JobRequests == 2 }, waitFor, time.Millisecond)
	assert.Never(t, func() bool { return s.Stats().JobRequests > 2 }, 50*time.Millisecond, 5*time.Millisecond)

	gate.Open()
	r := await(t, result)
	require.NoError(t, r.err)
	assert.Equal(t, Report{Generator: 0, Cycles: 5, Completed: true}, r.report)
	assert.Equal(t, uint64(5), s.Stats().JobRequests)
}

func TestRun_SharedGatePausesEveryGenerator(t *testing.T) {
	s := newServer(t, 32)
	gate := NewGate(false)
	results := make([]<-chan runResult, 3)
	for i := range results {
		g, err := New(i, Config{Lifetime: 4}, gate, constantSelector, s)
		require.NoError(t, err)
		results[i] = start(context.Background(), g)
	}
	assert.Never(t, func() bool { return s.Stats().JobRequests > 0 }, 30*time.Millisecond, 5*time.Millisecond)

	gate.Open()
	for i, result := range results {
		r := await(t, result)
		require.NoError(t, r.err)
		assert.Equal(t, Report{Generator: i, Cycles: 4, Completed: true}, r.report)
	}
	assert.Equal(t, uint64(12), s.Stats().JobRequests)
}

func TestRun_SleepsBetweenCycles(t *testing.T) {
	s := newServer(t, 8)
	fakeClock := clock.NewFakeClock(time.Now())
	g, err := New(0, Config{Lifetime: 3, Interval: time.Minute}, NewGate(true), constantSelector, s, WithClock(fakeClock))
	require.NoError(t, err)

	result := start(context.Background(), g)
	for submitted := uint64(1); submitted < 3; submitted++ {
		require.Eventually(t, fakeClock.HasWaiters, waitFor, time.Millisecond)
		assert.Equal(t, submitted, s.Stats().JobRequests)
		fakeClock.Step(time.Minute)
	}
	r := await(t, result)
	require.NoError(t, r.err)
	assert.True(t, r.report.Completed)
	assert.False(t, fakeClock.HasWaiters())
}

func TestRun_CancelledAtEachSuspensionPoint(t *testing.T) {
	tests := map[string]struct {
		gateOpen bool
		capacity int
		interval time.Duration
		state    State
	}{
		"gate":         {gateOpen: false, capacity: 8, interval: 0, state: GatedWait},
		"sleep":        {gateOpen: true, capacity: 8, interval: time.Hour, state: Running},
		"backpressure": {gateOpen: true, capacity: 1, interval: 0, state: Producing},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := newServer(t, tc.capacity)
			g, err := New(0, Config{Lifetime: RunForever, Interval: tc.interval}, NewGate(tc.gateOpen), constantSelector, s)
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			result := start(ctx, g)
			require.Eventually(t, func() bool { return g.State() == tc.state }, waitFor, time.Millisecond)
			if tc.state == Producing {
				require.Eventually(t, func() bool { return s.Stats().JobRequests == 2 }, waitFor, time.Millisecond)
			}
			cancel()

			r := await(t, result)
			require.NoError(t, r.err)
			assert.False(t, r.report.Completed)
			stats := s.Stats()
			assert.Equal(t, uint64(r.report.Cycles), stats.JobRequests)
			assert.Equal(t, r.report.Cycles, s.QueueSizes()[0])
			assert.True(t, stats.Conserved())
			assert.Equal(t, Finished, g.State())
		})
	}
}

func TestRun_SelectorFailure(t *testing.T) {
	s := newServer(t, 8)
	failing := TaskSelectorFunc(func(_ context.Context, cycle int) (job.Payload, any, error) {
		if cycle == 2 {
			return nil, nil, errors.New("no tasks left")
		}
		return noop, nil, nil
	})
	g, err := New(0, Config{Lifetime: 5}, NewGate(true), failing, s)
	require.NoError(t, err)

	report, err := g.Run(context.Background())
	assert.ErrorContains(t, err, "no tasks left")
	assert.Equal(t, 1, report.Cycles)
	assert.False(t, report.Completed)
}

func TestRun_NilPayloadRejected(t *testing.T) {
	s := newServer(t, 8)
	empty := TaskSelectorFunc(func(context.Context, int) (job.Payload, any, error) { return nil, nil, nil })
	g, err := New(0, Config{Lifetime: 1}, NewGate(true), empty, s)
	require.NoError(t, err)

	_, err = g.Run(context.Background())
	assert.True(t, dloopzerrors.IsInvalidArgument(err))
}

func TestNew_InvalidConfig(t *testing.T) {
	s := newServer(t, 1)
	tests := map[string]func() (*Generator, error){
		"negative lifetime": func() (*Generator, error) {
			return New(0, Config{Lifetime: -1}, NewGate(true), constantSelector, s)
		},
		"negative interval": func() (*Generator, error) {
			return New(0, Config{Interval: -time.Second}, NewGate(true), constantSelector, s)
		},
		"no gate": func() (*Generator, error) {
			return New(0, Config{}, nil, constantSelector, s)
		},
		"no selector": func() (*Generator, error) {
			return New(0, Config{}, NewGate(true), nil, s)
		},
	}
	for name, create := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := create()
			assert.True(t, dloopzerrors.IsInvalidArgument(err))
		})
	}
}
