package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/dloopz/internal/dloopz/queue"
)

func TestTopology_UnmarshalText(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected Topology
		err      bool
	}{
		"shared":            {input: "shared", expected: SharedQueue},
		"perWorker":         {input: "perWorker", expected: PerWorkerQueue},
		"per-worker":        {input: "PER-WORKER", expected: PerWorkerQueue},
		"random is refused": {input: "random", err: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var topology Topology
			err := topology.UnmarshalText([]byte(tc.input))
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, topology)
		})
	}
}

func TestAssignment_UnmarshalText(t *testing.T) {
	var a Assignment
	require.NoError(t, a.UnmarshalText([]byte("leastLoaded")))
	assert.Equal(t, LeastLoaded, a)
	require.NoError(t, a.UnmarshalText([]byte("round-robin")))
	assert.Equal(t, RoundRobin, a)
	assert.Error(t, a.UnmarshalText([]byte("random")))
}

func TestStringers(t *testing.T) {
	assert.Equal(t, "shared", SharedQueue.String())
	assert.Equal(t, "perWorker", PerWorkerQueue.String())
	assert.Equal(t, "unknown", Topology(5).String())
	assert.Equal(t, "roundRobin", RoundRobin.String())
	assert.Equal(t, "leastLoaded", LeastLoaded.String())
}

func TestRoundRobinPolicy(t *testing.T) {
	queues := make([]*queue.BoundedQueue, 3)
	policy := &RoundRobinPolicy{}
	var picks []int
	for i := 0; i < 7; i++ {
		picks = append(picks, policy.Select(queues))
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2, 0}, picks)
}
