package server

import (
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/dloopz/internal/dloopz/queue"
)

// Topology decides whether workers share a single queue or each own one.
type Topology int

const (
	// SharedQueue has every worker pull from one queue.
	SharedQueue Topology = iota
	// PerWorkerQueue gives worker i exclusive use of queue i.
	PerWorkerQueue
)

func (t Topology) String() string {
	switch t {
	case SharedQueue:
		return "shared"
	case PerWorkerQueue:
		return "perWorker"
	default:
		return "unknown"
	}
}

var topologiesByName = map[string]Topology{
	"shared":     SharedQueue,
	"perworker":  PerWorkerQueue,
	"per-worker": PerWorkerQueue,
}

func (t Topology) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Topology) UnmarshalText(text []byte) error {
	topology, ok := topologiesByName[strings.ToLower(string(text))]
	if !ok {
		return errors.Errorf("unknown topology %q; valid topologies are %s", text, validNames(topologiesByName))
	}
	*t = topology
	return nil
}

// Assignment names the policy used to pick a queue for each submitted job under PerWorkerQueue.
type Assignment int

const (
	RoundRobin Assignment = iota
	LeastLoaded
)

func (a Assignment) String() string {
	switch a {
	case RoundRobin:
		return "roundRobin"
	case LeastLoaded:
		return "leastLoaded"
	default:
		return "unknown"
	}
}

var assignmentsByName = map[string]Assignment{
	"roundrobin":   RoundRobin,
	"round-robin":  RoundRobin,
	"leastloaded":  LeastLoaded,
	"least-loaded": LeastLoaded,
}

func (a Assignment) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Assignment) UnmarshalText(text []byte) error {
	assignment, ok := assignmentsByName[strings.ToLower(string(text))]
	if !ok {
		return errors.Errorf("unknown assignment %q; valid assignments are %s", text, validNames(assignmentsByName))
	}
	*a = assignment
	return nil
}

func validNames[T any](byName map[string]T) string {
	names := maps.Keys(byName)
	slices.Sort(names)
	return strings.Join(names, ", ")
}

// AssignmentPolicy picks the queue a job is submitted to. Implementations must be safe for concurrent use.
type AssignmentPolicy interface {
	Select(queues []*queue.BoundedQueue) int
}

func newAssignmentPolicy(a Assignment) (AssignmentPolicy, error) {
	switch a {
	case RoundRobin:
		return &RoundRobinPolicy{}, nil
	case LeastLoaded:
		return LeastLoadedPolicy{}, nil
	default:
		return nil, errors.Errorf("unknown assignment %d", a)
	}
}

// RoundRobinPolicy cycles through the queues in index order, starting at queue 0.
type RoundRobinPolicy struct {
	next uint64
}

func (p *RoundRobinPolicy) Select(queues []*queue.BoundedQueue) int {
	n := atomic.AddUint64(&p.next, 1) - 1
	return int(n % uint64(len(queues)))
}

// LeastLoadedPolicy picks the queue with the fewest queued jobs, preferring the lowest index on ties.
// Sizes are sampled one queue at a time, so concurrent submitters may pick the same queue.
type LeastLoadedPolicy struct{}

func (LeastLoadedPolicy) Select(queues []*queue.BoundedQueue) int {
	best, bestSize := 0, -1
	for i, q := range queues {
		size := q.Size()
		if bestSize < 0 || size < bestSize {
			best, bestSize = i, size
		}
	}
	return best
}
