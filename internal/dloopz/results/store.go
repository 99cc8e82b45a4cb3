// Package results keeps the outcome of completed jobs for a while after the jobs themselves have been released,
// so callers that submitted a job can look up how it went.
package results

import (
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/G-Research/dloopz/internal/common/dloopzerrors"
	"github.com/G-Research/dloopz/internal/dloopz/job"
)

type Result struct {
	Id      job.ID
	Outcome job.Outcome
	Timing  job.Timing
}

func (r Result) Succeeded() bool {
	return !r.Outcome.Failed()
}

// Store is an expiring map of job id to Result. It is safe for concurrent use and implements worker.Observer.
type Store struct {
	cache *cache.Cache
}

// NewStore creates a store that forgets results after ttl and sweeps expired entries every cleanupInterval.
func NewStore(ttl time.Duration, cleanupInterval time.Duration) *Store {
	return &Store{
		cache: cache.New(ttl, cleanupInterval),
	}
}

func (s *Store) Observe(j *job.Job) {
	s.cache.SetDefault(key(j.Id()), Result{
		Id:      j.Id(),
		Outcome: j.Outcome(),
		Timing:  j.Timing(),
	})
}

func (s *Store) Get(id job.ID) (Result, error) {
	value, ok := s.cache.Get(key(id))
	if !ok {
		return Result{}, errors.WithStack(&dloopzerrors.ErrNotFound{
			Type:    "job",
			Value:   id.String(),
			Message: "the job has not completed or its result has expired",
		})
	}
	return value.(Result), nil
}

// Count returns the number of results held, possibly including some that have expired but not yet been swept.
func (s *Store) Count() int {
	return s.cache.ItemCount()
}

func key(id job.ID) string {
	return strconv.FormatUint(uint64(id), 10)
}
